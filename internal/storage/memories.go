package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MemoryRecord is a stored note produced by a follow-on storage action.
type MemoryRecord struct {
	ID        string         `json:"id"`
	Agent     string         `json:"agent,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Key       string         `json:"key,omitempty"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// MemoryQuery selects records for retrieval.
type MemoryQuery struct {
	Key       string
	SessionID string
	Agent     string
	Limit     int
}

const defaultMemoryLimit = 20

// MemoryStore persists memory records through an Engine. It talks to the raw
// engine; agents never reach it directly.
type MemoryStore struct {
	engine Engine
	now    func() time.Time
}

// NewMemoryStore creates a store over engine.
func NewMemoryStore(engine Engine) *MemoryStore {
	return &MemoryStore{engine: engine, now: time.Now}
}

// EnsureSchema creates the memories table and its indexes.
func (s *MemoryStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			agent TEXT,
			session_id TEXT,
			key TEXT,
			content TEXT NOT NULL,
			metadata TEXT,
			created_at INTEGER NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS idx_memories_key ON memories(key)",
		"CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_id)",
		"CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at)",
	}
	for _, stmt := range statements {
		if _, err := s.engine.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create memories schema: %w", err)
		}
	}
	return nil
}

// Store inserts a record, assigning an id and timestamp when missing.
func (s *MemoryStore) Store(ctx context.Context, rec MemoryRecord) (MemoryRecord, error) {
	if strings.TrimSpace(rec.Content) == "" {
		return MemoryRecord{}, fmt.Errorf("memory content is required")
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	var metadata any
	if len(rec.Metadata) > 0 {
		raw, err := json.Marshal(rec.Metadata)
		if err != nil {
			return MemoryRecord{}, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = string(raw)
	}
	_, err := s.engine.Exec(ctx,
		`INSERT INTO memories (id, agent, session_id, key, content, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Agent, rec.SessionID, rec.Key, rec.Content, metadata, rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return MemoryRecord{}, fmt.Errorf("failed to store memory: %w", err)
	}
	return rec, nil
}

// Retrieve returns the newest records matching q.
func (s *MemoryStore) Retrieve(ctx context.Context, q MemoryQuery) ([]MemoryRecord, error) {
	var (
		clauses []string
		args    []any
	)
	if q.Key != "" {
		clauses = append(clauses, "key = ?")
		args = append(args, q.Key)
	}
	if q.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.Agent != "" {
		clauses = append(clauses, "agent = ?")
		args = append(args, q.Agent)
	}
	query := "SELECT id, agent, session_id, key, content, metadata, created_at FROM memories"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limitOrDefault(q.Limit))
	return s.query(ctx, query, args...)
}

// Search returns records whose content contains text, newest first.
func (s *MemoryStore) Search(ctx context.Context, text string, limit int) ([]MemoryRecord, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("search text is required")
	}
	return s.query(ctx,
		`SELECT id, agent, session_id, key, content, metadata, created_at FROM memories WHERE content LIKE ? ESCAPE '\' ORDER BY created_at DESC LIMIT ?`,
		"%"+escapeLike(text)+"%", limitOrDefault(limit),
	)
}

func (s *MemoryStore) query(ctx context.Context, query string, args ...any) ([]MemoryRecord, error) {
	rows, err := s.engine.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}
	out := make([]MemoryRecord, 0, len(rows))
	for _, row := range rows {
		rec := MemoryRecord{
			ID:        asString(row["id"]),
			Agent:     asString(row["agent"]),
			SessionID: asString(row["session_id"]),
			Key:       asString(row["key"]),
			Content:   asString(row["content"]),
			CreatedAt: time.UnixMilli(asInt64(row["created_at"])),
		}
		if raw := asString(row["metadata"]); raw != "" {
			if err := json.Unmarshal([]byte(raw), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata for %s: %w", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 || limit > 500 {
		return defaultMemoryLimit
	}
	return limit
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)
	return r.Replace(s)
}

func asString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}

func asInt64(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	case time.Time:
		return val.UnixMilli()
	default:
		return 0
	}
}
