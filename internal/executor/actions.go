package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/warden/internal/storage"
	"github.com/haasonsaas/warden/pkg/models"
)

// Storage directives an agent result may carry in data.action.
const (
	ActionStore    = "store"
	ActionRetrieve = "retrieve"
	ActionSearch   = "search"
)

// performAction runs the storage directive embedded in a successful result
// and attaches its output as data.actionResult. A failed directive leaves
// the result successful and sets data.actionError instead.
func performAction(ctx context.Context, memories *storage.MemoryStore, agent string, ectx models.ExecContext, res models.ExecutionResult) models.ExecutionResult {
	if memories == nil || !res.Success {
		return res
	}
	data, ok := res.Data.(map[string]any)
	if !ok {
		return res
	}
	action, _ := data["action"].(string)
	switch action {
	case ActionStore, ActionRetrieve, ActionSearch:
	default:
		return res
	}

	out, err := runAction(ctx, memories, action, agent, ectx, data)
	if err != nil {
		data["actionError"] = err.Error()
	} else {
		data["actionResult"] = out
	}
	res.Data = data
	return res
}

func runAction(ctx context.Context, memories *storage.MemoryStore, action, agent string, ectx models.ExecContext, data map[string]any) (any, error) {
	session := stringField(data, "sessionId")
	if session == "" {
		session = ectx.SessionID
	}
	limit := intField(data, "limit")

	switch action {
	case ActionStore:
		content := stringField(data, "content")
		if strings.TrimSpace(content) == "" {
			return nil, fmt.Errorf("store action requires content")
		}
		meta, _ := data["metadata"].(map[string]any)
		rec, err := memories.Store(ctx, storage.MemoryRecord{
			Agent:     agent,
			SessionID: session,
			Key:       stringField(data, "key"),
			Content:   content,
			Metadata:  meta,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"id": rec.ID, "stored": true}, nil
	case ActionRetrieve:
		return memories.Retrieve(ctx, storage.MemoryQuery{
			Key:       stringField(data, "key"),
			SessionID: session,
			Limit:     limit,
		})
	default:
		query := stringField(data, "query")
		if strings.TrimSpace(query) == "" {
			return nil, fmt.Errorf("search action requires a query")
		}
		return memories.Search(ctx, query, limit)
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
