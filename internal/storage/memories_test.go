package storage

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestMemoryStoreStoreAndRetrieve(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store := NewMemoryStore(NewSQLEngine(db))
	fixed := time.UnixMilli(1700000000000)
	store.now = func() time.Time { return fixed }
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO memories").
		WithArgs(sqlmock.AnyArg(), "notes", "sess-1", "groceries", "buy milk", `{"source":"chat"}`, fixed.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec, err := store.Store(ctx, MemoryRecord{
		Agent:     "notes",
		SessionID: "sess-1",
		Key:       "groceries",
		Content:   "buy milk",
		Metadata:  map[string]any{"source": "chat"},
	})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("Store did not assign an id")
	}

	mock.ExpectQuery("SELECT id, agent, session_id, key, content, metadata, created_at FROM memories WHERE key = \\? ORDER BY").
		WithArgs("groceries", defaultMemoryLimit).
		WillReturnRows(sqlmock.NewRows([]string{"id", "agent", "session_id", "key", "content", "metadata", "created_at"}).
			AddRow(rec.ID, "notes", "sess-1", "groceries", "buy milk", `{"source":"chat"}`, fixed.UnixMilli()))

	got, err := store.Retrieve(ctx, MemoryQuery{Key: "groceries"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Retrieve returned %d records, want 1", len(got))
	}
	if got[0].Content != "buy milk" || got[0].Metadata["source"] != "chat" {
		t.Fatalf("record = %+v", got[0])
	}
	if !got[0].CreatedAt.Equal(fixed) {
		t.Fatalf("created_at = %v, want %v", got[0].CreatedAt, fixed)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMemoryStoreSearchEscapesPattern(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store := NewMemoryStore(NewSQLEngine(db))

	mock.ExpectQuery("content LIKE").
		WithArgs(`%50\%\_off%`, 5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "agent", "session_id", "key", "content", "metadata", "created_at"}))

	got, err := store.Search(context.Background(), "50%_off", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Search returned %d records, want 0", len(got))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMemoryStoreRejectsEmpty(t *testing.T) {
	store := NewMemoryStore(nil)
	if _, err := store.Store(context.Background(), MemoryRecord{Content: "  "}); err == nil {
		t.Fatal("Store with empty content should fail")
	}
	if _, err := store.Search(context.Background(), "", 0); err == nil {
		t.Fatal("Search with empty text should fail")
	}
}

func TestMemoryStoreSQLite(t *testing.T) {
	engine, err := OpenSQLite("")
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	defer engine.Close()

	ctx := context.Background()
	store := NewMemoryStore(engine)
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	for _, content := range []string{"dentist on tuesday", "buy milk", "call the dentist back"} {
		if _, err := store.Store(ctx, MemoryRecord{Agent: "notes", Key: "todo", Content: content}); err != nil {
			t.Fatalf("Store(%q): %v", content, err)
		}
	}

	found, err := store.Search(ctx, "dentist", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("Search returned %d records, want 2", len(found))
	}

	all, err := store.Retrieve(ctx, MemoryQuery{Key: "todo", Limit: 2})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Retrieve returned %d records, want 2", len(all))
	}
}
