// Package storage provides the database engine used by agents, the statement
// filter placed in front of it for sandboxed callers, and the memory records
// consumed by follow-on storage actions.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

var (
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when the statement filter rejects a statement.
	// Callers classify it as a permission failure.
	ErrForbidden = errors.New("permission denied")
	ErrClosed    = errors.New("storage closed")
)

// ExecResult reports the effect of a write statement.
type ExecResult struct {
	RowsAffected int64 `json:"changes"`
	LastInsertID int64 `json:"lastInsertRowid"`
}

// Row is one result row keyed by column name.
type Row = map[string]any

// Engine is the statement-level interface agents see. Implementations must be
// safe for concurrent use.
type Engine interface {
	Exec(ctx context.Context, query string, args ...any) (ExecResult, error)
	Query(ctx context.Context, query string, args ...any) ([]Row, error)
}

// SQLEngine adapts a *sql.DB to Engine.
type SQLEngine struct {
	db *sql.DB
}

// NewSQLEngine wraps an existing database handle. The caller keeps ownership
// of db.
func NewSQLEngine(db *sql.DB) *SQLEngine {
	return &SQLEngine{db: db}
}

// OpenSQLite opens a SQLite database at path using the pure-Go driver. An
// empty path opens an in-memory database.
func OpenSQLite(path string) (*SQLEngine, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// In-memory databases are per connection.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &SQLEngine{db: db}, nil
}

// DB exposes the underlying handle.
func (e *SQLEngine) DB() *sql.DB {
	return e.db
}

// Close closes the underlying handle.
func (e *SQLEngine) Close() error {
	if e == nil || e.db == nil {
		return nil
	}
	return e.db.Close()
}

// Exec runs a write statement.
func (e *SQLEngine) Exec(ctx context.Context, query string, args ...any) (ExecResult, error) {
	if e == nil || e.db == nil {
		return ExecResult{}, ErrClosed
	}
	res, err := e.db.ExecContext(ctx, query, args...)
	if err != nil {
		return ExecResult{}, err
	}
	var out ExecResult
	if n, err := res.RowsAffected(); err == nil {
		out.RowsAffected = n
	}
	if id, err := res.LastInsertId(); err == nil {
		out.LastInsertID = id
	}
	return out, nil
}

// Query runs a read statement and materializes every row.
func (e *SQLEngine) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	if e == nil || e.db == nil {
		return nil, ErrClosed
	}
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}
	out := []Row{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
