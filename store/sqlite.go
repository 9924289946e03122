package store

import (
	"context"
	"database/sql"
	"errors"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id     TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	state      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_kind ON runs(kind, updated_at DESC);
`

// SQLiteStore persists records to a local sqlite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, NewStoreError("sqlite", "NewSQLiteStore", "failed to open database", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, NewStoreError("sqlite", "NewSQLiteStore", "failed to apply schema", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, kind, state, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET kind=excluded.kind, state=excluded.state, updated_at=excluded.updated_at`,
		rec.RunID, rec.Kind, string(rec.State), rec.UpdatedAt)
	if err != nil {
		return NewStoreError("sqlite", "Put", "failed to upsert record", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, runID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, kind, state, updated_at FROM runs WHERE run_id = ?`, runID)

	rec := &Record{}
	var state string
	err := row.Scan(&rec.RunID, &rec.Kind, &state, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{RunID: runID}
	}
	if err != nil {
		return nil, NewStoreError("sqlite", "Get", "failed to scan record", err)
	}
	rec.State = []byte(state)
	return rec, nil
}

func (s *SQLiteStore) List(ctx context.Context, kind string) ([]*Record, error) {
	query := `SELECT run_id, kind, state, updated_at FROM runs ORDER BY updated_at DESC`
	args := []any{}
	if kind != "" {
		query = `SELECT run_id, kind, state, updated_at FROM runs WHERE kind = ? ORDER BY updated_at DESC`
		args = append(args, kind)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewStoreError("sqlite", "List", "query failed", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		rec := &Record{}
		var state string
		if err := rows.Scan(&rec.RunID, &rec.Kind, &state, &rec.UpdatedAt); err != nil {
			return nil, NewStoreError("sqlite", "List", "failed to scan record", err)
		}
		rec.State = []byte(state)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStoreError("sqlite", "List", "row iteration failed", err)
	}
	return out, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, runID); err != nil {
		return NewStoreError("sqlite", "Delete", "failed to delete record", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
