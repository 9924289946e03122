package memory

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/aofdev/aof/llms"
)

// sqlMemory persists messages in a relational table, one namespace per
// logical conversation. It backs both the sqlite and postgres backends;
// only the driver and placeholder style differ.
type sqlMemory struct {
	db          *sql.DB
	namespace   string
	maxMessages int
	postgres    bool
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	namespace TEXT NOT NULL,
	payload   TEXT NOT NULL,
	created   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_messages_namespace ON messages(namespace, id);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id        BIGSERIAL PRIMARY KEY,
	namespace TEXT NOT NULL,
	payload   TEXT NOT NULL,
	created   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_messages_namespace ON messages(namespace, id);
`

// NewSQLiteMemory opens (or creates) a sqlite-backed memory at path.
func NewSQLiteMemory(path, namespace string, maxMessages int) (Memory, error) {
	if path == "" {
		path = "aof-memory.db"
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, NewMemoryError("SQLiteMemory", "New", "failed to open database", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, NewMemoryError("SQLiteMemory", "New", "failed to create schema", err)
	}
	return &sqlMemory{db: db, namespace: orDefault(namespace), maxMessages: maxMessages}, nil
}

// NewPostgresMemory connects to a postgres-backed memory.
func NewPostgresMemory(url, namespace string, maxMessages int) (Memory, error) {
	if url == "" {
		return nil, NewMemoryError("PostgresMemory", "New", "url is required", nil)
	}
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, NewMemoryError("PostgresMemory", "New", "failed to open database", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		_ = db.Close()
		return nil, NewMemoryError("PostgresMemory", "New", "failed to create schema", err)
	}
	return &sqlMemory{db: db, namespace: orDefault(namespace), maxMessages: maxMessages, postgres: true}, nil
}

func orDefault(namespace string) string {
	if namespace == "" {
		return "default"
	}
	return namespace
}

func (m *sqlMemory) Append(ctx context.Context, msg llms.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return NewMemoryError("SQLMemory", "Append", "failed to marshal message", err)
	}

	insert := "INSERT INTO messages (namespace, payload) VALUES (?, ?)"
	trim := `DELETE FROM messages WHERE namespace = ? AND id NOT IN (
		SELECT id FROM messages WHERE namespace = ? ORDER BY id DESC LIMIT ?)`
	if m.postgres {
		insert = "INSERT INTO messages (namespace, payload) VALUES ($1, $2)"
		trim = `DELETE FROM messages WHERE namespace = $1 AND id NOT IN (
			SELECT id FROM messages WHERE namespace = $2 ORDER BY id DESC LIMIT $3)`
	}

	if _, err := m.db.ExecContext(ctx, insert, m.namespace, string(payload)); err != nil {
		return NewMemoryError("SQLMemory", "Append", "failed to insert message", err)
	}
	if m.maxMessages > 0 {
		if _, err := m.db.ExecContext(ctx, trim, m.namespace, m.namespace, m.maxMessages); err != nil {
			return NewMemoryError("SQLMemory", "Append", "failed to trim messages", err)
		}
	}
	return nil
}

func (m *sqlMemory) Recent(ctx context.Context, n int) ([]llms.Message, error) {
	if n <= 0 {
		n = m.maxMessages
	}
	if n <= 0 {
		n = DefaultMaxMessages
	}

	query := `SELECT payload FROM (
		SELECT id, payload FROM messages WHERE namespace = ? ORDER BY id DESC LIMIT ?
	) ORDER BY id ASC`
	if m.postgres {
		query = `SELECT payload FROM (
			SELECT id, payload FROM messages WHERE namespace = $1 ORDER BY id DESC LIMIT $2
		) sub ORDER BY id ASC`
	}

	rows, err := m.db.QueryContext(ctx, query, m.namespace, n)
	if err != nil {
		return nil, NewMemoryError("SQLMemory", "Recent", "failed to query messages", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []llms.Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, NewMemoryError("SQLMemory", "Recent", "failed to scan row", err)
		}
		var msg llms.Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, NewMemoryError("SQLMemory", "Recent", "row iteration failed", err)
	}
	return messages, nil
}

func (m *sqlMemory) Clear(ctx context.Context) error {
	query := "DELETE FROM messages WHERE namespace = ?"
	if m.postgres {
		query = "DELETE FROM messages WHERE namespace = $1"
	}
	if _, err := m.db.ExecContext(ctx, query, m.namespace); err != nil {
		return NewMemoryError("SQLMemory", "Clear", "failed to delete messages", err)
	}
	return nil
}

func (m *sqlMemory) Close() error { return m.db.Close() }

var _ Memory = (*sqlMemory)(nil)
