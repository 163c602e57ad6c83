// Package checkpoint persists run progress in SQLite so interrupted runs
// resume where they left off: download markers, processed-shard markers, the
// collected redirect map, and the failure log.
package checkpoint

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS downloads (
	filename     TEXT PRIMARY KEY,
	checksum     TEXT NOT NULL DEFAULT '',
	completed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS shards (
	shard        TEXT PRIMARY KEY,
	state        TEXT NOT NULL DEFAULT 'pending',
	operations   INTEGER NOT NULL DEFAULT 0,
	detail       TEXT NOT NULL DEFAULT '',
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS redirects (
	source TEXT PRIMARY KEY,
	target TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS failures (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	shard  TEXT NOT NULL DEFAULT '',
	page   TEXT NOT NULL DEFAULT '',
	kind   TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Shard states.
const (
	ShardPending = "pending"
	ShardDone    = "done"
	ShardFailed  = "failed"
)

// Store wraps a sql.DB with checkpoint-specific operations.
type Store struct {
	conn *sql.DB
}

// Open opens (or creates) the checkpoint database and applies the schema.
func Open(dsn string) (*Store, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("checkpoint: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("checkpoint: apply schema: %w", err)
	}
	return &Store{conn: conn}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}
