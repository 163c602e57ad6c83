package checkpoint

import (
	"database/sql"
	"fmt"
	"time"
)

// Failure is one persisted item- or shard-level failure record.
type Failure struct {
	ID     int64     `json:"id"`
	Shard  string    `json:"shard,omitempty"`
	Page   string    `json:"page,omitempty"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail"`
	At     time.Time `json:"at"`
}

// MarkDownloaded records a verified download.
func (s *Store) MarkDownloaded(filename, checksum string) error {
	_, err := s.conn.Exec(`
		INSERT INTO downloads (filename, checksum) VALUES (?, ?)
		ON CONFLICT(filename) DO UPDATE SET
			checksum     = excluded.checksum,
			completed_at = CURRENT_TIMESTAMP
	`, filename, checksum)
	if err != nil {
		return fmt.Errorf("checkpoint: mark downloaded: %w", err)
	}
	return nil
}

// IsDownloaded reports whether filename completed a verified download.
func (s *Store) IsDownloaded(filename string) (bool, error) {
	var one int
	err := s.conn.QueryRow(`SELECT 1 FROM downloads WHERE filename = ?`, filename).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checkpoint: is downloaded: %w", err)
	}
	return true, nil
}

// ShardState returns the recorded state for shard, or ShardPending when the
// shard has never been seen.
func (s *Store) ShardState(shard string) (string, error) {
	var state string
	err := s.conn.QueryRow(`SELECT state FROM shards WHERE shard = ?`, shard).Scan(&state)
	if err == sql.ErrNoRows {
		return ShardPending, nil
	}
	if err != nil {
		return "", fmt.Errorf("checkpoint: shard state: %w", err)
	}
	return state, nil
}

// MarkShardDone records a fully spooled shard and its operation count.
func (s *Store) MarkShardDone(shard string, operations int64) error {
	_, err := s.conn.Exec(`
		INSERT INTO shards (shard, state, operations, detail, completed_at)
		VALUES (?, ?, ?, '', CURRENT_TIMESTAMP)
		ON CONFLICT(shard) DO UPDATE SET
			state        = excluded.state,
			operations   = excluded.operations,
			detail       = '',
			completed_at = CURRENT_TIMESTAMP
	`, shard, ShardDone, operations)
	if err != nil {
		return fmt.Errorf("checkpoint: mark shard done: %w", err)
	}
	return nil
}

// MarkShardFailed records a shard-fatal failure.
func (s *Store) MarkShardFailed(shard, detail string) error {
	_, err := s.conn.Exec(`
		INSERT INTO shards (shard, state, operations, detail, completed_at)
		VALUES (?, ?, 0, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(shard) DO UPDATE SET
			state        = excluded.state,
			detail       = excluded.detail,
			completed_at = CURRENT_TIMESTAMP
	`, shard, ShardFailed, detail)
	if err != nil {
		return fmt.Errorf("checkpoint: mark shard failed: %w", err)
	}
	return nil
}

// AddRedirect records one page redirect (source item → target item).
func (s *Store) AddRedirect(source, target string) error {
	_, err := s.conn.Exec(`
		INSERT INTO redirects (source, target) VALUES (?, ?)
		ON CONFLICT(source) DO UPDATE SET target = excluded.target
	`, source, target)
	if err != nil {
		return fmt.Errorf("checkpoint: add redirect: %w", err)
	}
	return nil
}

// Redirects loads the full redirect map.
func (s *Store) Redirects() (map[string]string, error) {
	rows, err := s.conn.Query(`SELECT source, target FROM redirects`)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: redirects: %w", err)
	}
	defer rows.Close()

	m := make(map[string]string)
	for rows.Next() {
		var source, target string
		if err := rows.Scan(&source, &target); err != nil {
			return nil, fmt.Errorf("checkpoint: scan redirect: %w", err)
		}
		m[source] = target
	}
	return m, rows.Err()
}

// AddFailure appends one failure record.
func (s *Store) AddFailure(shard, page, kind, detail string) error {
	_, err := s.conn.Exec(`
		INSERT INTO failures (shard, page, kind, detail) VALUES (?, ?, ?, ?)
	`, shard, page, kind, detail)
	if err != nil {
		return fmt.Errorf("checkpoint: add failure: %w", err)
	}
	return nil
}

// Failures returns up to limit most recent failure records.
func (s *Store) Failures(limit int) ([]Failure, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.conn.Query(`
		SELECT id, shard, page, kind, detail, at
		FROM failures ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: failures: %w", err)
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var f Failure
		if err := rows.Scan(&f.ID, &f.Shard, &f.Page, &f.Kind, &f.Detail, &f.At); err != nil {
			return nil, fmt.Errorf("checkpoint: scan failure: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// FailureCount returns the number of recorded failures.
func (s *Store) FailureCount() (int64, error) {
	var n int64
	if err := s.conn.QueryRow(`SELECT COUNT(*) FROM failures`).Scan(&n); err != nil {
		return 0, fmt.Errorf("checkpoint: failure count: %w", err)
	}
	return n, nil
}
