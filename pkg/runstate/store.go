// Package runstate persists migration progress in a local SQLite
// database so interrupted runs can resume without relisting or
// recopying work that already completed.
//
// The store holds four kinds of state:
//
//   - per-key outcomes (copied and failed partitions, mirroring the
//     text ledger for fast membership checks)
//   - per-folder completion counts for folder-by-folder traversal
//   - the bucket listing continuation token, for resuming a flat
//     listing mid-pass
//   - cumulative run statistics served by the stats command
//
// All timestamps are stored as RFC3339Nano UTC strings. The database
// is opened with WAL mode and a single connection, which is enough for
// the sequential migration flow and keeps lock behavior predictable
// when a stats query runs against a live database.
package runstate

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const schemaVersion = 1

// DefaultFileName is the database file created inside the ledger
// directory when no explicit path is configured.
const DefaultFileName = "gocirrus-state.db"

// Store is a handle to the run state database.
type Store struct {
	db *sql.DB
}

// Config configures where the state database lives.
type Config struct {
	// Path is the database file path, or ":memory:" for tests.
	Path string
}

// Open opens (and creates if needed) the state database and ensures
// the schema exists.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("run state path is required")
	}
	db, err := openSQLite(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS run_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO run_meta (id, schema_version, created_at) VALUES (1, ?, ?);`,
		`CREATE TABLE IF NOT EXISTS copied_keys (
			key TEXT PRIMARY KEY,
			copied_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS failed_keys (
			key TEXT PRIMARY KEY,
			error TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			failed_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS folder_progress (
			path TEXT PRIMARY KEY,
			copied INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			total INTEGER NOT NULL,
			completed_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS continuation_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			token TEXT NOT NULL,
			prefix TEXT,
			saved_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS run_stats (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			objects_seen INTEGER NOT NULL DEFAULT 0,
			copied INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			batches INTEGER NOT NULL DEFAULT 0,
			started_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i, stmt := range stmts {
		if i == 1 {
			if _, err := s.db.ExecContext(ctx, stmt, schemaVersion, now); err != nil {
				return fmt.Errorf("init schema meta: %w", err)
			}
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// MarkCopied records keys as successfully rewritten. Already-recorded
// keys are ignored, so replaying a batch after a crash is harmless.
func (s *Store) MarkCopied(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO copied_keys (key, copied_at) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare stmt: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, key := range keys {
		if _, err := stmt.ExecContext(ctx, key, now); err != nil {
			return fmt.Errorf("mark copied %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// IsCopied reports whether a key has already been rewritten.
func (s *Store) IsCopied(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM copied_keys WHERE key = ?`, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CopiedCount returns the number of keys recorded as copied.
func (s *Store) CopiedCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM copied_keys`).Scan(&n)
	return n, err
}

// CopiedKeySet loads every copied key into a set for fast skip checks
// during a resumed run.
func (s *Store) CopiedKeySet(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM copied_keys`)
	if err != nil {
		return nil, fmt.Errorf("load copied keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	set := make(map[string]struct{})
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		set[key] = struct{}{}
	}
	return set, rows.Err()
}

// FailedKey is a key that exhausted its retries, with the last error.
type FailedKey struct {
	Key      string
	Error    string
	Attempts int
	FailedAt time.Time
}

// MarkFailed records a key as failed. A repeat failure overwrites the
// previous error and attempt count.
func (s *Store) MarkFailed(ctx context.Context, key, errMsg string, attempts int) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failed_keys (key, error, attempts, failed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			error = excluded.error,
			attempts = excluded.attempts,
			failed_at = excluded.failed_at
	`, key, errMsg, attempts, now)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", key, err)
	}
	return nil
}

// ResolveFailed removes a key from the failed partition after a
// successful retry. It reports whether the key was present.
func (s *Store) ResolveFailed(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM failed_keys WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("resolve failed %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FailedKeys returns all failed keys in key order.
func (s *Store) FailedKeys(ctx context.Context) ([]FailedKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, COALESCE(error, ''), attempts, failed_at FROM failed_keys ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("load failed keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []FailedKey
	for rows.Next() {
		var fk FailedKey
		var failedAt string
		if err := rows.Scan(&fk.Key, &fk.Error, &fk.Attempts, &failedAt); err != nil {
			return nil, err
		}
		fk.FailedAt = parseTime(failedAt)
		out = append(out, fk)
	}
	return out, rows.Err()
}

// FailedCount returns the number of keys currently in the failed partition.
func (s *Store) FailedCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM failed_keys`).Scan(&n)
	return n, err
}

// FolderResult is the completion record for one folder in
// folder-by-folder traversal.
type FolderResult struct {
	Path        string
	Copied      int64
	Failed      int64
	Total       int64
	CompletedAt time.Time
}

// RecordFolder upserts the completion record for a folder.
func (s *Store) RecordFolder(ctx context.Context, fr FolderResult) error {
	completedAt := fr.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO folder_progress (path, copied, failed, total, completed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			copied = excluded.copied,
			failed = excluded.failed,
			total = excluded.total,
			completed_at = excluded.completed_at
	`, fr.Path, fr.Copied, fr.Failed, fr.Total, completedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record folder %s: %w", fr.Path, err)
	}
	return nil
}

// Folders returns all folder completion records in path order.
func (s *Store) Folders(ctx context.Context) ([]FolderResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, copied, failed, total, completed_at FROM folder_progress ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("load folder progress: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []FolderResult
	for rows.Next() {
		var fr FolderResult
		var completedAt string
		if err := rows.Scan(&fr.Path, &fr.Copied, &fr.Failed, &fr.Total, &completedAt); err != nil {
			return nil, err
		}
		fr.CompletedAt = parseTime(completedAt)
		out = append(out, fr)
	}
	return out, rows.Err()
}

// FolderDone reports whether a folder already has a completion record.
func (s *Store) FolderDone(ctx context.Context, path string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM folder_progress WHERE path = ?`, path).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Continuation is a saved bucket listing position.
type Continuation struct {
	Token   string
	Prefix  string
	SavedAt time.Time
}

// SaveContinuation stores the listing position. There is at most one;
// a new save replaces the previous one.
func (s *Store) SaveContinuation(ctx context.Context, token, prefix string) error {
	if token == "" {
		return fmt.Errorf("continuation token is empty")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO continuation_state (id, token, prefix, saved_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			token = excluded.token,
			prefix = excluded.prefix,
			saved_at = excluded.saved_at
	`, token, prefix, now)
	if err != nil {
		return fmt.Errorf("save continuation: %w", err)
	}
	return nil
}

// Continuation returns the saved listing position, or nil when none exists.
func (s *Store) Continuation(ctx context.Context) (*Continuation, error) {
	var c Continuation
	var prefix sql.NullString
	var savedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT token, prefix, saved_at FROM continuation_state WHERE id = 1`).
		Scan(&c.Token, &prefix, &savedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load continuation: %w", err)
	}
	c.Prefix = prefix.String
	c.SavedAt = parseTime(savedAt)
	return &c, nil
}

// ClearContinuation removes the saved listing position. Called when a
// listing pass completes so the next run starts from the beginning.
func (s *Store) ClearContinuation(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM continuation_state WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("clear continuation: %w", err)
	}
	return nil
}

// StatsDelta is a batch of counter increments.
type StatsDelta struct {
	ObjectsSeen int64
	Copied      int64
	Failed      int64
	Skipped     int64
	Batches     int64
}

// RunStats are the cumulative counters across all runs against this
// database.
type RunStats struct {
	ObjectsSeen int64
	Copied      int64
	Failed      int64
	Skipped     int64
	Batches     int64
	StartedAt   time.Time
	UpdatedAt   time.Time
}

// AddStats accumulates counter increments into the stats row. The
// first call sets started_at; later calls only advance updated_at.
func (s *Store) AddStats(ctx context.Context, d StatsDelta) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_stats (id, objects_seen, copied, failed, skipped, batches, started_at, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			objects_seen = run_stats.objects_seen + excluded.objects_seen,
			copied = run_stats.copied + excluded.copied,
			failed = run_stats.failed + excluded.failed,
			skipped = run_stats.skipped + excluded.skipped,
			batches = run_stats.batches + excluded.batches,
			updated_at = excluded.updated_at
	`, d.ObjectsSeen, d.Copied, d.Failed, d.Skipped, d.Batches, now, now)
	if err != nil {
		return fmt.Errorf("add stats: %w", err)
	}
	return nil
}

// Stats returns the cumulative counters, or nil when nothing has been
// recorded yet.
func (s *Store) Stats(ctx context.Context) (*RunStats, error) {
	var rs RunStats
	var startedAt, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT objects_seen, copied, failed, skipped, batches, started_at, updated_at
		 FROM run_stats WHERE id = 1`).
		Scan(&rs.ObjectsSeen, &rs.Copied, &rs.Failed, &rs.Skipped, &rs.Batches, &startedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load stats: %w", err)
	}
	rs.StartedAt = parseTime(startedAt)
	rs.UpdatedAt = parseTime(updatedAt)
	return &rs, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
