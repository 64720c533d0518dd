package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const createResponseCacheTable = `
CREATE TABLE IF NOT EXISTS response_cache (
	key TEXT PRIMARY KEY,
	response TEXT NOT NULL,
	intent TEXT NOT NULL DEFAULT '',
	normalized_message TEXT NOT NULL DEFAULT '',
	context_hash TEXT NOT NULL DEFAULT '',
	created_at REAL NOT NULL,
	hits INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_response_cache_created_at ON response_cache(created_at);
`

const upsertResponseCache = `
INSERT INTO response_cache (key, response, intent, normalized_message, context_hash, created_at, hits)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	response = excluded.response,
	intent = excluded.intent,
	normalized_message = excluded.normalized_message,
	context_hash = excluded.context_hash,
	created_at = excluded.created_at,
	hits = excluded.hits
`

// SQLiteStore is the default on-disk Store. One mutex serialises access to the
// connection.
type SQLiteStore struct {
	mu      sync.Mutex
	db      *sql.DB
	maxRows int
	now     func() time.Time
	logger  *zap.Logger
	closed  bool
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithMaxRows sets the row cap enforced after every write.
func WithMaxRows(n int) SQLiteOption {
	return func(s *SQLiteStore) {
		if n > 0 {
			s.maxRows = n
		}
	}
}

func WithSQLiteClock(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) { s.now = now }
}

func WithSQLiteLogger(l *zap.Logger) SQLiteOption {
	return func(s *SQLiteStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createResponseCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	s := &SQLiteStore{
		db:      db,
		maxRows: DefaultMaxRows,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("cache.sqlite")
	return s, nil
}

func toUnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(f float64) time.Time {
	return time.Unix(0, int64(f*1e9))
}

// Store upserts one entry.
func (s *SQLiteStore) Store(ctx context.Context, key string, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.db.ExecContext(ctx, upsertResponseCache,
		key, e.Response, e.Intent, e.NormalizedMessage, e.ContextHash, toUnixSeconds(e.CreatedAt), e.Hits,
	); err != nil {
		return fmt.Errorf("cache store: %w", err)
	}
	return s.enforceCapLocked(ctx)
}

// StoreBatch upserts records in one transaction.
func (s *SQLiteStore) StoreBatch(ctx context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache store batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, upsertResponseCache)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("cache store batch: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		e := r.Entry
		if _, err := stmt.ExecContext(ctx,
			r.Key, e.Response, e.Intent, e.NormalizedMessage, e.ContextHash, toUnixSeconds(e.CreatedAt), e.Hits,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("cache store batch: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache store batch: %w", err)
	}
	return s.enforceCapLocked(ctx)
}

// enforceCapLocked deletes the oldest rows beyond maxRows.
func (s *SQLiteStore) enforceCapLocked(ctx context.Context) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM response_cache`).Scan(&count); err != nil {
		return fmt.Errorf("cache count: %w", err)
	}
	excess := count - s.maxRows
	if excess <= 0 {
		return nil
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM response_cache WHERE key IN (
			SELECT key FROM response_cache ORDER BY created_at ASC LIMIT ?
		)`, excess,
	); err != nil {
		return fmt.Errorf("cache trim: %w", err)
	}
	s.logger.Debug("trimmed oldest rows", zap.Int("count", excess))
	return nil
}

// LoadRecent returns the warm-up candidates. Rows that fail to scan are skipped.
func (s *SQLiteStore) LoadRecent(ctx context.Context, limit int, maxAge time.Duration) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	cutoff := toUnixSeconds(s.now().Add(-maxAge))
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, response, intent, normalized_message, context_hash, created_at, hits
		 FROM response_cache
		 WHERE created_at > ?
		 ORDER BY hits DESC, created_at DESC
		 LIMIT ?`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("cache load: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r         Record
			createdAt float64
		)
		if err := rows.Scan(&r.Key, &r.Entry.Response, &r.Entry.Intent, &r.Entry.NormalizedMessage,
			&r.Entry.ContextHash, &createdAt, &r.Entry.Hits); err != nil {
			s.logger.Warn("skipping unreadable row", zap.Error(err))
			continue
		}
		r.Entry.CreatedAt = fromUnixSeconds(createdAt)
		r.Entry.TTLMultiplier = ttlMultiplier(r.Entry.Hits)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("cache load: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM response_cache`).Scan(&count); err != nil {
		return 0, fmt.Errorf("cache count: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM response_cache WHERE created_at <= ?`,
		toUnixSeconds(s.now().Add(-maxAge)))
	if err != nil {
		return 0, fmt.Errorf("cache prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Clear(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM response_cache`)
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
