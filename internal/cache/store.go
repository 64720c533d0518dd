package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"geminicord/internal/metrics"
)

// ErrStoreClosed is returned by a Store used after Close.
var ErrStoreClosed = errors.New("cache store closed")

// Defaults for the persistent tier.
const (
	DefaultMaxRows    = 20000
	DefaultWarmLimit  = 1000
	DefaultWarmMaxAge = 24 * time.Hour
)

// Store is the persistent tier. It shares keys with ResponseCache and keeps no
// embeddings. Every method is best-effort from the cache's point of view: callers
// log failures and carry on with the in-memory tier.
type Store interface {
	// Store upserts one entry and trims the oldest rows beyond the row cap.
	Store(ctx context.Context, key string, e Entry) error
	// StoreBatch upserts many entries in one transaction.
	StoreBatch(ctx context.Context, records []Record) error
	// LoadRecent returns up to limit entries newer than maxAge, most hits first,
	// then newest first.
	LoadRecent(ctx context.Context, limit int, maxAge time.Duration) ([]Record, error)
	Count(ctx context.Context) (int, error)
	// Prune deletes entries older than maxAge.
	Prune(ctx context.Context, maxAge time.Duration) (int, error)
	Clear(ctx context.Context) (int, error)
	Close() error
}

// NopStore is the Store used when persistence is disabled.
type NopStore struct{}

func (NopStore) Store(context.Context, string, Entry) error        { return nil }
func (NopStore) StoreBatch(context.Context, []Record) error        { return nil }
func (NopStore) Count(context.Context) (int, error)                { return 0, nil }
func (NopStore) Prune(context.Context, time.Duration) (int, error) { return 0, nil }
func (NopStore) Clear(context.Context) (int, error)                { return 0, nil }
func (NopStore) Close() error                                      { return nil }

func (NopStore) LoadRecent(context.Context, int, time.Duration) ([]Record, error) {
	return nil, nil
}

// Warm loads the most valuable recent entries from s into c. Keys already in c are
// left alone. A store failure is logged and leaves c as it was.
func Warm(ctx context.Context, c *ResponseCache, s Store, limit int, maxAge time.Duration, logger *zap.Logger) int {
	if limit <= 0 {
		limit = DefaultWarmLimit
	}
	if maxAge <= 0 {
		maxAge = DefaultWarmMaxAge
	}

	records, err := s.LoadRecent(ctx, limit, maxAge)
	if err != nil {
		metrics.CacheStoreErrorsTotal.WithLabelValues("load").Inc()
		logger.Warn("cache warm-up failed", zap.Error(err))
		return 0
	}

	n := 0
	for _, r := range records {
		if c.Restore(r.Key, r.Entry) {
			n++
		}
	}
	logger.Info("cache warmed", zap.Int("loaded", len(records)), zap.Int("restored", n))
	return n
}

// DefaultPersistQueue is the number of pending L2 writes a Persister buffers.
const DefaultPersistQueue = 256

// Persister copies L1 writes to a Store from one background goroutine. Its Hook
// never blocks the writer: when the queue is full the write is dropped and counted.
// Dropped entries still reach the store through Flush at shutdown.
type Persister struct {
	store   Store
	timeout time.Duration
	logger  *zap.Logger
	queue   chan Record
	dropped atomic.Uint64
}

// NewPersister returns a Persister with room for queueSize pending writes. Each
// write is bounded by timeout.
func NewPersister(s Store, queueSize int, timeout time.Duration, logger *zap.Logger) *Persister {
	if queueSize <= 0 {
		queueSize = DefaultPersistQueue
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persister{
		store:   s,
		timeout: timeout,
		logger:  logger,
		queue:   make(chan Record, queueSize),
	}
}

// Hook returns the WriteHook to register with ResponseCache.OnWrite.
func (p *Persister) Hook() WriteHook {
	return func(_ context.Context, key string, e Entry) {
		select {
		case p.queue <- Record{Key: key, Entry: e}:
		default:
			p.dropped.Add(1)
			metrics.CacheStoreErrorsTotal.WithLabelValues("dropped").Inc()
			p.logger.Debug("cache persist queue full, write dropped", zap.String("hash_key", key))
		}
	}
}

// Dropped reports how many writes were discarded because the queue was full.
func (p *Persister) Dropped() uint64 { return p.dropped.Load() }

// Pending reports how many writes are queued.
func (p *Persister) Pending() int { return len(p.queue) }

// Run writes queued entries until ctx is cancelled, then drains what is already
// queued and returns.
func (p *Persister) Run(ctx context.Context) {
	for {
		select {
		case r := <-p.queue:
			p.write(r)
		case <-ctx.Done():
			for {
				select {
				case r := <-p.queue:
					p.write(r)
				default:
					return
				}
			}
		}
	}
}

func (p *Persister) write(r Record) {
	ctx := context.Background()
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	if err := p.store.Store(ctx, r.Key, r.Entry); err != nil {
		metrics.CacheStoreErrorsTotal.WithLabelValues("store").Inc()
		p.logger.Warn("cache persist failed", zap.String("hash_key", r.Key), zap.Error(err))
	}
}

// Flush writes every live entry of c to s, so hit counts survive a restart.
func Flush(ctx context.Context, c *ResponseCache, s Store) (int, error) {
	records := c.Entries()
	if len(records) == 0 {
		return 0, nil
	}
	if err := s.StoreBatch(ctx, records); err != nil {
		metrics.CacheStoreErrorsTotal.WithLabelValues("flush").Inc()
		return 0, err
	}
	return len(records), nil
}
