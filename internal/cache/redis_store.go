package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store using Redis. Each entry is a hash; a sorted set scored
// by created_at indexes the keys for the row cap, age pruning and warm-up.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	maxRows int
	now     func() time.Time
}

type RedisConfig struct {
	Prefix  string
	MaxRows int
	// Now replaces time.Now; nil uses the wall clock.
	Now func() time.Time
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client, config RedisConfig) *RedisStore {
	s := &RedisStore{
		client:  client,
		prefix:  config.Prefix,
		maxRows: config.MaxRows,
		now:     config.Now,
	}
	if s.maxRows <= 0 {
		s.maxRows = DefaultMaxRows
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// key builds the final Redis key with prefix.
func (s *RedisStore) key(k string) string {
	if s.prefix == "" {
		return "entry:" + k
	}
	return s.prefix + ":entry:" + k
}

func (s *RedisStore) indexKey() string {
	if s.prefix == "" {
		return "created"
	}
	return s.prefix + ":created"
}

func entryFields(e Entry) map[string]any {
	return map[string]any{
		"response":           e.Response,
		"intent":             e.Intent,
		"normalized_message": e.NormalizedMessage,
		"context_hash":       e.ContextHash,
		"created_at":         toUnixSeconds(e.CreatedAt),
		"hits":               e.Hits,
	}
}

func (s *RedisStore) queueStore(ctx context.Context, pipe redis.Pipeliner, key string, e Entry) {
	pipe.HSet(ctx, s.key(key), entryFields(e))
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: toUnixSeconds(e.CreatedAt), Member: key})
}

// Store upserts one entry and trims the oldest beyond the cap.
func (s *RedisStore) Store(ctx context.Context, key string, e Entry) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}

	if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.queueStore(ctx, pipe, key, e)
		return nil
	}); err != nil {
		return fmt.Errorf("redis store failed: %w", err)
	}
	return s.enforceCap(ctx)
}

// StoreBatch upserts records in one MULTI/EXEC.
func (s *RedisStore) StoreBatch(ctx context.Context, records []Record) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, r := range records {
			s.queueStore(ctx, pipe, r.Key, r.Entry)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("redis store batch failed: %w", err)
	}
	return s.enforceCap(ctx)
}

func (s *RedisStore) enforceCap(ctx context.Context) error {
	count, err := s.client.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return fmt.Errorf("redis zcard failed: %w", err)
	}
	excess := count - int64(s.maxRows)
	if excess <= 0 {
		return nil
	}

	oldest, err := s.client.ZRange(ctx, s.indexKey(), 0, excess-1).Result()
	if err != nil {
		return fmt.Errorf("redis zrange failed: %w", err)
	}
	return s.remove(ctx, oldest)
}

func (s *RedisStore) remove(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	members := make([]any, len(keys))
	entryKeys := make([]string, len(keys))
	for i, k := range keys {
		members[i] = k
		entryKeys[i] = s.key(k)
	}

	if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, entryKeys...)
		pipe.ZRem(ctx, s.indexKey(), members...)
		return nil
	}); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

// LoadRecent reads every entry newer than maxAge and orders them like the SQLite
// store. Entries whose hash is missing or malformed are skipped.
func (s *RedisStore) LoadRecent(ctx context.Context, limit int, maxAge time.Duration) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error: %w", err)
	}

	cutoff := toUnixSeconds(s.now().Add(-maxAge))
	keys, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "(" + strconv.FormatFloat(cutoff, 'f', -1, 64),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebyscore failed: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(keys))
	if _, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.HGetAll(ctx, s.key(k))
		}
		return nil
	}); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis hgetall failed: %w", err)
	}

	out := make([]Record, 0, len(keys))
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		e, ok := parseEntryFields(fields)
		if !ok {
			continue
		}
		out = append(out, Record{Key: keys[i], Entry: e})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Entry.Hits != out[j].Entry.Hits {
			return out[i].Entry.Hits > out[j].Entry.Hits
		}
		return out[i].Entry.CreatedAt.After(out[j].Entry.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func parseEntryFields(f map[string]string) (Entry, bool) {
	createdAt, err := strconv.ParseFloat(f["created_at"], 64)
	if err != nil {
		return Entry{}, false
	}
	hits, err := strconv.Atoi(f["hits"])
	if err != nil {
		return Entry{}, false
	}
	resp, ok := f["response"]
	if !ok {
		return Entry{}, false
	}
	return Entry{
		Response:          resp,
		CreatedAt:         fromUnixSeconds(createdAt),
		Hits:              hits,
		ContextHash:       f["context_hash"],
		Intent:            f["intent"],
		NormalizedMessage: f["normalized_message"],
		TTLMultiplier:     ttlMultiplier(hits),
	}, true
}

func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zcard failed: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := toUnixSeconds(s.now().Add(-maxAge))
	keys, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(cutoff, 'f', -1, 64),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zrangebyscore failed: %w", err)
	}
	if err := s.remove(ctx, keys); err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *RedisStore) Clear(ctx context.Context) (int, error) {
	keys, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zrange failed: %w", err)
	}
	if err := s.remove(ctx, keys); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Ping checks if Redis connection is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
