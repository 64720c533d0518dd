package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"geminicord/internal/metrics"
	"geminicord/pkg/logging/logging"
)

// LoggingCache wraps a Cache with logging + metrics.
type LoggingCache struct {
	inner Cache
}

// NewLoggingCache returns a cache that logs and records metrics.
func NewLoggingCache(inner Cache) Cache {
	return &LoggingCache{inner: inner}
}

func (c *LoggingCache) Get(ctx context.Context, q Query) (Match, bool) {
	start := time.Now()
	m, ok := c.inner.Get(ctx, q)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	tier := "fuzzy"
	if q.ExactOnly {
		tier = "exact"
	}
	result := "miss"
	if ok {
		tier = string(m.Kind)
		result = "hit"
	}
	metrics.CacheLookupsTotal.WithLabelValues(tier, result).Inc()

	fields := []zap.Field{
		zap.String("cache_tier", tier),
		zap.String("cache_result", result), // hit | miss
		zap.Float64("latency_ms", latencyMs),
	}
	if ok {
		fields = append(fields,
			zap.String("hash_key", m.Key),
			zap.Float64("similarity", m.Similarity),
		)
	}
	if q.Intent != "" {
		fields = append(fields, zap.String("intent", q.Intent))
	}

	logging.L(ctx).Debug("cache_get", fields...)
	return m, ok
}

func (c *LoggingCache) Set(ctx context.Context, q Query, response string, embedding []float32) bool {
	stored := c.inner.Set(ctx, q, response, embedding)

	result := "stored"
	if !stored {
		result = "rejected"
	}
	metrics.CacheWritesTotal.WithLabelValues(result).Inc()

	logging.L(ctx).Debug("cache_set",
		zap.String("cache_result", result),
		zap.Int("response_len", len(response)),
		zap.Bool("embedding", len(embedding) > 0),
	)
	return stored
}

func (c *LoggingCache) FindSemanticMatch(ctx context.Context, sq SemanticQuery) (Match, bool, error) {
	start := time.Now()
	m, ok, err := c.inner.FindSemanticMatch(ctx, sq)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	result := "miss"
	if err != nil {
		result = "error"
	} else if ok {
		result = "hit"
	}
	metrics.CacheLookupsTotal.WithLabelValues(string(MatchSemantic), result).Inc()

	fields := []zap.Field{
		zap.String("cache_tier", string(MatchSemantic)),
		zap.String("cache_result", result), // hit | miss | error
		zap.Float64("latency_ms", latencyMs),
	}
	if ok {
		fields = append(fields,
			zap.String("hash_key", m.Key),
			zap.Float64("similarity", m.Similarity),
		)
	}

	logger := logging.L(ctx)
	if err != nil {
		logger.Warn("cache_semantic_match", append(fields, zap.Error(err))...)
	} else {
		logger.Debug("cache_semantic_match", fields...)
	}
	return m, ok, err
}
