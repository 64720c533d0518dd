package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Backend names accepted by NewStore.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendNone   = "none"
)

type Config struct {
	Backend   string `yaml:"backend"`
	Path      string `yaml:"path"`
	RedisAddr string `yaml:"redis_addr"`
	Prefix    string `yaml:"prefix"`
	MaxRows   int    `yaml:"max_rows"`
}

// NewStore builds the persistent tier for cfg.Backend. Redis is pinged so a
// misconfigured address fails at startup rather than on the first write.
func NewStore(ctx context.Context, cfg Config, logger *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case BackendNone:
		return NopStore{}, nil
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		logger.Info("redis connection established", zap.String("addr", cfg.RedisAddr))

		return NewRedisStore(client, RedisConfig{
			Prefix:  cfg.Prefix,
			MaxRows: cfg.MaxRows,
		}), nil
	case BackendSQLite, "":
		return NewSQLiteStore(cfg.Path,
			WithMaxRows(cfg.MaxRows),
			WithSQLiteLogger(logger),
		)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
