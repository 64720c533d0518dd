// Package config loads the bot configuration: defaults, then an optional YAML file
// with ${VAR} expansion, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"geminicord/internal/cache"
	"geminicord/internal/chat"
	"geminicord/internal/circuit"
	"geminicord/internal/llm"
	"geminicord/internal/ratelimit"
	"geminicord/internal/tracing"
	"geminicord/pkg/logging/logging"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

type Config struct {
	HTTP      HTTPConfig                `yaml:"http"`
	Discord   DiscordConfig             `yaml:"discord"`
	LLM       llm.Config                `yaml:"llm"`
	Chat      chat.Config               `yaml:"chat"`
	Cache     CacheConfig               `yaml:"cache"`
	Store     StoreConfig               `yaml:"store"`
	RateLimit RateLimitConfig           `yaml:"rate_limit"`
	Circuits  map[string]circuit.Config `yaml:"circuits"`
	Logging   logging.Config            `yaml:"logging"`
	Tracing   tracing.Config            `yaml:"tracing"`
}

type HTTPConfig struct {
	Port           string        `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	// Admin mounts the cache, circuit and rate-limit endpoints behind AdminToken.
	Admin      bool   `yaml:"admin"`
	AdminToken string `yaml:"admin_token"`
	// ChatToken, when set, is required on /v1/chat and lets callers name their user.
	ChatToken string `yaml:"chat_token"`
}

type DiscordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

// CacheConfig tunes the in-memory response cache.
type CacheConfig struct {
	MaxSize           int           `yaml:"max_size"`
	TTL               time.Duration `yaml:"ttl"`
	FuzzyThreshold    float64       `yaml:"fuzzy_threshold"`
	SemanticThreshold float64       `yaml:"semantic_threshold"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
}

// StoreConfig selects and tunes the persistent tier.
type StoreConfig struct {
	cache.Config `yaml:",inline"`

	WarmLimit      int           `yaml:"warm_limit"`
	WarmMaxAge     time.Duration `yaml:"warm_max_age"`
	PersistTimeout time.Duration `yaml:"persist_timeout"`
	// PersistQueue is how many L2 writes may wait; further writes are dropped.
	PersistQueue int `yaml:"persist_queue"`
}

type RateLimitConfig struct {
	Policies        []ratelimit.Policy `yaml:"policies"`
	CleanupInterval time.Duration      `yaml:"cleanup_interval"`
	MaxIdle         time.Duration      `yaml:"max_idle"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:           "8080",
			RequestTimeout: 60 * time.Second,
			MaxBodyBytes:   512 * 1024,
		},
		LLM: llm.Config{
			BaseURL:        llm.DefaultBaseURL,
			Model:          llm.DefaultModel,
			EmbeddingModel: llm.DefaultEmbeddingModel,
		},
		Chat: chat.DefaultConfig(),
		Cache: CacheConfig{
			MaxSize:           cache.DefaultMaxSize,
			TTL:               cache.DefaultTTL,
			FuzzyThreshold:    cache.DefaultFuzzyThreshold,
			SemanticThreshold: cache.DefaultSemanticThreshold,
			CleanupInterval:   5 * time.Minute,
		},
		Store: StoreConfig{
			Config: cache.Config{
				Backend:   cache.BackendSQLite,
				Path:      "data/cache.db",
				RedisAddr: "127.0.0.1:6379",
				Prefix:    "geminicord",
				MaxRows:   cache.DefaultMaxRows,
			},
			WarmLimit:      cache.DefaultWarmLimit,
			WarmMaxAge:     cache.DefaultWarmMaxAge,
			PersistTimeout: 2 * time.Second,
			PersistQueue:   cache.DefaultPersistQueue,
		},
		RateLimit: RateLimitConfig{
			Policies:        ratelimit.DefaultPolicies(),
			CleanupInterval: 5 * time.Minute,
			MaxIdle:         time.Hour,
		},
		Circuits: map[string]circuit.Config{
			circuit.Gemini:     circuit.DefaultConfig(),
			circuit.Embeddings: {FailureThreshold: 3, ResetTimeout: 30 * time.Second, HalfOpenMaxCalls: 1},
		},
		Logging: logging.Config{Level: "info"},
		Tracing: tracing.DefaultConfig(),
	}
}

// Load reads a YAML config file over the defaults and expands environment variables.
// A list in the file, such as rate_limit.policies, replaces the default list; circuits
// are merged by name.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path when it is set, the defaults otherwise, then applies
// environment overrides and validates.
func LoadOrDefault(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = Load(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays the environment variables that are set.
func (c *Config) ApplyEnv() {
	c.HTTP.Port = getenv("PORT", c.HTTP.Port)
	c.HTTP.AdminToken = getenv("ADMIN_TOKEN", c.HTTP.AdminToken)
	c.HTTP.ChatToken = getenv("CHAT_TOKEN", c.HTTP.ChatToken)
	if token := os.Getenv("DISCORD_TOKEN"); token != "" {
		c.Discord.Token = token
		c.Discord.Enabled = true
	}
	c.LLM.APIKey = getenv("GEMINI_API_KEY", c.LLM.APIKey)
	c.LLM.Model = getenv("GEMINI_MODEL", c.LLM.Model)
	c.LLM.BaseURL = getenv("GEMINI_BASE_URL", c.LLM.BaseURL)
	c.Store.Backend = getenv("CACHE_BACKEND", c.Store.Backend)
	c.Store.Path = getenv("CACHE_DB_PATH", c.Store.Path)
	c.Store.RedisAddr = getenv("REDIS_ADDR", c.Store.RedisAddr)
	c.Logging.Level = getenv("LOG_LEVEL", c.Logging.Level)
	if env := os.Getenv("ENV"); env == "dev" || env == "development" {
		c.Logging.Development = true
	}
	if v, err := strconv.ParseBool(os.Getenv("TRACING_ENABLED")); err == nil {
		c.Tracing.Enabled = v
	}
}

// Validate checks what the process needs to start.
func (c *Config) Validate() error {
	if c.HTTP.Port == "" {
		return fmt.Errorf("%w: http.port is required", ErrInvalid)
	}
	if _, err := strconv.Atoi(c.HTTP.Port); err != nil {
		return fmt.Errorf("%w: http.port %q is not a number", ErrInvalid, c.HTTP.Port)
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("%w: llm.api_key (GEMINI_API_KEY) is required", ErrInvalid)
	}
	if c.HTTP.Admin && c.HTTP.AdminToken == "" {
		return fmt.Errorf("%w: http.admin_token (ADMIN_TOKEN) is required when http.admin is on", ErrInvalid)
	}
	if c.Discord.Enabled && c.Discord.Token == "" {
		return fmt.Errorf("%w: discord.token is required when discord is enabled", ErrInvalid)
	}

	switch c.Store.Backend {
	case cache.BackendSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("%w: store.path is required for the sqlite backend", ErrInvalid)
		}
	case cache.BackendRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("%w: store.redis_addr is required for the redis backend", ErrInvalid)
		}
	case cache.BackendNone:
	default:
		return fmt.Errorf("%w: unknown store.backend %q", ErrInvalid, c.Store.Backend)
	}

	if c.Cache.MaxSize <= 0 {
		return fmt.Errorf("%w: cache.max_size must be positive", ErrInvalid)
	}
	for name, t := range map[string]float64{
		"cache.fuzzy_threshold":    c.Cache.FuzzyThreshold,
		"cache.semantic_threshold": c.Cache.SemanticThreshold,
	} {
		if t <= 0 || t > 1 {
			return fmt.Errorf("%w: %s must be in (0, 1]", ErrInvalid, name)
		}
	}

	seen := make(map[string]bool, len(c.RateLimit.Policies))
	for _, p := range c.RateLimit.Policies {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate rate limit policy %q", ErrInvalid, p.Name)
		}
		seen[p.Name] = true
	}
	for _, name := range c.Chat.Policies {
		if !seen[name] {
			return fmt.Errorf("%w: chat.policies references unknown policy %q", ErrInvalid, name)
		}
	}

	if _, ok := c.Circuits[circuit.Gemini]; !ok {
		return fmt.Errorf("%w: circuits.%s is required", ErrInvalid, circuit.Gemini)
	}
	return nil
}

// Circuit returns the breaker config for name with zero fields defaulted.
func (c *Config) Circuit(name string) circuit.Config {
	return c.Circuits[name].WithDefaults()
}

// getenv returns the value of the environment variable key or def if not set.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
