package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"geminicord/internal/cache"
	"geminicord/internal/circuit"
	"geminicord/internal/ratelimit"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func validConfig() *Config {
	cfg := Default()
	cfg.LLM.APIKey = "key"
	return cfg
}

func TestDefaultIsValidWithAPIKey(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Store.Backend != cache.BackendSQLite || cfg.Cache.MaxSize != cache.DefaultMaxSize {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if len(cfg.RateLimit.Policies) != len(ratelimit.DefaultPolicies()) {
		t.Fatalf("policies = %d", len(cfg.RateLimit.Policies))
	}
	if cfg.HTTP.Admin {
		t.Fatal("admin endpoints must be off by default")
	}
}

func TestLoadOverlaysDefaultsAndExpandsEnv(t *testing.T) {
	t.Setenv("TEST_GEMINI_KEY", "from-env")
	path := filepath.Join(t.TempDir(), "geminicord.yaml")
	writeFile(t, path, `
http:
  port: "9090"
llm:
  api_key: ${TEST_GEMINI_KEY}
  upstream_timeout: 10s
cache:
  max_size: 100
store:
  backend: redis
  redis_addr: redis:6379
rate_limit:
  policies:
    - name: chat
      requests: 3
      window: 30s
      type: user
      adaptive: true
circuits:
  gemini:
    failure_threshold: 2
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Port != "9090" || cfg.LLM.APIKey != "from-env" || cfg.LLM.UpstreamTimeout != 10*time.Second {
		t.Fatalf("overlay failed: http %+v llm %+v", cfg.HTTP, cfg.LLM)
	}
	// untouched fields keep their defaults
	if cfg.LLM.Model != "gemini-2.0-flash" || cfg.Cache.TTL != cache.DefaultTTL {
		t.Fatalf("defaults lost: model %q ttl %v", cfg.LLM.Model, cfg.Cache.TTL)
	}
	if cfg.Store.Backend != cache.BackendRedis || cfg.Store.RedisAddr != "redis:6379" || cfg.Store.Prefix != "geminicord" {
		t.Fatalf("store = %+v", cfg.Store)
	}
	if len(cfg.RateLimit.Policies) != 1 || cfg.RateLimit.Policies[0].Window != 30*time.Second {
		t.Fatalf("policies = %+v", cfg.RateLimit.Policies)
	}

	gem := cfg.Circuit(circuit.Gemini)
	if gem.FailureThreshold != 2 || gem.ResetTimeout != circuit.DefaultConfig().ResetTimeout {
		t.Fatalf("gemini circuit = %+v", gem)
	}
	if _, ok := cfg.Circuits[circuit.Embeddings]; !ok {
		t.Fatal("embeddings circuit dropped by merge")
	}

	// chat still references the default policy names
	if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Validate = %v, want ErrInvalid for unknown chat policy", err)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, "http: [not a map")
	if _, err := Load(path); err == nil {
		t.Fatal("bad yaml accepted")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("GEMINI_API_KEY", "env-key")
	t.Setenv("GEMINI_MODEL", "gemini-1.5-pro")
	t.Setenv("DISCORD_TOKEN", "bot-token")
	t.Setenv("CACHE_BACKEND", "none")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ENV", "dev")
	t.Setenv("ADMIN_TOKEN", "admin-secret")
	t.Setenv("CHAT_TOKEN", "chat-secret")

	cfg := Default()
	cfg.ApplyEnv()

	if cfg.HTTP.Port != "7070" || cfg.LLM.APIKey != "env-key" || cfg.LLM.Model != "gemini-1.5-pro" {
		t.Fatalf("env not applied: %+v %+v", cfg.HTTP, cfg.LLM)
	}
	if !cfg.Discord.Enabled || cfg.Discord.Token != "bot-token" {
		t.Fatalf("discord = %+v", cfg.Discord)
	}
	if cfg.Store.Backend != cache.BackendNone || cfg.Logging.Level != "debug" || !cfg.Logging.Development {
		t.Fatalf("store %+v logging %+v", cfg.Store, cfg.Logging)
	}
	if cfg.HTTP.AdminToken != "admin-secret" || cfg.HTTP.ChatToken != "chat-secret" {
		t.Fatalf("http = %+v", cfg.HTTP)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"missing api key":   func(c *Config) { c.LLM.APIKey = "" },
		"bad port":          func(c *Config) { c.HTTP.Port = "http" },
		"discord no token":  func(c *Config) { c.Discord.Enabled = true },
		"admin no token":    func(c *Config) { c.HTTP.Admin = true },
		"unknown backend":   func(c *Config) { c.Store.Backend = "etcd" },
		"sqlite no path":    func(c *Config) { c.Store.Path = "" },
		"zero cache size":   func(c *Config) { c.Cache.MaxSize = 0 },
		"threshold above 1": func(c *Config) { c.Cache.FuzzyThreshold = 1.5 },
		"bad policy":        func(c *Config) { c.RateLimit.Policies[0].Requests = 0 },
		"duplicate policy": func(c *Config) {
			c.RateLimit.Policies = append(c.RateLimit.Policies, c.RateLimit.Policies[0])
		},
		"no gemini circuit": func(c *Config) { delete(c.Circuits, circuit.Gemini) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Fatalf("Validate = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestLoadOrDefault(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "k")
	cfg, err := LoadOrDefault("")
	if err != nil || cfg.LLM.APIKey != "k" {
		t.Fatalf("LoadOrDefault = %+v, %v", cfg, err)
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "k")
	dir := t.TempDir()
	path := filepath.Join(dir, "geminicord.yaml")
	writeFile(t, path, "http:\n  port: \"8080\"\n")

	changes := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { changes <- c },
		WithDebounce(20*time.Millisecond),
		WithWatcherLogger(zaptest.NewLogger(t)),
	)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// unrelated files in the same directory are ignored
	writeFile(t, filepath.Join(dir, "other.yaml"), "x: 1\n")
	// invalid content is rejected and never reaches the callback
	writeFile(t, path, "http:\n  port: \"not-a-port\"\n")
	time.Sleep(100 * time.Millisecond)
	select {
	case c := <-changes:
		t.Fatalf("invalid config delivered: %+v", c.HTTP)
	default:
	}

	writeFile(t, path, "http:\n  port: \"9191\"\n")
	select {
	case c := <-changes:
		if c.HTTP.Port != "9191" {
			t.Fatalf("port = %s", c.HTTP.Port)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after write")
	}
}
