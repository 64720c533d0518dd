package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"geminicord/internal/cache"
	"geminicord/internal/chat"
	"geminicord/internal/circuit"
	"geminicord/internal/config"
	"geminicord/internal/discord"
	"geminicord/internal/handlers"
	"geminicord/internal/httpserver"
	"geminicord/internal/llm"
	"geminicord/internal/metrics"
	"geminicord/internal/ratelimit"
	"geminicord/internal/tracing"
	"geminicord/pkg/logging/logging"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and, when configured, the Discord bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func runServe(parent context.Context, configPath string) error {
	// ----- Config -----
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}

	// ----- Logger -----
	logger, err := logging.Init(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("loaded config",
		zap.String("config_path", configPath),
		zap.String("port", cfg.HTTP.Port),
		zap.String("store_backend", cfg.Store.Backend),
		zap.String("model", cfg.LLM.Model),
		zap.Bool("discord", cfg.Discord.Enabled),
		zap.Bool("semantic", cfg.Chat.Semantic),
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ----- Metrics + tracing -----
	metrics.Register()

	tracer, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown", zap.Error(err))
		}
	}()

	// ----- Circuit breakers (one per upstream) -----
	breakers := circuit.NewRegistry(
		circuit.WithLogger(logger),
		circuit.WithStateChange(metrics.ObserveBreaker),
	)
	geminiBreaker := breakers.Register(circuit.Gemini, cfg.Circuit(circuit.Gemini))
	metrics.TrackBreaker(circuit.Gemini, geminiBreaker.State())
	var embedBreaker *circuit.Breaker
	if cfg.Chat.Semantic {
		embedBreaker = breakers.Register(circuit.Embeddings, cfg.Circuit(circuit.Embeddings))
		metrics.TrackBreaker(circuit.Embeddings, embedBreaker.State())
	}

	// ----- Rate limiter -----
	limiter, err := ratelimit.New(cfg.RateLimit.Policies,
		ratelimit.WithLogger(logger),
		ratelimit.WithHealth(geminiBreaker),
		ratelimit.WithRecorder(metrics.PromRecorder{}),
	)
	if err != nil {
		return err
	}

	// ----- Response cache: memory tier + persistent tier -----
	l1 := cache.NewResponseCache(
		cache.WithMaxSize(cfg.Cache.MaxSize),
		cache.WithTTL(cfg.Cache.TTL),
		cache.WithFuzzyThreshold(cfg.Cache.FuzzyThreshold),
		cache.WithSemanticThreshold(cfg.Cache.SemanticThreshold),
		cache.WithLogger(logger),
	)

	store, err := cache.NewStore(ctx, cfg.Store.Config, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("store close", zap.Error(err))
		}
	}()

	cache.Warm(ctx, l1, store, cfg.Store.WarmLimit, cfg.Store.WarmMaxAge, logger.With(zap.String("backend", cfg.Store.Backend)))
	persister := cache.NewPersister(store, cfg.Store.PersistQueue, cfg.Store.PersistTimeout, logger)
	l1.OnWrite(persister.Hook())

	// ----- Gemini client -----
	llmClient, err := llm.NewClient(cfg.LLM, logger)
	if err != nil {
		return err
	}
	if closer, ok := llmClient.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	// ----- Chat service -----
	cfg.Chat.UpstreamTimeout = cfg.LLM.WithDefaults().UpstreamTimeout
	svc, err := chat.NewService(chat.Deps{
		Limiter:      limiter,
		Breaker:      geminiBreaker,
		EmbedBreaker: embedBreaker,
		Cache:        cache.NewLoggingCache(l1),
		LLM:          llmClient,
	}, cfg.Chat)
	if err != nil {
		return err
	}

	// ----- Background sweepers -----
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		persister.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		l1.Run(ctx, cfg.Cache.CleanupInterval)
	}()
	go func() {
		defer wg.Done()
		limiter.Run(ctx, cfg.RateLimit.CleanupInterval, cfg.RateLimit.MaxIdle)
	}()

	// ----- Config hot reload -----
	if configPath != "" {
		w, err := config.NewWatcher(configPath, func(next *config.Config) {
			// next has passed Validate, so every chat policy it names is defined.
			if err := limiter.SetPolicies(next.RateLimit.Policies); err != nil {
				logger.Error("rate limit policies not applied", zap.Error(err))
				return
			}
			svc.SetPolicies(next.Chat.Policies)
			logger.Info("rate limit policies reloaded",
				zap.Int("policies", len(next.RateLimit.Policies)),
				zap.Strings("chat_policies", next.Chat.Policies),
			)
		}, config.WithWatcherLogger(logger))
		if err != nil {
			logger.Warn("config watcher disabled", zap.Error(err))
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = w.Run(ctx)
			}()
		}
	}

	// ----- Router + HTTP server -----
	var admin *handlers.AdminHandler
	if cfg.HTTP.Admin {
		admin = handlers.NewAdminHandler(l1, breakers, limiter)
	}
	chatHandler := handlers.NewChatHandler(svc)
	chatHandler.TrustCallerIDs = cfg.HTTP.ChatToken != ""

	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, httpserver.Options{
		RequestTimeout: cfg.HTTP.RequestTimeout,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		AdminToken:     cfg.HTTP.AdminToken,
		ChatToken:      cfg.HTTP.ChatToken,
	}, chatHandler, admin)

	srv := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.HTTP.RequestTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting http server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// ----- Discord bot -----
	if cfg.Discord.Enabled {
		bot, err := discord.New(cfg.Discord.Token, svc,
			discord.WithLogger(logger),
			discord.WithReplyTimeout(cfg.HTTP.RequestTimeout),
		)
		if err != nil {
			return err
		}
		if err := bot.Open(ctx); err != nil {
			return err
		}
		defer func() {
			if err := bot.Close(); err != nil {
				logger.Warn("discord close", zap.Error(err))
			}
		}()
	}

	// ----- Graceful shutdown -----
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-serverErr:
		logger.Error("server error", zap.Error(runErr))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()

	// Also covers writes the persister dropped; hit counts drive the next warm-up.
	if n, err := cache.Flush(shutdownCtx, l1, store); err != nil {
		logger.Warn("cache flush failed", zap.Error(err))
	} else {
		logger.Info("cache flushed", zap.Int("entries", n))
	}

	logger.Info("shutdown complete")
	return runErr
}
