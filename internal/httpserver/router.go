package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"geminicord/internal/handlers"
	"geminicord/internal/metrics"
	"geminicord/internal/middleware"
)

// Options tunes the shared middleware stack.
type Options struct {
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	// AdminToken guards the admin routes; with no token they refuse every request.
	AdminToken string
	// ChatToken, when set, is required on /v1/chat.
	ChatToken string
}

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 60 * time.Second
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 512 * 1024
	}
	return o
}

func SetupRouter(r *chi.Mux, baseLogger *zap.Logger, opts Options, chatHandler *handlers.ChatHandler, admin *handlers.AdminHandler) {
	opts = opts.withDefaults()

	r.Use(metrics.Middleware)

	// base middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())
	r.Use(middleware.Timeout(opts.RequestTimeout))
	r.Use(middleware.MaxBodySize(opts.MaxBodyBytes))

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if opts.ChatToken != "" {
				r.Use(middleware.BearerToken(opts.ChatToken))
			}
			r.Post("/chat", chatHandler.Chat)
		})

		if admin != nil {
			r.Group(func(r chi.Router) {
				r.Use(middleware.BearerToken(opts.AdminToken))
				r.Get("/cache/stats", admin.CacheStats)
				r.Delete("/cache", admin.InvalidateCache)
				r.Post("/cache/cleanup", admin.CleanupCache)
				r.Get("/circuits", admin.Circuits)
				r.Post("/circuits/{name}/reset", admin.ResetCircuit)
				r.Get("/ratelimits", admin.RateLimits)
			})
		}
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", metrics.Handler())
}
