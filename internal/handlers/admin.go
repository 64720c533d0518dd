package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"geminicord/internal/cache"
	"geminicord/internal/circuit"
	"geminicord/internal/ratelimit"
	"geminicord/pkg/logging/logging"
)

// AdminHandler exposes the cache, breaker and limiter state for operators.
type AdminHandler struct {
	Cache    *cache.ResponseCache
	Breakers *circuit.Registry
	Limiter  *ratelimit.Limiter
}

func NewAdminHandler(c *cache.ResponseCache, b *circuit.Registry, l *ratelimit.Limiter) *AdminHandler {
	return &AdminHandler{Cache: c, Breakers: b, Limiter: l}
}

// CacheStats handles GET /v1/cache/stats.
func (h *AdminHandler) CacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Cache.Stats())
}

// InvalidateCache handles DELETE /v1/cache?pattern=. An empty pattern clears everything.
func (h *AdminHandler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	n := h.Cache.Invalidate(pattern)
	logging.L(r.Context()).Info("cache invalidated",
		zap.String("pattern", pattern),
		zap.Int("removed", n),
	)
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// CleanupCache handles POST /v1/cache/cleanup.
func (h *AdminHandler) CleanupCache(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"removed": h.Cache.CleanupExpired()})
}

// Circuits handles GET /v1/circuits.
func (h *AdminHandler) Circuits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Breakers.Statuses())
}

// ResetCircuit handles POST /v1/circuits/{name}/reset.
func (h *AdminHandler) ResetCircuit(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !h.Breakers.Reset(name) {
		writeError(w, http.StatusNotFound, "unknown_circuit", "no circuit named "+name)
		return
	}
	logging.L(r.Context()).Info("circuit reset by operator", zap.String("circuit", name))

	b, _ := h.Breakers.Get(name)
	writeJSON(w, http.StatusOK, b.Status())
}

// RateLimits handles GET /v1/ratelimits.
func (h *AdminHandler) RateLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"buckets":  h.Limiter.BucketCount(),
		"policies": h.Limiter.Stats(),
	})
}
