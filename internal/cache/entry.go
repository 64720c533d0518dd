package cache

import (
	"math"
	"time"
)

// Entry is one cached response.
//
// Hits grows on every match and drives TTLMultiplier: an entry with h hits expires
// once its age exceeds baseTTL * TTLMultiplier.
type Entry struct {
	Response          string    `json:"response"`
	CreatedAt         time.Time `json:"created_at"`
	Hits              int       `json:"hits"`
	ContextHash       string    `json:"context_hash,omitempty"`
	Intent            string    `json:"intent,omitempty"`
	NormalizedMessage string    `json:"normalized_message,omitempty"`
	Embedding         []float32 `json:"-"`
	TTLMultiplier     float64   `json:"ttl_multiplier"`
}

// Record pairs an entry with its cache key.
type Record struct {
	Key   string
	Entry Entry
}

const (
	ttlStepHits     = 5
	ttlStep         = 0.2
	maxTTLMultipler = 3.0
)

// ttlMultiplier grows by 0.2 for every 5 hits, up to 3.0.
func ttlMultiplier(hits int) float64 {
	if hits < 0 {
		hits = 0
	}
	return math.Min(maxTTLMultipler, 1.0+float64(hits/ttlStepHits)*ttlStep)
}

func (e *Entry) expired(now time.Time, baseTTL time.Duration) bool {
	if baseTTL <= 0 {
		return false
	}
	mult := e.TTLMultiplier
	if mult <= 0 {
		mult = 1.0
	}
	limit := time.Duration(float64(baseTTL) * mult)
	return now.Sub(e.CreatedAt) > limit
}

func (e *Entry) hit() {
	e.Hits++
	e.TTLMultiplier = ttlMultiplier(e.Hits)
}

func (e Entry) clone() Entry {
	if e.Embedding != nil {
		e.Embedding = append([]float32(nil), e.Embedding...)
	}
	return e
}

// MatchKind tells how a lookup found its entry.
type MatchKind string

const (
	MatchExact    MatchKind = "exact"
	MatchFuzzy    MatchKind = "fuzzy"
	MatchSemantic MatchKind = "semantic"
)

// Match is a successful lookup.
type Match struct {
	Key        string
	Response   string
	Kind       MatchKind
	Similarity float64
}

// Query identifies a cached response. ContextHash and Intent are optional.
type Query struct {
	Message     string
	ContextHash string
	Intent      string
	// ExactOnly disables the fuzzy fallback.
	ExactOnly bool
}

// Key returns the cache key of q.
func (q Query) Key() string {
	return Key(q.Message, q.ContextHash, q.Intent)
}
