package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Bucket is a continuously refilling token bucket.
//
// The bucket holds up to MaxTokens*multiplier tokens and earns that many tokens per
// window. Its own mutex makes every Consume atomic, so buckets for different scope keys
// never contend with each other.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  int
	window     time.Duration
	lastUpdate time.Time
	multiplier float64
}

// NewBucket returns a full bucket.
func NewBucket(maxTokens int, window time.Duration, now time.Time) *Bucket {
	return &Bucket{
		tokens:     float64(maxTokens),
		maxTokens:  maxTokens,
		window:     window,
		lastUpdate: now,
		multiplier: 1.0,
	}
}

// Consume refills the bucket for the time elapsed since the last call, then tries to
// take one token. When no token is available it reports how long until one will be.
func (b *Bucket) Consume(now time.Time) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumeLocked(now)
}

func (b *Bucket) consumeLocked(now time.Time) (bool, time.Duration) {
	effectiveMax := float64(b.maxTokens) * b.multiplier

	elapsed := now.Sub(b.lastUpdate)
	if elapsed < 0 {
		elapsed = 0
	}
	refill := 0.0
	if b.window > 0 {
		refill = elapsed.Seconds() * effectiveMax / b.window.Seconds()
	}
	b.tokens = math.Min(effectiveMax, b.tokens+refill)
	if b.tokens < 0 {
		b.tokens = 0
	}
	b.lastUpdate = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}

	missing := 1 - b.tokens
	wait := missing * b.window.Seconds() / math.Max(1, effectiveMax)
	return false, time.Duration(wait * float64(time.Second))
}

// SetMultiplier scales the bucket's capacity and refill rate. The token count is
// clamped to the new capacity on the next Consume.
func (b *Bucket) SetMultiplier(m float64) {
	b.mu.Lock()
	b.multiplier = m
	b.mu.Unlock()
}

// Tokens returns the current token count without refilling.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// LastUpdate returns the time of the last Consume.
func (b *Bucket) LastUpdate() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUpdate
}

// Multiplier returns the adaptive capacity multiplier.
func (b *Bucket) Multiplier() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.multiplier
}
