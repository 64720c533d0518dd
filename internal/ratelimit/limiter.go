// Package ratelimit implements per-scope token-bucket admission control.
//
// A Limiter holds named policies and lazily creates one Bucket per (policy, scope key).
// Checks against unrelated scope keys never share a lock. Unknown policy names are
// always allowed.
package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"geminicord/internal/circuit"
)

// HealthReader reports the state of the upstream an adaptive policy follows.
// *circuit.Breaker satisfies it.
type HealthReader interface {
	State() circuit.State
}

// Decision is the outcome of a Check. Denial is a normal result, not an error.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Message    string
}

// PolicyStats is a point-in-time view of one policy's counters.
type PolicyStats struct {
	Policy  Policy `json:"policy"`
	Allowed uint64 `json:"allowed"`
	Blocked uint64 `json:"blocked"`
	Buckets int    `json:"buckets"`
}

type policyState struct {
	policy  Policy
	allowed atomic.Uint64
	blocked atomic.Uint64
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the limiter's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithHealth pairs adaptive policies with an upstream health source.
func WithHealth(h HealthReader) Option {
	return func(l *Limiter) { l.health = h }
}

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) Option {
	return func(l *Limiter) {
		if r != nil {
			l.recorder = r
		}
	}
}

// Limiter is safe for concurrent use.
type Limiter struct {
	now      func() time.Time
	logger   *zap.Logger
	health   HealthReader
	recorder Recorder

	policyMu sync.RWMutex
	policies map[string]*policyState

	bucketMu sync.RWMutex
	buckets  map[string]*Bucket
}

// New creates a limiter with the given policies registered.
func New(policies []Policy, opts ...Option) (*Limiter, error) {
	l := &Limiter{
		now:      time.Now,
		logger:   zap.NewNop(),
		recorder: NoOpRecorder{},
		policies: make(map[string]*policyState),
		buckets:  make(map[string]*Bucket),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.Named("ratelimit")

	for _, p := range policies {
		if err := l.Register(p); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Register adds or replaces a policy. Replacing a policy drops its buckets so the new
// limits apply from a full bucket.
func (l *Limiter) Register(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}

	l.policyMu.Lock()
	_, existed := l.policies[p.Name]
	l.policies[p.Name] = &policyState{policy: p}
	l.policyMu.Unlock()

	if existed {
		l.Reset(p.Name)
	}
	l.logger.Debug("policy registered",
		zap.String("policy", p.Name),
		zap.Int("requests", p.Requests),
		zap.Duration("window", p.Window),
		zap.String("type", string(p.Type)),
	)
	return nil
}

// SetPolicies replaces the whole policy set. Either every policy is valid and the set
// is swapped, or nothing changes.
func (l *Limiter) SetPolicies(policies []Policy) error {
	next := make(map[string]*policyState, len(policies))
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return err
		}
		if _, dup := next[p.Name]; dup {
			return fmt.Errorf("%w: duplicate policy %q", ErrInvalidPolicy, p.Name)
		}
		next[p.Name] = &policyState{policy: p}
	}

	l.policyMu.Lock()
	l.policies = next
	l.policyMu.Unlock()

	l.bucketMu.Lock()
	l.buckets = make(map[string]*Bucket)
	l.bucketMu.Unlock()

	l.logger.Info("policies replaced", zap.Int("count", len(policies)))
	return nil
}

func (l *Limiter) lookup(name string) (*policyState, bool) {
	l.policyMu.RLock()
	defer l.policyMu.RUnlock()
	ps, ok := l.policies[name]
	return ps, ok
}

// Check decides whether one action under policy for scope is admitted.
func (l *Limiter) Check(ctx context.Context, policy string, scope Scope) Decision {
	ps, ok := l.lookup(policy)
	if !ok {
		return Decision{Allowed: true}
	}
	p := ps.policy

	key := p.scopeKey(scope)
	now := l.now()
	b := l.bucket(key, p, now)

	mult := 1.0
	if p.Adaptive && l.health != nil {
		mult = adaptiveMultiplier(l.health.State())
	}

	b.mu.Lock()
	b.multiplier = mult
	allowed, retry := b.consumeLocked(now)
	b.mu.Unlock()

	tags := map[string]string{"policy": p.Name}
	if allowed {
		ps.allowed.Add(1)
		l.recorder.Add("ratelimit.allowed", 1, tags)
		return Decision{Allowed: true}
	}

	ps.blocked.Add(1)
	l.recorder.Add("ratelimit.blocked", 1, tags)
	l.recorder.Observe("ratelimit.retry_after_seconds", retry.Seconds(), tags)

	if ce := l.logger.Check(zap.DebugLevel, "rate limited"); ce != nil {
		ce.Write(
			zap.String("policy", p.Name),
			zap.String("key", key),
			zap.Duration("retry_after", retry),
			zap.Float64("multiplier", mult),
		)
	}

	return Decision{
		Allowed:    false,
		RetryAfter: retry,
		Message:    p.formatMessage(retry),
	}
}

// IsAllowed is Check without the retry hint and message.
func (l *Limiter) IsAllowed(ctx context.Context, policy string, scope Scope) bool {
	return l.Check(ctx, policy, scope).Allowed
}

func (l *Limiter) bucket(key string, p Policy, now time.Time) *Bucket {
	l.bucketMu.RLock()
	b, ok := l.buckets[key]
	l.bucketMu.RUnlock()
	if ok {
		return b
	}

	l.bucketMu.Lock()
	defer l.bucketMu.Unlock()
	if b, ok = l.buckets[key]; ok {
		return b
	}
	b = NewBucket(p.Requests, p.Window, now)
	l.buckets[key] = b
	return b
}

func adaptiveMultiplier(s circuit.State) float64 {
	switch s {
	case circuit.StateOpen:
		return 0.1
	case circuit.StateHalfOpen:
		return 0.5
	default:
		return 1.0
	}
}

// Reset drops every bucket of one policy. It returns the number removed.
func (l *Limiter) Reset(policy string) int {
	prefix := policy + ":"

	l.bucketMu.Lock()
	defer l.bucketMu.Unlock()

	n := 0
	for key := range l.buckets {
		if strings.HasPrefix(key, prefix) {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}

// Cleanup removes buckets not used for longer than maxIdle and returns how many went.
func (l *Limiter) Cleanup(maxIdle time.Duration) int {
	cutoff := l.now().Add(-maxIdle)

	l.bucketMu.Lock()
	defer l.bucketMu.Unlock()

	n := 0
	for key, b := range l.buckets {
		if b.LastUpdate().Before(cutoff) {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}

// Run calls Cleanup every interval until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Cleanup(maxIdle); n > 0 {
				l.logger.Debug("idle buckets removed", zap.Int("count", n))
			}
		}
	}
}

// BucketCount returns the number of live buckets.
func (l *Limiter) BucketCount() int {
	l.bucketMu.RLock()
	defer l.bucketMu.RUnlock()
	return len(l.buckets)
}

// Stats returns per-policy counters sorted by policy name.
func (l *Limiter) Stats() []PolicyStats {
	l.policyMu.RLock()
	states := make([]*policyState, 0, len(l.policies))
	for _, ps := range l.policies {
		states = append(states, ps)
	}
	l.policyMu.RUnlock()

	counts := make(map[string]int, len(states))
	l.bucketMu.RLock()
	for key := range l.buckets {
		if i := strings.IndexByte(key, ':'); i > 0 {
			counts[key[:i]]++
		}
	}
	l.bucketMu.RUnlock()

	out := make([]PolicyStats, 0, len(states))
	for _, ps := range states {
		out = append(out, PolicyStats{
			Policy:  ps.policy,
			Allowed: ps.allowed.Load(),
			Blocked: ps.blocked.Load(),
			Buckets: counts[ps.policy.Name],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Policy.Name < out[j].Policy.Name })
	return out
}
