// Package circuit guards calls to a failing upstream.
//
// A Breaker starts CLOSED. Consecutive failures reaching FailureThreshold open it;
// while OPEN every call is refused until ResetTimeout has elapsed since the last
// failure, after which the next read of the state moves it to HALF_OPEN. In HALF_OPEN
// at most HalfOpenMaxCalls probes are admitted: the first recorded success closes the
// breaker, the first recorded failure opens it again and restarts the timer.
//
// Transitions happen on read under the breaker's lock; there is no background timer.
package circuit

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker's position in its state machine.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config holds the thresholds of one breaker.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls" json:"half_open_max_calls"`
}

// DefaultConfig returns the thresholds used for the AI upstream.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = def.ResetTimeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	return c
}

// Status is a point-in-time view of a breaker for observability.
type Status struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
	HalfOpenCalls   int       `json:"half_open_calls"`
	Config          Config    `json:"config"`
}

// StateChangeFunc is called after a transition, outside the breaker's lock.
type StateChangeFunc func(name string, from, to State)

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithLogger sets the logger used for transitions.
func WithLogger(l *zap.Logger) Option {
	return func(b *Breaker) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithStateChange registers a transition hook.
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// Breaker is safe for concurrent use. All state lives behind one mutex.
type Breaker struct {
	name     string
	cfg      Config
	now      func() time.Time
	logger   *zap.Logger
	onChange StateChangeFunc

	mu            sync.Mutex
	state         State
	failureCount  int
	successCount  int
	lastFailure   time.Time
	halfOpenCalls int
}

type transition struct {
	from, to State
}

// New creates a CLOSED breaker.
func New(name string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		name:   name,
		cfg:    cfg.WithDefaults(),
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.Named("circuit").With(zap.String("breaker", name))
	return b
}

// Name returns the upstream this breaker protects.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, moving OPEN to HALF_OPEN first when the reset
// timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	t := b.checkTimeoutLocked()
	s := b.state
	b.mu.Unlock()

	b.notify(t)
	return s
}

// CanExecute reports whether a call may be attempted now. In HALF_OPEN every true
// result consumes one probe from the budget.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	t := b.checkTimeoutLocked()

	allowed := false
	switch b.state {
	case StateClosed:
		allowed = true
	case StateHalfOpen:
		if b.halfOpenCalls < b.cfg.HalfOpenMaxCalls {
			b.halfOpenCalls++
			allowed = true
		}
	}
	b.mu.Unlock()

	b.notify(t)
	return allowed
}

// RecordSuccess reports a successful upstream call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	t := b.checkTimeoutLocked()
	var closed *transition

	b.successCount++
	switch b.state {
	case StateHalfOpen:
		b.failureCount = 0
		closed = b.setStateLocked(StateClosed)
	case StateClosed:
		if b.failureCount > 0 {
			b.failureCount--
		}
	}
	b.mu.Unlock()

	b.notify(t, closed)
}

// RecordFailure reports a failed upstream call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	t := b.checkTimeoutLocked()
	var opened *transition

	b.failureCount++
	b.lastFailure = b.now()
	switch b.state {
	case StateHalfOpen:
		opened = b.setStateLocked(StateOpen)
	case StateClosed:
		if b.failureCount >= b.cfg.FailureThreshold {
			opened = b.setStateLocked(StateOpen)
		}
	}
	b.mu.Unlock()

	b.notify(t, opened)
}

// Status returns a snapshot of the breaker.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	t := b.checkTimeoutLocked()
	st := Status{
		Name:            b.name,
		State:           b.state.String(),
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		LastFailureTime: b.lastFailure,
		HalfOpenCalls:   b.halfOpenCalls,
		Config:          b.cfg,
	}
	b.mu.Unlock()

	b.notify(t)
	return st
}

// Reset forces CLOSED with zeroed counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	t := b.setStateLocked(StateClosed)
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenCalls = 0
	b.lastFailure = time.Time{}
	b.mu.Unlock()

	b.logger.Info("circuit reset")
	b.notify(t)
}

// checkTimeoutLocked performs the lazy OPEN -> HALF_OPEN transition.
func (b *Breaker) checkTimeoutLocked() *transition {
	if b.state != StateOpen {
		return nil
	}
	if b.now().Sub(b.lastFailure) < b.cfg.ResetTimeout {
		return nil
	}
	return b.setStateLocked(StateHalfOpen)
}

func (b *Breaker) setStateLocked(to State) *transition {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	if to == StateHalfOpen {
		b.halfOpenCalls = 0
	}
	return &transition{from: from, to: to}
}

func (b *Breaker) notify(ts ...*transition) {
	for _, t := range ts {
		if t == nil {
			continue
		}
		fields := []zap.Field{
			zap.String("from", t.from.String()),
			zap.String("to", t.to.String()),
		}
		if t.to == StateOpen {
			b.logger.Warn("circuit opened", fields...)
		} else {
			b.logger.Info("circuit state change", fields...)
		}
		if b.onChange != nil {
			b.onChange(b.name, t.from, t.to)
		}
	}
}
