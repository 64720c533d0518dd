package circuit

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(t *testing.T, cfg Config, clock *fakeClock, opts ...Option) *Breaker {
	t.Helper()
	opts = append([]Option{WithClock(clock.Now), WithLogger(zaptest.NewLogger(t))}, opts...)
	return New("test", cfg, opts...)
}

func TestBreakerTransitionSequence(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, Config{FailureThreshold: 3, ResetTimeout: 30 * time.Second, HalfOpenMaxCalls: 1}, clock)

	if got := b.State(); got != StateClosed {
		t.Fatalf("initial state = %s, want CLOSED", got)
	}

	b.RecordFailure()
	b.RecordFailure()
	if got := b.State(); got != StateClosed {
		t.Fatalf("after 2 failures state = %s, want CLOSED", got)
	}
	b.RecordFailure()
	if got := b.State(); got != StateOpen {
		t.Fatalf("after 3 failures state = %s, want OPEN", got)
	}
	if b.CanExecute() {
		t.Fatal("OPEN breaker must refuse calls")
	}

	clock.Advance(29 * time.Second)
	if got := b.State(); got != StateOpen {
		t.Fatalf("before reset timeout state = %s, want OPEN", got)
	}

	clock.Advance(time.Second)
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("after reset timeout state = %s, want HALF_OPEN", got)
	}

	b.RecordSuccess()
	if got := b.State(); got != StateClosed {
		t.Fatalf("after half-open success state = %s, want CLOSED", got)
	}
	if st := b.Status(); st.FailureCount != 0 {
		t.Fatalf("failure count = %d, want 0", st.FailureCount)
	}
}

func TestBreakerHalfOpenBudget(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, Config{FailureThreshold: 1, ResetTimeout: time.Second, HalfOpenMaxCalls: 2}, clock)

	b.RecordFailure()
	clock.Advance(time.Second)

	if !b.CanExecute() {
		t.Fatal("first probe should be admitted")
	}
	if !b.CanExecute() {
		t.Fatal("second probe should be admitted")
	}
	if b.CanExecute() {
		t.Fatal("third probe should be refused")
	}

	b.RecordSuccess()
	if !b.CanExecute() {
		t.Fatal("breaker should admit calls once a probe succeeds")
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, Config{FailureThreshold: 2, ResetTimeout: 10 * time.Second, HalfOpenMaxCalls: 1}, clock)

	b.RecordFailure()
	b.RecordFailure()
	clock.Advance(10 * time.Second)

	if !b.CanExecute() {
		t.Fatal("probe should be admitted in HALF_OPEN")
	}
	b.RecordFailure()
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %s, want OPEN after failed probe", got)
	}

	// The OPEN timer restarts from the failed probe.
	clock.Advance(9 * time.Second)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %s, want OPEN before the new timeout", got)
	}
	clock.Advance(time.Second)
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state = %s, want HALF_OPEN", got)
	}
}

func TestBreakerSuccessHealsClosedState(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, Config{FailureThreshold: 3, ResetTimeout: time.Minute, HalfOpenMaxCalls: 1}, clock)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	if st := b.Status(); st.FailureCount != 1 {
		t.Fatalf("failure count = %d, want 1", st.FailureCount)
	}

	b.RecordSuccess()
	b.RecordSuccess()
	if st := b.Status(); st.FailureCount != 0 {
		t.Fatalf("failure count = %d, want 0 (floored)", st.FailureCount)
	}

	// Two more failures are now needed before the third opens it.
	b.RecordFailure()
	b.RecordFailure()
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %s, want CLOSED", got)
	}
}

func TestBreakerReset(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, Config{FailureThreshold: 1, ResetTimeout: time.Hour, HalfOpenMaxCalls: 1}, clock)

	b.RecordFailure()
	if b.CanExecute() {
		t.Fatal("expected OPEN")
	}

	b.Reset()
	st := b.Status()
	if st.State != "CLOSED" || st.FailureCount != 0 || st.SuccessCount != 0 {
		t.Fatalf("unexpected status after reset: %+v", st)
	}
	if !b.CanExecute() {
		t.Fatal("reset breaker should admit calls")
	}
}

func TestBreakerStateChangeHook(t *testing.T) {
	clock := newFakeClock()

	var mu sync.Mutex
	var seen []string
	hook := func(name string, from, to State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, from.String()+"->"+to.String())
	}

	b := newTestBreaker(t, Config{FailureThreshold: 1, ResetTimeout: time.Second, HalfOpenMaxCalls: 1}, clock, WithStateChange(hook))

	b.RecordFailure()
	clock.Advance(time.Second)
	// A success recorded straight after the timeout performs both transitions.
	b.RecordSuccess()

	want := []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transition[%d] = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestBreakerConcurrentUse(t *testing.T) {
	b := New("concurrent", Config{FailureThreshold: 1000, ResetTimeout: time.Second, HalfOpenMaxCalls: 1})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if b.CanExecute() {
				if i%2 == 0 {
					b.RecordFailure()
				} else {
					b.RecordSuccess()
				}
			}
			_ = b.Status()
		}(i)
	}
	wg.Wait()

	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %s, want CLOSED", got)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	g := r.Register(Gemini, Config{FailureThreshold: 1})
	if again := r.Register(Gemini, Config{FailureThreshold: 9}); again != g {
		t.Fatal("Register must return the existing breaker")
	}
	r.Register(Embeddings, Config{})

	g.RecordFailure()
	statuses := r.Statuses()
	if len(statuses) != 2 {
		t.Fatalf("len(statuses) = %d, want 2", len(statuses))
	}
	if statuses[0].Name != Embeddings || statuses[1].Name != Gemini {
		t.Fatalf("statuses not sorted: %+v", statuses)
	}
	if statuses[1].State != "OPEN" {
		t.Fatalf("gemini state = %s, want OPEN", statuses[1].State)
	}

	if !r.Reset(Gemini) {
		t.Fatal("Reset(gemini) = false")
	}
	if r.Reset("missing") {
		t.Fatal("Reset(missing) = true")
	}
	if got := g.State(); got != StateClosed {
		t.Fatalf("state after registry reset = %s", got)
	}
}
