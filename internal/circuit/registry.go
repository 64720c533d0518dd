package circuit

import (
	"sort"
	"sync"
)

// Upstream names with a breaker registered at startup.
const (
	Gemini     = "gemini"
	Embeddings = "embeddings"
)

// Registry owns the one breaker per protected upstream for the life of the process.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	opts     []Option
}

// NewRegistry creates an empty registry. opts are applied to every breaker it creates.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		opts:     opts,
	}
}

// Register creates the breaker for name, or returns the existing one unchanged.
func (r *Registry) Register(name string, cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, cfg, r.opts...)
	r.breakers[name] = b
	return b
}

// Get returns the breaker registered under name.
func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Statuses returns every breaker's status sorted by name.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()

	out := make([]Status, 0, len(list))
	for _, b := range list {
		out = append(out, b.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset forces the named breaker CLOSED. It reports false for an unknown name.
func (r *Registry) Reset(name string) bool {
	b, ok := r.Get(name)
	if !ok {
		return false
	}
	b.Reset()
	return true
}
