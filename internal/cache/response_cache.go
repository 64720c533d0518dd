package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Defaults for a ResponseCache.
const (
	DefaultMaxSize           = 5000
	DefaultTTL               = time.Hour
	DefaultFuzzyThreshold    = 0.85
	DefaultSemanticThreshold = 0.9

	minResponseLen = 10
	maxResponseLen = 1500
)

// WriteHook observes every stored entry. It runs synchronously after the write has
// completed and the cache lock has been released.
type WriteHook func(ctx context.Context, key string, e Entry)

// EmbedFunc computes an embedding for text.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Cache is the lookup surface consumed by the chat service.
type Cache interface {
	Get(ctx context.Context, q Query) (Match, bool)
	Set(ctx context.Context, q Query, response string, embedding []float32) bool
	FindSemanticMatch(ctx context.Context, sq SemanticQuery) (Match, bool, error)
}

// SemanticQuery asks for the stored entry closest in meaning to Message.
// When Embedding is nil it is computed with Embed. Threshold <= 0 uses the cache default.
type SemanticQuery struct {
	Message   string
	Intent    string
	Embedding []float32
	Embed     EmbedFunc
	Threshold float64
}

// Stats is a reporting view of the cache counters.
type Stats struct {
	TotalEntries   int     `json:"total_entries"`
	MaxSize        int     `json:"max_size"`
	Hits           uint64  `json:"hits"`
	Misses         uint64  `json:"misses"`
	HitRate        float64 `json:"hit_rate"`
	SemanticHits   uint64  `json:"semantic_hits"`
	Evictions      uint64  `json:"evictions"`
	MemoryEstimate int64   `json:"memory_estimate"`
}

// Option configures a ResponseCache.
type Option func(*ResponseCache)

func WithMaxSize(n int) Option {
	return func(c *ResponseCache) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

// WithTTL sets the base TTL before the adaptive multiplier.
func WithTTL(d time.Duration) Option {
	return func(c *ResponseCache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

func WithFuzzyThreshold(t float64) Option {
	return func(c *ResponseCache) {
		if t > 0 {
			c.fuzzyThreshold = t
		}
	}
}

func WithSemanticThreshold(t float64) Option {
	return func(c *ResponseCache) {
		if t > 0 {
			c.semanticThreshold = t
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *ResponseCache) { c.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *ResponseCache) {
		if l != nil {
			c.logger = l
		}
	}
}

type item struct {
	key   string
	entry Entry
}

// ResponseCache is the in-memory LRU+TTL tier.
//
// The list runs from least to most recently used. Exact lookups and all mutations
// happen under mu; fuzzy and semantic scans work on a snapshot taken under mu and
// re-validate their winner before touching it.
type ResponseCache struct {
	maxSize           int
	ttl               time.Duration
	fuzzyThreshold    float64
	semanticThreshold float64
	now               func() time.Time
	logger            *zap.Logger

	mu     sync.Mutex
	ll     *list.List
	items  map[string]*list.Element
	hooks  []WriteHook
	hits   uint64
	misses uint64
	semHit uint64
	evicts uint64
}

var _ Cache = (*ResponseCache)(nil)

// NewResponseCache creates an empty cache.
func NewResponseCache(opts ...Option) *ResponseCache {
	c := &ResponseCache{
		maxSize:           DefaultMaxSize,
		ttl:               DefaultTTL,
		fuzzyThreshold:    DefaultFuzzyThreshold,
		semanticThreshold: DefaultSemanticThreshold,
		now:               time.Now,
		logger:            zap.NewNop(),
		ll:                list.New(),
		items:             make(map[string]*list.Element),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("cache")
	return c
}

// OnWrite registers a hook called after every successful Set.
func (c *ResponseCache) OnWrite(h WriteHook) {
	c.mu.Lock()
	c.hooks = append(c.hooks, h)
	c.mu.Unlock()
}

// Get looks q up by exact key, then, unless q.ExactOnly, by fuzzy similarity of the
// normalized message.
func (c *ResponseCache) Get(ctx context.Context, q Query) (Match, bool) {
	key := q.Key()
	now := c.now()

	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		it := el.Value.(*item)
		if !it.entry.expired(now, c.ttl) {
			it.entry.hit()
			c.ll.MoveToBack(el)
			c.hits++
			resp := it.entry.Response
			c.mu.Unlock()
			return Match{Key: key, Response: resp, Kind: MatchExact, Similarity: 1}, true
		}
		c.removeLocked(el)
	}
	if q.ExactOnly {
		c.misses++
		c.mu.Unlock()
		return Match{}, false
	}
	snap := c.snapshotLocked(now, func(e *Entry) bool {
		return e.NormalizedMessage != "" && (q.Intent == "" || e.Intent == q.Intent)
	})
	c.mu.Unlock()

	normalized := Normalize(q.Message)
	best, score := c.bestFuzzy(normalized, snap)
	if best != nil {
		if m, ok := c.claim(best, now, MatchFuzzy, score); ok {
			return m, true
		}
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	return Match{}, false
}

type candidate struct {
	el         *list.Element
	key        string
	normalized string
	intent     string
	embedding  []float32
}

// snapshotLocked copies the live entries accepted by keep. Embeddings are shared;
// entries never mutate a stored embedding.
func (c *ResponseCache) snapshotLocked(now time.Time, keep func(*Entry) bool) []candidate {
	out := make([]candidate, 0, c.ll.Len())
	for el := c.ll.Front(); el != nil; el = el.Next() {
		it := el.Value.(*item)
		if it.entry.expired(now, c.ttl) || !keep(&it.entry) {
			continue
		}
		out = append(out, candidate{
			el:         el,
			key:        it.key,
			normalized: it.entry.NormalizedMessage,
			intent:     it.entry.Intent,
			embedding:  it.entry.Embedding,
		})
	}
	return out
}

func (c *ResponseCache) bestFuzzy(normalized string, snap []candidate) (*candidate, float64) {
	if normalized == "" || len(snap) == 0 {
		return nil, 0
	}
	scorer := newSimilarityScorer(normalized, c.fuzzyThreshold)

	var best *candidate
	bestScore := 0.0
	for i := range snap {
		s := scorer.score(snap[i].normalized)
		if s >= c.fuzzyThreshold && s > bestScore {
			best, bestScore = &snap[i], s
		}
	}
	return best, bestScore
}

// claim re-validates a scan winner under the lock and records the hit. The entry may
// have been evicted or replaced while the lock was released.
func (c *ResponseCache) claim(cand *candidate, now time.Time, kind MatchKind, score float64) (Match, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[cand.key]
	if !ok || el != cand.el {
		return Match{}, false
	}
	it := el.Value.(*item)
	if it.entry.expired(now, c.ttl) {
		return Match{}, false
	}
	it.entry.hit()
	c.ll.MoveToBack(el)
	c.hits++
	c.semHit++
	return Match{Key: cand.key, Response: it.entry.Response, Kind: kind, Similarity: score}, true
}

// FindSemanticMatch returns the entry whose embedding is most similar to the query's,
// if it reaches the threshold. An error is returned only when computing the query
// embedding fails.
func (c *ResponseCache) FindSemanticMatch(ctx context.Context, sq SemanticQuery) (Match, bool, error) {
	threshold := sq.Threshold
	if threshold <= 0 {
		threshold = c.semanticThreshold
	}

	now := c.now()
	c.mu.Lock()
	snap := c.snapshotLocked(now, func(e *Entry) bool {
		return len(e.Embedding) > 0 && (sq.Intent == "" || e.Intent == sq.Intent)
	})
	c.mu.Unlock()
	if len(snap) == 0 {
		return Match{}, false, nil
	}

	emb := sq.Embedding
	if emb == nil {
		if sq.Embed == nil {
			return Match{}, false, nil
		}
		var err error
		emb, err = sq.Embed(ctx, sq.Message)
		if err != nil {
			return Match{}, false, err
		}
	}

	var best *candidate
	bestScore := 0.0
	for i := range snap {
		s := cosineSimilarity(emb, snap[i].embedding)
		if s >= threshold && s > bestScore {
			best, bestScore = &snap[i], s
		}
	}
	if best == nil {
		return Match{}, false, nil
	}
	m, ok := c.claim(best, now, MatchSemantic, bestScore)
	return m, ok, nil
}

// Set stores response for q. Responses shorter than 10 or longer than 1500 characters
// are not cached and Set reports false.
func (c *ResponseCache) Set(ctx context.Context, q Query, response string, embedding []float32) bool {
	n := utf8.RuneCountInString(response)
	if n < minResponseLen || n > maxResponseLen {
		return false
	}

	key := q.Key()
	e := Entry{
		Response:          response,
		CreatedAt:         c.now(),
		ContextHash:       q.ContextHash,
		Intent:            q.Intent,
		NormalizedMessage: Normalize(q.Message),
		Embedding:         append([]float32(nil), embedding...),
		TTLMultiplier:     1.0,
	}

	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
	for c.ll.Len() > 0 && c.ll.Len() >= c.maxSize {
		c.removeLocked(c.ll.Front())
		c.evicts++
	}
	c.items[key] = c.ll.PushBack(&item{key: key, entry: e})
	hooks := c.hooks
	c.mu.Unlock()

	for _, h := range hooks {
		h(ctx, key, e.clone())
	}
	return true
}

// Restore inserts a persisted entry without counting it as a write. Keys already
// present, expired entries and a full cache are skipped. Restored entries are placed
// at the cold end so callers should restore the most valuable entries first.
func (c *ResponseCache) Restore(key string, e Entry) bool {
	if e.TTLMultiplier <= 0 {
		e.TTLMultiplier = ttlMultiplier(e.Hits)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[key]; ok {
		return false
	}
	if e.expired(c.now(), c.ttl) || c.ll.Len() >= c.maxSize {
		return false
	}
	c.items[key] = c.ll.PushFront(&item{key: key, entry: e.clone()})
	return true
}

// Invalidate removes every entry whose key contains pattern, or all entries when
// pattern is empty. It returns the number removed.
func (c *ResponseCache) Invalidate(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pattern == "" {
		n := c.ll.Len()
		c.ll.Init()
		c.items = make(map[string]*list.Element)
		return n
	}

	n := 0
	for el := c.ll.Front(); el != nil; {
		next := el.Next()
		if strings.Contains(el.Value.(*item).key, pattern) {
			c.removeLocked(el)
			n++
		}
		el = next
	}
	return n
}

// CleanupExpired removes expired entries and returns how many went.
func (c *ResponseCache) CleanupExpired() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for el := c.ll.Front(); el != nil; {
		next := el.Next()
		if el.Value.(*item).entry.expired(now, c.ttl) {
			c.removeLocked(el)
			n++
		}
		el = next
	}
	return n
}

// Run sweeps expired entries every interval until ctx is cancelled.
func (c *ResponseCache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.CleanupExpired(); n > 0 {
				c.logger.Debug("expired entries removed", zap.Int("count", n))
			}
		}
	}
}

// Len returns the number of stored entries, expired or not.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Entries returns a copy of every live entry, least recently used first.
func (c *ResponseCache) Entries() []Record {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Record, 0, c.ll.Len())
	for el := c.ll.Front(); el != nil; el = el.Next() {
		it := el.Value.(*item)
		if it.entry.expired(now, c.ttl) {
			continue
		}
		out = append(out, Record{Key: it.key, Entry: it.entry.clone()})
	}
	return out
}

// Stats returns the counters and a rough memory estimate.
func (c *ResponseCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var mem int64
	for el := c.ll.Front(); el != nil; el = el.Next() {
		it := el.Value.(*item)
		mem += entryOverhead + int64(len(it.key)+len(it.entry.Response)+len(it.entry.NormalizedMessage)+
			len(it.entry.ContextHash)+len(it.entry.Intent)+4*len(it.entry.Embedding))
	}

	st := Stats{
		TotalEntries:   c.ll.Len(),
		MaxSize:        c.maxSize,
		Hits:           c.hits,
		Misses:         c.misses,
		SemanticHits:   c.semHit,
		Evictions:      c.evicts,
		MemoryEstimate: mem,
	}
	if total := c.hits + c.misses; total > 0 {
		st.HitRate = float64(c.hits) / float64(total)
	}
	return st
}

// entryOverhead approximates the list element, map slot and struct headers.
const entryOverhead = 160

func (c *ResponseCache) removeLocked(el *list.Element) {
	it := c.ll.Remove(el).(*item)
	delete(c.items, it.key)
}
