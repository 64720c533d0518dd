// Package chat answers chat requests: admission by the rate limiter, protection by
// the Gemini circuit breaker, then the response cache, then the model.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"geminicord/internal/cache"
	"geminicord/internal/circuit"
	"geminicord/internal/llm"
	"geminicord/internal/metrics"
	"geminicord/internal/ratelimit"
	"geminicord/internal/tracing"
	"geminicord/pkg/logging/logging"
)

// ErrEmptyMessage is returned by Ask for a blank message.
var ErrEmptyMessage = errors.New("chat: message is empty")

// RecoveringMessage is shown while the Gemini circuit is open.
const RecoveringMessage = "The AI service is recovering, please try again shortly."

type Outcome string

const (
	OutcomeCached      Outcome = "cached"
	OutcomeSemantic    Outcome = "semantic"
	OutcomeGenerated   Outcome = "generated"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeCircuitOpen Outcome = "circuit_open"
)

type Request struct {
	UserID    string
	ChannelID string
	GuildID   string
	Message   string
	// ContextHash scopes the cache entry; computed from History when empty.
	ContextHash string
	Intent      string
	// SystemPrompt overrides the service default.
	SystemPrompt string
	History      []llm.Message
}

// Reply is the answer to one request. Text is empty for silent rate-limit denials.
type Reply struct {
	Text       string
	Outcome    Outcome
	RetryAfter time.Duration
	RequestID  string
	Similarity float64
}

// Admitter is the part of the rate limiter the service needs.
type Admitter interface {
	Check(ctx context.Context, policy string, scope ratelimit.Scope) ratelimit.Decision
}

type Config struct {
	// Policies are checked in order; the first denial wins.
	Policies        []string `yaml:"policies"`
	SystemPrompt    string   `yaml:"system_prompt"`
	Temperature     float32  `yaml:"temperature"`
	MaxOutputTokens int      `yaml:"max_output_tokens"`
	// HistoryTurns is how many trailing history turns feed ContextHash.
	HistoryTurns int  `yaml:"history_turns"`
	Semantic     bool `yaml:"semantic"`
	// UpstreamTimeout bounds a Gemini call once it has started. The call is detached
	// from the caller, so a hang-up never counts against the breaker.
	UpstreamTimeout time.Duration `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		Policies:        []string{ratelimit.PolicyChat, ratelimit.PolicyChatChannel, ratelimit.PolicyAIGlobal},
		SystemPrompt:    "You are a helpful assistant in a Discord server. Keep answers short and friendly.",
		Temperature:     0.7,
		MaxOutputTokens: 800,
		HistoryTurns:    6,
		Semantic:        true,
		UpstreamTimeout: 30 * time.Second,
	}
}

// Deps are the collaborators of a Service. EmbedBreaker may be nil, which disables
// the semantic layer.
type Deps struct {
	Limiter      Admitter
	Breaker      *circuit.Breaker
	EmbedBreaker *circuit.Breaker
	Cache        cache.Cache
	LLM          llm.Client
}

type Service struct {
	limiter      Admitter
	breaker      *circuit.Breaker
	embedBreaker *circuit.Breaker
	cache        cache.Cache
	llm          llm.Client
	cfg          Config
	policies     atomic.Pointer[[]string]
}

func NewService(d Deps, cfg Config) (*Service, error) {
	switch {
	case d.Limiter == nil:
		return nil, errors.New("chat: limiter is required")
	case d.Breaker == nil:
		return nil, errors.New("chat: breaker is required")
	case d.Cache == nil:
		return nil, errors.New("chat: cache is required")
	case d.LLM == nil:
		return nil, errors.New("chat: llm client is required")
	}

	s := &Service{
		limiter:      d.Limiter,
		breaker:      d.Breaker,
		embedBreaker: d.EmbedBreaker,
		cache:        d.Cache,
		llm:          d.LLM,
		cfg:          cfg,
	}
	if !cfg.Semantic {
		s.embedBreaker = nil
	}
	s.SetPolicies(cfg.Policies)
	return s, nil
}

// SetPolicies replaces the rate-limit policies checked for each request. Callers
// register the names with the limiter first; an unknown name admits everything.
func (s *Service) SetPolicies(names []string) {
	p := append([]string(nil), names...)
	s.policies.Store(&p)
}

// Policies returns the policy names currently checked.
func (s *Service) Policies() []string {
	return append([]string(nil), *s.policies.Load()...)
}

// Ask answers req. Rate-limit denials and an open circuit are reported through
// Reply.Outcome; an error means the upstream call failed.
func (s *Service) Ask(ctx context.Context, req Request) (*Reply, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}

	reqID := uuid.NewString()
	logger := logging.L(ctx).Named("chat").With(
		zap.String("request_id", reqID),
		zap.String("user_id", req.UserID),
		zap.String("channel_id", req.ChannelID),
	)
	ctx = logging.WithLogger(ctx, logger)

	ctx, span := tracing.Default().StartChatSpan(ctx, reqID, req.UserID, req.ChannelID)

	reply, err := s.ask(ctx, req, span)
	if err != nil {
		metrics.ChatRequestsTotal.WithLabelValues("error").Inc()
		span.EndWithError(err)
		logger.Warn("chat request failed", zap.Error(err))
		return nil, err
	}

	reply.RequestID = reqID
	metrics.ChatRequestsTotal.WithLabelValues(string(reply.Outcome)).Inc()
	span.SetOutcome(string(reply.Outcome))
	span.End()
	logger.Debug("chat request answered", zap.String("outcome", string(reply.Outcome)))
	return reply, nil
}

func (s *Service) ask(ctx context.Context, req Request, span *tracing.ChatSpan) (*Reply, error) {
	logger := logging.L(ctx)
	scope := ratelimit.Scope{UserID: req.UserID, ChannelID: req.ChannelID, GuildID: req.GuildID}

	for _, policy := range *s.policies.Load() {
		d := s.limiter.Check(ctx, policy, scope)
		if !d.Allowed {
			logger.Info("rate limited",
				zap.String("policy", policy),
				zap.Duration("retry_after", d.RetryAfter),
			)
			return &Reply{Text: d.Message, Outcome: OutcomeRateLimited, RetryAfter: d.RetryAfter}, nil
		}
	}

	// State does not spend a half-open probe; CanExecute is left for the upstream call.
	if s.breaker.State() == circuit.StateOpen {
		return &Reply{Text: RecoveringMessage, Outcome: OutcomeCircuitOpen}, nil
	}

	if req.ContextHash == "" {
		req.ContextHash = ContextHash(req.History, s.cfg.HistoryTurns)
	}
	q := cache.Query{Message: req.Message, ContextHash: req.ContextHash, Intent: req.Intent}

	if m, ok := s.cache.Get(ctx, q); ok {
		return cachedReply(span, m, OutcomeCached), nil
	}

	embedding := s.embed(ctx, req.Message)
	if embedding != nil {
		m, ok, _ := s.cache.FindSemanticMatch(ctx, cache.SemanticQuery{
			Message:   req.Message,
			Intent:    req.Intent,
			Embedding: embedding,
		})
		if ok {
			return cachedReply(span, m, OutcomeSemantic), nil
		}
	}

	// A caller that is already gone must not spend a probe or an upstream call.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.breaker.CanExecute() {
		return &Reply{Text: RecoveringMessage, Outcome: OutcomeCircuitOpen}, nil
	}

	upCtx, cancel := s.upstreamContext(ctx)
	defer cancel()

	resp, err := s.llm.Generate(upCtx, s.generateRequest(req))
	if err != nil {
		if errors.Is(err, llm.ErrNoCandidates) {
			// Gemini answered; the prompt was the problem.
			s.breaker.RecordSuccess()
		} else {
			s.breaker.RecordFailure()
		}
		return nil, err
	}
	s.breaker.RecordSuccess()

	if !s.cache.Set(ctx, q, resp.Text, embedding) {
		logger.Debug("response not cached", zap.Int("length", len(resp.Text)))
	}
	return &Reply{Text: resp.Text, Outcome: OutcomeGenerated}, nil
}

func cachedReply(span *tracing.ChatSpan, m cache.Match, outcome Outcome) *Reply {
	span.SetCacheMatch(string(m.Kind), m.Similarity)
	return &Reply{Text: m.Response, Outcome: outcome, Similarity: m.Similarity}
}

// embed returns the message embedding, or nil when the semantic layer is off or the
// embeddings circuit refuses the call. Failures feed the embeddings breaker only.
func (s *Service) embed(ctx context.Context, message string) []float32 {
	if s.embedBreaker == nil || ctx.Err() != nil || !s.embedBreaker.CanExecute() {
		return nil
	}
	upCtx, cancel := s.upstreamContext(ctx)
	defer cancel()

	vec, err := s.llm.Embed(upCtx, message)
	if err != nil {
		s.embedBreaker.RecordFailure()
		logging.L(ctx).Warn("embedding failed, skipping semantic lookup", zap.Error(err))
		return nil
	}
	s.embedBreaker.RecordSuccess()
	return vec
}

// upstreamContext keeps ctx's values (logger, span) but not its cancellation, so
// every admitted attempt runs to a result the breaker can record.
func (s *Service) upstreamContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if s.cfg.UpstreamTimeout <= 0 {
		return context.WithCancel(detached)
	}
	return context.WithTimeout(detached, s.cfg.UpstreamTimeout)
}

func (s *Service) generateRequest(req Request) *llm.GenerateRequest {
	system := req.SystemPrompt
	if system == "" {
		system = s.cfg.SystemPrompt
	}
	msgs := make([]llm.Message, 0, len(req.History)+1)
	for _, m := range req.History {
		if m.Content != "" {
			msgs = append(msgs, m)
		}
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: req.Message})
	return &llm.GenerateRequest{
		SystemPrompt:    system,
		Messages:        msgs,
		Temperature:     s.cfg.Temperature,
		MaxOutputTokens: s.cfg.MaxOutputTokens,
	}
}
