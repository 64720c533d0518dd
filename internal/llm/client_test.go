package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, srv *httptest.Server, cfg Config) Client {
	t.Helper()
	cfg.BaseURL = srv.URL
	if cfg.APIKey == "" {
		cfg.APIKey = "test-key"
	}
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = time.Millisecond
	}
	c, err := NewClient(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { closeClient(c) })
	return c
}

func TestNewClientValidation(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{}, zaptest.NewLogger(t))
	if err == nil {
		t.Fatalf("expected validation error, got nil")
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := (&Config{APIKey: "k", BaseURL: "http://example.test/"}).WithDefaults()
	if cfg.BaseURL != "http://example.test" {
		t.Fatalf("trailing slash kept: %s", cfg.BaseURL)
	}
	if cfg.Model != DefaultModel || cfg.EmbeddingModel != DefaultEmbeddingModel {
		t.Fatalf("models = %s / %s", cfg.Model, cfg.EmbeddingModel)
	}
	if cfg.MaxRetries != 2 || cfg.UpstreamTimeout != 30*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestGenerateSuccess(t *testing.T) {
	t.Parallel()

	var gotReq providerGenerateRequest
	var gotKey, gotPath string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &gotReq); err != nil {
			t.Errorf("unmarshal request: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"candidates": [{
				"content": {"role": "model", "parts": [{"text": "Hello "}, {"text": "there!"}]},
				"finishReason": "STOP",
				"index": 0
			}],
			"usageMetadata": {"promptTokenCount": 7, "candidatesTokenCount": 3, "totalTokenCount": 10},
			"modelVersion": "gemini-2.0-flash-001"
		}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv, Config{})

	resp, err := client.Generate(context.Background(), &GenerateRequest{
		SystemPrompt: "be brief",
		Messages: []Message{
			{Role: RoleUser, Content: "hi"},
			{Role: RoleModel, Content: "hey"},
			{Role: RoleUser, Content: "how are you"},
		},
		Temperature:     0.7,
		MaxOutputTokens: 800,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if gotPath != "/v1beta/models/gemini-2.0-flash:generateContent" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if gotKey != "test-key" {
		t.Fatalf("unexpected api key header: %q", gotKey)
	}
	if len(gotReq.Contents) != 3 || gotReq.Contents[1].Role != RoleModel || gotReq.Contents[2].Parts[0].Text != "how are you" {
		t.Fatalf("unexpected contents: %#v", gotReq.Contents)
	}
	if gotReq.SystemInstruction == nil || gotReq.SystemInstruction.Parts[0].Text != "be brief" {
		t.Fatalf("system instruction missing: %#v", gotReq.SystemInstruction)
	}
	if gotReq.GenerationConfig == nil || gotReq.GenerationConfig.MaxOutputTokens != 800 {
		t.Fatalf("generation config missing: %#v", gotReq.GenerationConfig)
	}

	if resp.Text != "Hello there!" {
		t.Fatalf("text = %q", resp.Text)
	}
	if resp.Model != "gemini-2.0-flash-001" || resp.FinishReason != "STOP" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 10 {
		t.Fatalf("usage not mapped: %#v", resp.Usage)
	}
}

func TestGenerateModelOverride(t *testing.T) {
	t.Parallel()

	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv, Config{})
	_, err := client.Generate(context.Background(), &GenerateRequest{
		Model:    "gemini-1.5-pro",
		Messages: []Message{{Role: RoleUser, Content: "ping"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if gotPath != "/v1beta/models/gemini-1.5-pro:generateContent" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
}

func TestGenerateValidationError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("server should not be called for invalid request")
	}))
	defer srv.Close()

	client := newTestClient(t, srv, Config{})

	cases := []*GenerateRequest{
		{},
		{Messages: []Message{{Role: "assistant", Content: "x"}}},
		{Messages: []Message{{Role: RoleUser, Content: ""}}},
		{Messages: []Message{{Role: RoleUser, Content: "q"}, {Role: RoleModel, Content: "a"}}},
		{Messages: []Message{{Role: RoleUser, Content: "q"}}, Temperature: 3},
		{Messages: []Message{{Role: RoleUser, Content: strings.Repeat("x", maxMessageSize+1)}}},
	}
	for i, req := range cases {
		if _, err := client.Generate(context.Background(), req); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
	if _, err := client.Generate(context.Background(), nil); err == nil {
		t.Error("nil request accepted")
	}
}

func TestGenerateNoCandidates(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"candidates":[],"promptFeedback":{"blockReason":"SAFETY"}}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv, Config{})
	_, err := client.Generate(context.Background(), &GenerateRequest{
		Messages: []Message{{Role: RoleUser, Content: "blocked"}},
	})
	if !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("err = %v, want ErrNoCandidates", err)
	}
	if !strings.Contains(err.Error(), "SAFETY") {
		t.Fatalf("block reason missing from %v", err)
	}
}

func TestGenerateUpstreamError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"code":400,"message":"API key not valid","status":"INVALID_ARGUMENT"}}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv, Config{})
	_, err := client.Generate(context.Background(), &GenerateRequest{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})

	var uerr *UpstreamError
	if !errors.As(err, &uerr) {
		t.Fatalf("err = %v, want *UpstreamError", err)
	}
	if uerr.Status != http.StatusBadRequest || uerr.Type != "INVALID_ARGUMENT" || uerr.Message != "API key not valid" {
		t.Fatalf("unexpected upstream error: %+v", uerr)
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx retried: %d calls", calls.Load())
	}
}

func TestGenerateRetriesTransientStatus(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"recovered"}]},"finishReason":"STOP"}]}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv, Config{MaxRetries: 2})
	resp, err := client.Generate(context.Background(), &GenerateRequest{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "recovered" || calls.Load() != 2 {
		t.Fatalf("text %q after %d calls", resp.Text, calls.Load())
	}
}

func TestGenerateExhaustsRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient(t, srv, Config{MaxRetries: 1})
	_, err := client.Generate(context.Background(), &GenerateRequest{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})

	var uerr *UpstreamError
	if !errors.As(err, &uerr) || uerr.Status != http.StatusInternalServerError {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestEmbed(t *testing.T) {
	t.Parallel()

	var gotReq providerEmbedRequest
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotReq)
		_, _ = io.WriteString(w, `{"embedding":{"values":[0.25,-0.5,1]}}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv, Config{})
	vec, err := client.Embed(context.Background(), "  what is go  ")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	if gotPath != "/v1beta/models/text-embedding-004:embedContent" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if gotReq.Model != "models/text-embedding-004" || gotReq.Content.Parts[0].Text != "what is go" {
		t.Fatalf("unexpected embed request: %+v", gotReq)
	}
	if len(vec) != 3 || vec[1] != -0.5 {
		t.Fatalf("vector = %v", vec)
	}

	if _, err := client.Embed(context.Background(), "   "); err == nil {
		t.Fatal("blank text accepted")
	}
}

func TestEmbedEmptyVector(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"embedding":{"values":[]}}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv, Config{})
	if _, err := client.Embed(context.Background(), "text"); err == nil {
		t.Fatal("empty embedding accepted")
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	resp := func(v string) *http.Response {
		return &http.Response{Header: http.Header{"Retry-After": []string{v}}}
	}
	if d := parseRetryAfter(resp("3")); d != 3*time.Second {
		t.Fatalf("seconds = %v", d)
	}
	if d := parseRetryAfter(resp("100000")); d != maxRetryAfter {
		t.Fatalf("cap = %v", d)
	}
	if d := parseRetryAfter(resp("soon")); d != 0 {
		t.Fatalf("garbage = %v", d)
	}
	if d := parseRetryAfter(nil); d != 0 {
		t.Fatalf("nil = %v", d)
	}
}

func TestComputeBackoffBounds(t *testing.T) {
	t.Parallel()

	for attempt := 0; attempt < 20; attempt++ {
		d := computeBackoff(100*time.Millisecond, attempt)
		if d < 0 || d > 60*time.Second {
			t.Fatalf("attempt %d: backoff %v out of range", attempt, d)
		}
	}
}

func TestShouldRetryStatus(t *testing.T) {
	t.Parallel()

	for status, want := range map[int]bool{
		0: true, 200: false, 400: false, 404: false,
		408: true, 429: true, 500: true, 503: true,
	} {
		if got := shouldRetryStatus(status); got != want {
			t.Errorf("shouldRetryStatus(%d) = %v, want %v", status, got, want)
		}
	}
}

func closeClient(c Client) {
	if closer, ok := c.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}
