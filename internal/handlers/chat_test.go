package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"geminicord/internal/chat"
	"geminicord/internal/llm"
)

type mockAsker struct {
	reply       *chat.Reply
	err         error
	calls       int
	lastRequest chat.Request
}

func (m *mockAsker) Ask(_ context.Context, req chat.Request) (*chat.Reply, error) {
	m.calls++
	m.lastRequest = req
	if m.err != nil {
		return nil, m.err
	}
	return m.reply, nil
}

func postChat(t *testing.T, h *ChatHandler, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.Chat(rr, req)
	return rr
}

func decodeChat(t *testing.T, rr *httptest.ResponseRecorder) ChatResponse {
	t.Helper()
	var resp ChatResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestChatHandlerGenerated(t *testing.T) {
	asker := &mockAsker{reply: &chat.Reply{Text: "hello!", Outcome: chat.OutcomeGenerated, RequestID: "req-1"}}
	h := NewChatHandler(asker)
	h.TrustCallerIDs = true

	payload, _ := json.Marshal(ChatRequest{
		UserID:    "user-42",
		ChannelID: "chan-1",
		GuildID:   "guild-1",
		Message:   "hi",
		Intent:    "greeting",
		History:   []llm.Message{{Role: llm.RoleUser, Content: "earlier"}},
	})
	rr := postChat(t, h, string(payload), nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	resp := decodeChat(t, rr)
	if resp.Reply != "hello!" || resp.Outcome != "generated" || resp.RequestID != "req-1" {
		t.Fatalf("response = %+v", resp)
	}

	got := asker.lastRequest
	if got.UserID != "user-42" || got.ChannelID != "chan-1" || got.GuildID != "guild-1" || got.Intent != "greeting" || len(got.History) != 1 {
		t.Fatalf("forwarded request = %+v", got)
	}
}

func TestChatHandlerIgnoresClaimedUserWhenUntrusted(t *testing.T) {
	asker := &mockAsker{reply: &chat.Reply{Text: "hey there", Outcome: chat.OutcomeGenerated}}
	h := NewChatHandler(asker)

	for _, id := range []string{"rotating-1", "rotating-2"} {
		postChat(t, h, `{"user_id":"`+id+`","message":"hi"}`, map[string]string{"X-User-ID": id})
		// httptest requests come from 192.0.2.1:1234.
		if got := asker.lastRequest.UserID; got != "ip:192.0.2.1" {
			t.Fatalf("user = %q, want the client address", got)
		}
	}
}

func TestChatHandlerUserFromHeader(t *testing.T) {
	asker := &mockAsker{reply: &chat.Reply{Text: "hey there", Outcome: chat.OutcomeCached}}
	h := NewChatHandler(asker)
	h.TrustCallerIDs = true

	postChat(t, h, `{"message":"hi"}`, map[string]string{"X-User-ID": "from-header"})
	if asker.lastRequest.UserID != "from-header" {
		t.Fatalf("user = %q", asker.lastRequest.UserID)
	}

	postChat(t, h, `{"message":"hi"}`, nil)
	if asker.lastRequest.UserID != "anon" {
		t.Fatalf("user = %q", asker.lastRequest.UserID)
	}
}

func TestChatHandlerRateLimited(t *testing.T) {
	asker := &mockAsker{reply: &chat.Reply{
		Text:       "Slow down! Try again in 12.5s.",
		Outcome:    chat.OutcomeRateLimited,
		RetryAfter: 12500 * time.Millisecond,
	}}
	rr := postChat(t, NewChatHandler(asker), `{"user_id":"u","message":"hi"}`, nil)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rr.Code)
	}
	if ra := rr.Header().Get("Retry-After"); ra != "13" {
		t.Fatalf("Retry-After = %q", ra)
	}
	resp := decodeChat(t, rr)
	if resp.Outcome != "rate_limited" || resp.RetryAfter != 12.5 {
		t.Fatalf("response = %+v", resp)
	}
}

func TestChatHandlerCircuitOpen(t *testing.T) {
	asker := &mockAsker{reply: &chat.Reply{Text: chat.RecoveringMessage, Outcome: chat.OutcomeCircuitOpen}}
	rr := postChat(t, NewChatHandler(asker), `{"user_id":"u","message":"hi"}`, nil)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	if resp := decodeChat(t, rr); resp.Reply != chat.RecoveringMessage {
		t.Fatalf("reply = %q", resp.Reply)
	}
}

func TestChatHandlerUpstreamError(t *testing.T) {
	asker := &mockAsker{err: &llm.UpstreamError{Status: 500, Message: "boom"}}
	rr := postChat(t, NewChatHandler(asker), `{"user_id":"u","message":"hi"}`, nil)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "upstream_error") {
		t.Fatalf("body = %s", rr.Body.String())
	}
	// Upstream details stay in the logs.
	if strings.Contains(rr.Body.String(), "boom") {
		t.Fatalf("upstream message leaked: %s", rr.Body.String())
	}
}

func TestChatHandlerUpstreamTimeout(t *testing.T) {
	asker := &mockAsker{err: errors.Join(errors.New("llm"), context.DeadlineExceeded)}
	rr := postChat(t, NewChatHandler(asker), `{"user_id":"u","message":"hi"}`, nil)
	if rr.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestChatHandlerBadRequests(t *testing.T) {
	asker := &mockAsker{}
	h := NewChatHandler(asker)

	for _, body := range []string{`{"message":`, `{"message":"   "}`, `{}`} {
		rr := postChat(t, h, body, nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d", body, rr.Code)
		}
	}
	if asker.calls != 0 {
		t.Fatalf("asker called %d times for bad requests", asker.calls)
	}
}

func TestChatHandlerOversizedBody(t *testing.T) {
	asker := &mockAsker{}
	h := NewChatHandler(asker)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", bytes.NewReader([]byte(`{"message":"`+strings.Repeat("x", 64)+`"}`)))
	rr := httptest.NewRecorder()
	req.Body = http.MaxBytesReader(rr, req.Body, 16)
	h.Chat(rr, req)

	if rr.Code != http.StatusBadRequest || asker.calls != 0 {
		t.Fatalf("status = %d, calls = %d", rr.Code, asker.calls)
	}
}
