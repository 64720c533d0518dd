package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"geminicord/internal/chat"
	"geminicord/internal/llm"
	"geminicord/pkg/logging/logging"
)

// Asker answers chat requests.
type Asker interface {
	Ask(ctx context.Context, req chat.Request) (*chat.Reply, error)
}

// ChatHandler holds dependencies for the /v1/chat endpoint.
type ChatHandler struct {
	Asker Asker
	// TrustCallerIDs takes user_id from the body or X-User-ID. Only set it when the
	// endpoint sits behind an authenticated frontend; otherwise callers are rate
	// limited by client address.
	TrustCallerIDs bool
}

func NewChatHandler(a Asker) *ChatHandler {
	return &ChatHandler{Asker: a}
}

type ChatRequest struct {
	UserID      string        `json:"user_id"`
	ChannelID   string        `json:"channel_id"`
	GuildID     string        `json:"guild_id"`
	Message     string        `json:"message"`
	Intent      string        `json:"intent,omitempty"`
	ContextHash string        `json:"context_hash,omitempty"`
	History     []llm.Message `json:"history,omitempty"`
}

type ChatResponse struct {
	Reply      string  `json:"reply"`
	Outcome    string  `json:"outcome"`
	RequestID  string  `json:"request_id"`
	RetryAfter float64 `json:"retry_after,omitempty"`
}

// Chat handles POST /v1/chat.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)
	start := time.Now()

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid request", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "empty_message", "message is required")
		return
	}
	req.UserID = h.callerID(r, req.UserID)

	reply, err := h.Asker.Ask(ctx, chat.Request{
		UserID:      req.UserID,
		ChannelID:   req.ChannelID,
		GuildID:     req.GuildID,
		Message:     req.Message,
		Intent:      req.Intent,
		ContextHash: req.ContextHash,
		History:     req.History,
	})
	if err != nil {
		logger.Warn("chat failed",
			zap.Error(err),
			zap.Duration("total_latency", time.Since(start)),
		)
		switch {
		case errors.Is(err, chat.ErrEmptyMessage):
			writeError(w, http.StatusBadRequest, "empty_message", "message is required")
		case errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusGatewayTimeout, "upstream_timeout", "the AI service took too long to answer")
		default:
			writeError(w, http.StatusBadGateway, "upstream_error", "the AI service failed to answer")
		}
		return
	}

	logger.Info("chat_decision",
		zap.String("outcome", string(reply.Outcome)),
		zap.String("chat_request_id", reply.RequestID),
		zap.String("user_id", req.UserID),
		zap.Float64("similarity", reply.Similarity),
		zap.Duration("total_latency", time.Since(start)),
	)

	resp := ChatResponse{
		Reply:     reply.Text,
		Outcome:   string(reply.Outcome),
		RequestID: reply.RequestID,
	}

	switch reply.Outcome {
	case chat.OutcomeRateLimited:
		resp.RetryAfter = reply.RetryAfter.Seconds()
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(reply.RetryAfter.Seconds()))))
		writeJSON(w, http.StatusTooManyRequests, resp)
	case chat.OutcomeCircuitOpen:
		writeJSON(w, http.StatusServiceUnavailable, resp)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

func (h *ChatHandler) callerID(r *http.Request, claimed string) string {
	if !h.TrustCallerIDs {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		return "ip:" + host
	}
	if claimed == "" {
		claimed = r.Header.Get("X-User-ID")
	}
	if claimed == "" {
		claimed = "anon"
	}
	return claimed
}
