package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"geminicord/internal/metrics"
	"geminicord/internal/tracing"
)

const (
	maxRequestSize = 2 * 1024 * 1024 // 2MB total JSON payload
	maxMessageSize = 512 * 1024      // 512KB per message content
)

// call POSTs in to models/{model}:{method} and decodes a 2xx body into out.
func (c *client) call(parentCtx context.Context, span *tracing.UpstreamSpan, model, method string, in, out any) (err error) {
	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.UpstreamLatencySeconds.WithLabelValues(method, result).Observe(time.Since(start).Seconds())
	}()

	// Per-request timeout on top of the caller's deadline
	ctx, cancel := context.WithTimeout(parentCtx, c.cfg.UpstreamTimeout)
	defer cancel()

	bodyBytes, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("llm: marshal request: %w", err)
	}
	if len(bodyBytes) > maxRequestSize {
		return fmt.Errorf("llm: request too large (%d bytes, max %d)", len(bodyBytes), maxRequestSize)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:%s", c.cfg.BaseURL, url.PathEscape(model), method)

	// doOnce builds a fresh *http.Request for each attempt
	doOnce := func(ctx context.Context, body []byte) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("llm: build HTTP request: %w", err)
		}
		httpReq.Header.Set("x-goog-api-key", c.cfg.APIKey)
		httpReq.Header.Set("Content-Type", "application/json")
		return c.httpClient.Do(httpReq)
	}

	resp, attempts, err := c.doWithRetry(ctx, bodyBytes, doOnce)
	span.SetAttempt(attempts)
	if err != nil {
		c.logger.Error("gemini request failed",
			zap.String("method", method),
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.upstreamError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("llm: decode upstream response: %w", err)
	}
	return nil
}

// upstreamError turns a non-2xx response into an *UpstreamError.
func (c *client) upstreamError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var perr providerErrorResponse
	if err := json.Unmarshal(body, &perr); err == nil && perr.Error.Message != "" {
		c.logger.Error("gemini provider error",
			zap.Int("status", resp.StatusCode),
			zap.String("error_status", perr.Error.Status),
			zap.String("error_message", perr.Error.Message),
		)
		return &UpstreamError{Status: resp.StatusCode, Message: perr.Error.Message, Type: perr.Error.Status}
	}

	c.logger.Error("gemini upstream error",
		zap.Int("status", resp.StatusCode),
		zap.String("body", truncate(string(body), 200)),
	)
	return &UpstreamError{Status: resp.StatusCode, Message: truncate(string(body), 200)}
}

// truncate limits string length for logging
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
