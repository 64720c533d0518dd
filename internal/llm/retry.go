package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"geminicord/internal/tracing"
)

// maxRetryAfter caps how long an upstream Retry-After can park a request.
const maxRetryAfter = 5 * time.Minute

// doWithRetry wraps an HTTP call with retry logic.
// It makes up to MaxRetries+1 attempts and returns how many were used.
// - Retries only on transient network errors, 408, 429 and 5xx statuses.
// - Honors Retry-After on retryable responses.
// - Backs off exponentially with full jitter between attempts.
func (c *client) doWithRetry(
	ctx context.Context,
	body []byte,
	do func(ctx context.Context, body []byte) (*http.Response, error),
) (*http.Response, int, error) {
	var lastErr error
	maxAttempts := c.cfg.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, attempt, err
		}

		start := time.Now()
		resp, err := do(ctx, body)
		duration := time.Since(start)

		status := 0
		if resp != nil {
			status = resp.StatusCode
		}

		c.logger.Debug("gemini upstream request",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxAttempts),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.Error(err),
		)

		var wait time.Duration
		switch {
		case err != nil:
			// Context errors are final
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, attempt + 1, err
			}
			if !isTransientNetError(err) {
				return nil, attempt + 1, err
			}
			lastErr = err

		case !shouldRetryStatus(status):
			return resp, attempt + 1, nil

		default:
			lastErr = &UpstreamError{Status: status, Message: http.StatusText(status)}
			wait = parseRetryAfter(resp)
			// close before retrying so the connection can be reused
			if resp.Body != nil {
				resp.Body.Close()
			}
		}

		if attempt == maxAttempts-1 {
			break
		}

		if wait <= 0 {
			wait = computeBackoff(c.cfg.BaseBackoff, attempt)
		} else {
			c.logger.Info("honoring Retry-After header",
				zap.Duration("wait", wait),
				zap.Int("status", status),
			)
		}
		tracing.AddEvent(ctx, "retry",
			attribute.Int("attempt", attempt+1),
			attribute.Int64("wait_ms", wait.Milliseconds()),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, attempt + 1, ctx.Err()
		case <-timer.C:
		}
	}

	c.logger.Warn("gemini request exhausted all retries",
		zap.Int("attempts", maxAttempts),
		zap.Error(lastErr),
	)

	if lastErr == nil {
		lastErr = errors.New("unknown upstream error")
	}
	return nil, maxAttempts, fmt.Errorf("llm: max retries (%d) exceeded: %w", maxAttempts, lastErr)
}

// isTransientNetError reports whether a network error is worth retrying.
func isTransientNetError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial", "read", "write":
			return true
		}
	}

	// wrapped errors sometimes only survive as text
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"temporary failure",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

func shouldRetryStatus(status int) bool {
	switch {
	case status == 0:
		return true
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return true
	case status >= 500 && status <= 599:
		return true
	default:
		return false
	}
}

// parseRetryAfter reads Retry-After as seconds or an HTTP date. Returns 0 when
// missing or invalid.
func parseRetryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}

	retryAfter := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if retryAfter == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		if seconds <= 0 {
			return 0
		}
		return min(time.Duration(seconds)*time.Second, maxRetryAfter)
	}

	if t, err := http.ParseTime(retryAfter); err == nil {
		if d := time.Until(t); d > 0 {
			return min(d, maxRetryAfter)
		}
	}

	return 0
}

// computeBackoff returns a random delay in [0, base*2^attempt), capped at 60s.
//
// Example progression (base=100ms):
// Attempt 0: 0-100ms
// Attempt 1: 0-200ms
// Attempt 2: 0-400ms
func computeBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	const maxExponent = 10
	if attempt > maxExponent {
		attempt = maxExponent
	}

	maxBackoff := time.Duration(float64(base) * math.Pow(2, float64(attempt)))

	const maxAllowed = 60 * time.Second
	if maxBackoff > maxAllowed {
		maxBackoff = maxAllowed
	}

	return time.Duration(rand.Float64() * float64(maxBackoff))
}
