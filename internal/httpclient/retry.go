package httpclient

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/kuintessence/agentd/internal/log"
	"github.com/kuintessence/agentd/internal/metrics"
)

// DefaultMaxRetries bounds the retry transport's attempts (spec §4.2).
const DefaultMaxRetries = 5

// RetryTransport classifies a response/error as retryable and retries
// with exponential backoff. Ported from the original client's
// RetryOnError strategy (original_source/.../middleware/retry.rs):
// a timeout is always transient, a 401 is always transient (the auth
// layer underneath will have attempted a refresh), and anything else
// falls back to the usual 5xx/connection-reset classification.
type RetryTransport struct {
	Base       http.RoundTripper
	MaxRetries int
	// BaseDelay is the first backoff step; each subsequent attempt
	// doubles it, capped at MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func NewRetryTransport(base http.RoundTripper) *RetryTransport {
	return &RetryTransport{
		Base:       base,
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   10 * time.Second,
	}
}

func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	for attempt := 0; ; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			req.Body = body
		}

		resp, err := base.RoundTrip(req)

		if !retryable(resp, err) || attempt >= t.MaxRetries {
			return resp, err
		}

		delay := backoffDelay(t.BaseDelay, t.MaxDelay, attempt)
		log.Logger.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("retrying request")
		metrics.HTTPRetriesTotal.WithLabelValues(retryReason(resp, err)).Inc()

		if resp != nil {
			resp.Body.Close()
		}

		select {
		case <-time.After(delay):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}
}

func retryable(resp *http.Response, err error) bool {
	if err != nil {
		var timeoutErr *ErrTimeout
		if errors.As(err, &timeoutErr) {
			return true
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		return true // connection reset, DNS failure, etc — original's default_on_request_failure
	}

	if resp == nil {
		return false
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return true
	}
	return resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500
}

func retryReason(resp *http.Response, err error) string {
	if err != nil {
		var timeoutErr *ErrTimeout
		if errors.As(err, &timeoutErr) {
			return "timeout"
		}
		return "transport_error"
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return "401"
	}
	return "server_error"
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > max {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}
