package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// TimeoutTransport enforces a per-request deadline around the wrapped
// transport. Go's http.Client.Timeout already covers most of this, but
// that timeout races badly with connection reuse on some kernels (the
// same issue the original client worked around with its own wrapping
// timeout middleware, layered as the innermost hop). Kept here so the
// retry layer sees a plain error rather than a hung round trip.
type TimeoutTransport struct {
	Base    http.RoundTripper
	Timeout time.Duration
}

// ErrTimeout marks a round trip that exceeded TimeoutTransport's budget,
// distinguishing it from an ordinary network error for the retry layer's
// classification (spec §4.2: timeouts and transient transport errors are
// both retryable, but are reported separately so logs can tell them apart).
type ErrTimeout struct {
	Timeout time.Duration
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("request timed out after %s", e.Timeout)
}

func (t *TimeoutTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	ctx, cancel := context.WithTimeout(req.Context(), t.Timeout)
	defer cancel()
	req = req.Clone(ctx)

	type result struct {
		resp *http.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := base.RoundTrip(req)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, &ErrTimeout{Timeout: t.Timeout}
	}
}
