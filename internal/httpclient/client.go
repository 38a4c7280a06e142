// Package httpclient builds the agent's outbound HTTP stack: a retry
// transport wrapping a bearer-auth transport wrapping a deadline
// transport, mirroring the original client's
// retry(auth(timeout(connector))) middleware stack (spec §4.2,
// original_source/.../middleware/mod.rs).
package httpclient

import (
	"net/http"
	"time"
)

// Options configures NewClient.
type Options struct {
	OIDCServer   string
	ClientID     string
	AccessToken  string
	RefreshToken string
	// RequestTimeout bounds a single round trip, applied by the
	// innermost TimeoutTransport (spec §4.2: "last middleware of
	// client").
	RequestTimeout time.Duration
	MaxConnsPerHost int
}

// Client bundles the constructed http.Client together with the auth
// transport so callers can read back the live access token (e.g. for a
// WebSocket bus handshake that can't go through http.RoundTripper).
type Client struct {
	*http.Client
	Auth *AuthTransport

	// StreamClient is the auth(timeout(connector)) chain with
	// RetryTransport deliberately left out (spec §4.2: "retry is not
	// installed as a middleware" for stream bodies, since a streamed
	// request can't be cloned and replayed). Callers sending a
	// multipart/streaming body drive retries themselves via StreamSend
	// instead of Client, so the two retry mechanisms never stack.
	StreamClient *http.Client
}

// NewClient builds the full retry→auth→timeout transport chain, plus a
// second auth→timeout chain (no retry) for stream bodies.
func NewClient(opts Options) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	maxConns := opts.MaxConnsPerHost
	if maxConns <= 0 {
		maxConns = 16
	}

	connector := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   maxConns + 2,
		MaxConnsPerHost:       maxConns,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 20 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	timeout := &TimeoutTransport{Base: connector, Timeout: opts.RequestTimeout}
	auth := NewAuthTransport(timeout, opts.OIDCServer, opts.ClientID, opts.AccessToken, opts.RefreshToken)
	retry := NewRetryTransport(auth)

	return &Client{
		Client:       &http.Client{Transport: retry},
		Auth:         auth,
		StreamClient: &http.Client{Transport: auth},
	}
}
