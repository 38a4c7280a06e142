package httpclient

import (
	"net/http"
	"time"

	"github.com/kuintessence/agentd/internal/log"
)

// StreamSend builds a fresh *http.Request for each attempt. Unlike
// RetryTransport, it never clones or rewinds a request body: it exists
// for multipart/streaming uploads, whose body readers can't be cloned or
// rewound (original_source's RetryStreamClient documents the same
// constraint for reqwest::Body::wrap_stream). The caller supplies a
// builder that re-opens the underlying file (or otherwise recreates the
// stream) on every call.
type StreamSend struct {
	Client     *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func NewStreamSend(client *http.Client) *StreamSend {
	return &StreamSend{
		Client:     client,
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   10 * time.Second,
	}
}

// Execute calls build to construct a new request for every attempt and
// sends it, retrying on the same classification RetryTransport uses.
func (s *StreamSend) Execute(build func() (*http.Request, error)) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		req, err := build()
		if err != nil {
			return nil, err
		}

		resp, err := s.Client.Do(req)
		if !retryable(resp, err) || attempt >= s.MaxRetries {
			return resp, err
		}

		delay := backoffDelay(s.BaseDelay, s.MaxDelay, attempt)
		log.Logger.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("retrying stream request")

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
