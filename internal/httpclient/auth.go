package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vfaronov/httpheader"
	"golang.org/x/oauth2"

	"github.com/kuintessence/agentd/internal/log"
)

const expiredSignature = "ExpiredSignature"

// tokenPair is the atomically-swapped bearer/refresh token cell (spec
// §4.2, §5 "Shared state"). Grounded on
// original_source/.../middleware/authorization.rs's ArcSwap<InnerState>.
type tokenPair struct {
	access  string
	refresh string
}

// AuthTransport is an http.RoundTripper that carries a bearer access
// token and refreshes it on a 401 whose WWW-Authenticate value decodes
// to error=invalid_token, error_description=ExpiredSignature. Any other
// invalid_token description is fatal: the process aborts (spec §4.2,
// §7).
type AuthTransport struct {
	Base       http.RoundTripper
	OIDCServer string
	ClientID   string

	pair atomic.Pointer[tokenPair]

	// refreshClient is a bare client with only a 1s timeout (spec §5) —
	// it must not itself go through AuthTransport.
	refreshClient *http.Client
}

// NewAuthTransport constructs an AuthTransport seeded with the initial
// access/refresh token pair obtained at login (the OIDC device-code
// dance itself is an external collaborator per spec §1).
func NewAuthTransport(base http.RoundTripper, oidcServer, clientID, accessToken, refreshToken string) *AuthTransport {
	t := &AuthTransport{
		Base:          base,
		OIDCServer:    oidcServer,
		ClientID:      clientID,
		refreshClient: &http.Client{Timeout: time.Second},
	}
	t.pair.Store(&tokenPair{access: accessToken, refresh: refreshToken})
	return t
}

// AccessToken returns the currently held access token.
func (t *AuthTransport) AccessToken() string {
	return t.pair.Load().access
}

// RoundTrip injects the bearer token, and on a 401 carrying an expired
// access token, refreshes it. The retry transport layered above this one
// is responsible for replaying the original request once the refresh
// completes (spec §4.2: "the original request is not replayed by this
// layer").
func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	pair := t.pair.Load()
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+pair.access)

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return resp, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		if challenges := httpheader.WWWAuthenticate(resp.Header); len(challenges) > 0 {
			for _, c := range challenges {
				if !strings.EqualFold(c.Params["error"], "invalid_token") {
					continue
				}
				desc := c.Params["error_description"]
				if desc != expiredSignature {
					log.Logger.Fatal().Str("error_description", desc).
						Msg("unrecoverable invalid_token error, agent restart required")
				}
				if refreshErr := t.refresh(req.Context()); refreshErr != nil {
					log.Logger.Error().Err(refreshErr).Msg("token refresh failed")
				}
				break
			}
		}
	}

	return resp, nil
}

// refresh performs the OIDC refresh_token grant and atomically swaps in
// the new pair. Concurrent callers racing on a 401 converge on one
// refreshed pair: the atomic pointer swap means the last writer wins and
// every reader after it observes a consistent pair (spec §8.8).
func (t *AuthTransport) refresh(ctx context.Context) error {
	pair := t.pair.Load()

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {t.ClientID},
		"refresh_token": {pair.refresh},
	}

	reqCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, t.OIDCServer, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.refreshClient.Do(req)
	if err != nil {
		return fmt.Errorf("refresh token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("refresh token: unexpected status %d", resp.StatusCode)
	}

	var grant oauth2.Token
	if err := decodeJSON(resp.Body, &grant); err != nil {
		return fmt.Errorf("decode refresh response: %w", err)
	}

	newPair := &tokenPair{access: grant.AccessToken, refresh: grant.RefreshToken}
	if newPair.refresh == "" {
		newPair.refresh = pair.refresh
	}
	t.pair.Store(newPair)
	return nil
}
