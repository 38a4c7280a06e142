package httpclient

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthTransportRefreshesOnExpiredToken(t *testing.T) {
	oidc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","token_type":"Bearer"}`))
	}))
	defer oidc.Close()

	var sawAuth []string
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth = append(sawAuth, r.Header.Get("Authorization"))
		if r.Header.Get("Authorization") == "Bearer old-access" {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="ExpiredSignature"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	auth := NewAuthTransport(http.DefaultTransport, oidc.URL, "client-1", "old-access", "old-refresh")
	client := &http.Client{Transport: auth}

	resp, err := client.Get(target.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "new-access", auth.AccessToken())

	resp2, err := client.Get(target.URL)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, []string{"Bearer old-access", "Bearer new-access"}, sawAuth)
}

func TestAuthTransportInjectsBearerHeader(t *testing.T) {
	var gotAuth string
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	auth := NewAuthTransport(http.DefaultTransport, "http://oidc.invalid", "client-1", "tok-1", "ref-1")
	client := &http.Client{Transport: auth}

	resp, err := client.Get(target.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "Bearer tok-1", gotAuth)
}
