package mojangauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// redirectTransport rewrites every outbound request's scheme/host to
// point at a local test server while keeping path/query, so code that
// hardcodes https://login.live.com/... etc. can be driven against a
// single httptest.Server keyed by path.
type redirectTransport struct {
	addr string
}

func (t *redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = "http"
	req.URL.Host = t.addr
	req.Host = t.addr
	return http.DefaultTransport.RoundTrip(req)
}

func newChainServer(t *testing.T) (*httptest.Server, *http.Client) {
	mux := http.NewServeMux()

	mux.HandleFunc("/oauth20_authorize.srf", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Set-Cookie", "sess=abc; Path=/")
		fmt.Fprintf(w, `<html>var a={sFTTag:'<input type="hidden" name="PPFT" id="i0327" value="fake-ppft-value"/>'};var b={urlPost:'http://%s/login_user'};</html>`, r.Host)
	})

	mux.HandleFunc("/login_user", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", fmt.Sprintf("http://%s/done#access_token=fake-access-token&token_type=bearer", r.Host))
		w.WriteHeader(http.StatusFound)
	})

	mux.HandleFunc("/done", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/user/authenticate", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "0", r.Header.Get("x-xbl-contract-version"))
		json.NewEncoder(w).Encode(map[string]string{"Token": "fake-user-token"})
	})

	mux.HandleFunc("/xsts/authorize", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.Header.Get("x-xbl-contract-version"))
		resp := map[string]any{
			"Token":    "fake-xsts-token",
			"NotAfter": time.Now().Add(12 * time.Hour).Format(time.RFC3339),
			"DisplayClaims": map[string]any{
				"xui": []map[string]string{{"uhs": "fake-hash", "xid": "fake-xid"}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("/authentication/login_with_xbox", func(w http.ResponseWriter, r *http.Request) {
		var payload javaPayload
		json.NewDecoder(r.Body).Decode(&payload)
		assert.Contains(t, payload.IdentityToken, "XBL3.0 x=fake-hash;fake-xsts-token")

		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fake-mc-token",
			"token_type":   "Bearer",
			"expires_in":   86400,
		})
	})

	server := httptest.NewServer(mux)

	u, _ := url.Parse(server.URL)
	client := &http.Client{
		Transport: &redirectTransport{addr: u.Host},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return nil
		},
	}

	return server, client
}

func TestGetJavaToken_FullChain(t *testing.T) {
	server, client := newChainServer(t)
	defer server.Close()

	dir := t.TempDir()
	data, err := GetJavaToken(context.Background(), client, Credentials{Username: "alice", Password: "hunter2"}, dir)
	require.NoError(t, err)
	assert.Equal(t, "Bearer fake-mc-token", data.Token)
	assert.True(t, data.ExpiresAt.After(time.Now()))
}

// Given a cached java.json with expires_at in the future, zero
// network calls are made.
func TestGetJavaToken_CacheHit_NoNetworkCalls(t *testing.T) {
	dir := t.TempDir()
	cached := &JavaData{Token: "Bearer cached-token", ExpiresAt: time.Now().Add(5 * time.Minute)}
	require.NoError(t, writeCache(dir, "alice", "java.json", cached))

	client := &http.Client{Transport: failingTransport{t: t}}

	data, err := GetJavaToken(context.Background(), client, Credentials{Username: "alice"}, dir)
	require.NoError(t, err)
	assert.Equal(t, cached.Token, data.Token)
}

func TestGetJavaToken_CacheExpired_PerformsFullChain(t *testing.T) {
	server, client := newChainServer(t)
	defer server.Close()

	dir := t.TempDir()
	expired := &JavaData{Token: "Bearer stale-token", ExpiresAt: time.Now().Add(-1 * time.Second)}
	require.NoError(t, writeCache(dir, "alice", "java.json", expired))

	data, err := GetJavaToken(context.Background(), client, Credentials{Username: "alice"}, dir)
	require.NoError(t, err)
	assert.Equal(t, "Bearer fake-mc-token", data.Token)
}

func TestJavaData_Usable(t *testing.T) {
	usable := &JavaData{ExpiresAt: time.Now().Add(time.Minute)}
	assert.True(t, usable.Usable())

	expiringSoon := &JavaData{ExpiresAt: time.Now().Add(10 * time.Second)}
	assert.False(t, expiringSoon.Usable())

	assert.False(t, (*JavaData)(nil).Usable())
}

func TestExtractBetweenAndAfter(t *testing.T) {
	html := `blah sFTTag:'<input value="abc123"/>' more urlPost:'https://example.com/post' tail`

	ppft, err := extractBetween(html, "sFTTag:'", "value=\"", "\"/>'")
	require.NoError(t, err)
	assert.Equal(t, "abc123", ppft)

	urlPost, err := extractAfter(html, "urlPost:'", "'")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/post", urlPost)
}

func TestExtractBetween_MissingMarker(t *testing.T) {
	_, err := extractBetween("no markers here", "sFTTag:'", "value=\"", "\"/>'")
	assert.Error(t, err)
}

type failingTransport struct{ t *testing.T }

func (f failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	f.t.Fatal("unexpected network call on a cache hit")
	return nil, nil
}
