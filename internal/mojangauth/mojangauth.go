// Package mojangauth implements the Token Manager (spec.md C1): the
// Microsoft -> Xbox -> XSTS -> Java bearer-token chain, with an
// on-disk per-account cache. Grounded on original_source's
// api/src/managers/{microsoft,xbox}.rs, carried into Go idiom with an
// injected *http.Client so the caller's proxyring.Ring selects which
// proxy each hop goes through (spec.md §4.1/§4.2).
package mojangauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Sentinel errors, one set per package.
var (
	ErrRequest         = errors.New("mojangauth: request failed")
	ErrParse           = errors.New("mojangauth: could not parse pre-auth page")
	ErrSerialization   = errors.New("mojangauth: could not serialize request")
	ErrDeserialization = errors.New("mojangauth: could not deserialize response")
	ErrCache           = errors.New("mojangauth: cache I/O failed")
)

// Credentials is a Microsoft account's login pair.
type Credentials struct {
	Username string
	Password string
}

// JavaData is the cached Mojang bearer token (spec.md §3 "Token cache entry").
type JavaData struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// XSTSData is the cached XSTS exchange result.
type XSTSData struct {
	XID       string    `json:"xid,omitempty"`
	Hash      string    `json:"hash"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Usable reports whether a token is still usable by a worker: spec.md
// §4.1 defines usable as expires_at > now + 30s.
func (j *JavaData) Usable() bool {
	return j != nil && j.ExpiresAt.After(time.Now().Add(30*time.Second))
}

const (
	xboxUserAgent      = "Mozilla/5.0 (XboxReplay; XboxLiveAuth/3.0) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/71.0.3578.98 Safari/537.36"
	minecraftUserAgent = "MinecraftLauncher/2.2.10675"
)

type preAuthData struct {
	cookie string
	ppft   string
	url    string
}

// preAuth performs step 1 of the chain: GET the oauth20_authorize.srf
// page and scrape the PPFT token and urlPost redirect target out of
// the embedded HTML/JS, exactly as original_source/xbox.rs does.
func preAuth(ctx context.Context, client *http.Client) (*preAuthData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://login.live.com/oauth20_authorize.srf", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequest, err)
	}

	q := req.URL.Query()
	q.Set("client_id", "000000004C12AE6F")
	q.Set("redirect_uri", "https://login.live.com/oauth20_desktop.srf")
	q.Set("scope", "service::user.auth.xboxlive.com::MBI_SSL")
	q.Set("display", "touch")
	q.Set("response_type", "token")
	q.Set("locale", "en")
	req.URL.RawQuery = q.Encode()

	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("Accept-Language", "en-US")
	req.Header.Set("User-Agent", xboxUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequest, err)
	}
	defer resp.Body.Close()

	var cookies []string
	for _, c := range resp.Header.Values("Set-Cookie") {
		if first, _, ok := strings.Cut(c, ";"); ok || first != "" {
			cookies = append(cookies, first)
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequest, err)
	}
	html := string(body)

	ppft, err := extractBetween(html, "sFTTag:'", "value=\"", "\"/>'")
	if err != nil {
		return nil, ErrParse
	}

	urlPost, err := extractAfter(html, "urlPost:'", "'")
	if err != nil {
		return nil, ErrParse
	}

	return &preAuthData{
		cookie: strings.Join(cookies, ";"),
		ppft:   ppft,
		url:    urlPost,
	}, nil
}

// extractBetween finds `marker`, then within the remainder finds
// `innerMarker` and takes everything between the end of innerMarker
// and the next occurrence of `closer`. Mirrors xbox.rs's two-step
// ppft extraction (sFTTag:'...value="..."/>').
func extractBetween(html, marker, innerMarker, closer string) (string, error) {
	markerIdx := strings.Index(html, marker)
	if markerIdx < 0 {
		return "", errors.New("marker not found")
	}
	rest := html[markerIdx:]

	innerIdx := strings.Index(rest, innerMarker)
	if innerIdx < 0 {
		return "", errors.New("inner marker not found")
	}
	begin := markerIdx + innerIdx + len(innerMarker)

	closeIdx := strings.Index(html[begin:], closer)
	if closeIdx < 0 {
		return "", errors.New("closer not found")
	}
	end := begin + closeIdx

	return html[begin:end], nil
}

// extractAfter finds `marker` and returns everything up to the next
// occurrence of `closer`.
func extractAfter(html, marker, closer string) (string, error) {
	markerIdx := strings.Index(html, marker)
	if markerIdx < 0 {
		return "", errors.New("marker not found")
	}
	begin := markerIdx + len(marker)

	closeIdx := strings.Index(html[begin:], closer)
	if closeIdx < 0 {
		return "", errors.New("closer not found")
	}
	end := begin + closeIdx

	return html[begin:end], nil
}

// logUser performs step 2: POST credentials to the scraped urlPost,
// and extracts access_token from the final redirect's URL fragment.
func logUser(ctx context.Context, client *http.Client, auth *preAuthData, creds Credentials) (string, error) {
	form := url.Values{}
	form.Set("login", creds.Username)
	form.Set("loginfmt", creds.Username)
	form.Set("passwd", creds.Password)
	form.Set("PPFT", auth.ppft)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, auth.url, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRequest, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("Accept-Language", "en-US")
	req.Header.Set("User-Agent", xboxUserAgent)
	req.Header.Set("Cookie", auth.cookie)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRequest, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	finalURL := resp.Request.URL
	fragment := finalURL.Fragment
	if fragment == "" {
		return "", ErrDeserialization
	}

	values, err := url.ParseQuery(fragment)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDeserialization, err)
	}
	accessToken := values.Get("access_token")
	if accessToken == "" {
		return "", ErrDeserialization
	}

	return accessToken, nil
}

type rpsTicketPayload struct {
	RelyingParty string                     `json:"RelyingParty"`
	TokenType    string                     `json:"TokenType"`
	Properties   rpsTicketPayloadProperties `json:"Properties"`
}

type rpsTicketPayloadProperties struct {
	AuthMethod string `json:"AuthMethod"`
	SiteName   string `json:"SiteName"`
	RpsTicket  string `json:"RpsTicket"`
}

type rpsTicketResponse struct {
	Token string `json:"Token"`
}

// exchangeRPSTicket performs step 3: exchange the RPS ticket
// (access_token from logUser) for an Xbox Live user token.
func exchangeRPSTicket(ctx context.Context, client *http.Client, accessToken string) (string, error) {
	payload := rpsTicketPayload{
		RelyingParty: "http://auth.xboxlive.com",
		TokenType:    "JWT",
		Properties: rpsTicketPayloadProperties{
			AuthMethod: "RPS",
			SiteName:   "user.auth.xboxlive.com",
			RpsTicket:  accessToken,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://user.auth.xboxlive.com/user/authenticate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("Accept-Language", "en-US")
	req.Header.Set("User-Agent", xboxUserAgent)
	req.Header.Set("x-xbl-contract-version", "0")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRequest, err)
	}
	defer resp.Body.Close()

	var out rpsTicketResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDeserialization, err)
	}

	return out.Token, nil
}

type xstsPayload struct {
	RelyingParty string                `json:"RelyingParty"`
	TokenType    string                `json:"TokenType"`
	Properties   xstsPayloadProperties `json:"Properties"`
}

type xstsPayloadProperties struct {
	UserTokens []string `json:"UserTokens"`
	SandboxID  string   `json:"SandboxId"`
}

type xstsResponse struct {
	DisplayClaims struct {
		Xui []struct {
			Uhs string `json:"uhs"`
			Xid string `json:"xid"`
		} `json:"xui"`
	} `json:"DisplayClaims"`
	NotAfter string `json:"NotAfter"`
	Token    string `json:"Token"`
}

// GetXSTSToken performs the XSTS exchange (step 4), reusing a disk
// cache entry if it has more than 5 minutes left (spec.md §4.1 "XSTS
// cache is reused only if expires_at > now + 5 min").
func GetXSTSToken(ctx context.Context, client *http.Client, creds Credentials, cacheDir string) (*XSTSData, error) {
	if cacheDir != "" {
		if cached, ok := readCache[XSTSData](cacheDir, creds.Username, "xsts.json"); ok {
			if cached.ExpiresAt.After(time.Now().Add(5 * time.Minute)) {
				return cached, nil
			}
		}
	}

	auth, err := preAuth(ctx, client)
	if err != nil {
		return nil, err
	}

	accessToken, err := logUser(ctx, client, auth, creds)
	if err != nil {
		return nil, err
	}

	userToken, err := exchangeRPSTicket(ctx, client, accessToken)
	if err != nil {
		return nil, err
	}

	payload := xstsPayload{
		RelyingParty: "rp://api.minecraftservices.com/",
		TokenType:    "JWT",
		Properties: xstsPayloadProperties{
			UserTokens: []string{userToken},
			SandboxID:  "RETAIL",
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://xsts.auth.xboxlive.com/xsts/authorize", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cache-Control", "no-store, must-revalidate, no-cache")
	req.Header.Set("x-xbl-contract-version", "1")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequest, err)
	}
	defer resp.Body.Close()

	var out xstsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeserialization, err)
	}
	if len(out.DisplayClaims.Xui) == 0 {
		return nil, ErrDeserialization
	}

	expiresAt, err := time.Parse(time.RFC3339, out.NotAfter)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeserialization, err)
	}

	data := &XSTSData{
		XID:       out.DisplayClaims.Xui[0].Xid,
		Hash:      out.DisplayClaims.Xui[0].Uhs,
		Token:     out.Token,
		ExpiresAt: expiresAt,
	}

	if cacheDir != "" {
		if err := writeCache(cacheDir, creds.Username, "xsts.json", data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCache, err)
		}
	}

	return data, nil
}

type javaPayload struct {
	IdentityToken string `json:"identityToken"`
}

type javaResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// GetJavaToken is the Token Manager's public contract (spec.md §4.1):
// get_java_token(account, cache_root) -> JavaData | Error. Reuses the
// cached java.json entry verbatim if it is unexpired; otherwise runs
// the full chain and persists the result.
func GetJavaToken(ctx context.Context, client *http.Client, creds Credentials, cacheDir string) (*JavaData, error) {
	if cacheDir != "" {
		if cached, ok := readCache[JavaData](cacheDir, creds.Username, "java.json"); ok {
			if cached.ExpiresAt.After(time.Now()) {
				return cached, nil
			}
		}
	}

	xsts, err := GetXSTSToken(ctx, client, creds, cacheDir)
	if err != nil {
		return nil, err
	}

	payload := javaPayload{
		IdentityToken: fmt.Sprintf("XBL3.0 x=%s;%s", xsts.Hash, xsts.Token),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.minecraftservices.com/authentication/login_with_xbox", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", minecraftUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequest, err)
	}
	defer resp.Body.Close()

	var out javaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeserialization, err)
	}

	data := &JavaData{
		Token:     fmt.Sprintf("%s %s", out.TokenType, out.AccessToken),
		ExpiresAt: time.Now().Add(time.Duration(out.ExpiresIn) * time.Second),
	}

	if cacheDir != "" {
		if err := writeCache(cacheDir, creds.Username, "java.json", data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCache, err)
		}
	}

	return data, nil
}

func readCache[T any](cacheDir, account, file string) (*T, bool) {
	p := filepath.Join(cacheDir, account, file)
	f, err := os.Open(p)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	var data T
	if err := json.NewDecoder(f).Decode(&data); err != nil {
		return nil, false
	}
	return &data, true
}

func writeCache(cacheDir, account, file string, data any) error {
	dir := filepath.Join(cacheDir, account)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	p := filepath.Join(dir, file)
	f, err := os.Create(p)
	if err != nil {
		return err
	}
	defer f.Close()

	return json.NewEncoder(f).Encode(data)
}
