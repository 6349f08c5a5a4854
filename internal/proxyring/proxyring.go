// Package proxyring holds, per account, an ordered set of HTTP clients
// each pinned to one proxy, with round-robin selection and eviction on
// fatal proxy responses (spec.md §4.2).
package proxyring

import (
	"compress/gzip"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// ErrNoClient is returned by Next when the ring has been emptied by
// eviction, or was never seeded. It propagates out of the worker loop
// as the one terminal exit condition (spec.md §4.6/§5).
var ErrNoClient = errors.New("proxyring: no client available")

// Proxy describes one upstream HTTPS proxy. Username/Password are
// optional -- both authenticated and anonymous proxies are accepted.
type Proxy struct {
	Address  string
	Port     int
	Username string
	Password string
}

func (p Proxy) url() (*url.URL, error) {
	host := fmt.Sprintf("%s:%d", p.Address, p.Port)
	u := &url.URL{Scheme: "http", Host: host}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u, nil
}

// entry pairs a constructed client with the proxy it was built from,
// so callers can log which proxy was evicted.
type entry struct {
	proxy  Proxy
	client *http.Client
}

// Ring is an account's ordered set of proxied HTTP clients with a
// single cursor. It is not safe for concurrent use by more than one
// worker -- each account owns its ring exclusively (spec.md §9).
type Ring struct {
	mu      sync.Mutex
	entries []entry
	index   int
}

// New returns an empty ring. Seed it with Add before first use.
func New() *Ring {
	return &Ring{index: -1}
}

// gzipTransport forces Accept-Encoding: gzip and transparently
// decompresses, mirroring the reference client's explicit gzip
// handling per proxy connection.
type gzipTransport struct {
	base *http.Transport
}

func (t *gzipTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return resp, nil
		}
		resp.Body = gz
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
		resp.ContentLength = -1
	}

	return resp, nil
}

// Add appends a new client configured for proxy p.
func (r *Ring) Add(p Proxy) error {
	proxyURL, err := p.url()
	if err != nil {
		return fmt.Errorf("proxyring: build proxy url: %w", err)
	}

	transport := &http.Transport{
		Proxy: http.ProxyURL(proxyURL),
	}

	client := &http.Client{
		Transport: &gzipTransport{base: transport},
		Timeout:   30 * time.Second,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{proxy: p, client: client})
	if r.index < 0 {
		r.index = 0
	}
	return nil
}

// Len reports the number of clients currently held.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Next advances the cursor by one (mod length) and returns the client
// now under it. Returns ErrNoClient if the ring is empty.
//
// Advance-then-return: the first call after construction lands on
// index 1 (mod len), not 0 -- this is the observable cycle Testable
// Property 6 pins, and it must be preserved exactly.
func (r *Ring) Next() (*http.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) == 0 {
		return nil, ErrNoClient
	}

	r.index = (r.index + 1) % len(r.entries)
	return r.entries[r.index].client, nil
}

// EvictCurrent removes the client under the cursor without advancing
// it. Called only on HTTP 402 (spec.md §4.6) -- transport failures
// never evict.
func (r *Ring) EvictCurrent() (Proxy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) == 0 || r.index < 0 {
		return Proxy{}, ErrNoClient
	}

	evicted := r.entries[r.index].proxy
	p := r.index
	r.entries = append(r.entries[:p], r.entries[p+1:]...)

	newLen := len(r.entries)
	if newLen == 0 {
		r.index = -1
	} else {
		// Leave the cursor one short of where the removed slot used to
		// be, so the next Next() call lands on the entry that would
		// have followed it -- the round-robin cycle continues without
		// skipping an entry.
		r.index = ((p-1)%newLen + newLen) % newLen
	}

	return evicted, nil
}
