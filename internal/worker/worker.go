// Package worker implements the per-account Worker Loop (C6): draw a
// name from the assigned tier (or an active snipe target), probe
// Mojang's availability endpoint, classify the result, and submit the
// verdict (spec.md §4.6). One goroutine runs this loop per account.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/namewatch/sniper/internal/metrics"
	"github.com/namewatch/sniper/internal/mojangauth"
	"github.com/namewatch/sniper/internal/notify"
	"github.com/namewatch/sniper/internal/proxyring"
	"github.com/namewatch/sniper/internal/snipe"
	"github.com/namewatch/sniper/internal/status"
	"github.com/namewatch/sniper/internal/store"
)

// ErrToken is returned by Account.Check when a token refresh fails.
var ErrToken = errors.New("worker: token refresh failed")

// ErrRetry covers transport failures, non-2xx/402/429 responses, and
// JSON decode failures -- all dropped by the caller without
// submitting a verdict (spec.md §7).
var ErrRetry = errors.New("worker: transient probe failure")

// RateLimitError carries the back-off duration for a 429 response.
type RateLimitError struct {
	Wait time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("worker: rate limited, wait %s", e.Wait)
}

const (
	firstRateLimitWait      = 30 * time.Second
	subsequentRateLimitWait = 120 * time.Second
	tokenFailureWait        = 120 * time.Second
	idleSleep               = 2 * time.Second
)

// Account owns one credential pair's token and proxy ring exclusively
// -- spec.md §9 forbids sharing an Account across tasks.
type Account struct {
	Creds    mojangauth.Credentials
	Ring     *proxyring.Ring
	CacheDir string
	Metrics  *metrics.Metrics

	token *mojangauth.JavaData
}

// ensureToken refreshes the Java token if it is not usable
// (expires_at > now + 30s, spec.md §4.1/§4.6).
func (a *Account) ensureToken(ctx context.Context, client *http.Client) error {
	if a.token.Usable() {
		if a.Metrics != nil {
			a.Metrics.TokenRefresh.WithLabelValues("cache_hit").Inc()
		}
		return nil
	}
	token, err := mojangauth.GetJavaToken(ctx, client, a.Creds, a.CacheDir)
	if err != nil {
		if a.Metrics != nil {
			a.Metrics.TokenRefresh.WithLabelValues("error").Inc()
		}
		return fmt.Errorf("%w: %v", ErrToken, err)
	}
	if a.Metrics != nil {
		a.Metrics.TokenRefresh.WithLabelValues("refreshed").Inc()
	}
	a.token = token
	return nil
}

type availabilityResponse struct {
	Status string `json:"status"`
}

// Check performs one probe cycle for name: select the next proxy
// client, then ensure a valid token (a refresh goes through that same
// client), GET the availability endpoint, and classify the response
// (spec.md §4.6 account.check). An empty ring yields ErrNoClient before
// the token is looked at.
func (a *Account) Check(ctx context.Context, name string, first bool) (status.Status, error) {
	client, err := a.Ring.Next()
	if err != nil {
		return status.Unknown, err
	}

	if err := a.ensureToken(ctx, client); err != nil {
		return status.Unknown, err
	}

	url := fmt.Sprintf("https://api.minecraftservices.com/minecraft/profile/name/%s/available", name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return status.Unknown, fmt.Errorf("%w: %v", ErrRetry, err)
	}
	req.Header.Set("Authorization", a.token.Token)

	resp, err := client.Do(req)
	if err != nil {
		// Transport failure: log and retry without evicting the
		// client -- only 402 burns a proxy (spec.md §9).
		return status.Unknown, fmt.Errorf("%w: %v", ErrRetry, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPaymentRequired:
		a.Ring.EvictCurrent()
		if a.Metrics != nil {
			a.Metrics.ProxyEvictions.Inc()
		}
		return status.Unknown, ErrRetry
	case http.StatusTooManyRequests:
		wait := subsequentRateLimitWait
		if first {
			wait = firstRateLimitWait
		}
		return status.Unknown, &RateLimitError{Wait: wait}
	case http.StatusOK:
		var payload availabilityResponse
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return status.Unknown, fmt.Errorf("%w: %v", ErrRetry, err)
		}
		return status.FromMojang(payload.Status), nil
	default:
		return status.Unknown, ErrRetry
	}
}

// Worker runs the loop for one account against one priority tier.
type Worker struct {
	Index   int
	Tier    store.Tier
	Account *Account
	Store   *store.Store
	Snipe   *snipe.Coordinator
	Notify  *notify.Dispatcher
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	buffer []string
}

// Run drives the loop until the proxy ring empties (ErrNoClient,
// spec.md's one terminal exit) or ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		name, err := w.nextName(ctx)
		if err != nil {
			// Store errors are logged and the loop idles, then continues.
			w.Logger.Warn("name draw failed", "index", w.Index, "error", err)
			name = ""
		}
		if name == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(idleSleep):
			}
			continue
		}

		cid := uuid.NewString()
		result, err := w.probeUntilResolved(ctx, name, cid)
		if err != nil {
			// Only ErrNoClient (an empty proxy ring) or the context's
			// error escapes probeUntilResolved; every other case is
			// retried inside it.
			return err
		}

		w.submit(ctx, name, result, cid)
	}
}

// probeUntilResolved retries Check according to spec.md §4.6's match
// arms until it resolves to a status or a terminal error. cid
// identifies this probe cycle across every log line it produces,
// including the eventual submit.
func (w *Worker) probeUntilResolved(ctx context.Context, name string, cid string) (status.Status, error) {
	first := true
	for {
		w.Metrics.ProbesTotal.WithLabelValues(w.Account.Creds.Username).Inc()
		result, err := w.Account.Check(ctx, name, first)
		first = false

		if err == nil {
			return result, nil
		}

		var rateLimit *RateLimitError
		switch {
		case errors.As(err, &rateLimit):
			reason := "rate_limit_subsequent"
			if rateLimit.Wait == firstRateLimitWait {
				reason = "rate_limit_first"
			}
			w.Metrics.BackoffTotal.WithLabelValues(reason).Inc()
			if sleepOrDone(ctx, rateLimit.Wait) {
				return status.Unknown, ctx.Err()
			}
			continue
		case errors.Is(err, proxyring.ErrNoClient):
			return status.Unknown, err
		case errors.Is(err, ErrToken):
			w.Metrics.BackoffTotal.WithLabelValues("token").Inc()
			w.Logger.Warn("token refresh failed, backing off", "cid", cid, "account", w.Account.Creds.Username, "error", err)
			if sleepOrDone(ctx, tokenFailureWait) {
				return status.Unknown, ctx.Err()
			}
			continue
		default:
			// Request/Deserialization/Retry: drop and retry.
			if ctx.Err() != nil {
				return status.Unknown, ctx.Err()
			}
			continue
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) (canceled bool) {
	select {
	case <-ctx.Done():
		return true
	case <-time.After(d):
		return false
	}
}

// submit persists the verdict, routes it through the snipe
// coordinator when applicable, and fires a notification on the
// conditions spec.md §4.4 names.
func (w *Worker) submit(ctx context.Context, name string, result status.Status, cid string) {
	if result == status.Available && w.Snipe != nil {
		if held, ok := w.Snipe.Held(); ok && held == name {
			if _, err := w.Snipe.TryClaim(ctx, name); err != nil {
				w.Logger.Warn("snipe claim attempt failed", "cid", cid, "username", name, "error", err)
			}
		}
	}

	changed, freq, err := w.Store.Submit(ctx, name, result)
	if err != nil {
		w.Logger.Warn("submit failed", "cid", cid, "username", name, "error", err)
		return
	}
	w.Metrics.VerdictsTotal.WithLabelValues(result.String()).Inc()

	if changed && result == status.Available && freq > 10 && w.Notify != nil {
		w.Notify.NotifyAvailable(name, freq)
	}
}

// nextName consults the snipe coordinator first, then the tier
// buffer, refilling from the store on exhaustion (spec.md §4.3/§4.5:
// the coordinator is invoked at the top of every next_<tier> call).
func (w *Worker) nextName(ctx context.Context) (string, error) {
	if w.Snipe != nil {
		if _, held := w.Snipe.Held(); held {
			name, err := w.Snipe.NextName(ctx, nil)
			if err == nil {
				return name, nil
			}
		} else {
			candidates, err := w.Store.ActiveSnipeUsernames(ctx)
			if err != nil {
				w.Logger.Warn("active snipe lookup failed", "error", err)
			} else if len(candidates) > 0 {
				name, err := w.Snipe.NextName(ctx, candidates)
				if err == nil {
					return name, nil
				}
				if !errors.Is(err, snipe.ErrNoActiveTarget) {
					w.Logger.Warn("snipe coordinator error", "error", err)
				}
			}
		}
	}

	if len(w.buffer) == 0 {
		batch, err := w.Store.ClaimBatch(ctx, w.Tier)
		if err != nil {
			return "", fmt.Errorf("worker: claim batch: %w", err)
		}
		w.buffer = batch
	}

	if len(w.buffer) == 0 {
		return "", nil
	}

	name := w.buffer[len(w.buffer)-1]
	w.buffer = w.buffer[:len(w.buffer)-1]
	return name, nil
}
