// Package snipe implements the Snipe Coordinator (C5): slot
// acquisition against active racing targets, phase-offset gating
// inside a fixed period, and the claim PUT when a target flips
// Available (spec.md §4.5), built on the store's atomic
// count+1-WHERE-count<needed query.
package snipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/namewatch/sniper/internal/metrics"
	"github.com/namewatch/sniper/internal/mojangauth"
	"github.com/namewatch/sniper/internal/snipelock"
	"github.com/namewatch/sniper/internal/store"
)

// Period is the fixed 2 s window workers phase-offset their probes
// across (spec.md §4.5).
const Period = 2000 * time.Millisecond

// leaseBuffer is how far ahead of expiry a snipe token is refreshed --
// a longer buffer than the worker's ordinary 30 s usability check,
// because losing the snipe token mid-race is costlier than for a
// routine probe.
const leaseBuffer = 5 * time.Minute

// ErrNoActiveTarget means this worker holds no snipe slot and none of
// the currently active targets had a free slot.
var ErrNoActiveTarget = errors.New("snipe: no active target")

// Coordinator is owned exclusively by one worker task, matching
// spec.md §9's "Account holds ... its own Snipe local".
type Coordinator struct {
	store    *store.Store
	lock     snipelock.Locker
	cacheDir string
	client   *http.Client
	metrics  *metrics.Metrics
	logger   *slog.Logger

	held  *store.Snipe
	token *mojangauth.JavaData
}

// New returns a Coordinator for one worker. lock serializes token
// fetches for snipe accounts across every worker sharing it
// (SNIPE_LOCK, spec.md §4.5/§9).
func New(st *store.Store, lock snipelock.Locker, cacheDir string, client *http.Client, m *metrics.Metrics, logger *slog.Logger) *Coordinator {
	return &Coordinator{store: st, lock: lock, cacheDir: cacheDir, client: client, metrics: m, logger: logger}
}

// Held reports the username currently being raced, if any.
func (c *Coordinator) Held() (username string, ok bool) {
	if c.held == nil {
		return "", false
	}
	return c.held.Username, true
}

// NextName implements the top of spec.md §4.5's algorithm: acquire a
// slot if this worker holds none, lease a token, phase-gate, and
// return the target username to probe next. ErrNoActiveTarget means
// the caller should fall back to its ordinary tier draw.
func (c *Coordinator) NextName(ctx context.Context, candidates []string) (string, error) {
	if c.held != nil {
		sn, err := c.store.ActiveSnipe(ctx, c.held.Username)
		if err != nil {
			return "", fmt.Errorf("snipe: check held target: %w", err)
		}
		if sn == nil {
			// The row was deleted (claimed or abandoned): release the slot.
			c.logger.Info("snipe target gone, releasing slot", "username", c.held.Username)
			c.held = nil
			c.token = nil
		}
	}
	if c.held == nil {
		for _, username := range candidates {
			sn, err := c.store.AcquireSnipeSlot(ctx, username)
			if err != nil {
				return "", fmt.Errorf("snipe: acquire slot: %w", err)
			}
			if sn != nil {
				c.held = sn
				c.metrics.SnipeClaims.WithLabelValues(sn.Username).Inc()
				c.logger.Info("snipe slot acquired", "username", sn.Username, "slot", sn.Count-1, "needed", sn.Needed)
				break
			}
		}
	}
	if c.held == nil {
		return "", ErrNoActiveTarget
	}

	if err := c.ensureToken(ctx); err != nil {
		return "", fmt.Errorf("snipe: token lease: %w", err)
	}

	c.phaseGate()

	return c.held.Username, nil
}

func (c *Coordinator) ensureToken(ctx context.Context) error {
	if c.token != nil && c.token.ExpiresAt.After(time.Now().Add(leaseBuffer)) {
		return nil
	}

	if err := c.lock.Lock(ctx); err != nil {
		return fmt.Errorf("lock snipe account: %w", err)
	}
	defer c.lock.Unlock(ctx)

	// Re-check this coordinator's own token after acquiring the lock. A
	// refresh made by another worker for the same account is not seen
	// here; GetJavaToken picks it up from the on-disk cache instead.
	if c.token != nil && c.token.ExpiresAt.After(time.Now().Add(leaseBuffer)) {
		return nil
	}

	creds := mojangauth.Credentials{Username: c.held.Email, Password: c.held.Password}
	token, err := mojangauth.GetJavaToken(ctx, c.client, creds, c.cacheDir)
	if err != nil {
		return err
	}
	c.token = token
	return nil
}

// phaseGate computes this worker's millisecond offset inside Period
// and sleeps until it arrives (spec.md §4.5 step 3).
func (c *Coordinator) phaseGate() {
	w := int64(c.held.Needed)
	if w <= 0 {
		return
	}
	i := int64(c.held.Count - 1)

	periodMs := Period.Milliseconds()
	offset := int64(math.Round(float64(periodMs) / float64(w) * float64(i)))

	now := time.Now().UnixMilli()
	shot := now % periodMs

	var wait int64
	if offset > shot {
		wait = offset - shot
	} else {
		wait = periodMs - shot + offset
	}

	if c.metrics != nil {
		c.metrics.SnipeSlotWait.Observe(float64(wait))
	}
	time.Sleep(time.Duration(wait) * time.Millisecond)
}

// ClaimOutcome classifies the result of a claim PUT.
type ClaimOutcome int

const (
	ClaimSuccess ClaimOutcome = iota
	ClaimPermanent
	ClaimTransient
)

// TryClaim performs the claim PUT when the verdict writer observes
// username as Available and this worker holds its slot (spec.md §4.5
// step 4, OPEN QUESTION DECISION: 2xx success, 403 permanent, else
// transient).
func (c *Coordinator) TryClaim(ctx context.Context, username string) (ClaimOutcome, error) {
	cid := uuid.NewString()

	if c.held == nil || c.held.Username != username {
		return ClaimTransient, fmt.Errorf("snipe: not holding a slot for %s", username)
	}
	if c.token == nil {
		return ClaimTransient, errors.New("snipe: no token leased")
	}

	url := fmt.Sprintf("https://api.minecraftservices.com/minecraft/profile/name/%s", username)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, nil)
	if err != nil {
		return ClaimTransient, fmt.Errorf("snipe: build claim request: %w", err)
	}
	req.Header.Set("Authorization", c.token.Token)

	c.logger.Info("snipe claim attempt", "cid", cid, "username", username)

	resp, err := c.client.Do(req)
	if err != nil {
		c.metrics.SnipeAttempts.WithLabelValues("transient").Inc()
		return ClaimTransient, fmt.Errorf("snipe: claim request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.metrics.SnipeAttempts.WithLabelValues("success").Inc()
		if err := c.store.DeleteSnipe(ctx, username); err != nil {
			c.logger.Warn("snipe claim succeeded but row delete failed", "cid", cid, "username", username, "error", err)
		}
		c.held = nil
		return ClaimSuccess, nil
	case resp.StatusCode == http.StatusForbidden:
		c.metrics.SnipeAttempts.WithLabelValues("permanent").Inc()
		c.logger.Warn("snipe claim rejected permanently", "cid", cid, "username", username)
		return ClaimPermanent, nil
	default:
		c.metrics.SnipeAttempts.WithLabelValues("transient").Inc()
		return ClaimTransient, nil
	}
}
