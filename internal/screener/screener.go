// Package screener implements the Batch Screener (C7): a coarse,
// high-volume HEAD-based pass over the names table that narrows the
// authoritative pool between full worker probes (spec.md §4.7), using
// the same bounded-concurrency worker-pool idiom as
// internal/notify.Dispatcher.
package screener

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/namewatch/sniper/internal/metrics"
	"github.com/namewatch/sniper/internal/store"
)

const (
	defaultBatchSize   = 1000
	defaultConcurrency = 25
	retryPauseLimit    = 100
	retryPause         = 5 * time.Minute
	defaultMinPeriod   = 2 * time.Second
)

// Screener drives successive screening passes until its context is
// canceled.
type Screener struct {
	Store   *store.Store
	Client  *http.Client
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// BatchSize, Concurrency, and MinPeriod default to spec.md §4.7's
	// values (1000/25/2s) when left zero; cmd/batcher overrides them
	// from config.Config's SCREENER_* env vars.
	BatchSize   int
	Concurrency int
	MinPeriod   time.Duration
}

// New constructs a Screener with a dedicated HTTP client; mc-heads.net
// is hit at high volume so this client should not be shared with the
// worker pool's proxy-routed clients.
func New(st *store.Store, m *metrics.Metrics, logger *slog.Logger) *Screener {
	return &Screener{
		Store:       st,
		Client:      &http.Client{Timeout: 10 * time.Second},
		Metrics:     m,
		Logger:      logger,
		BatchSize:   defaultBatchSize,
		Concurrency: defaultConcurrency,
		MinPeriod:   defaultMinPeriod,
	}
}

func (s *Screener) batchSize() int {
	if s.BatchSize > 0 {
		return s.BatchSize
	}
	return defaultBatchSize
}

func (s *Screener) concurrency() int {
	if s.Concurrency > 0 {
		return s.Concurrency
	}
	return defaultConcurrency
}

func (s *Screener) minPeriod() time.Duration {
	if s.MinPeriod > 0 {
		return s.MinPeriod
	}
	return defaultMinPeriod
}

// classification is one name's outcome from a single HEAD probe.
type classification int

const (
	classRetry classification = iota
	classTaken
	classAvailable
)

// Run loops forever, pausing and pacing batches per spec.md §4.7,
// until ctx is canceled.
func (s *Screener) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		retryCount, err := s.runBatch(ctx)
		if err != nil {
			s.Logger.Warn("screener batch failed", "error", err)
		}

		var wait time.Duration
		if retryCount > retryPauseLimit {
			wait = retryPause
		} else {
			wait = s.minPeriod()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// runBatch pulls the next pending names, classifies each with bounded
// concurrency, and bulk-writes the taken and available buckets (only
// the available write leaves an authoritative Available/Banned label in
// place; the taken write always sets BatchTaken). It returns the retry-bucket size used for the pause
// decision; retry is tracked separately from the taken/available
// write buckets.
func (s *Screener) runBatch(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		if s.Metrics != nil {
			s.Metrics.ScreenerBatch.Observe(time.Since(start).Seconds())
		}
	}()

	names, err := s.Store.PendingScreenerBatch(ctx, s.batchSize())
	if err != nil {
		return 0, fmt.Errorf("screener: fetch pending: %w", err)
	}
	if len(names) == 0 {
		return 0, nil
	}

	results := s.classifyAll(ctx, names)

	var taken, available, retry []string
	for name, class := range results {
		switch class {
		case classTaken:
			taken = append(taken, name)
		case classAvailable:
			available = append(available, name)
		default:
			retry = append(retry, name)
		}
	}

	if s.Metrics != nil {
		s.Metrics.ScreenerRetryPct.Set(float64(len(retry)) / float64(len(names)))
	}

	if err := s.Store.SubmitBatchTaken(ctx, taken); err != nil {
		return len(retry), fmt.Errorf("screener: submit taken: %w", err)
	}
	if err := s.Store.SubmitBatchAvailable(ctx, available); err != nil {
		return len(retry), fmt.Errorf("screener: submit available: %w", err)
	}

	s.Logger.Info("screener batch complete",
		"checked", len(names), "taken", len(taken), "available", len(available), "retry", len(retry))

	return len(retry), nil
}

// classifyAll probes every name with bounded concurrency, lowercasing
// keys before returning so callers compare set membership safely
// against names the remote may echo back in mixed case.
func (s *Screener) classifyAll(ctx context.Context, names []string) map[string]classification {
	results := make(map[string]classification, len(names))
	var mu sync.Mutex
	var wg sync.WaitGroup

	sem := make(chan struct{}, s.concurrency())
	for _, name := range names {
		name := name
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			class := s.classify(ctx, name)
			mu.Lock()
			results[strings.ToLower(name)] = class
			mu.Unlock()
		}()
	}
	wg.Wait()

	return results
}

// classify performs one HEAD probe against mc-heads.net and applies
// spec.md §4.7's rule: an ETag means a skin exists, so the name is
// taken; a bare 2xx means available; anything else is retry.
func (s *Screener) classify(ctx context.Context, name string) classification {
	url := fmt.Sprintf("https://mc-heads.net/head/%s", name)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return classRetry
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return classRetry
	}
	defer resp.Body.Close()

	if resp.Header.Get("ETag") != "" {
		return classTaken
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classRetry
	}
	return classAvailable
}
