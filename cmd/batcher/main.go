// Command batcher runs the independent Batch Screener loop (spec.md
// §4.7/§6 "batcher" process): a coarse HEAD-based pass over the names
// table, run forever until terminated.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/namewatch/sniper/internal/config"
	"github.com/namewatch/sniper/internal/httpstatus"
	"github.com/namewatch/sniper/internal/metrics"
	"github.com/namewatch/sniper/internal/screener"
	"github.com/namewatch/sniper/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Error("store open failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	healthy := true
	var healthMu sync.Mutex
	router := httpstatus.NewRouter(func() (bool, map[string]any) {
		healthMu.Lock()
		defer healthMu.Unlock()
		return healthy, map[string]any{"role": "batcher"}
	})
	go func() {
		if err := httpstatus.ListenAndServe(cfg.HealthAddr, router); err != nil && err != http.ErrServerClosed {
			logger.Error("health server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		healthMu.Lock()
		healthy = false
		healthMu.Unlock()
		cancel()
	}()

	s := screener.New(st, m, logger)
	s.BatchSize = cfg.ScreenerBatchSize
	s.Concurrency = cfg.ScreenerConcurrency
	s.MinPeriod = cfg.ScreenerMinPeriod
	if err := s.Run(ctx); err != nil {
		logger.Info("batcher stopped", "reason", err)
	}
}
