// Command checker is the long-running worker farm: one task per
// account, each assigned a priority tier, probing Mojang's
// availability endpoint and racing active snipe targets (spec.md
// §4.6/§6 "checker" process).
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq" // Postgres driver
	"github.com/redis/go-redis/v9"

	"github.com/namewatch/sniper/internal/config"
	"github.com/namewatch/sniper/internal/httpstatus"
	"github.com/namewatch/sniper/internal/metrics"
	"github.com/namewatch/sniper/internal/mojangauth"
	"github.com/namewatch/sniper/internal/notify"
	"github.com/namewatch/sniper/internal/proxyring"
	"github.com/namewatch/sniper/internal/snipe"
	"github.com/namewatch/sniper/internal/snipelock"
	"github.com/namewatch/sniper/internal/store"
	"github.com/namewatch/sniper/internal/worker"
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

	st.LogReset(ctx, logger)

	m := metrics.New()

	lock := buildSnipeLock(cfg, logger)

	dispatcher := notify.NewDispatcher(notify.Credentials{AppKey: cfg.AppKey, AppSecret: cfg.AppSecret}, logger, m, 2)
	defer dispatcher.Shutdown()

	healthy := true
	var healthMu sync.Mutex
	router := httpstatus.NewRouter(func() (bool, map[string]any) {
		healthMu.Lock()
		defer healthMu.Unlock()
		return healthy, map[string]any{"role": "checker"}
	})
	go func() {
		if err := httpstatus.ListenAndServe(cfg.HealthAddr, router); err != nil && err != http.ErrServerClosed {
			logger.Error("health server failed", "error", err)
		}
	}()

	accounts, err := st.Accounts(ctx)
	if err != nil {
		logger.Error("load accounts failed", "error", err)
		os.Exit(1)
	}
	if len(accounts) == 0 {
		logger.Error("no accounts configured")
		os.Exit(1)
	}

	proxies, err := st.Proxies(ctx)
	if err != nil {
		logger.Error("load proxies failed", "error", err)
		os.Exit(1)
	}

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

	var wg sync.WaitGroup
	for i, acct := range accounts {
		ring := proxyring.New()
		for _, p := range assignProxies(proxies, i, cfg.ProxiesPerAccount) {
			addr := p.Address
			port := p.Port
			username := p.Username.String
			password := p.Password.String
			if err := ring.Add(proxyring.Proxy{Address: addr, Port: port, Username: username, Password: password}); err != nil {
				logger.Warn("proxy add failed", "account", acct.Username, "error", err)
			}
		}

		w := &worker.Worker{
			Index: i,
			Tier:  store.TierForWorker(i),
			Account: &worker.Account{
				Creds:    mojangauth.Credentials{Username: acct.Username, Password: acct.Password},
				Ring:     ring,
				CacheDir: cfg.CacheDir,
				Metrics:  m,
			},
			Store:   st,
			Snipe:   snipe.New(st, lock, cfg.CacheDir, &http.Client{Timeout: 15 * time.Second}, m, logger),
			Notify:  dispatcher,
			Metrics: m,
			Logger:  logger,
		}

		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				logger.Warn("worker exited", "index", w.Index, "error", err)
			}
		}(w)
	}

	wg.Wait()
	logger.Info("checker stopped")
}

func buildSnipeLock(cfg *config.Config, logger *slog.Logger) snipelock.Locker {
	if cfg.RedisURL == "" {
		return snipelock.NewMutex()
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis url parse failed, falling back to in-process lock", "error", err)
		return snipelock.NewMutex()
	}
	client := redis.NewClient(opts)
	return snipelock.NewRedisLocker(client, "sniper:snipe-lock", 30*time.Second)
}

// assignProxies partitions proxies round-robin-by-index, giving each
// account up to perAccount of them (spec.md §6's PROXIES_PER_ACCOUNT
// knob; exact partitioning is left to the deployer).
func assignProxies(proxies []store.Proxy, accountIndex, perAccount int) []store.Proxy {
	if len(proxies) == 0 || perAccount <= 0 {
		return nil
	}
	start := (accountIndex * perAccount) % len(proxies)
	out := make([]store.Proxy, 0, perAccount)
	for i := 0; i < perAccount && i < len(proxies); i++ {
		out = append(out, proxies[(start+i)%len(proxies)])
	}
	return out
}
