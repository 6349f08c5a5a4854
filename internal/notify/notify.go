// Package notify dispatches push notifications to api.pushed.co when a
// watched name flips to Available (spec.md §4.4 side effect, §6). Each
// Dispatcher builds its own outbound HTTP client when NewDispatcher is
// called; it is not a lazily created package-level singleton, and
// cmd/checker builds one Dispatcher per process. Dispatch runs through a small worker pool so a slow or stalled push
// API never blocks a worker's probe loop, with a circuit breaker
// guarding delivery so a dead endpoint doesn't just get retried
// forever.
package notify

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/namewatch/sniper/internal/circuitbreaker"
	"github.com/namewatch/sniper/internal/metrics"
)

const pushedURL = "https://api.pushed.co/1/push"

// Credentials are the push service's app key/secret pair (spec.md §6
// environment: APP_KEY, APP_SECRET).
type Credentials struct {
	AppKey    string
	AppSecret string
}

type job struct {
	content string
	attempt int
}

// Dispatcher sends "<username> is now available!" pings asynchronously.
type Dispatcher struct {
	creds      Credentials
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	breaker    *circuitbreaker.CircuitBreaker
	queue      chan job
	wg         sync.WaitGroup
}

// NewDispatcher starts a background worker pool and returns a ready
// Dispatcher. Call Shutdown to drain and stop it.
func NewDispatcher(creds Credentials, logger *slog.Logger, m *metrics.Metrics, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 2
	}

	breakerCfg := circuitbreaker.DefaultConfig("push-notify")
	breakerCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		logger.Warn("notify: circuit breaker state change", "breaker", name, "from", from, "to", to)
	}

	d := &Dispatcher{
		creds:      creds,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		metrics:    m,
		breaker:    circuitbreaker.New(breakerCfg),
		queue:      make(chan job, 256),
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	return d
}

// NotifyAvailable enqueues the notification spec.md §4.4 describes for
// a name that just became available with frequency freq. Non-blocking;
// drops the notification (and logs) if the queue is full.
func (d *Dispatcher) NotifyAvailable(username string, freq float64) {
	content := fmt.Sprintf("%s is now available! (%.2f)", username, freq)

	select {
	case d.queue <- job{content: content, attempt: 1}:
	default:
		d.logger.Warn("notify queue full, dropping notification", "username", username)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.queue {
		d.deliver(j)
	}
}

func (d *Dispatcher) deliver(j job) {
	_, err := d.breaker.Execute(func() (interface{}, error) {
		return nil, d.send(j)
	})
	if err == nil {
		d.metrics.NotifyTotal.WithLabelValues("sent").Inc()
		return
	}

	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		d.logger.Warn("notify: circuit open, dropping notification", "attempt", j.attempt)
		d.metrics.NotifyTotal.WithLabelValues("circuit_open").Inc()
		return
	}

	d.logger.Warn("notify: delivery failed", "error", err, "attempt", j.attempt)
	d.metrics.NotifyTotal.WithLabelValues("error").Inc()

	if j.attempt < 3 {
		time.Sleep(time.Duration(j.attempt) * time.Second)
		j.attempt++
		select {
		case d.queue <- j:
		default:
		}
	}
}

// send performs the actual HTTP round trip to the push API; the
// circuit breaker in deliver counts its error return toward tripping.
func (d *Dispatcher) send(j job) error {
	form := url.Values{
		"app_key":     {d.creds.AppKey},
		"app_secret":  {d.creds.AppSecret},
		"target_type": {"app"},
		"content":     {j.content},
	}

	resp, err := d.httpClient.PostForm(pushedURL, form)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("notify: push API status %d", resp.StatusCode)
	}

	return nil
}

// Shutdown drains the queue and stops all workers.
func (d *Dispatcher) Shutdown() {
	close(d.queue)
	d.wg.Wait()
}
