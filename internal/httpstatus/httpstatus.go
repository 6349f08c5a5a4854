// Package httpstatus exposes the /healthz and /metrics surface shared
// by the checker and batcher processes -- the only HTTP surface this
// module owns; the read API proper is out of scope (spec.md §1).
package httpstatus

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthFunc reports whether the owning process considers itself
// healthy, with a free-form detail map (e.g. account count, last
// screener pass time).
type HealthFunc func() (healthy bool, detail map[string]any)

// NewRouter builds the /healthz and /metrics router for a long-running
// process. health may be nil, in which case /healthz always reports ok.
func NewRouter(health HealthFunc) *mux.Router {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		healthy, detail := true, map[string]any{}
		if health != nil {
			healthy, detail = health()
		}

		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		resp := map[string]any{"ok": healthy}
		for k, v := range detail {
			resp[k] = v
		}
		json.NewEncoder(w).Encode(resp)
	}).Methods(http.MethodGet)

	return r
}

// ListenAndServe starts the router on addr.
func ListenAndServe(addr string, r *mux.Router) error {
	if addr == "" {
		addr = ":9090"
	}
	return http.ListenAndServe(addr, r)
}
