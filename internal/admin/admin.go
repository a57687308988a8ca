// Package admin serves the operator HTTP surface: a read-only call
// inspector, Prometheus metrics, health probes and, when configured, the
// WebSocket call endpoint.
//
// Routes:
//
//   - GET /v1/calls: live calls and recently ended ones.
//   - GET /v1/calls/{id}: one call by identity, live first, then history.
//   - GET /metrics: Prometheus exposition.
//   - GET /healthz, GET /readyz: see package health.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/MrWong99/callcenter/internal/call"
	"github.com/MrWong99/callcenter/internal/health"
	"github.com/MrWong99/callcenter/internal/observe"
)

// Config lists the handlers and state the admin surface exposes. Nil fields
// leave the matching routes out.
type Config struct {
	// Registry is the source of live calls. Required.
	Registry *call.Registry

	// History is the source of recently ended calls.
	History *call.History

	// Health serves /healthz and /readyz.
	Health *health.Handler

	// Metrics serves /metrics, usually promhttp.Handler().
	Metrics http.Handler

	// WebSocketPath mounts WebSocket at this path. Empty disables it.
	WebSocketPath string
	WebSocket     http.Handler

	// Instruments records request durations. Defaults to
	// observe.DefaultMetrics.
	Instruments *observe.Metrics
}

// CallList is the body of GET /v1/calls.
type CallList struct {
	Live  []call.Info `json:"live"`
	Ended []call.Info `json:"ended"`
}

// CallDetail is the body of GET /v1/calls/{id}.
type CallDetail struct {
	Live bool `json:"live"`
	call.Info
}

type inspector struct {
	registry *call.Registry
	history  *call.History
}

// NewHandler builds the admin mux wrapped in the observe middleware.
func NewHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	in := &inspector{registry: cfg.Registry, history: cfg.History}
	mux.HandleFunc("GET /v1/calls", in.list)
	mux.HandleFunc("GET /v1/calls/{id}", in.get)

	if cfg.Health != nil {
		cfg.Health.Register(mux)
	}
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}
	if cfg.WebSocketPath != "" && cfg.WebSocket != nil {
		mux.Handle("GET "+cfg.WebSocketPath, cfg.WebSocket)
	}

	m := cfg.Instruments
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return observe.Middleware(m)(mux)
}

func (in *inspector) list(w http.ResponseWriter, _ *http.Request) {
	res := CallList{
		Live:  in.registry.Snapshot(),
		Ended: []call.Info{},
	}
	if in.history != nil {
		res.Ended = in.history.List()
	}
	writeJSON(w, http.StatusOK, res)
}

func (in *inspector) get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s, ok := in.registry.Lookup(id); ok {
		writeJSON(w, http.StatusOK, CallDetail{Live: true, Info: s.Info()})
		return
	}
	if in.history != nil {
		if info, ok := in.history.Lookup(id); ok {
			writeJSON(w, http.StatusOK, CallDetail{Info: info})
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "call not found"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("admin: encode response", slog.Any("err", err))
	}
}
