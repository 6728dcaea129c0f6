// Package handler binds the websocket terminal protocol and the HTTP surface
// to the session registry and the sandbox adapter.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/runbox-dev/runbox/internal/config"
	"github.com/runbox-dev/runbox/internal/logger"
	"github.com/runbox-dev/runbox/internal/metrics"
	"github.com/runbox-dev/runbox/internal/sandbox"
	"github.com/runbox-dev/runbox/internal/session"
)

// healthCacheTTL bounds how often /health pings the sandbox runtime.
const healthCacheTTL = 30 * time.Second

// Handler carries the broker's request-scoped dependencies.
type Handler struct {
	cfg      *config.Config
	log      *logger.Logger
	registry *session.Registry
	gate     *session.Gate
	adapter  sandbox.Adapter
	metrics  *metrics.Metrics

	healthMu      sync.Mutex
	healthChecked time.Time
	healthOK      bool
}

// New creates a Handler.
func New(cfg *config.Config, log *logger.Logger, registry *session.Registry, gate *session.Gate, adapter sandbox.Adapter, m *metrics.Metrics) *Handler {
	return &Handler{
		cfg:      cfg,
		log:      log,
		registry: registry,
		gate:     gate,
		adapter:  adapter,
		metrics:  m,
	}
}

// Routes registers the broker's endpoints on the router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/terminal", h.Terminal)
	r.Handle("/metrics", h.metrics.Handler())
}

// Health reports broker and sandbox-runtime status. The runtime ping is
// cached so health probes cannot hammer the daemon.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	sandboxOK := h.pingSandbox(r.Context())

	status := "ok"
	code := http.StatusOK
	sandboxStatus := "ok"
	if !sandboxOK {
		status = "degraded"
		sandboxStatus = "unavailable"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":   status,
		"sandbox":  sandboxStatus,
		"sessions": h.registry.Len(),
	})
}

func (h *Handler) pingSandbox(ctx context.Context) bool {
	h.healthMu.Lock()
	defer h.healthMu.Unlock()
	if time.Since(h.healthChecked) < healthCacheTTL {
		return h.healthOK
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := h.adapter.Ping(pingCtx)
	h.healthChecked = time.Now()
	h.healthOK = err == nil
	if err != nil {
		h.log.Warn("sandbox runtime ping failed", "error", err)
	}
	return h.healthOK
}
