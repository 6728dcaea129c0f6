// Package metrics exposes the broker's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all broker collectors, registered on a private registry so
// tests can instantiate it repeatedly.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive  prometheus.Gauge
	SessionsTotal   prometheus.Counter
	SandboxFailures *prometheus.CounterVec
	RateLimited     prometheus.Counter
	BytesIn         prometheus.Counter
	BytesOut        prometheus.Counter
	ChunksOut       prometheus.Counter
	Connections     prometheus.Gauge
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runbox_sessions_active",
			Help: "Number of live terminal sessions.",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runbox_sessions_total",
			Help: "Lifetime count of terminal sessions.",
		}),
		SandboxFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runbox_sandbox_failures_total",
			Help: "Sandbox start failures by error code.",
		}, []string{"code"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runbox_rate_limited_total",
			Help: "Start attempts rejected by the backoff gate.",
		}),
		BytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runbox_input_bytes_total",
			Help: "Bytes written to sandbox stdin.",
		}),
		BytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runbox_output_bytes_total",
			Help: "Bytes delivered to clients in data frames.",
		}),
		ChunksOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runbox_output_chunks_total",
			Help: "Data frames delivered to clients.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runbox_connections_active",
			Help: "Open client connections.",
		}),
	}

	reg.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.SandboxFailures,
		m.RateLimited,
		m.BytesIn,
		m.BytesOut,
		m.ChunksOut,
		m.Connections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
