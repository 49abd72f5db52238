// Package metrics exposes Prometheus metrics for tool calls and browser sessions.
package metrics

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	ToolCalls       *prometheus.CounterVec
	ToolDuration    *prometheus.HistogramVec
	BrowserSessions prometheus.Gauge
	EventListeners  prometheus.Gauge
}

// New registers the collectors, plus Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ToolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fcumcp_tool_calls_total",
				Help: "Total number of tool calls",
			},
			[]string{"tool", "status"},
		),
		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "fcumcp_tool_call_duration_seconds",
				Help: "Tool call duration in seconds",
				// Portal round trips drive a real browser.
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60},
			},
			[]string{"tool"},
		),
		BrowserSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fcumcp_browser_sessions",
				Help: "Number of open per-user browser sessions",
			},
		),
		EventListeners: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fcumcp_event_stream_connections",
				Help: "Number of connected event stream clients",
			},
		),
	}
}

// ObserveToolCall records one finished tool call.
func (m *Metrics) ObserveToolCall(tool, status string, took time.Duration) {
	m.ToolCalls.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(took.Seconds())
}

// SetBrowserSessions updates the open session gauge.
func (m *Metrics) SetBrowserSessions(n int) {
	m.BrowserSessions.Set(float64(n))
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
