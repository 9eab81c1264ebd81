// Package metrics exposes Prometheus metrics for upstream attempts, dispatch
// results and live streams.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/keyrotor/keyrotor/internal/dispatch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keyrotor"

// Collector implements dispatch.Observer on top of a private registry.
type Collector struct {
	registry *prometheus.Registry

	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	results         *prometheus.CounterVec
	activeStreams   prometheus.Gauge
}

// NewCollector registers all metrics on registry, or on a fresh registry with
// Go and process collectors when registry is nil.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	c := &Collector{
		registry: registry,
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_attempts_total",
				Help:      "Upstream attempts by credential index and outcome.",
			},
			[]string{"key_index", "outcome"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_attempt_duration_seconds",
				Help:      "Time until an upstream attempt was classified.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"outcome"},
		),
		results: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_results_total",
				Help:      "Dispatch results by terminal state and mode.",
			},
			[]string{"result", "stream"},
		),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Streaming responses currently being relayed.",
		}),
	}
	registry.MustRegister(c.attempts, c.attemptDuration, c.results, c.activeStreams)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

func (c *Collector) ObserveAttempt(_ context.Context, a dispatch.Attempt) {
	if c == nil {
		return
	}
	outcome := a.Kind.String()
	c.attempts.WithLabelValues(strconv.Itoa(a.KeyIndex), outcome).Inc()
	c.attemptDuration.WithLabelValues(outcome).Observe(a.Duration.Seconds())
}

func (c *Collector) ObserveResult(_ context.Context, r dispatch.Result, stream bool) {
	if c == nil {
		return
	}
	result := "exhausted"
	switch {
	case r.Completed:
		result = "completed"
	case r.LastStatus == dispatch.StatusClientClosedRequest:
		result = "cancelled"
	}
	c.results.WithLabelValues(result, strconv.FormatBool(stream)).Inc()
}

// StreamStarted increments the live stream gauge and returns its matching decrement.
func (c *Collector) StreamStarted() func() {
	if c == nil {
		return func() {}
	}
	c.activeStreams.Inc()
	return c.activeStreams.Dec
}
