// Package metrics exposes resolver activity as Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/equipment-resolver/internal/model"
	"github.com/sells-group/equipment-resolver/internal/resilience"
	"github.com/sells-group/equipment-resolver/internal/store"
)

const namespace = "resolver"

// Metrics owns a private registry so tests and multiple servers never
// collide on the default one.
type Metrics struct {
	registry *prometheus.Registry

	attempts          *prometheus.CounterVec
	attemptLatency    *prometheus.HistogramVec
	attemptCost       *prometheus.CounterVec
	resolutions       *prometheus.CounterVec
	resolutionLatency *prometheus.HistogramVec
	coalesced         *prometheus.CounterVec
	tickets           *prometheus.GaugeVec
	cacheEntries      prometheus.Gauge
	staleEntries      prometheus.Gauge
	breakers          *prometheus.GaugeVec
}

// New creates and registers every collector, plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Provider attempts by outcome.",
		}, []string{"kind", "provider", "outcome", "error_kind"}),
		attemptLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_attempt_seconds",
			Help:      "Provider attempt wall time.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
		}, []string{"kind", "provider"}),
		attemptCost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_cost_usd_total",
			Help:      "Estimated provider spend in USD.",
		}, []string{"kind", "provider"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Finished resolutions by status and source.",
		}, []string{"kind", "status", "source"}),
		resolutionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolution_seconds",
			Help:      "End-to-end resolution time.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 3, 10),
		}, []string{"kind", "status"}),
		coalesced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coalesced_requests_total",
			Help:      "Requests that shared an in-flight resolution of the same key.",
		}, []string{"kind"}),
		tickets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "escalation_tickets",
			Help:      "Escalation tickets by status.",
		}, []string{"status"}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Cache entries stored.",
		}),
		staleEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_stale_entries",
			Help:      "Cache entries flagged stale and awaiting re-resolution.",
		}),
		breakers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Provider circuit state: 0 closed, 1 open, 2 half-open.",
		}, []string{"provider"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.attempts, m.attemptLatency, m.attemptCost,
		m.resolutions, m.resolutionLatency, m.coalesced,
		m.tickets, m.cacheEntries, m.staleEntries, m.breakers,
	)
	return m
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveAttempt records one provider attempt. It has the shape of a
// waterfall.Observer.
func (m *Metrics) ObserveAttempt(kind model.Kind, att model.Attempt) {
	k := string(kind)
	m.attempts.WithLabelValues(k, att.Provider, string(att.Outcome), att.ErrorKind).Inc()
	m.attemptLatency.WithLabelValues(k, att.Provider).Observe(att.Duration().Seconds())
	if att.CostUSD > 0 {
		m.attemptCost.WithLabelValues(k, att.Provider).Add(att.CostUSD)
	}
}

// ObserveResolution records a finished resolution. It has the shape of a
// resolve.Observer.
func (m *Metrics) ObserveResolution(kind model.Kind, resp *model.Response, elapsed time.Duration) {
	if resp == nil {
		return
	}
	k := string(kind)
	source := resp.Source
	if resp.Status != model.StatusResolved {
		source = ""
	}
	m.resolutions.WithLabelValues(k, string(resp.Status), source).Inc()
	m.resolutionLatency.WithLabelValues(k, string(resp.Status)).Observe(elapsed.Seconds())
	if resp.Coalesced {
		m.coalesced.WithLabelValues(k).Inc()
	}
}

// SetBacklog publishes cache and queue gauges from a stats snapshot.
func (m *Metrics) SetBacklog(s *store.Stats) {
	if s == nil {
		return
	}
	m.cacheEntries.Set(float64(s.CacheEntries))
	m.staleEntries.Set(float64(s.StaleEntries))
	for _, st := range []model.TicketStatus{
		model.TicketPending, model.TicketAssigned, model.TicketResolved, model.TicketUnresolvable,
	} {
		m.tickets.WithLabelValues(string(st)).Set(float64(s.Tickets[st]))
	}
}

// SetBreakers publishes provider circuit states.
func (m *Metrics) SetBreakers(states map[string]resilience.CircuitState) {
	for name, st := range states {
		m.breakers.WithLabelValues(name).Set(float64(st))
	}
}
