// Package metrics exposes the Prometheus collectors of the membership core.
// A nil *Metrics is valid and records nothing, so components and tests can
// run without a registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "memberfox"

type Metrics struct {
	registry *prometheus.Registry

	webhookEvents    *prometheus.CounterVec
	webhookDuration  *prometheus.HistogramVec
	numbersAllocated *prometheus.CounterVec
	statsDrift       prometheus.Gauge
	ledgerCleanup    prometheus.Counter
}

// New registers all collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Webhook deliveries by event type and outcome.",
		}, []string{"type", "outcome"}),
		webhookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_duration_seconds",
			Help:      "Time spent handling a webhook delivery.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		numbersAllocated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "membership_numbers_allocated_total",
			Help:      "Membership numbers issued by year.",
		}, []string{"year"}),
		statsDrift: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stats_drift_keys",
			Help:      "Counters corrected by the last stats refresh.",
		}),
		ledgerCleanup: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_ledger_deleted_total",
			Help:      "Webhook ledger rows removed by retention cleanup.",
		}),
	}
	m.registry.MustRegister(
		m.webhookEvents,
		m.webhookDuration,
		m.numbersAllocated,
		m.statsDrift,
		m.ledgerCleanup,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveWebhook(eventType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
	m.webhookDuration.WithLabelValues(eventType).Observe(elapsed.Seconds())
}

func (m *Metrics) NumberAllocated(year string) {
	if m == nil {
		return
	}
	m.numbersAllocated.WithLabelValues(year).Inc()
}

func (m *Metrics) SetStatsDrift(keys int) {
	if m == nil {
		return
	}
	m.statsDrift.Set(float64(keys))
}

func (m *Metrics) LedgerRowsDeleted(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.ledgerCleanup.Add(float64(n))
}
