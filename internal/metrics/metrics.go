// Package metrics exposes Prometheus instruments for connection and sync
// activity. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "banklink"

type Metrics struct {
	registry *prometheus.Registry

	authAttempts      *prometheus.CounterVec
	syncRuns          *prometheus.CounterVec
	connectionSyncs   *prometheus.CounterVec
	transactions      *prometheus.CounterVec
	connectionLatency *prometheus.HistogramVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Connection authorization steps by provider, stage and outcome.",
		}, []string{"provider", "stage", "outcome"}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "User sync runs by result (success, partial, failed, aborted).",
		}, []string{"result"}),
		connectionSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_syncs_total",
			Help:      "Per-connection sync outcomes.",
		}, []string{"provider", "outcome"}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_upserted_total",
			Help:      "Transactions merged into storage, split by inserted or updated.",
		}, []string{"provider", "op"}),
		connectionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_sync_seconds",
			Help:      "Time spent syncing a single connection.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.authAttempts,
		m.syncRuns,
		m.connectionSyncs,
		m.transactions,
		m.connectionLatency,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) AuthAttempt(provider, stage, outcome string) {
	if m == nil {
		return
	}
	m.authAttempts.WithLabelValues(provider, stage, outcome).Inc()
}

func (m *Metrics) SyncRun(result string) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) ConnectionSynced(provider, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.connectionSyncs.WithLabelValues(provider, outcome).Inc()
	m.connectionLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func (m *Metrics) TransactionsUpserted(provider string, inserted, updated int) {
	if m == nil {
		return
	}
	if inserted > 0 {
		m.transactions.WithLabelValues(provider, "inserted").Add(float64(inserted))
	}
	if updated > 0 {
		m.transactions.WithLabelValues(provider, "updated").Add(float64(updated))
	}
}
