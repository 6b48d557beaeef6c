// Package metrics holds the Prometheus collectors of one embergraph store.
//
// Every store owns its own registry, so opening several stores in one
// process never trips duplicate-registration panics. A nil *Metrics is
// valid and records nothing, which keeps component constructors simple in
// tests.
//
// Example:
//
//	m := metrics.New()
//	m.CacheHit("node")
//	http.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "embergraph"

// Metrics bundles the collectors registered for one store.
type Metrics struct {
	registry *prometheus.Registry

	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec

	txBegun    prometheus.Counter
	txFinished *prometheus.CounterVec
	lockWait   prometheus.Histogram
	commitTime prometheus.Histogram

	queryTime      *prometheus.HistogramVec
	indexFallbacks *prometheus.CounterVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		cacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Cache hits by tier",
		}, []string{"tier"}),
		cacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Cache misses by tier",
		}, []string{"tier"}),
		cacheEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Capacity evictions by tier",
		}, []string{"tier"}),

		txBegun: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "txn",
			Name:      "begun_total",
			Help:      "Transactions started",
		}),
		txFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "txn",
			Name:      "finished_total",
			Help:      "Finished transactions by outcome (committed, rolled_back, conflict, deadlock, timeout)",
		}, []string{"outcome"}),
		lockWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "txn",
			Name:      "lock_wait_seconds",
			Help:      "Time spent blocked on a resource lock",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~1.6s
		}),
		commitTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "txn",
			Name:      "commit_duration_seconds",
			Help:      "Commit latency including validation and apply",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),

		queryTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "Query execution latency by surface (chain, pattern)",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"surface"}),
		indexFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "scan_fallbacks_total",
			Help:      "Lookups on undeclared (label, property) pairs served by a label scan",
		}, []string{"label"}),
	}
}

// Registry exposes the store's registry for scraping.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

func (m *Metrics) CacheHit(tier string) {
	if m != nil {
		m.cacheHits.WithLabelValues(tier).Inc()
	}
}

func (m *Metrics) CacheMiss(tier string) {
	if m != nil {
		m.cacheMisses.WithLabelValues(tier).Inc()
	}
}

func (m *Metrics) CacheEviction(tier string) {
	if m != nil {
		m.cacheEvictions.WithLabelValues(tier).Inc()
	}
}

func (m *Metrics) TxBegun() {
	if m != nil {
		m.txBegun.Inc()
	}
}

// TxFinished records the terminal outcome of a transaction.
func (m *Metrics) TxFinished(outcome string) {
	if m != nil {
		m.txFinished.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) LockWaited(d time.Duration) {
	if m != nil {
		m.lockWait.Observe(d.Seconds())
	}
}

func (m *Metrics) CommitDuration(d time.Duration) {
	if m != nil {
		m.commitTime.Observe(d.Seconds())
	}
}

func (m *Metrics) QueryDuration(surface string, d time.Duration) {
	if m != nil {
		m.queryTime.WithLabelValues(surface).Observe(d.Seconds())
	}
}

func (m *Metrics) IndexFallback(label string) {
	if m != nil {
		m.indexFallbacks.WithLabelValues(label).Inc()
	}
}
