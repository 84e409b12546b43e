// Package metrics exposes Prometheus counters for the route cache, the
// refresh coordinator and the pool registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cache lookup outcomes.
const (
	LookupHit   = "hit"
	LookupStale = "stale"
	LookupMiss  = "miss"
)

// Compute modes and results.
const (
	ModeSync       = "sync"
	ModeBackground = "background"

	ResultOK      = "ok"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records
// nothing, which keeps tests and optional wiring free of nil checks.
type Metrics struct {
	registry *prometheus.Registry

	cacheLookups  *prometheus.CounterVec
	cacheWrites   *prometheus.CounterVec
	droppedRoutes *prometheus.CounterVec
	computes      *prometheus.CounterVec
	poolUpdates   *prometheus.CounterVec
	bootstraps    *prometheus.CounterVec
}

// New creates a Metrics instance backed by its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routecache_lookups_total",
			Help: "Route cache lookups by outcome.",
		}, []string{"chain", "outcome"}),
		cacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routecache_writes_total",
			Help: "Route cache writes.",
		}, []string{"chain"}),
		droppedRoutes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routecache_dropped_routes_total",
			Help: "Cached routes dropped because a pool no longer resolves.",
		}, []string{"chain"}),
		computes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routecache_computes_total",
			Help: "Route computations by mode and result.",
		}, []string{"chain", "mode", "result"}),
		poolUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_registry_updates_total",
			Help: "Pool update messages by result.",
		}, []string{"chain", "result"}),
		bootstraps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_registry_bootstraps_total",
			Help: "Full pool fetches from the pool source.",
		}, []string{"chain", "result"}),
	}
	m.registry.MustRegister(
		m.cacheLookups,
		m.cacheWrites,
		m.droppedRoutes,
		m.computes,
		m.poolUpdates,
		m.bootstraps,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CacheLookup(chain, outcome string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(chain, outcome).Inc()
}

func (m *Metrics) CacheWrite(chain string) {
	if m == nil {
		return
	}
	m.cacheWrites.WithLabelValues(chain).Inc()
}

func (m *Metrics) DroppedRoutes(chain string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.droppedRoutes.WithLabelValues(chain).Add(float64(n))
}

func (m *Metrics) Compute(chain, mode, result string) {
	if m == nil {
		return
	}
	m.computes.WithLabelValues(chain, mode, result).Inc()
}

func (m *Metrics) PoolUpdate(chain, result string) {
	if m == nil {
		return
	}
	m.poolUpdates.WithLabelValues(chain, result).Inc()
}

func (m *Metrics) Bootstrap(chain, result string) {
	if m == nil {
		return
	}
	m.bootstraps.WithLabelValues(chain, result).Inc()
}
