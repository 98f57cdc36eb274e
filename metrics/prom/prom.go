// Package prom adapts the cache's Metrics contract to Prometheus
// counters/gauges.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rdmacache/bcache/eviction"
)

// Adapter implements cache.Metrics and exports Prometheus
// counters/gauges. Safe for concurrent use; all Prometheus metric types
// are goroutine-safe.
type Adapter struct {
	hitPrimary prometheus.Counter
	hitWrite   prometheus.Counter
	hitRDMA    prometheus.Counter
	misses     prometheus.Counter
	evicts     *prometheus.CounterVec
	sizeBytes  prometheus.Gauge
}

// New constructs a Prometheus metrics adapter.
//   - reg:         registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &Adapter{
		hitPrimary: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "hits_primary_total",
			Help: "Page cache hits served from the primary map", ConstLabels: constLabels,
		}),
		hitWrite: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "hits_write_total",
			Help: "Page cache hits served from the write shard", ConstLabels: constLabels,
		}),
		hitRDMA: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "hits_rdma_total",
			Help: "Page cache hits served via an RDMA peer read", ConstLabels: constLabels,
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "misses_total",
			Help: "Page cache misses falling through to disk", ConstLabels: constLabels,
		}),
		evicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "evictions_total",
			Help: "Page evictions by bag kind", ConstLabels: constLabels,
		}, []string{"bag"}),
		sizeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: "in_memory_size_bytes",
			Help: "Aggregate in-memory size across unevictable + evictable bags", ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.hitPrimary, a.hitWrite, a.hitRDMA, a.misses, a.evicts, a.sizeBytes)
	return a
}

func (a *Adapter) HitPrimary() { a.hitPrimary.Inc() }
func (a *Adapter) HitWrite()   { a.hitWrite.Inc() }
func (a *Adapter) HitRDMA()    { a.hitRDMA.Inc() }
func (a *Adapter) Miss()       { a.misses.Inc() }

func (a *Adapter) ObserveEviction(kind eviction.Kind) {
	a.evicts.WithLabelValues(kind.String()).Inc()
}

func (a *Adapter) ObserveSize(bytes int64) {
	a.sizeBytes.Set(float64(bytes))
}
