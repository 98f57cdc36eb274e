package cache

import "github.com/rdmacache/bcache/eviction"

// Metrics exposes cache-level observability hooks, extending the
// evicter's own Metrics contract with the tiered-lookup hit/miss
// counters.
type Metrics interface {
	eviction.Metrics

	HitPrimary()
	HitWrite()
	Miss()
	HitRDMA()
}

// NoopMetrics does nothing; the default when no backend is configured.
type NoopMetrics struct{}

func (NoopMetrics) ObserveEviction(eviction.Kind) {}
func (NoopMetrics) ObserveSize(int64)             {}
func (NoopMetrics) HitPrimary()                  {}
func (NoopMetrics) HitWrite()                    {}
func (NoopMetrics) Miss()                        {}
func (NoopMetrics) HitRDMA()                     {}

var _ Metrics = NoopMetrics{}
