package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/marmos91/pkgload/pkg/chunkstore/badger"
	"github.com/marmos91/pkgload/pkg/metrics"
)

// badgerCollector exports the cache counters of a badger chunk store.
type badgerCollector struct {
	store *badger.Store

	hitRatio *prometheus.Desc
	hits     *prometheus.Desc
	misses   *prometheus.Desc
}

// RegisterBadgerStore exports the block and index cache counters of store.
// It is a no-op when metrics are disabled.
func RegisterBadgerStore(store *badger.Store) error {
	if !metrics.IsEnabled() {
		return nil
	}
	labels := []string{"cache_type"} // "block", "index"
	constLabels := prometheus.Labels{"store": store.Name()}
	c := &badgerCollector{
		store: store,
		hitRatio: prometheus.NewDesc(namespace+"_badger_cache_hit_ratio",
			"BadgerDB cache hit ratio (0.0 to 1.0) by cache type", labels, constLabels),
		hits: prometheus.NewDesc(namespace+"_badger_cache_hits_total",
			"Total number of BadgerDB cache hits by cache type", labels, constLabels),
		misses: prometheus.NewDesc(namespace+"_badger_cache_misses_total",
			"Total number of BadgerDB cache misses by cache type", labels, constLabels),
	}
	return metrics.GetRegistry().Register(c)
}

func (c *badgerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hitRatio
	ch <- c.hits
	ch <- c.misses
}

func (c *badgerCollector) Collect(ch chan<- prometheus.Metric) {
	block, index := c.store.CacheStats()
	for _, s := range []struct {
		kind  string
		stats badger.CacheStats
	}{{"block", block}, {"index", index}} {
		ch <- prometheus.MustNewConstMetric(c.hitRatio, prometheus.GaugeValue, s.stats.Ratio, s.kind)
		ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.stats.Hits), s.kind)
		ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.stats.Misses), s.kind)
	}
}
