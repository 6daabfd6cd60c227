// Package metrics holds the transfer counters of one migration session and
// exports them to Prometheus.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "gomigrate"

// Stats are updated lock-free by the engine goroutines.
type Stats struct {
	Transferred      atomic.Uint64
	NormalPages      atomic.Uint64
	ZeroPages        atomic.Uint64
	CompressedPages  atomic.Uint64
	MultifdPackets   atomic.Uint64
	MultifdBytes     atomic.Uint64
	DirtySyncs       atomic.Uint64
	DirtyRate        atomic.Uint64
	Remaining        atomic.Uint64
	Throttle         atomic.Uint64
	PostcopyRequests atomic.Uint64
	Discarded        atomic.Uint64

	// XBZRLEPages counts pages sent or loaded as deltas, skipped unchanged
	// pages included.
	XBZRLEPages       atomic.Uint64
	XBZRLEBytes       atomic.Uint64
	XBZRLECacheMisses atomic.Uint64
	XBZRLEOverflows   atomic.Uint64
}

// Collector is a prometheus.Collector over one Stats value.
type Collector struct {
	stats  *Stats
	role   string
	descs  []*prometheus.Desc
	values []func(*Stats) uint64
	kinds  []prometheus.ValueType
}

// NewCollector returns a collector labelled with role ("source" or
// "destination").
func NewCollector(stats *Stats, role string) *Collector {
	c := &Collector{stats: stats, role: role}

	add := func(name, help string, kind prometheus.ValueType, fn func(*Stats) uint64) {
		c.descs = append(c.descs, prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "ram", name), help, nil,
			prometheus.Labels{"role": role}))
		c.values = append(c.values, fn)
		c.kinds = append(c.kinds, kind)
	}

	add("transferred_bytes_total", "Bytes written to or read from migration channels.",
		prometheus.CounterValue, func(s *Stats) uint64 { return s.Transferred.Load() })
	add("normal_pages_total", "Pages sent with their full content.",
		prometheus.CounterValue, func(s *Stats) uint64 { return s.NormalPages.Load() })
	add("zero_pages_total", "Pages sent as zero page records.",
		prometheus.CounterValue, func(s *Stats) uint64 { return s.ZeroPages.Load() })
	add("compressed_pages_total", "Pages sent through a compression codec.",
		prometheus.CounterValue, func(s *Stats) uint64 { return s.CompressedPages.Load() })
	add("xbzrle_pages_total", "Pages sent as deltas to their previous content.",
		prometheus.CounterValue, func(s *Stats) uint64 { return s.XBZRLEPages.Load() })
	add("xbzrle_bytes_total", "Encoded delta bytes.",
		prometheus.CounterValue, func(s *Stats) uint64 { return s.XBZRLEBytes.Load() })
	add("xbzrle_cache_misses_total", "Dirty pages without a cached previous copy.",
		prometheus.CounterValue, func(s *Stats) uint64 { return s.XBZRLECacheMisses.Load() })
	add("xbzrle_overflows_total", "Deltas larger than the page, sent in full.",
		prometheus.CounterValue, func(s *Stats) uint64 { return s.XBZRLEOverflows.Load() })
	add("multifd_packets_total", "Multifd packets on all channels.",
		prometheus.CounterValue, func(s *Stats) uint64 { return s.MultifdPackets.Load() })
	add("multifd_bytes_total", "Multifd payload bytes on all channels.",
		prometheus.CounterValue, func(s *Stats) uint64 { return s.MultifdBytes.Load() })
	add("dirty_syncs_total", "Dirty bitmap synchronizations.",
		prometheus.CounterValue, func(s *Stats) uint64 { return s.DirtySyncs.Load() })
	add("postcopy_requests_total", "Pages requested by the destination after switchover.",
		prometheus.CounterValue, func(s *Stats) uint64 { return s.PostcopyRequests.Load() })
	add("discarded_pages_total", "Pages discarded on the destination before postcopy.",
		prometheus.CounterValue, func(s *Stats) uint64 { return s.Discarded.Load() })
	add("dirty_pages_rate", "Pages dirtied per second over the last period.",
		prometheus.GaugeValue, func(s *Stats) uint64 { return s.DirtyRate.Load() })
	add("remaining_bytes", "Dirty bytes still to send.",
		prometheus.GaugeValue, func(s *Stats) uint64 { return s.Remaining.Load() })
	add("throttle_percent", "Current vCPU throttle.",
		prometheus.GaugeValue, func(s *Stats) uint64 { return s.Throttle.Load() })

	return c
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for i, d := range c.descs {
		ch <- prometheus.MustNewConstMetric(d, c.kinds[i], float64(c.values[i](c.stats)))
	}
}
