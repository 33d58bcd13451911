package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ptpsync"

// Collector публикует Registry в Prometheus.
type Collector struct {
	reg       *Registry
	counters  [numCounters]*prometheus.Desc
	offset    *prometheus.Desc
	synced    *prometheus.Desc
	heartbeat *prometheus.Desc
}

// NewCollector создаёт коллектор поверх реестра.
func NewCollector(reg *Registry) *Collector {
	c := &Collector{reg: reg}
	for i := CounterID(0); i < numCounters; i++ {
		c.counters[i] = prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", i.String()+"_total"),
			"Engine counter "+i.String()+".",
			nil, nil,
		)
	}
	c.offset = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "last_offset_nanoseconds"),
		"Last computed offset from master.",
		nil, nil,
	)
	c.synced = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "likely_synchronized"),
		"1 when offsets were computed and no validation failed.",
		nil, nil,
	)
	c.heartbeat = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "heartbeats_total"),
		"Health heartbeats emitted.",
		nil, nil,
	)
	return c
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.counters {
		ch <- d
	}
	ch <- c.offset
	ch <- c.synced
	ch <- c.heartbeat
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.reg.Snapshot()
	for i, d := range c.counters {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(s.Counters[i]))
	}
	ch <- prometheus.MustNewConstMetric(c.offset, prometheus.GaugeValue, float64(s.LastOffsetNs))
	synced := 0.0
	if s.LikelySynchronized {
		synced = 1
	}
	ch <- prometheus.MustNewConstMetric(c.synced, prometheus.GaugeValue, synced)
	ch <- prometheus.MustNewConstMetric(c.heartbeat, prometheus.CounterValue, float64(s.HeartbeatCount))
}
