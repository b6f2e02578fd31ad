package ewexport

import (
	"github.com/prometheus/client_golang/prometheus"
)

type collector struct {
	e *Exporter

	sent       *prometheus.Desc
	splitSent  *prometheus.Desc
	heartbeats *prometheus.Desc
	connected  *prometheus.Desc
}

// NewCollector returns a prometheus.Collector that reports e's counters
// under namespace.
func NewCollector(e *Exporter, namespace string) prometheus.Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "export", name), help, nil, nil)
	}
	return &collector{
		e:          e,
		sent:       desc("tracebufs_sent_total", "Trace buffer messages written."),
		splitSent:  desc("tracebufs_split_total", "Oversized trace buffers that were split."),
		heartbeats: desc("heartbeats_sent_total", "Heartbeat messages written."),
		connected:  desc("client_connected", "Whether a client is attached."),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sent
	ch <- c.splitSent
	ch <- c.heartbeats
	ch <- c.connected
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	s := c.e.Stats()

	connected := 0.0
	if s.State == StateConnected {
		connected = 1
	}

	ch <- prometheus.MustNewConstMetric(c.sent, prometheus.CounterValue, float64(s.Sent))
	ch <- prometheus.MustNewConstMetric(c.splitSent, prometheus.CounterValue, float64(s.SplitSent))
	ch <- prometheus.MustNewConstMetric(c.heartbeats, prometheus.CounterValue, float64(s.Heartbeats))
	ch <- prometheus.MustNewConstMetric(c.connected, prometheus.GaugeValue, connected)
}
