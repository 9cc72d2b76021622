// Package prom exports bus statistics as Prometheus metrics.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rbaliyan/hftbus"
)

// StatsSource provides per-type statistics snapshots.
type StatsSource interface {
	Stats() map[hftbus.TypeTag]hftbus.StatsSnapshot
}

var _ StatsSource = (*hftbus.Bus)(nil)

// Collector reads a stats snapshot on every scrape. Nothing is updated on the
// publish path.
type Collector struct {
	src         StatsSource
	published   *prometheus.Desc
	received    *prometheus.Desc
	dropped     *prometheus.Desc
	subscribers *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector for src. An empty namespace defaults to
// "hftbus".
func NewCollector(namespace string, src StatsSource) *Collector {
	if namespace == "" {
		namespace = "hftbus"
	}
	labels := []string{"type"}
	return &Collector{
		src: src,
		published: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "published_total"),
			"Total events published", labels, nil),
		received: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "received_total"),
			"Total events received by subscribers", labels, nil),
		dropped: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "dropped_total"),
			"Total events overwritten before a subscriber read them", labels, nil),
		subscribers: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "subscribers"),
			"Number of live subscriptions", labels, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.published
	ch <- c.received
	ch <- c.dropped
	ch <- c.subscribers
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for tag, s := range c.src.Stats() {
		t := string(tag)
		ch <- prometheus.MustNewConstMetric(c.published, prometheus.CounterValue, float64(s.Published), t)
		ch <- prometheus.MustNewConstMetric(c.received, prometheus.CounterValue, float64(s.Received), t)
		ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(s.Dropped), t)
		ch <- prometheus.MustNewConstMetric(c.subscribers, prometheus.GaugeValue, float64(s.Subscribers), t)
	}
}
