// Package metrics exposes engine state as Prometheus metrics, gathered from
// providers at scrape time.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionCounter exposes the number of live call sessions.
type SessionCounter interface {
	ActiveSessionCount() int
}

// VerdictTotalsProvider returns cumulative verdict counts by verdict name.
type VerdictTotalsProvider interface {
	VerdictTotals() map[string]uint64
}

// TrapOutcomesProvider returns cumulative trap outcome counts.
type TrapOutcomesProvider interface {
	TrapOutcomes() (bridged, failed uint64)
}

// Collector is a prometheus.Collector that gathers engine metrics at scrape time.
type Collector struct {
	sessions  SessionCounter
	verdicts  VerdictTotalsProvider
	traps     TrapOutcomesProvider
	startTime time.Time

	// Metric descriptors.
	activeSessionsDesc *prometheus.Desc
	verdictsTotalDesc  *prometheus.Desc
	trapsTotalDesc     *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(sessions SessionCounter, verdicts VerdictTotalsProvider, traps TrapOutcomesProvider, startTime time.Time) *Collector {
	return &Collector{
		sessions:  sessions,
		verdicts:  verdicts,
		traps:     traps,
		startTime: startTime,

		activeSessionsDesc: prometheus.NewDesc(
			"sentinelx_active_sessions",
			"Number of live call sessions",
			nil, nil,
		),
		verdictsTotalDesc: prometheus.NewDesc(
			"sentinelx_verdicts_total",
			"Total verdicts assigned, by verdict",
			[]string{"verdict"}, nil,
		),
		trapsTotalDesc: prometheus.NewDesc(
			"sentinelx_traps_total",
			"Total completed trap runs, by outcome",
			[]string{"outcome"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"sentinelx_uptime_seconds",
			"Seconds since the engine process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeSessionsDesc
	ch <- c.verdictsTotalDesc
	ch <- c.trapsTotalDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeSessionsDesc, prometheus.GaugeValue,
			float64(c.sessions.ActiveSessionCount()),
		)
	}

	if c.verdicts != nil {
		for verdict, count := range c.verdicts.VerdictTotals() {
			ch <- prometheus.MustNewConstMetric(
				c.verdictsTotalDesc, prometheus.CounterValue,
				float64(count), verdict,
			)
		}
	}

	if c.traps != nil {
		bridged, failed := c.traps.TrapOutcomes()
		ch <- prometheus.MustNewConstMetric(
			c.trapsTotalDesc, prometheus.CounterValue,
			float64(bridged), "bridged",
		)
		ch <- prometheus.MustNewConstMetric(
			c.trapsTotalDesc, prometheus.CounterValue,
			float64(failed), "failed",
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
