package client

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rocketbitz/tapasco-go/pe"
)

var _ prometheus.Collector = (*PerfCollector)(nil)

// PerfCollector exports the process-wide pe performance counters.
type PerfCollector struct {
	descs map[pe.Counter]*prometheus.Desc
}

// NewPerfCollector describes every pe counter as tapasco_perf_<name>_total
// under namespace.
func NewPerfCollector(namespace string, constLabels prometheus.Labels) *PerfCollector {
	descs := make(map[pe.Counter]*prometheus.Desc)
	for _, c := range pe.Counters() {
		descs[c] = prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "tapasco_perf", c.String()+"_total"),
			"TaPaSCo runtime performance counter "+c.String(),
			nil,
			constLabels,
		)
	}
	return &PerfCollector{descs: descs}
}

// Describe implements prometheus.Collector.
func (p *PerfCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range p.descs {
		ch <- desc
	}
}

// Collect implements prometheus.Collector. Nothing is reported while the
// counters are disabled.
func (p *PerfCollector) Collect(ch chan<- prometheus.Metric) {
	if !pe.PerfCountersEnabled() {
		return
	}
	for c, desc := range p.descs {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(pe.PerfCounter(c)))
	}
}
