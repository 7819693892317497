// Package metrics exposes the supervisor's observable state --
// current runlevel, state-machine transitions, reload count -- as
// Prometheus collectors registered under docker/go-metrics's namespace
// convention, grounded on core/metrics/cgroups/cgroups.go's
// metrics.NewNamespace/metrics.Register pattern and
// core/metrics/cgroups/v1/oom.go's ns.NewDesc/ns.Add custom-collector
// shape.
package metrics

import (
	"sync"
	"sync/atomic"

	metrics "github.com/docker/go-metrics"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mdnour/finit/internal/sm"
)

// Collector tracks the live counters this package exposes and
// implements prometheus.Collector itself, matching oomCollector's
// shape: one small struct owning its own *prometheus.Desc set plus
// whatever state those descs report on Collect.
type Collector struct {
	mu sync.Mutex

	runlevelDesc   *prometheus.Desc
	stateDesc      *prometheus.Desc
	reloadDesc     *prometheus.Desc
	transitionDesc *prometheus.Desc

	runlevel    int
	state       sm.State
	reloadCount int64
	transitions atomic.Int64
}

// NewCollector builds a Collector and, unless ns is nil (Prometheus
// export disabled), registers it on ns and ns itself with the global
// metrics registry -- the same "ns != nil" guard cgroups.go's New uses
// for its own NoPrometheus config knob.
func NewCollector(ns *metrics.Namespace) *Collector {
	c := &Collector{}
	if ns == nil {
		return c
	}

	c.runlevelDesc = ns.NewDesc("runlevel", "the currently active runlevel", metrics.Total)
	c.stateDesc = ns.NewDesc("state", "the state machine's current state, one label per state name", metrics.Total, "name")
	c.reloadDesc = ns.NewDesc("reload_total", "number of completed configuration reloads", metrics.Total)
	c.transitionDesc = ns.NewDesc("transition_total", "number of state machine transitions observed", metrics.Total)

	ns.Add(c)
	metrics.Register(ns)
	return c
}

// Observe updates the collector's snapshot from the live state
// machine. Called once per internal/sm.Machine.Step from the event
// loop in cmd/finit.
func (c *Collector) Observe(m *sm.Machine) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m.State() != c.state {
		c.transitions.Add(1)
	}
	if c.state == sm.ReloadWait && m.State() == sm.Running {
		c.reloadCount++
	}

	c.state = m.State()
	c.runlevel = m.Ctx.Runlevel
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.runlevelDesc
	ch <- c.stateDesc
	ch <- c.reloadDesc
	ch <- c.transitionDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch <- prometheus.MustNewConstMetric(c.runlevelDesc, prometheus.GaugeValue, float64(c.runlevel))
	ch <- prometheus.MustNewConstMetric(c.stateDesc, prometheus.GaugeValue, 1, c.state.String())
	ch <- prometheus.MustNewConstMetric(c.reloadDesc, prometheus.CounterValue, float64(c.reloadCount))
	ch <- prometheus.MustNewConstMetric(c.transitionDesc, prometheus.CounterValue, float64(c.transitions.Load()))
}
