// Package metrics exports port controller activity as Prometheus metrics.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/oxplot/go-pdport"
)

// Collector counts faults, port disables, swaps and dispatched events. It
// implements pdport.Observer and is registered like any other collector.
type Collector struct {
	faults     *prometheus.CounterVec
	escalated  *prometheus.CounterVec
	disables   *prometheus.CounterVec
	swaps      *prometheus.CounterVec
	events     *prometheus.CounterVec
	faultCount *prometheus.GaugeVec
	vbus       *prometheus.GaugeVec
}

var _ pdport.Observer = (*Collector)(nil)

// New creates a collector. Metric names are prefixed with namespace.
func New(namespace string) *Collector {
	return &Collector{
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "faults_total",
			Help:      "Electrical faults seen per port and fault type.",
		}, []string{"port", "fault"}),
		escalated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fault_escalations_total",
			Help:      "Fault types whose retry limit was exceeded.",
		}, []string{"port", "fault"}),
		disables: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "port_disables_total",
			Help:      "Ports disabled until the faulty partner is removed.",
		}, []string{"port"}),
		swaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swaps_total",
			Help:      "Role swaps attempted per outcome.",
		}, []string{"port", "swap", "response"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events dispatched per port, split by whether the solution saw them.",
		}, []string{"port", "event", "forwarded"}),
		faultCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fault_count",
			Help:      "Current retry counter per port and fault type.",
		}, []string{"port", "fault"}),
		vbus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vbus_millivolts",
			Help:      "Last VBUS measurement.",
		}, []string{"port"}),
	}
}

func portLabel(port uint8) string {
	return strconv.Itoa(int(port))
}

// Describe implements prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.faults.Describe(ch)
	c.escalated.Describe(ch)
	c.disables.Describe(ch)
	c.swaps.Describe(ch)
	c.events.Describe(ch)
	c.faultCount.Describe(ch)
	c.vbus.Describe(ch)
}

// Collect implements prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.faults.Collect(ch)
	c.escalated.Collect(ch)
	c.disables.Collect(ch)
	c.swaps.Collect(ch)
	c.events.Collect(ch)
	c.faultCount.Collect(ch)
	c.vbus.Collect(ch)
}

// FaultCounted implements pdport.Observer interface.
func (c *Collector) FaultCounted(port uint8, t pdport.FaultType, count uint8) {
	c.faults.WithLabelValues(portLabel(port), t.String()).Inc()
	c.faultCount.WithLabelValues(portLabel(port), t.String()).Set(float64(count))
}

// FaultEscalated implements pdport.Observer interface.
func (c *Collector) FaultEscalated(port uint8, t pdport.FaultType) {
	c.escalated.WithLabelValues(portLabel(port), t.String()).Inc()
}

// PortDisabled implements pdport.Observer interface.
func (c *Collector) PortDisabled(port uint8) {
	c.disables.WithLabelValues(portLabel(port)).Inc()
}

// SwapResolved implements pdport.Observer interface.
func (c *Collector) SwapResolved(port uint8, s pdport.Swap, r pdport.Response) {
	c.swaps.WithLabelValues(portLabel(port), s.String(), r.String()).Inc()
}

// EventDispatched implements pdport.Observer interface.
func (c *Collector) EventDispatched(port uint8, e pdport.Event, forwarded bool) {
	c.events.WithLabelValues(portLabel(port), e.String(), strconv.FormatBool(forwarded)).Inc()
	if e == pdport.EventDisconnect || e == pdport.EventPortDisable {
		c.faultCount.DeletePartialMatch(prometheus.Labels{"port": portLabel(port)})
	}
}

// SetVBus records a VBUS measurement of port in millivolts.
func (c *Collector) SetVBus(port uint8, mV uint16) {
	c.vbus.WithLabelValues(portLabel(port)).Set(float64(mV))
}

// Observers fans notifications out to several observers.
type Observers []pdport.Observer

var _ pdport.Observer = Observers(nil)

// FaultCounted implements pdport.Observer interface.
func (o Observers) FaultCounted(port uint8, t pdport.FaultType, count uint8) {
	for _, x := range o {
		x.FaultCounted(port, t, count)
	}
}

// FaultEscalated implements pdport.Observer interface.
func (o Observers) FaultEscalated(port uint8, t pdport.FaultType) {
	for _, x := range o {
		x.FaultEscalated(port, t)
	}
}

// PortDisabled implements pdport.Observer interface.
func (o Observers) PortDisabled(port uint8) {
	for _, x := range o {
		x.PortDisabled(port)
	}
}

// SwapResolved implements pdport.Observer interface.
func (o Observers) SwapResolved(port uint8, s pdport.Swap, r pdport.Response) {
	for _, x := range o {
		x.SwapResolved(port, s, r)
	}
}

// EventDispatched implements pdport.Observer interface.
func (o Observers) EventDispatched(port uint8, e pdport.Event, forwarded bool) {
	for _, x := range o {
		x.EventDispatched(port, e, forwarded)
	}
}
