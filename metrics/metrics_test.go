package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxplot/go-pdport"
	"github.com/oxplot/go-pdport/internal/pdtest"
)

func TestCollectorCounts(t *testing.T) {
	c := New("pdport")
	c.FaultCounted(0, pdport.FaultVBusOCP, 1)
	c.FaultCounted(0, pdport.FaultVBusOCP, 2)
	c.FaultCounted(1, pdport.FaultCCOVP, 1)
	c.FaultEscalated(0, pdport.FaultVBusOCP)
	c.PortDisabled(0)
	c.SwapResolved(0, pdport.SwapDR, pdport.ResponseReceived)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.faults.WithLabelValues("0", "vbus_ocp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.faults.WithLabelValues("1", "cc_ovp")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.faultCount.WithLabelValues("0", "vbus_ocp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.escalated.WithLabelValues("0", "vbus_ocp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.disables.WithLabelValues("0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.swaps.WithLabelValues("0", "dr", "Received")))
}

func TestCollectorRegisters(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	c := New("pdport")
	require.NoError(t, reg.Register(c))

	c.SetVBus(0, 5012)
	c.EventDispatched(0, pdport.EventConnect, true)

	expected := `
# HELP pdport_vbus_millivolts Last VBUS measurement.
# TYPE pdport_vbus_millivolts gauge
pdport_vbus_millivolts{port="0"} 5012
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "pdport_vbus_millivolts"))

	expected = `
# HELP pdport_events_total Events dispatched per port, split by whether the solution saw them.
# TYPE pdport_events_total counter
pdport_events_total{event="Connect",forwarded="true",port="0"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "pdport_events_total"))
}

func TestDisconnectResetsFaultCount(t *testing.T) {
	c := New("pdport")
	c.FaultCounted(0, pdport.FaultVBusOVP, 1)
	c.FaultCounted(1, pdport.FaultVBusOVP, 1)
	c.EventDispatched(0, pdport.EventDisconnect, true)

	assert.Equal(t, 1, testutil.CollectAndCount(c.faultCount))
}

func TestObserversFanOut(t *testing.T) {
	a, b := &pdtest.Observer{}, &pdtest.Observer{}
	o := Observers{a, b}
	o.FaultCounted(0, pdport.FaultOTP, 1)
	o.FaultEscalated(0, pdport.FaultOTP)
	o.PortDisabled(0)
	o.SwapResolved(0, pdport.SwapPR, pdport.ResponseTimeout)
	o.EventDispatched(0, pdport.EventOTP, false)

	for _, x := range []*pdtest.Observer{a, b} {
		assert.Equal(t, []pdport.FaultType{pdport.FaultOTP}, x.Counted)
		assert.Equal(t, []pdport.FaultType{pdport.FaultOTP}, x.Escalated)
		assert.Equal(t, 1, x.Disables)
		assert.Equal(t, []pdport.Swap{pdport.SwapPR}, x.Swaps)
		assert.Equal(t, []pdport.Event{pdport.EventOTP}, x.Dispatched)
		assert.Empty(t, x.Forwarded)
	}
}
