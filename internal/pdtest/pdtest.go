// Package pdtest provides fakes of the port controller collaborators for
// tests.
package pdtest

import (
	"fmt"
	"time"

	"github.com/oxplot/go-pdport"
	"github.com/oxplot/go-pdport/pdmsg"
	"github.com/oxplot/go-pdport/swtimer"
)

// SentCommand is a command accepted by Engine.
type SentCommand struct {
	Cmd              pdport.Command
	Args             pdport.CommandArgs
	NonInterruptible bool
	Done             pdport.ResponseFunc
}

// Engine is a fake protocol engine. It records the commands it accepts and
// lets the test complete them.
type Engine struct {
	State pdport.DPMStatus

	// Errors returned by SendCommand per command. A command that errors is
	// not recorded.
	Errors map[pdport.Command]error

	Sent []SentCommand
}

var _ pdport.ProtocolEngine = (*Engine)(nil)

// NewEngine returns an engine with the DPM enabled and nothing attached.
func NewEngine() *Engine {
	return &Engine{
		State:  pdport.DPMStatus{DPMEnabled: true},
		Errors: map[pdport.Command]error{},
	}
}

// Status implements pdport.ProtocolEngine interface.
func (e *Engine) Status() pdport.DPMStatus {
	return e.State
}

// SendCommand implements pdport.ProtocolEngine interface.
func (e *Engine) SendCommand(cmd pdport.Command, args *pdport.CommandArgs, nonInterruptible bool, done pdport.ResponseFunc) error {
	if err := e.Errors[cmd]; err != nil {
		return err
	}
	s := SentCommand{Cmd: cmd, NonInterruptible: nonInterruptible, Done: done}
	if args != nil {
		s.Args = *args
	}
	e.Sent = append(e.Sent, s)
	return nil
}

// Commands returns the accepted commands in order.
func (e *Engine) Commands() []pdport.Command {
	var c []pdport.Command
	for _, s := range e.Sent {
		c = append(c, s.Cmd)
	}
	return c
}

// Last returns the last accepted command.
func (e *Engine) Last() SentCommand {
	if len(e.Sent) == 0 {
		return SentCommand{}
	}
	return e.Sent[len(e.Sent)-1]
}

// Complete calls the completion function of the last accepted command with
// r. For ResponseReceived, a control message of type t is attached.
func (e *Engine) Complete(r pdport.Response, t pdmsg.Type) {
	s := e.Last()
	if s.Done == nil {
		return
	}
	var m *pdmsg.Message
	if r == pdport.ResponseReceived {
		m = &pdmsg.Message{}
		m.SetType(t)
	}
	s.Done(r, m)
}

// Clear forgets the recorded commands.
func (e *Engine) Clear() {
	e.Sent = nil
}

// HAL is a fake port hardware. Every call is logged in order and the
// protection callbacks are kept so the test can trip them.
type HAL struct {
	Calls []string

	VBus        uint16
	SourceFET   bool
	SinkFET     bool
	Discharge   bool
	Voltage     uint16
	VConn       bool
	VConnFails  bool
	Armed       map[pdport.Protection]pdport.EdgeFunc
	Thresholds  map[pdport.Protection]uint16
	VConnOCP    pdport.EdgeFunc
	CleanupDone int
}

var _ pdport.HAL = (*HAL)(nil)

// NewHAL returns a HAL with VBUS at vSafe0V.
func NewHAL() *HAL {
	return &HAL{
		Armed:      map[pdport.Protection]pdport.EdgeFunc{},
		Thresholds: map[pdport.Protection]uint16{},
	}
}

func (h *HAL) log(format string, a ...any) {
	h.Calls = append(h.Calls, fmt.Sprintf(format, a...))
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// SetSourceFET implements pdport.PowerHAL interface.
func (h *HAL) SetSourceFET(on bool) {
	h.SourceFET = on
	h.log("source_fet %s", onOff(on))
}

// SetSinkFET implements pdport.PowerHAL interface.
func (h *HAL) SetSinkFET(on bool) {
	h.SinkFET = on
	h.log("sink_fet %s", onOff(on))
}

// SetDischarge implements pdport.PowerHAL interface.
func (h *HAL) SetDischarge(on bool) {
	h.Discharge = on
	h.log("discharge %s", onOff(on))
}

// SetVoltage implements pdport.PowerHAL interface.
func (h *HAL) SetVoltage(mV uint16) {
	h.Voltage = mV
	h.log("set_voltage %d", mV)
}

// VBusPresent implements pdport.PowerHAL interface.
func (h *HAL) VBusPresent(mV uint16, margin int8) bool {
	return h.VBus > Threshold(mV, margin)
}

// Threshold returns the level VBusPresent compares against.
func Threshold(mV uint16, margin int8) uint16 {
	if mV == pdport.VSafe0 {
		return pdport.VSafe0Hi
	}
	return uint16(int32(mV) + int32(mV)*int32(margin)/100)
}

// MeasureVBus implements pdport.PowerHAL interface.
func (h *HAL) MeasureVBus() uint16 {
	return h.VBus
}

// ArmProtection implements pdport.PowerHAL interface.
func (h *HAL) ArmProtection(p pdport.Protection, threshold uint16, fn pdport.EdgeFunc) {
	h.Armed[p] = fn
	h.Thresholds[p] = threshold
	h.log("arm %s %d", p, threshold)
}

// DisarmProtection implements pdport.PowerHAL interface.
func (h *HAL) DisarmProtection(p pdport.Protection) {
	delete(h.Armed, p)
	delete(h.Thresholds, p)
	h.log("disarm %s", p)
}

// IsArmed returns true if p is armed.
func (h *HAL) IsArmed(p pdport.Protection) bool {
	_, ok := h.Armed[p]
	return ok
}

// Trip calls the edge function of p with level. It panics if p is not
// armed.
func (h *HAL) Trip(p pdport.Protection, level bool) bool {
	fn, ok := h.Armed[p]
	if !ok {
		panic(fmt.Sprintf("pdtest: %s not armed", p))
	}
	return fn(level)
}

// SetVConn implements pdport.PortHAL interface.
func (h *HAL) SetVConn(on bool) bool {
	h.log("vconn %s", onOff(on))
	if on && h.VConnFails {
		return false
	}
	h.VConn = on
	return true
}

// ArmVConnOCP implements pdport.PortHAL interface.
func (h *HAL) ArmVConnOCP(fn pdport.EdgeFunc) {
	h.VConnOCP = fn
	h.log("arm vconn_ocp")
}

// DisarmVConnOCP implements pdport.PortHAL interface.
func (h *HAL) DisarmVConnOCP() {
	h.VConnOCP = nil
	h.log("disarm vconn_ocp")
}

// EnableRd implements pdport.PortHAL interface.
func (h *HAL) EnableRd() { h.log("enable_rd") }

// DisableRd implements pdport.PortHAL interface.
func (h *HAL) DisableRd() { h.log("disable_rd") }

// DisableRp implements pdport.PortHAL interface.
func (h *HAL) DisableRp() { h.log("disable_rp") }

// SetCCOVPPending implements pdport.PortHAL interface.
func (h *HAL) SetCCOVPPending() { h.log("cc_ovp_pending") }

// Cleanup implements pdport.PortHAL interface.
func (h *HAL) Cleanup() {
	h.CleanupDone++
	h.log("cleanup")
}

// ClearCalls forgets the logged calls.
func (h *HAL) ClearCalls() {
	h.Calls = nil
}

// Timers is a software timer service on a manual clock.
type Timers struct {
	*swtimer.Service
	Clock *swtimer.ManualClock
}

// NewTimers returns a timer service whose time only moves with Advance.
func NewTimers() *Timers {
	c := &swtimer.ManualClock{}
	return &Timers{Service: swtimer.New(c), Clock: c}
}

// Advance moves time forward by d in one millisecond steps, dispatching
// expired timers at every step.
func (t *Timers) Advance(d time.Duration) {
	for d > 0 {
		step := time.Millisecond
		if d < step {
			step = d
		}
		t.Clock.Advance(step)
		t.Dispatch()
		d -= step
	}
}

// Event is an event received by Solution.
type Event struct {
	Port  uint8
	Event pdport.Event
	Data  any
}

// Solution records the events forwarded to it.
type Solution struct {
	Events []Event
}

// HandleEvent implements pdport.Solution interface.
func (s *Solution) HandleEvent(port uint8, e pdport.Event, data any) {
	s.Events = append(s.Events, Event{Port: port, Event: e, Data: data})
}

// Has returns true if e was forwarded.
func (s *Solution) Has(e pdport.Event) bool {
	for _, r := range s.Events {
		if r.Event == e {
			return true
		}
	}
	return false
}

// Battery records battery hook calls.
type Battery struct {
	Enabled  int
	Disabled int
}

// BatterySourceEnable implements pdport.BatteryHooks interface.
func (b *Battery) BatterySourceEnable(uint8) { b.Enabled++ }

// BatterySourceDisable implements pdport.BatteryHooks interface.
func (b *Battery) BatterySourceDisable(uint8) { b.Disabled++ }

// PowerPath is a fake power path controller completing every request
// immediately.
type PowerPath struct {
	Enabled       []uint16
	Disables      int
	CurrentLimits int
	On            bool
}

var _ pdport.PowerPathController = (*PowerPath)(nil)

// Enable implements pdport.PowerPathController interface.
func (p *PowerPath) Enable(mV uint16, ready func()) {
	p.Enabled = append(p.Enabled, mV)
	p.On = true
	if ready != nil {
		ready()
	}
}

// Disable implements pdport.PowerPathController interface.
func (p *PowerPath) Disable(ready func()) {
	p.Disables++
	p.On = false
	if ready != nil {
		ready()
	}
}

// SetCurrentLimit implements pdport.PowerPathController interface.
func (p *PowerPath) SetCurrentLimit() {
	p.CurrentLimits++
}

// Observer records observer notifications.
type Observer struct {
	pdport.NopObserver
	Counted    []pdport.FaultType
	Escalated  []pdport.FaultType
	Disables   int
	Swaps      []pdport.Swap
	Dispatched []pdport.Event
	Forwarded  []pdport.Event
}

// FaultCounted implements pdport.Observer interface.
func (o *Observer) FaultCounted(_ uint8, t pdport.FaultType, _ uint8) {
	o.Counted = append(o.Counted, t)
}

// FaultEscalated implements pdport.Observer interface.
func (o *Observer) FaultEscalated(_ uint8, t pdport.FaultType) {
	o.Escalated = append(o.Escalated, t)
}

// PortDisabled implements pdport.Observer interface.
func (o *Observer) PortDisabled(uint8) {
	o.Disables++
}

// SwapResolved implements pdport.Observer interface.
func (o *Observer) SwapResolved(_ uint8, s pdport.Swap, _ pdport.Response) {
	o.Swaps = append(o.Swaps, s)
}

// EventDispatched implements pdport.Observer interface.
func (o *Observer) EventDispatched(_ uint8, e pdport.Event, forwarded bool) {
	o.Dispatched = append(o.Dispatched, e)
	if forwarded {
		o.Forwarded = append(o.Forwarded, e)
	}
}
