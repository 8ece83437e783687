// Package psource sequences VBUS on a source port: ramping to a requested
// voltage, confirming it is stable, stepping down through 5V and discharging
// on the way off. VBUS protections follow every transition.
package psource

import (
	"log/slog"
	"time"

	"github.com/oxplot/go-pdport"
	"github.com/oxplot/go-pdport/internal/logging"
	"github.com/oxplot/go-pdport/irq"
	"github.com/oxplot/go-pdport/pdmsg"
)

// SCPCurrent is the fixed short circuit threshold in milliamps.
const SCPCurrent = 10000

// Type-C current advertised through Rp, indexed by pdport.RpLevel.
var rpCurrent = [...]uint16{
	pdport.RpDefault: 900,
	pdport.Rp1A5:     1500,
	pdport.Rp3A0:     3000,
}

// Config holds the timings, margins and enabled protections of a source.
type Config struct {
	EnableTimeout  time.Duration // Give up ramping after this long
	Monitor        time.Duration // VBUS poll period while ramping
	Hysteresis     time.Duration // VBUS must stay in margin this long
	RegulatorDelay time.Duration // First poll after a regulator change
	DisableTimeout time.Duration // Give up discharging after this long
	DisableMonitor time.Duration // VBUS poll period while discharging
	ExtraDischarge time.Duration // Discharge kept on after vSafe0V

	// Margins in percent applied to the target voltage.
	TurnOnMargin    int8
	DischargeMargin int8
	To5VMargin      int8

	OVP bool
	UVP bool
	OCP bool
	SCP bool
	RCP bool
}

// DefaultConfig returns the configuration used by the reference hardware.
func DefaultConfig() Config {
	return Config{
		EnableTimeout:   250 * time.Millisecond,
		Monitor:         time.Millisecond,
		Hysteresis:      5 * time.Millisecond,
		RegulatorDelay:  50 * time.Millisecond,
		DisableTimeout:  600 * time.Millisecond,
		DisableMonitor:  time.Millisecond,
		ExtraDischarge:  10 * time.Millisecond,
		TurnOnMargin:    -20,
		DischargeMargin: 10,
		To5VMargin:      10,
		OVP:             true,
		UVP:             true,
		OCP:             true,
		SCP:             true,
		RCP:             true,
	}
}

// State is the phase of the sequencer.
type State uint8

// Sequencer phases.
const (
	StateDisabled State = iota
	StateRampingUp
	StateStable
	StateRampingDown
	StateExtraDischarge
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateRampingUp:
		return "ramping_up"
	case StateStable:
		return "stable"
	case StateRampingDown:
		return "ramping_down"
	case StateExtraDischarge:
		return "extra_discharge"
	default:
		return "INVALID"
	}
}

// Source is the power path controller of a source port.
type Source struct {
	port    uint8
	cfg     Config
	hal     pdport.PowerHAL
	engine  pdport.ProtocolEngine
	timers  pdport.TimerService
	status  *pdport.PortStatus
	post    func(pdport.Event)
	battery pdport.BatteryHooks
	log     *slog.Logger

	state State
	ready func()
}

var _ pdport.PowerPathController = (*Source)(nil)

// New returns the source sequencer of port. status is shared with the rest
// of the port controller.
func New(port uint8, cfg Config, hal pdport.PowerHAL, engine pdport.ProtocolEngine, timers pdport.TimerService, status *pdport.PortStatus) *Source {
	return &Source{
		port:   port,
		cfg:    cfg,
		hal:    hal,
		engine: engine,
		timers: timers,
		status: status,
		post:   func(pdport.Event) {},
		log:    logging.NewNop(),
	}
}

// SetEventPoster sets the function fault events are posted to. Edge
// handlers call it, so it must only queue the event.
func (s *Source) SetEventPoster(post func(pdport.Event)) {
	s.post = post
}

// SetBatteryHooks sets the hooks called when the source FET changes state.
func (s *Source) SetBatteryHooks(b pdport.BatteryHooks) {
	s.battery = b
}

// SetLogger sets the logger. nil disables logging.
func (s *Source) SetLogger(l *slog.Logger) {
	s.log = logging.OrNop(l).With("port", s.port, "path", "source")
}

// State returns the current phase.
func (s *Source) State() State {
	return s.state
}

// ReadyPending returns true if a ready callback is waiting for a
// transition to finish.
func (s *Source) ReadyPending() bool {
	return s.ready != nil
}

func (s *Source) key(id pdport.TimerID) pdport.TimerKey {
	return pdport.Key(s.port, id)
}

func (s *Source) setState(st State) {
	if s.state != st {
		s.log.Debug("source state", "from", s.state, "to", st)
		s.state = st
	}
}

// setReady stores r as the pending ready callback. A callback already
// pending is delivered first.
func (s *Source) setReady(r func()) {
	if prev := s.ready; prev != nil {
		s.ready = nil
		prev()
	}
	s.ready = r
}

func (s *Source) invokeReady() {
	if r := s.ready; r != nil {
		s.ready = nil
		r()
	}
}

func (s *Source) arm(p pdport.Protection, threshold uint16) {
	var fn pdport.EdgeFunc
	switch p {
	case pdport.ProtectOVP:
		if !s.cfg.OVP {
			return
		}
		fn = s.onVoltageEdge
	case pdport.ProtectUVP:
		if !s.cfg.UVP {
			return
		}
		fn = s.onVoltageEdge
	case pdport.ProtectOCP:
		if !s.cfg.OCP {
			return
		}
		fn = s.currentEdge(pdport.EventVBusOCP)
	case pdport.ProtectSCP:
		if !s.cfg.SCP {
			return
		}
		fn = s.currentEdge(pdport.EventVBusSCP)
	case pdport.ProtectRCP:
		if !s.cfg.RCP {
			return
		}
		fn = s.onReverseCurrent
	}
	s.hal.ArmProtection(p, threshold, fn)
}

func (s *Source) enabled(p pdport.Protection) bool {
	switch p {
	case pdport.ProtectOVP:
		return s.cfg.OVP
	case pdport.ProtectUVP:
		return s.cfg.UVP
	case pdport.ProtectOCP:
		return s.cfg.OCP
	case pdport.ProtectSCP:
		return s.cfg.SCP
	case pdport.ProtectRCP:
		return s.cfg.RCP
	}
	return false
}

func (s *Source) disarm(p pdport.Protection) {
	if s.enabled(p) {
		s.hal.DisarmProtection(p)
	}
}

// selectVoltage applies the target voltage to the regulator, never below
// 5V and never above VBusMax.
func (s *Source) selectVoltage() {
	v := s.status.SourceVoltage
	if v < pdport.VSafe5 {
		v = pdport.VSafe5
	}
	if v > pdport.VBusMax {
		v = pdport.VBusMax
	}
	s.hal.SetVoltage(v)
}

// setVoltage moves the protections the transition to mV would cross, then
// changes the regulator.
func (s *Source) setVoltage(mV uint16) {
	if mV > pdport.VBusMax {
		mV = pdport.VBusMax
	}
	s.status.SourceVoltage = mV
	old := s.status.SourceVoltageOld

	s.disarm(pdport.ProtectOCP)
	switch {
	case mV == 0:
	case mV >= old:
		s.arm(pdport.ProtectOVP, mV)
		s.arm(pdport.ProtectRCP, mV)
	case s.engine.Status().Attached && s.status.VBusOn:
		s.arm(pdport.ProtectUVP, mV)
	}
	s.selectVoltage()
}

func (s *Source) fetOn() {
	if !s.status.VBusOn && s.battery != nil {
		s.battery.BatterySourceEnable(s.port)
	}
	s.hal.SetSourceFET(true)
	s.status.VBusOn = true
}

// shutdown turns the FET off and disarms every protection. The discharge
// path is left as is unless dischargeOff is set.
func (s *Source) shutdown(dischargeOff bool) {
	irq.Critical(func() {
		wasOn := s.status.VBusOn
		s.hal.SetSourceFET(false)
		s.status.VBusOn = false
		if dischargeOff {
			s.hal.SetDischarge(false)
		}
		for _, p := range pdport.Protections {
			s.disarm(p)
		}
		if wasOn && s.battery != nil {
			s.battery.BatterySourceDisable(s.port)
		}
	})
}

func (s *Source) stopAll() {
	s.timers.StopRange(s.key(pdport.TimerSourceEnable), s.key(pdport.TimerSourceExtraDischarge))
}

// Enable implements pdport.PowerPathController interface. It is a no-op
// while the DPM is disabled or a fault recovery is in progress. Without a
// ready callback the FET is turned on and VBUS is not monitored.
func (s *Source) Enable(mV uint16, ready func()) {
	if !s.engine.Status().DPMEnabled || s.status.FaultActive {
		s.log.Debug("source enable rejected", "mv", mV, "fault_active", s.status.FaultActive)
		return
	}
	s.setVoltage(mV)

	irq.Critical(func() {
		s.stopAll()
		s.SetCurrentLimit()
		s.hal.SetDischarge(false)
		s.fetOn()
	})

	if ready == nil {
		s.setState(StateStable)
		return
	}

	s.status.SourceRising = true
	if s.status.SourceVoltageOld > s.status.SourceVoltage {
		s.status.SourceRising = false
		s.hal.SetDischarge(true)
	}
	s.setReady(ready)
	s.timers.Start(s.key(pdport.TimerSourceEnable), s.cfg.EnableTimeout, s.onEnableTimeout)
	s.timers.Start(s.key(pdport.TimerSourceMonitor), s.cfg.RegulatorDelay, s.onMonitor)
	if s.status.SourceRising {
		s.setState(StateRampingUp)
	} else {
		s.setState(StateRampingDown)
	}
}

// inMargin reports whether VBUS is close enough to the target to end the
// current transition.
func (s *Source) inMargin() bool {
	v := s.status.SourceVoltage
	if s.status.SourceRising {
		return s.hal.VBusPresent(v, s.cfg.TurnOnMargin)
	}
	return !s.hal.VBusPresent(v, s.cfg.DischargeMargin)
}

func (s *Source) onMonitor(pdport.TimerKey) {
	if s.inMargin() {
		s.timers.Start(s.key(pdport.TimerSourceHysteresis), s.cfg.Hysteresis, s.onHysteresis)
		return
	}
	s.timers.Start(s.key(pdport.TimerSourceMonitor), s.cfg.Monitor, s.onMonitor)
}

func (s *Source) onHysteresis(pdport.TimerKey) {
	if !s.inMargin() {
		s.timers.Start(s.key(pdport.TimerSourceMonitor), s.cfg.Monitor, s.onMonitor)
		return
	}
	v := s.status.SourceVoltage
	s.timers.Stop(s.key(pdport.TimerSourceEnable))
	s.status.SourceVoltageOld = v
	s.hal.SetDischarge(false)

	// The protections the transition crossed are tightened now that the
	// level is known.
	if s.status.SourceRising {
		s.arm(pdport.ProtectUVP, v)
	} else {
		s.arm(pdport.ProtectOVP, v)
		s.arm(pdport.ProtectRCP, v)
	}
	s.setState(StateStable)
	s.log.Debug("vbus stable", "mv", v)
	s.invokeReady()
}

func (s *Source) onEnableTimeout(pdport.TimerKey) {
	s.timers.StopRange(s.key(pdport.TimerSourceMonitor), s.key(pdport.TimerSourceHysteresis))
	s.log.Warn("vbus did not reach target", "mv", s.status.SourceVoltage, "measured", s.hal.MeasureVBus())
	s.status.SourceVoltageOld = 0
	s.ready = nil
	s.shutdown(true)
	s.setState(StateDisabled)

	// No UVP edge can come from hardware that was never armed at this
	// level, so one is raised here.
	if s.cfg.UVP {
		s.onVoltageEdge(false)
	}
}

// Disable implements pdport.PowerPathController interface. VBUS above 5V
// is first stepped down to 5V before the FET is turned off.
func (s *Source) Disable(ready func()) {
	s.stopAll()
	s.disarm(pdport.ProtectUVP)

	if s.status.SourceVoltageOld <= pdport.VSafe5 {
		s.shutdown(false)
	} else {
		s.setVoltage(pdport.VSafe5)
	}
	s.status.SourceVoltageOld = 0

	if ready == nil || !s.engine.Status().DPMEnabled {
		s.shutdown(true)
		s.setState(StateDisabled)
		s.setReady(nil)
		if ready != nil {
			ready()
		}
		return
	}

	s.hal.SetDischarge(true)
	s.setReady(ready)
	s.timers.Start(s.key(pdport.TimerSourceDisable), s.cfg.DisableTimeout, s.onDisableTimeout)
	s.timers.Start(s.key(pdport.TimerSourceDisableMonitor), s.cfg.DisableMonitor, s.onDisableMonitor)
	s.setState(StateRampingDown)
}

func (s *Source) onDisableMonitor(pdport.TimerKey) {
	if !s.hal.VBusPresent(pdport.VSafe5, s.cfg.To5VMargin) {
		s.shutdown(false)
	}
	if !s.hal.VBusPresent(pdport.VSafe0, 0) {
		s.timers.Start(s.key(pdport.TimerSourceExtraDischarge), s.cfg.ExtraDischarge, s.onExtraDischarge)
		s.setState(StateExtraDischarge)
		return
	}
	s.timers.Start(s.key(pdport.TimerSourceDisableMonitor), s.cfg.DisableMonitor, s.onDisableMonitor)
}

func (s *Source) onExtraDischarge(pdport.TimerKey) {
	s.timers.Stop(s.key(pdport.TimerSourceDisable))
	s.hal.SetDischarge(false)
	s.setState(StateDisabled)
	s.invokeReady()
}

func (s *Source) onDisableTimeout(pdport.TimerKey) {
	s.timers.Stop(s.key(pdport.TimerSourceDisableMonitor))
	s.log.Warn("vbus discharge timed out", "measured", s.hal.MeasureVBus())
	s.shutdown(true)
	s.setState(StateDisabled)
	s.invokeReady()
}

// SetCurrentLimit implements pdport.PowerPathController interface. OCP
// follows the contract current, or the Rp advertisement without a
// contract.
func (s *Source) SetCurrentLimit() {
	st := s.engine.Status()
	cur := rpCurrent[pdport.RpDefault]
	if st.ContractExists {
		cur = st.ContractCurrent
	} else if int(st.RpLevel) < len(rpCurrent) {
		cur = rpCurrent[st.RpLevel]
	}
	s.arm(pdport.ProtectOCP, cur)
	s.arm(pdport.ProtectSCP, SCPCurrent)
}

func (s *Source) currentEdge(e pdport.Event) pdport.EdgeFunc {
	return func(bool) bool {
		s.timers.StopRange(s.key(pdport.TimerSourceEnable), s.key(pdport.TimerSourceHysteresis))
		s.invokeReady()
		s.shutdown(true)
		s.setState(StateDisabled)
		s.status.Alert = pdmsg.AlertOCP
		s.post(e)
		return true
	}
}

func (s *Source) onReverseCurrent(bool) bool {
	s.shutdown(true)
	s.setState(StateDisabled)
	s.status.Alert = pdmsg.AlertOVP
	s.post(pdport.EventVBusRCP)
	return true
}

// onVoltageEdge handles both OVP (level high) and UVP (level low).
func (s *Source) onVoltageEdge(level bool) bool {
	s.status.SourceVoltage = 0
	s.selectVoltage()
	s.shutdown(true)
	s.setState(StateDisabled)

	if level {
		s.status.Alert = pdmsg.AlertOVP
		s.post(pdport.EventVBusOVP)
		s.Disable(func() {})
		return true
	}

	// Under-voltage has no alert type of its own and is reported to the
	// partner as over-current.
	s.status.Alert = pdmsg.AlertOCP
	s.post(pdport.EventVBusUVP)
	return true
}
