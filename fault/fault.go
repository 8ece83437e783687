// Package fault counts electrical faults per port and drives their
// recovery: VCONN restore, Hard Reset, Type-C error recovery and, once the
// retry budget of a fault type is spent, disabling the port until the
// faulty partner is physically removed.
package fault

import (
	"errors"
	"log/slog"
	"time"

	"github.com/oxplot/go-pdport"
	"github.com/oxplot/go-pdport/internal/logging"
	"github.com/oxplot/go-pdport/pdmsg"
)

// Limits holds the retry limit of every fault type. pdport.FaultUnlimited
// retries forever.
type Limits [pdport.FaultTypeCount]uint8

// Config holds the retry limits and recovery timings of a port.
type Config struct {
	Limits Limits

	// Poll period while waiting for VBUS to drop after a port disable, and
	// the longer period used once Rd is applied to watch for detach.
	RecoveryPeriod  time.Duration
	RecoveryMaxWait time.Duration

	VConnRecovery    time.Duration // Delay before VCONN is restored
	VConnOCPDebounce time.Duration // VCONN OCP must persist this long
}

// DefaultConfig returns a configuration retrying every fault type twice.
func DefaultConfig() Config {
	c := Config{
		RecoveryPeriod:   100 * time.Millisecond,
		RecoveryMaxWait:  500 * time.Millisecond,
		VConnRecovery:    500 * time.Millisecond,
		VConnOCPDebounce: 2 * time.Millisecond,
	}
	for i := range c.Limits {
		c.Limits[i] = 2
	}
	return c
}

// Handler is the fault aggregator of one port.
type Handler struct {
	port   uint8
	cfg    Config
	hal    pdport.HAL
	engine pdport.ProtocolEngine
	timers pdport.TimerService
	status *pdport.PortStatus
	source pdport.PowerPathController
	sink   pdport.PowerPathController
	post   func(pdport.Event)
	obs    pdport.Observer
	log    *slog.Logger

	counts [pdport.FaultTypeCount]uint8
}

// New returns the fault handler of port.
func New(port uint8, cfg Config, hal pdport.HAL, engine pdport.ProtocolEngine, timers pdport.TimerService, status *pdport.PortStatus) *Handler {
	return &Handler{
		port:   port,
		cfg:    cfg,
		hal:    hal,
		engine: engine,
		timers: timers,
		status: status,
		post:   func(pdport.Event) {},
		obs:    pdport.NopObserver{},
		log:    logging.NewNop(),
	}
}

// SetPowerPaths sets the power path controllers shut down on CC/SBU
// over-voltage and on escalation. Either may be nil if the port lacks
// that role.
func (h *Handler) SetPowerPaths(source, sink pdport.PowerPathController) {
	h.source = source
	h.sink = sink
}

// SetEventPoster sets the function debounced VCONN OCP events are posted
// to.
func (h *Handler) SetEventPoster(post func(pdport.Event)) {
	h.post = post
}

// SetObserver sets the observer notified of counted faults and port
// disables.
func (h *Handler) SetObserver(o pdport.Observer) {
	if o == nil {
		o = pdport.NopObserver{}
	}
	h.obs = o
}

// SetLogger sets the logger. nil disables logging.
func (h *Handler) SetLogger(l *slog.Logger) {
	h.log = logging.OrNop(l).With("port", h.port)
}

func (h *Handler) key(id pdport.TimerID) pdport.TimerKey {
	return pdport.Key(h.port, id)
}

// Count returns the number of faults of type t counted since the last
// disconnect.
func (h *Handler) Count(t pdport.FaultType) uint8 {
	return h.counts[t]
}

// CountExceeded returns true if any fault type has used up its retries.
func (h *Handler) CountExceeded() bool {
	for t, c := range h.counts {
		if c > h.cfg.Limits[t] {
			return true
		}
	}
	return false
}

// ClearCounts resets every fault counter.
func (h *Handler) ClearCounts() {
	h.counts = [pdport.FaultTypeCount]uint8{}
}

// HandleFault counts a fault of type t and either attempts a recovery or,
// once the retry limit is exceeded, escalates.
func (h *Handler) HandleFault(t pdport.FaultType) {
	if t != pdport.FaultVConnOCP {
		h.status.FaultActive = true
	}

	limit := h.cfg.Limits[t]
	if limit != pdport.FaultUnlimited && h.counts[t] <= limit {
		h.counts[t]++
	}
	h.obs.FaultCounted(h.port, t, h.counts[t])

	if t != pdport.FaultVConnOCP && h.status.Fault.Has(pdport.FaultPortDisabling) {
		h.log.Info("fault ignored while port is disabled", "fault", t, "count", h.counts[t])
		return
	}

	if limit == pdport.FaultUnlimited || h.counts[t] <= limit {
		h.log.Info("fault recovery", "fault", t, "count", h.counts[t], "limit", limit)
		h.recover(t)
		return
	}

	h.log.Warn("fault retries exhausted", "fault", t, "count", h.counts[t], "limit", limit)
	h.obs.FaultEscalated(h.port, t)
	if t == pdport.FaultVConnOCP {
		h.vconnChange(false)
		return
	}
	h.ConfigureForFaultyDeviceRemoval()
}

func (h *Handler) recover(t pdport.FaultType) {
	if t == pdport.FaultVConnOCP {
		h.vconnChange(false)
		h.timers.Start(h.key(pdport.TimerVConnRecovery), h.cfg.VConnRecovery, h.onVConnRestore)
		return
	}
	if err := h.engine.SendCommand(pdport.CmdHardReset, nil, false, nil); err != nil {
		h.log.Info("hard reset not possible, using error recovery", "error", err)
		if err := h.engine.SendCommand(pdport.CmdErrorRecovery, nil, false, nil); err != nil {
			h.log.Error("error recovery failed", "error", err)
		}
	}
}

// ConfigureForFaultyDeviceRemoval stops the policy engine and queues a port
// disable, after which the port waits for the partner to be removed. Swap
// and cable discovery timers are stopped so that nothing but the disable
// reaches the engine.
func (h *Handler) ConfigureForFaultyDeviceRemoval() {
	h.timers.Stop(h.key(pdport.TimerInitiateSwap))
	h.timers.Stop(h.key(pdport.TimerCableDiscovery))
	h.timers.Stop(h.key(pdport.TimerVConnRecovery))

	st := h.engine.Status()
	if st.Attached && st.PowerRole == pdmsg.PowerRoleSource && h.source != nil {
		h.source.Disable(nil)
	}
	if !h.status.Fault.Has(pdport.FaultDisableInProgress) {
		h.status.Fault.Add(pdport.FaultSinkActive)
	}
	if err := h.engine.SendCommand(pdport.CmdPEStop, nil, false, nil); err != nil {
		h.log.Error("policy engine stop failed", "error", err)
	}
}

// Task issues a queued port disable. It is called once per control loop
// iteration and retries while the engine is busy.
func (h *Handler) Task() {
	if !h.status.Fault.Has(pdport.FaultSinkActive) {
		return
	}
	err := h.engine.SendCommand(pdport.CmdPortDisable, nil, false, h.onPortDisabled)
	if errors.Is(err, pdport.ErrBusy) {
		return
	}
	h.status.Fault.Clear(pdport.FaultSinkActive)
	h.status.Fault.Add(pdport.FaultDisableInProgress)
	h.obs.PortDisabled(h.port)
	h.log.Warn("port disabled until partner is removed")

	if err != nil {
		// No completion will follow. The policy engine is already stopped,
		// so wait for the detach right away.
		h.log.Error("port disable failed", "error", err)
		h.onPortDisabled(pdport.ResponseCommandFailed, nil)
	}
}

func (h *Handler) onPortDisabled(pdport.Response, *pdmsg.Message) {
	period := h.cfg.RecoveryPeriod
	if !h.hal.VBusPresent(pdport.VSafe0, 0) {
		h.hal.EnableRd()
		period = h.cfg.RecoveryMaxWait
	} else {
		h.status.Fault.Add(pdport.FaultVBusDropWait)
	}
	h.timers.Start(h.key(pdport.TimerFaultRecovery), period, h.onRecovery)
}

func (h *Handler) onRecovery(pdport.TimerKey) {
	period := h.cfg.RecoveryPeriod
	if !h.hal.VBusPresent(pdport.VSafe0, 0) {
		if !h.status.Fault.Has(pdport.FaultVBusDropWait) {
			h.status.Fault.Clear(pdport.FaultDisableInProgress)
			h.status.FaultActive = false
			h.hal.DisableRd()
			if err := h.engine.SendCommand(pdport.CmdDPMStart, nil, false, nil); err != nil {
				h.log.Error("port restart failed", "error", err)
			}
			h.log.Info("port re-enabled after fault")
			return
		}
		h.status.Fault.Clear(pdport.FaultVBusDropWait)
		h.hal.EnableRd()
		period = h.cfg.RecoveryMaxWait
	}
	h.timers.Start(h.key(pdport.TimerFaultRecovery), period, h.onRecovery)
}

// EnableVConn turns VCONN on and arms its over-current protection. It
// returns false if VCONN could not be turned on.
func (h *Handler) EnableVConn() bool {
	if !h.hal.SetVConn(true) {
		return false
	}
	h.hal.ArmVConnOCP(h.onVConnOCP)
	return true
}

// DisableVConn disarms the VCONN over-current protection and turns VCONN
// off.
func (h *Handler) DisableVConn() {
	h.timers.Stop(h.key(pdport.TimerVConnOCPDebounce))
	h.hal.DisarmVConnOCP()
	h.hal.SetVConn(false)
}

func (h *Handler) vconnChange(on bool) {
	if on {
		h.status.Fault.Clear(pdport.FaultVConnActive)
		return
	}
	h.status.Fault.Add(pdport.FaultVConnActive)
	h.DisableVConn()
}

func (h *Handler) onVConnRestore(pdport.TimerKey) {
	st := h.engine.Status()
	if st.Attached && st.VConnSource && !h.status.Fault.Has(pdport.FaultPortDisabling) {
		h.vconnChange(true)
		h.EnableVConn()
	}
}

// onVConnOCP debounces the VCONN over-current comparator. A falling edge
// while the debounce is running cancels it and is consumed.
func (h *Handler) onVConnOCP(level bool) bool {
	k := h.key(pdport.TimerVConnOCPDebounce)
	if level {
		h.timers.Start(k, h.cfg.VConnOCPDebounce, h.onVConnOCPDebounced)
		return false
	}
	if h.timers.IsRunning(k) {
		h.timers.Stop(k)
		return true
	}
	return false
}

func (h *Handler) onVConnOCPDebounced(pdport.TimerKey) {
	h.hal.DisarmVConnOCP()
	h.hal.SetVConn(false)
	h.post(pdport.EventVConnOCP)
}

// HandleEvent applies the fault bookkeeping of event e. It returns true if
// the event was consumed and must not reach the solution.
func (h *Handler) HandleEvent(e pdport.Event, data any) bool {
	switch e {
	case pdport.EventErrorRecovery:
		if h.CountExceeded() {
			return false
		}
		fallthrough
	case pdport.EventDisconnect, pdport.EventPortDisable, pdport.EventHardResetSent:
		if !h.status.Fault.Has(pdport.FaultDisableInProgress) {
			h.status.FaultActive = false
		}
		if e == pdport.EventDisconnect || e == pdport.EventPortDisable {
			h.ClearCounts()
		}

	case pdport.EventContractComplete:
		if info, ok := data.(pdport.ContractInfo); ok && info.Established() {
			h.counts[pdport.FaultCCOVP] = 0
			h.counts[pdport.FaultSBUOVP] = 0
		}

	case pdport.EventCCOVP, pdport.EventSBUOVP:
		return h.handleLineOVP(e)

	case pdport.EventVBusOVP, pdport.EventVBusUVP, pdport.EventVBusOCP, pdport.EventVBusSCP,
		pdport.EventVBusRCP, pdport.EventVConnOCP, pdport.EventOTP:
		t, _ := pdport.FaultFromEvent(e)
		h.HandleFault(t)
	}
	return false
}

// handleLineOVP handles over-voltage on a CC or SBU line. Power is removed
// right away, but the fault is only counted if no port disable is already
// pending.
func (h *Handler) handleLineOVP(e pdport.Event) bool {
	h.DisableVConn()
	if h.engine.Status().PowerRole == pdmsg.PowerRoleSource {
		h.hal.DisableRp()
		h.hal.SetCCOVPPending()
		if h.source != nil {
			h.source.Disable(func() {})
		}
	} else if h.sink != nil {
		h.sink.Disable(nil)
	}

	if h.status.Fault.Has(pdport.FaultPortDisabling) {
		return true
	}
	t, _ := pdport.FaultFromEvent(e)
	h.HandleFault(t)
	return false
}
