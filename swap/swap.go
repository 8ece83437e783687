// Package swap arbitrates VCONN, data role and power role swaps of a port
// towards its configured role preferences.
package swap

import (
	"log/slog"
	"time"

	"github.com/oxplot/go-pdport"
	"github.com/oxplot/go-pdport/internal/logging"
	"github.com/oxplot/go-pdport/pdmsg"
)

// Config holds the swap scheduling parameters.
type Config struct {
	// DRDelay is the delay before a data role or VCONN swap attempt and
	// before any retry after a failure. PRDelay is the delay before a power
	// role swap attempt.
	DRDelay time.Duration
	PRDelay time.Duration

	// MaxAttempts bounds the attempts of one swap answered with Wait.
	MaxAttempts uint8
}

// DefaultConfig returns the default swap configuration.
func DefaultConfig() Config {
	return Config{
		DRDelay:     10 * time.Millisecond,
		PRDelay:     50 * time.Millisecond,
		MaxAttempts: 10,
	}
}

// Orchestrator is the swap state machine of one port. At most one swap is
// active at a time; the pending set is in PortStatus.
type Orchestrator struct {
	port   uint8
	cfg    Config
	caps   pdport.Capabilities
	engine pdport.ProtocolEngine
	timers pdport.TimerService
	status *pdport.PortStatus
	obs    pdport.Observer
	log    *slog.Logger
}

// New returns the swap orchestrator of port.
func New(port uint8, cfg Config, caps pdport.Capabilities, engine pdport.ProtocolEngine, timers pdport.TimerService, status *pdport.PortStatus) *Orchestrator {
	return &Orchestrator{
		port:   port,
		cfg:    cfg,
		caps:   caps,
		engine: engine,
		timers: timers,
		status: status,
		obs:    pdport.NopObserver{},
		log:    logging.NewNop(),
	}
}

// SetObserver sets the observer notified of resolved swaps.
func (o *Orchestrator) SetObserver(obs pdport.Observer) {
	if obs == nil {
		obs = pdport.NopObserver{}
	}
	o.obs = obs
}

// SetLogger sets the logger. nil disables logging.
func (o *Orchestrator) SetLogger(l *slog.Logger) {
	o.log = logging.OrNop(l).With("port", o.port)
}

func (o *Orchestrator) key() pdport.TimerKey {
	return pdport.Key(o.port, pdport.TimerInitiateSwap)
}

func (o *Orchestrator) schedule(d time.Duration) {
	o.timers.Start(o.key(), d, o.initiate)
}

// ConnectChange resets the orchestrator on connect, disconnect, hard reset
// and error recovery. Every applicable swap is assumed pending until the
// next contract tells otherwise.
func (o *Orchestrator) ConnectChange() {
	if !o.caps.RoleSwaps {
		return
	}
	o.timers.Stop(o.key())
	o.status.PendingSwaps = pdport.SwapDR
	if o.caps.PowerRoleSwaps {
		o.status.PendingSwaps |= pdport.SwapPR
	}
	o.status.ActiveSwap = 0
	o.status.SwapRetryCount = 0
}

// ContractComplete recomputes the pending swaps after a contract and
// schedules the first attempt.
func (o *Orchestrator) ContractComplete() {
	if !o.caps.RoleSwaps {
		return
	}
	st := o.engine.Status()
	delay := o.cfg.PRDelay

	if o.caps.PowerRoleSwaps {
		if o.caps.PreferredPowerRole.MatchesPower(st.PowerRole) {
			o.status.PendingSwaps &^= pdport.SwapPR
		} else if o.caps.PreferredPowerRole == pdport.PreferSource && !st.VConnSource {
			// VCONN must be owned before becoming source.
			o.status.PendingSwaps |= pdport.SwapVConn
		}
	}

	if o.caps.PreferredDataRole.MatchesData(st.DataRole) {
		o.status.PendingSwaps &^= pdport.SwapDR
	} else {
		delay = o.cfg.DRDelay
	}

	o.log.Debug("swaps pending", "swap", o.status.PendingSwaps)
	o.schedule(delay)
}

// relevant returns true if swap s still moves the port towards its
// preferences.
func (o *Orchestrator) relevant(s pdport.Swap, st pdport.DPMStatus) bool {
	switch s {
	case pdport.SwapVConn:
		return !st.VConnSource
	case pdport.SwapDR:
		return !o.caps.PreferredDataRole.MatchesData(st.DataRole)
	case pdport.SwapPR:
		return !o.caps.PreferredPowerRole.MatchesPower(st.PowerRole)
	}
	return false
}

func (o *Orchestrator) initiate(pdport.TimerKey) {
	o.timers.Stop(o.key())
	if o.status.Fault.Has(pdport.FaultPortDisabling) {
		return
	}
	st := o.engine.Status()
	if !st.ContractExists {
		return
	}

	active := o.status.ActiveSwap
	if active == 0 {
		pending := o.status.PendingSwaps
		switch {
		case pending&pdport.SwapVConn != 0:
			active = pdport.SwapVConn
			o.status.SwapDelay = o.cfg.DRDelay
		case pending&pdport.SwapDR != 0:
			active = pdport.SwapDR
			o.status.SwapDelay = o.cfg.DRDelay
		case pending&pdport.SwapPR != 0:
			active = pdport.SwapPR
			o.status.SwapDelay = o.cfg.PRDelay
		default:
			return
		}
		o.status.SwapRetryCount = 0
	}

	if !o.relevant(active, st) {
		o.status.PendingSwaps &^= active
		o.status.ActiveSwap = 0
		if o.status.PendingSwaps != 0 {
			o.schedule(o.cfg.DRDelay)
		}
		return
	}

	o.status.ActiveSwap = active
	o.log.Debug("initiating swap", "swap", active, "attempt", o.status.SwapRetryCount+1)
	if err := o.engine.SendCommand(active.Command(), nil, false, o.response); err != nil {
		o.log.Debug("swap not sent", "swap", active, "error", err)
		o.schedule(o.cfg.DRDelay)
	}
}

func (o *Orchestrator) response(r pdport.Response, m *pdmsg.Message) {
	active := o.status.ActiveSwap

	switch r {
	case pdport.ResponseReceived:
		if m != nil && !m.IsData() && m.Type() == pdmsg.TypeWait {
			o.status.SwapRetryCount++
			if o.status.SwapRetryCount < o.cfg.MaxAttempts {
				o.schedule(o.status.SwapDelay)
				return
			}
			o.log.Info("swap abandoned after wait", "swap", active, "count", o.status.SwapRetryCount)
		}
		o.obs.SwapResolved(o.port, active, r)
		o.next(active)

	case pdport.ResponseCommandFailed, pdport.ResponseAborted, pdport.ResponseTimeout:
		o.obs.SwapResolved(o.port, active, r)
		o.status.ActiveSwap = 0
		o.schedule(o.status.SwapDelay)
	}
}

// next retires swap s and moves on to the next pending swap. Without power
// role swaps there is nothing to move on to and every swap is dropped.
func (o *Orchestrator) next(s pdport.Swap) {
	o.status.ActiveSwap = 0
	o.status.SwapRetryCount = 0
	if !o.caps.PowerRoleSwaps {
		o.status.PendingSwaps = 0
		return
	}
	o.status.PendingSwaps &^= s
	o.schedule(o.cfg.DRDelay)
}

// SwapComplete handles the end of a data role or power role swap reported
// by the protocol engine, including swaps requested by the partner.
func (o *Orchestrator) SwapComplete(s pdport.Swap, rs pdport.RequestStatus) {
	if !o.caps.RoleSwaps {
		return
	}
	if s == pdport.SwapDR && rs != pdport.RequestAccept {
		return
	}
	o.status.PendingSwaps &^= s
	if o.status.ActiveSwap == s {
		o.timers.Stop(o.key())
		o.ContractComplete()
	}
}
