package app

import (
	"time"

	"github.com/oxplot/go-pdport"
	"github.com/oxplot/go-pdport/pdmsg"
)

// state is a lifecycle state of a port.
type state struct {
	Name string

	// On maps an event to the next state. Events not listed keep the port in
	// the state.
	On map[pdport.Event]*state
}

var (
	stateUnattached *state
	stateAttached   *state
	stateContract   *state
	stateRecovering *state
	stateDisabled   *state
)

func init() {

	// States reference each other so they are wired here rather than in the
	// variable declarations.

	stateUnattached = &state{Name: "unattached"}
	stateAttached = &state{Name: "attached"}
	stateContract = &state{Name: "contract"}
	stateRecovering = &state{Name: "recovering"}
	stateDisabled = &state{Name: "disabled"}

	stateUnattached.On = map[pdport.Event]*state{
		pdport.EventTypeCAttach: stateAttached,
		pdport.EventConnect:     stateAttached,
		pdport.EventPortDisable: stateDisabled,
	}

	stateAttached.On = map[pdport.Event]*state{
		pdport.EventContractComplete:  stateContract,
		pdport.EventHardResetSent:     stateRecovering,
		pdport.EventHardResetReceived: stateRecovering,
		pdport.EventErrorRecovery:     stateRecovering,
		pdport.EventDisconnect:        stateUnattached,
		pdport.EventPortDisable:       stateDisabled,
	}

	stateContract.On = map[pdport.Event]*state{
		pdport.EventHardResetSent:     stateRecovering,
		pdport.EventHardResetReceived: stateRecovering,
		pdport.EventErrorRecovery:     stateRecovering,
		pdport.EventPEDisabled:        stateAttached,
		pdport.EventDisconnect:        stateUnattached,
		pdport.EventPortDisable:       stateDisabled,
	}

	stateRecovering.On = map[pdport.Event]*state{
		pdport.EventHardResetComplete: stateAttached,
		pdport.EventContractComplete:  stateContract,
		pdport.EventConnect:           stateAttached,
		pdport.EventDisconnect:        stateUnattached,
		pdport.EventPortDisable:       stateDisabled,
	}

	stateDisabled.On = map[pdport.Event]*state{
		pdport.EventTypeCStarted: stateUnattached,
		pdport.EventTypeCAttach:  stateAttached,
		pdport.EventDisconnect:   stateUnattached,
	}

	actions = map[pdport.Event]action{
		pdport.EventTypeCAttach:           (*Port).onAttach,
		pdport.EventConnect:               (*Port).onConnect,
		pdport.EventHardResetComplete:     (*Port).onReset,
		pdport.EventHardResetSent:         (*Port).onReset,
		pdport.EventHardResetReceived:     (*Port).onReset,
		pdport.EventPEDisabled:            (*Port).onReset,
		pdport.EventPortDisable:           (*Port).onReset,
		pdport.EventDisconnect:            (*Port).onReset,
		pdport.EventErrorRecovery:         (*Port).onReset,
		pdport.EventEmcaDetected:          (*Port).onEmca,
		pdport.EventEmcaNotDetected:       (*Port).onEmca,
		pdport.EventContractComplete:      (*Port).onContract,
		pdport.EventDRSwapComplete:        (*Port).onSwapComplete,
		pdport.EventPRSwapComplete:        (*Port).onSwapComplete,
		pdport.EventVendorResponseTimeout: (*Port).onVendorTimeout,
		pdport.EventExtendedMessage:       (*Port).onExtended,
		pdport.EventDataResetAccepted:     (*Port).onDataReset,
	}
}

// verdict is the forwarding decision of an event action.
type verdict uint8

const (
	forward verdict = iota
	suppress
)

// action updates the port bookkeeping for an event.
type action func(p *Port, e pdport.Event, data any) verdict

var actions map[pdport.Event]action

// onAttach clears the fault counters if the plug was flipped since the
// previous connection.
func (p *Port) onAttach(pdport.Event, any) verdict {
	pol := p.engine.Status().Polarity
	if pol != p.status.PrevPolarity {
		p.fault.ClearCounts()
	}
	p.status.PrevPolarity = pol
	return forward
}

func (p *Port) onConnect(pdport.Event, any) verdict {
	p.resetCableDiscovery()
	st := p.engine.Status()

	if st.AttachedDevice == pdport.DeviceDebugAccessory {
		if st.PowerRole == pdmsg.PowerRoleSource && p.source != nil {
			d := st.MuxEnableDelay
			if d <= 0 {
				d = time.Millisecond
			}
			p.timers.Start(p.key(pdport.TimerDebugAccessory), d, p.onDebugAccessoryDelay)
		}
		p.status.DebugAccessory = true
	}

	if st.VConnSource && !p.EnableVConn() {
		p.log.Warn("vconn could not be enabled")
	}

	p.swap.ConnectChange()
	return forward
}

// onReset handles every event that ends or restarts the PD connection.
func (p *Port) onReset(e pdport.Event, _ any) verdict {
	p.resetCableDiscovery()

	if e == pdport.EventDisconnect {
		p.timers.Stop(p.key(pdport.TimerDebugAccessory))
		wasDebug := p.status.DebugAccessory
		p.status.DebugAccessory = false
		if wasDebug && p.engine.Status().PowerRole == pdmsg.PowerRoleSource && p.source != nil {
			// The ready callback makes the source discharge VBUS.
			p.source.Disable(func() {})
		}
	}

	if e == pdport.EventDisconnect || e == pdport.EventPortDisable {
		p.hal.Cleanup()
		p.status.Fault.Clear(pdport.FaultVConnActive)
		p.status.Alert = 0
	}

	switch e {
	case pdport.EventHardResetComplete, pdport.EventErrorRecovery, pdport.EventDisconnect:
		p.swap.ConnectChange()
	}
	return forward
}

func (p *Port) onEmca(pdport.Event, any) verdict {
	p.timers.Stop(p.key(pdport.TimerCableDiscovery))
	p.status.CableDiscoveryDone = true
	p.status.CableDiscoveryPending = false
	return forward
}

func (p *Port) onContract(_ pdport.Event, data any) verdict {
	st := p.engine.Status()
	if st.SpecRevision >= pdmsg.Revision30 {
		p.status.VDMVersion = pdport.VDMVersion21
	} else {
		p.status.VDMVersion = pdport.VDMVersion10
	}

	if info, ok := data.(pdport.ContractInfo); !ok || !info.Established() {
		return forward
	}

	if st.PowerRole == pdmsg.PowerRoleSource && p.source != nil {
		p.source.SetCurrentLimit()
	}
	p.swap.ContractComplete()

	if p.cfg.Caps.CableDiscovery && st.VConnSource &&
		!p.status.CableDiscoveryDone && !p.status.CableDiscoveryPending {
		p.startCableDiscovery(p.key(pdport.TimerCableDiscovery))
	}
	return forward
}

func (p *Port) onSwapComplete(e pdport.Event, data any) verdict {
	rs, ok := data.(pdport.RequestStatus)
	if !ok {
		return forward
	}
	s := pdport.SwapDR
	if e == pdport.EventPRSwapComplete {
		s = pdport.SwapPR
	}
	p.swap.SwapComplete(s, rs)
	return forward
}

// onVendorTimeout hides the timeout from the solution if the VDM is going
// to be retried.
func (p *Port) onVendorTimeout(pdport.Event, any) verdict {
	if p.status.VDMRetryPending {
		return suppress
	}
	return forward
}

// onExtended requests the remaining chunks of a chunked extended message
// and only forwards the message once it is complete.
func (p *Port) onExtended(_ pdport.Event, data any) verdict {
	m, ok := data.(*pdmsg.ExtendedMessage)
	if !ok || m == nil || !p.cfg.Caps.PDRev3 {
		return forward
	}

	disabling := p.status.Fault.Has(pdport.FaultPortDisabling)
	if m.ExtendedHeader.Incomplete() {
		if disabling {
			return suppress
		}
		var h pdmsg.ExtendedHeader
		h.SetChunked(true)
		h.SetRequestChunk(true)
		h.SetChunkNumber(m.ExtendedHeader.ChunkNumber() + 1)
		args := &pdport.CommandArgs{ExtendedType: m.Type(), ExtendedHeader: h}

		p.status.ExtendedInFlight = true
		if err := p.engine.SendCommand(pdport.CmdExtended, args, true, p.onChunkResponse); err != nil {
			p.log.Info("chunk request not sent", "error", err)
			p.status.ExtendedInFlight = false
		}
		return suppress
	}

	p.status.ExtendedInFlight = false
	switch {
	case disabling:
	case m.Type() == pdmsg.ExtendedSecurityResponse, m.Type() == pdmsg.ExtendedFWUpdateResponse:
		// Responses get no reply. The solution may use them for
		// authentication.
	default:
		if err := p.engine.SendCommand(pdport.CmdNotSupported, nil, true, nil); err != nil {
			p.log.Info("not supported reply not sent", "error", err)
		}
	}
	return forward
}

func (p *Port) onDataReset(pdport.Event, any) verdict {
	p.status.CableDiscoveryDone = false
	return forward
}
