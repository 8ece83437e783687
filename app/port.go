// Package app is the application layer of a USB-PD port: it receives every
// event of the protocol engine and the power path, keeps the per-port
// bookkeeping, drives the fault handler and the swap orchestrator, and
// decides once per event whether the solution gets to see it.
package app

import (
	"log/slog"
	"sync"
	"time"

	"github.com/oxplot/go-pdport"
	"github.com/oxplot/go-pdport/fault"
	"github.com/oxplot/go-pdport/internal/logging"
	"github.com/oxplot/go-pdport/pdmsg"
	"github.com/oxplot/go-pdport/psink"
	"github.com/oxplot/go-pdport/psource"
	"github.com/oxplot/go-pdport/swap"
)

// Config is the configuration of one port.
type Config struct {
	Caps   pdport.Capabilities
	Source psource.Config
	Sink   psink.Config
	Fault  fault.Config
	Swap   swap.Config

	// CableDiscoveryRetry is the delay before cable discovery is retried
	// after the engine could not start it.
	CableDiscoveryRetry time.Duration
}

// DefaultConfig returns the configuration of a dual role port with no role
// preference.
func DefaultConfig() Config {
	return Config{
		Caps: pdport.Capabilities{
			Source:         true,
			Sink:           true,
			CableDiscovery: true,
			VConnOCP:       true,
			PDRev3:         true,
		},
		Source:              psource.DefaultConfig(),
		Sink:                psink.DefaultConfig(),
		Fault:               fault.DefaultConfig(),
		Swap:                swap.DefaultConfig(),
		CableDiscoveryRetry: 100 * time.Millisecond,
	}
}

// Port is the application layer of one USB-C port. All of its methods
// except Post must be called from the control loop.
type Port struct {
	index    uint8
	cfg      Config
	hal      pdport.HAL
	engine   pdport.ProtocolEngine
	timers   pdport.TimerService
	solution pdport.Solution
	obs      pdport.Observer
	log      *slog.Logger

	status pdport.PortStatus
	state  *state

	source *psource.Source
	sink   *psink.Sink
	fault  *fault.Handler
	swap   *swap.Orchestrator

	mu     sync.Mutex
	posted []pdport.Event
}

// NewPort creates port index. sol may be nil in which case forwarded events
// are dropped.
func NewPort(index uint8, cfg Config, hal pdport.HAL, engine pdport.ProtocolEngine, timers pdport.TimerService, sol pdport.Solution) *Port {
	p := &Port{
		index:    index,
		cfg:      cfg,
		hal:      hal,
		engine:   engine,
		timers:   timers,
		solution: sol,
		obs:      pdport.NopObserver{},
		log:      logging.NewNop(),
		state:    stateUnattached,
	}

	var src, snk pdport.PowerPathController
	if cfg.Caps.Source {
		p.source = psource.New(index, cfg.Source, hal, engine, timers, &p.status)
		p.source.SetEventPoster(p.Post)
		src = p.source
	}
	if cfg.Caps.Sink {
		p.sink = psink.New(index, cfg.Sink, hal, engine, timers, &p.status)
		snk = p.sink
	}
	p.fault = fault.New(index, cfg.Fault, hal, engine, timers, &p.status)
	p.fault.SetPowerPaths(src, snk)
	p.fault.SetEventPoster(p.Post)
	p.swap = swap.New(index, cfg.Swap, cfg.Caps, engine, timers, &p.status)
	return p
}

// SetObserver sets the observer of the port and its fault handler and swap
// orchestrator.
func (p *Port) SetObserver(o pdport.Observer) {
	if o == nil {
		o = pdport.NopObserver{}
	}
	p.obs = o
	p.fault.SetObserver(o)
	p.swap.SetObserver(o)
}

// SetLogger sets the logger of the port and all its components. nil
// disables logging.
func (p *Port) SetLogger(l *slog.Logger) {
	p.log = logging.OrNop(l).With("port", p.index)
	if p.source != nil {
		p.source.SetLogger(l)
	}
	if p.sink != nil {
		p.sink.SetLogger(l)
	}
	p.fault.SetLogger(l)
	p.swap.SetLogger(l)
}

// SetBatteryHooks sets the hooks following the source FET. nil removes
// them.
func (p *Port) SetBatteryHooks(b pdport.BatteryHooks) {
	if p.source != nil {
		p.source.SetBatteryHooks(b)
	}
}

// Index returns the port number.
func (p *Port) Index() uint8 {
	return p.index
}

// Status returns a copy of the port bookkeeping.
func (p *Port) Status() pdport.PortStatus {
	return p.status
}

// SetVDMRetryPending tells the port whether the VDM handler will retry the
// outstanding vendor message. While set, vendor response timeouts are not
// forwarded to the solution.
func (p *Port) SetVDMRetryPending(pending bool) {
	p.status.VDMRetryPending = pending
}

// State returns the name of the lifecycle state of the port.
func (p *Port) State() string {
	return p.state.Name
}

// Source returns the source power path, or nil if the port cannot source.
func (p *Port) Source() pdport.PowerPathController {
	if p.source == nil {
		return nil
	}
	return p.source
}

// Sink returns the sink power path, or nil if the port cannot sink.
func (p *Port) Sink() pdport.PowerPathController {
	if p.sink == nil {
		return nil
	}
	return p.sink
}

// Faults returns the fault handler of the port.
func (p *Port) Faults() *fault.Handler {
	return p.fault
}

// EnableVConn turns VCONN on with its over-current protection armed when
// the port supports it. It returns false if VCONN could not be turned on.
func (p *Port) EnableVConn() bool {
	if !p.cfg.Caps.VConnOCP {
		return p.hal.SetVConn(true)
	}
	return p.fault.EnableVConn()
}

// DisableVConn turns VCONN off.
func (p *Port) DisableVConn() {
	p.fault.DisableVConn()
}

// Post queues an event to be dispatched on the next Task. VBUS faults are
// dispatched with the alert set by the source sequencer. It is safe to call
// from hardware edge callbacks and other goroutines.
func (p *Port) Post(e pdport.Event) {
	p.mu.Lock()
	p.posted = append(p.posted, e)
	p.mu.Unlock()
}

// Task dispatches the posted events and issues any queued port disable. It
// never blocks.
func (p *Port) Task() {
	p.mu.Lock()
	posted := p.posted
	p.posted = nil
	p.mu.Unlock()

	for _, e := range posted {
		var data any
		if isSourceFault(e) && p.status.Alert != 0 {
			data = p.status.Alert
		}
		p.Dispatch(e, data)
	}
	p.fault.Task()
}

func isSourceFault(e pdport.Event) bool {
	switch e {
	case pdport.EventVBusOVP, pdport.EventVBusUVP, pdport.EventVBusOCP, pdport.EventVBusSCP, pdport.EventVBusRCP:
		return true
	}
	return false
}

// Dispatch is the single entry point of protocol engine and power path
// events. It updates the port bookkeeping, lets the fault handler claim the
// event and forwards it to the solution unless one of them suppressed it.
func (p *Port) Dispatch(e pdport.Event, data any) {
	v := forward
	if a := actions[e]; a != nil {
		v = a(p, e, data)
	}
	if p.fault.HandleEvent(e, data) {
		v = suppress
	}
	p.transition(e, data)

	fwd := v == forward
	p.log.Debug("event dispatched", "event", e, "state", p.state.Name, "forwarded", fwd)
	p.obs.EventDispatched(p.index, e, fwd)
	if fwd && p.solution != nil {
		p.solution.HandleEvent(p.index, e, data)
	}
}

func (p *Port) transition(e pdport.Event, data any) {
	next := p.state.On[e]
	if next == nil || next == p.state {
		return
	}
	if e == pdport.EventContractComplete {
		if info, ok := data.(pdport.ContractInfo); !ok || !info.Established() {
			return
		}
	}
	p.log.Debug("port state", "from", p.state.Name, "to", next.Name)
	p.state = next
}

func (p *Port) key(id pdport.TimerID) pdport.TimerKey {
	return pdport.Key(p.index, id)
}

func (p *Port) resetCableDiscovery() {
	p.timers.Stop(p.key(pdport.TimerCableDiscovery))
	p.status.CableDiscoveryDone = false
	p.status.CableDiscoveryPending = false
}

func (p *Port) startCableDiscovery(pdport.TimerKey) {
	if p.status.Fault.Has(pdport.FaultPortDisabling) {
		p.status.CableDiscoveryPending = false
		return
	}
	p.status.CableDiscoveryPending = true
	err := p.engine.SendCommand(pdport.CmdInitiateCableDiscovery, nil, false, p.onCableDiscovery)
	if err != nil {
		p.onCableDiscovery(pdport.ResponseAborted, nil)
	}
}

// onCableDiscovery keeps repeating the discovery until the engine takes it.
func (p *Port) onCableDiscovery(r pdport.Response, _ *pdmsg.Message) {
	if r == pdport.ResponseAborted {
		p.timers.Start(p.key(pdport.TimerCableDiscovery), p.cfg.CableDiscoveryRetry, p.startCableDiscovery)
	}
}

func (p *Port) onDebugAccessoryDelay(pdport.TimerKey) {
	if p.source != nil {
		p.source.Enable(pdport.VSafe5, nil)
	}
}

func (p *Port) onChunkResponse(r pdport.Response, _ *pdmsg.Message) {
	if r != pdport.ResponseCommandSent && r != pdport.ResponseReceived {
		p.status.ExtendedInFlight = false
	}
}
