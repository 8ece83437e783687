package sim

import (
	"log/slog"
	"sync"
	"time"

	"github.com/oxplot/go-pdport"
	"github.com/oxplot/go-pdport/internal/logging"
	"github.com/oxplot/go-pdport/pdmsg"
	"github.com/oxplot/go-pdport/swtimer"
)

var maxTimerExpiry = time.Unix(1<<63-62135596801, 999999999)

// Partner describes the device plugged into a simulated port.
type Partner struct {
	Source bool // Partner supplies VBUS, otherwise it sinks

	// Voltage the partner asks for or offers in millivolts, and the current
	// it draws or offers in milliamps.
	Voltage uint16
	Current uint16

	// DataRole is the data role the partner wants. It rejects data role
	// swaps away from it.
	DataRole pdport.RolePreference

	// EMCA makes the cable answer discovery.
	EMCA bool

	// AttachAfter delays the first attach.
	AttachAfter time.Duration
}

// Port is the application layer the engine reports to.
type Port interface {
	Dispatch(e pdport.Event, data any)
	Source() pdport.PowerPathController
	Sink() pdport.PowerPathController
	EnableVConn() bool
	DisableVConn()
}

type command struct {
	cmd  pdport.Command
	args pdport.CommandArgs
	done pdport.ResponseFunc
}

type inputKind uint8

const (
	inputTimeout inputKind = iota + 1
	inputCommand
	inputReady
)

type input struct {
	kind inputKind
	cmd  *command
}

// Engine is a simulated protocol engine and partner. It negotiates a fixed
// supply contract with the partner over the board, answers role swaps and
// cable discovery, and carries out resets and port disables. It runs on
// the control loop through Task.
type Engine struct {
	index  uint8
	caps   pdport.Capabilities
	srcCap pdmsg.Message // Offered when the port sources
	sink   CVPolicy      // Our policy when the partner is a source

	partner Partner
	board   *Board
	clock   swtimer.Clock
	port    Port
	log     *slog.Logger

	st          pdport.DPMStatus
	cur         *state
	entering    bool
	timerExpiry time.Time
	pending     *command
	powerReady  bool
	contract    pdport.ContractInfo
	started     bool

	mu       sync.Mutex
	present  bool // Partner plugged in
	attached bool // Attach reported for the present partner
	injected []pdport.Event
}

var _ pdport.ProtocolEngine = (*Engine)(nil)

// NewEngine creates the engine of port index. pdos are the fixed supplies
// offered when the port sources; the partner is plugged in from the start.
func NewEngine(index uint8, caps pdport.Capabilities, pdos []pdmsg.PDO, partner Partner, board *Board, clock swtimer.Clock) *Engine {
	rev := pdmsg.Revision20
	if caps.PDRev3 {
		rev = pdmsg.Revision30
	}
	return &Engine{
		index:       index,
		caps:        caps,
		srcCap:      pdmsg.NewSourceCap(rev, pdos),
		sink:        CVPolicy{MinVoltage: pdport.VSafe5, MaxVoltage: 20000, Current: 500},
		partner:     partner,
		board:       board,
		clock:       clock,
		log:         logging.NewNop(),
		st:          pdport.DPMStatus{DPMEnabled: true, SpecRevision: rev},
		cur:         stateUnattached,
		entering:    true,
		timerExpiry: maxTimerExpiry,
		present:     true,
	}
}

// SetPort sets the application layer to report to. It must be called
// before the first Task.
func (e *Engine) SetPort(p Port) {
	e.port = p
}

// SetSinkPolicy sets the policy used when the partner is a source.
func (e *Engine) SetSinkPolicy(p CVPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.sink = p
	return nil
}

// SetLogger sets the logger. nil disables logging.
func (e *Engine) SetLogger(l *slog.Logger) {
	e.log = logging.OrNop(l).With("port", e.index, "component", "engine")
}

// State returns the name of the engine state.
func (e *Engine) State() string {
	return e.cur.Name
}

// Index returns the port index.
func (e *Engine) Index() uint8 {
	return e.index
}

// Board returns the simulated board of the port.
func (e *Engine) Board() *Board {
	return e.board
}

// Status implements pdport.ProtocolEngine interface.
func (e *Engine) Status() pdport.DPMStatus {
	return e.st
}

// SendCommand implements pdport.ProtocolEngine interface. The command runs
// on the next Task.
func (e *Engine) SendCommand(cmd pdport.Command, args *pdport.CommandArgs, _ bool, done pdport.ResponseFunc) error {
	if e.pending != nil {
		return pdport.ErrBusy
	}
	switch cmd {
	case pdport.CmdDRSwap, pdport.CmdPRSwap, pdport.CmdVConnSwap:
		if !e.st.ContractExists {
			return pdport.ErrCommandFailed
		}
	case pdport.CmdHardReset:
		if !e.st.Attached || e.cur == statePEDisabled {
			return pdport.ErrCommandFailed
		}
	case pdport.CmdInitiateCableDiscovery, pdport.CmdExtended, pdport.CmdNotSupported:
		if !e.st.Attached {
			return pdport.ErrCommandFailed
		}
	}
	c := &command{cmd: cmd, done: done}
	if args != nil {
		c.args = *args
	}
	e.pending = c
	return nil
}

// Unplug removes the partner. It may be called from any goroutine.
func (e *Engine) Unplug() {
	e.mu.Lock()
	e.present = false
	e.mu.Unlock()
}

// Plug plugs the partner back in. It may be called from any goroutine.
func (e *Engine) Plug() {
	e.mu.Lock()
	e.present = true
	e.mu.Unlock()
}

// Inject raises e as if the port controller hardware had reported it. It
// is meant for faults the board does not model, such as CC over-voltage or
// over-temperature. It may be called from any goroutine.
func (e *Engine) Inject(ev pdport.Event) {
	e.mu.Lock()
	e.injected = append(e.injected, ev)
	e.mu.Unlock()
}

// Task runs one step of the engine: entering a state, or handling one
// pending input. It never blocks.
func (e *Engine) Task() {
	e.mu.Lock()
	injected := e.injected
	e.injected = nil
	present := e.present
	e.mu.Unlock()

	for _, ev := range injected {
		e.dispatch(ev, nil)
	}

	var next *state
	switch {
	case e.entering:
		e.entering = false
		e.timerExpiry = maxTimerExpiry
		if e.cur.Enter != nil {
			next = e.cur.Enter(e)
		}
	case e.attached && !present:
		next = stateDetach
	case e.pending != nil:
		c := e.pending
		e.pending = nil
		next = e.process(input{kind: inputCommand, cmd: c})
	case e.powerReady:
		e.powerReady = false
		next = e.process(input{kind: inputReady})
	case !e.clock.Now().Before(e.timerExpiry):
		e.timerExpiry = maxTimerExpiry
		next = e.process(input{kind: inputTimeout})
	}

	if next != nil {
		e.log.Debug("engine state", "from", e.cur.Name, "to", next.Name)
		e.cur = next
		e.entering = true
	}
}

// process hands in to the current state. Commands the state ignores are
// completed as aborted, except the ones every state honours.
func (e *Engine) process(in input) *state {
	if in.kind == inputCommand {
		if next, ok := e.common(in.cmd); ok {
			return next
		}
	}
	if e.cur.Process != nil {
		if next, ok := e.cur.Process(e, in); ok {
			return next
		}
	}
	if in.kind == inputCommand {
		e.complete(in.cmd, pdport.ResponseAborted, nil)
	}
	return nil
}

// common handles the commands valid in every state.
func (e *Engine) common(c *command) (*state, bool) {
	switch c.cmd {
	case pdport.CmdDPMStart:
		e.complete(c, pdport.ResponseCommandSent, nil)
		if e.st.DPMEnabled {
			return nil, true
		}
		e.st.DPMEnabled = true
		return stateUnattached, true
	case pdport.CmdPortDisable:
		e.complete(c, pdport.ResponseCommandSent, nil)
		return statePortDisabled, true
	case pdport.CmdErrorRecovery:
		e.complete(c, pdport.ResponseCommandSent, nil)
		return stateErrorRecovery, true
	case pdport.CmdHardReset:
		if !e.st.Attached {
			return nil, false
		}
		e.complete(c, pdport.ResponseCommandSent, nil)
		return stateHardReset, true
	case pdport.CmdPEStop:
		e.complete(c, pdport.ResponseCommandSent, nil)
		return statePEDisabled, true
	case pdport.CmdExtended, pdport.CmdNotSupported:
		e.complete(c, pdport.ResponseCommandSent, nil)
		return nil, true
	}
	return nil, false
}

func (e *Engine) complete(c *command, r pdport.Response, m *pdmsg.Message) {
	if c.done != nil {
		c.done(r, m)
	}
}

func (e *Engine) reply(c *command, t pdmsg.Type) {
	m := pdmsg.NewControl(t, e.st.SpecRevision, e.st.PowerRole.Swapped())
	e.log.Debug("partner replied", "cmd", c.cmd, "msg", m)
	e.complete(c, pdport.ResponseReceived, &m)
}

func (e *Engine) dispatch(ev pdport.Event, data any) {
	if e.port != nil {
		e.port.Dispatch(ev, data)
	}
}

func (e *Engine) startTimer(d time.Duration) {
	e.timerExpiry = e.clock.Now().Add(d)
}

func (e *Engine) ready() {
	e.powerReady = true
}

func (e *Engine) sourcing() bool {
	return e.st.PowerRole == pdmsg.PowerRoleSource
}

// powerOff drops both power paths. The source discharges VBUS unless the
// DPM is already disabled.
func (e *Engine) powerOff() {
	if p := e.port.Source(); p != nil {
		p.Disable(func() {})
	}
	if p := e.port.Sink(); p != nil {
		p.Disable(nil)
	}
}

// partnerCaps returns the capabilities a source partner offers.
func (e *Engine) partnerCaps() pdmsg.Message {
	v5 := pdmsg.FixedSupply(pdport.VSafe5, max(e.partner.Current, 3000))
	v5.SetUnconstrainedPower(true)
	pdos := []pdmsg.PDO{pdmsg.PDO(v5)}
	if e.partner.Voltage > pdport.VSafe5 {
		pdos = append(pdos, pdmsg.PDO(pdmsg.FixedSupply(e.partner.Voltage, e.partner.Current)))
	}
	return pdmsg.NewSourceCap(e.st.SpecRevision, pdos)
}

// negotiate evaluates the capabilities in m with policy and fills in the contract. It
// returns false if the request selects nothing.
func (e *Engine) negotiate(m pdmsg.Message, policy CVPolicy) bool {
	caps := m.PDOs()
	e.log.Debug("capabilities", "pdos", DescribePDOs(caps))
	rdo := policy.EvaluateCapabilities(caps)
	pos := int(rdo.SelectedObjectPosition())
	if pos == 0 || pos > len(caps) {
		e.contract = pdport.ContractInfo{Status: pdport.ContractFailed}
		return false
	}
	fs := pdmsg.FixedSupplyPDO(caps[pos-1])
	e.contract = pdport.ContractInfo{
		Status:     pdport.ContractSuccessful,
		Voltage:    fs.Voltage(),
		MaxCurrent: fs.MaxCurrent(),
	}
	if rdo.CapabilityMismatch() {
		e.contract.Status = pdport.ContractCapMismatch
	}
	return true
}

// state is a state of the simulated engine.
type state struct {
	Name string

	// Enter runs on entering the state. A non-nil next state is entered
	// right after. The timer is cleared before each call.
	Enter func(e *Engine) (next *state)

	// Process handles an input while in the state. ok is false if the input
	// was not handled.
	Process func(e *Engine, in input) (next *state, ok bool)
}

var (
	stateUnattached    *state
	stateAttached      *state
	statePowerUp       *state
	stateSourceNeg     *state
	stateSinkNeg       *state
	stateReady         *state
	stateHardReset     *state
	stateHardResetWait *state
	stateErrorRecovery *state
	statePEDisabled    *state
	statePortDisabled  *state
	stateDetach        *state
)

// Timings of the simulated partner.
const (
	timerCCDebounce    = 100 * time.Millisecond
	timerPSTransition  = 550 * time.Millisecond
	timerSrcTransition = 30 * time.Millisecond
	timerSrcRecover    = 50 * time.Millisecond
	timerErrorRecovery = 25 * time.Millisecond
)

func init() {

	stateUnattached = &state{
		Name: "unattached",
		Enter: func(e *Engine) *state {
			first := !e.started
			e.started = true
			e.attached = false
			e.contract = pdport.ContractInfo{}
			e.st = pdport.DPMStatus{DPMEnabled: e.st.DPMEnabled, SpecRevision: e.st.SpecRevision}
			e.board.Detach()
			if first {
				e.dispatch(pdport.EventTypeCStarted, nil)
			}
			if !e.st.DPMEnabled {
				return nil
			}
			d := timerCCDebounce
			if first {
				d = e.partner.AttachAfter
			}
			e.startTimer(d)
			return nil
		},
		Process: func(e *Engine, in input) (*state, bool) {
			if in.kind != inputTimeout {
				return nil, false
			}
			e.mu.Lock()
			present := e.present
			e.mu.Unlock()
			if present && e.st.DPMEnabled {
				return stateAttached, true
			}
			e.startTimer(timerCCDebounce)
			return nil, true
		},
	}

	stateAttached = &state{
		Name: "attached",
		Enter: func(e *Engine) *state {
			e.attached = true
			e.st.Attached = true
			e.st.Polarity = pdport.PolarityCC1
			if e.partner.Source {
				e.st.PowerRole = pdmsg.PowerRoleSink
				e.st.DataRole = pdmsg.DataRoleUFP
				e.st.AttachedDevice = pdport.DeviceSource
				e.st.VConnSource = false
				e.board.AttachSource(pdport.VSafe5, e.partner.EMCA)
			} else {
				e.st.PowerRole = pdmsg.PowerRoleSource
				e.st.DataRole = pdmsg.DataRoleDFP
				e.st.AttachedDevice = pdport.DeviceSink
				e.st.VConnSource = true
				e.st.RpLevel = pdport.Rp3A0
				e.board.AttachSink(e.partner.EMCA)
			}
			e.dispatch(pdport.EventTypeCAttach, nil)
			e.dispatch(pdport.EventConnect, nil)
			return statePowerUp
		},
	}

	statePowerUp = &state{
		Name: "power-up",
		Enter: func(e *Engine) *state {
			e.powerReady = false
			if !e.sourcing() {
				if p := e.port.Sink(); p != nil {
					p.Enable(pdport.VSafe5, nil)
				}
				return stateSinkNeg
			}
			p := e.port.Source()
			if p == nil {
				return stateErrorRecovery
			}
			p.Enable(pdport.VSafe5, e.ready)
			e.startTimer(timerPSTransition)
			return nil
		},
		Process: func(e *Engine, in input) (*state, bool) {
			switch in.kind {
			case inputReady:
				return stateSourceNeg, true
			case inputTimeout:
				return stateHardReset, true
			}
			return nil, false
		},
	}

	stateSourceNeg = &state{
		Name: "source-negotiate",
		Enter: func(e *Engine) *state {
			policy := CVPolicy{MinVoltage: pdport.VSafe5, MaxVoltage: e.partner.Voltage, Current: e.partner.Current}
			if !e.negotiate(e.srcCap, policy) {
				e.dispatch(pdport.EventContractComplete, e.contract)
				return statePEDisabled
			}
			e.st.ContractCurrent = e.contract.MaxCurrent
			e.powerReady = false
			e.port.Source().Enable(e.contract.Voltage, e.ready)
			e.startTimer(timerPSTransition)
			return nil
		},
		Process: func(e *Engine, in input) (*state, bool) {
			switch in.kind {
			case inputReady:
				return stateReady, true
			case inputTimeout:
				return stateHardReset, true
			}
			return nil, false
		},
	}

	stateSinkNeg = &state{
		Name: "sink-negotiate",
		Enter: func(e *Engine) *state {
			if !e.negotiate(e.partnerCaps(), e.sink) {
				e.dispatch(pdport.EventContractComplete, e.contract)
				return statePEDisabled
			}
			e.st.ContractCurrent = e.contract.MaxCurrent
			e.board.SetPartnerSupply(e.contract.Voltage)
			e.startTimer(timerSrcTransition + time.Duration(e.contract.Voltage/200)*time.Millisecond)
			return nil
		},
		Process: func(e *Engine, in input) (*state, bool) {
			if in.kind != inputTimeout {
				return nil, false
			}
			if p := e.port.Sink(); p != nil {
				p.Enable(e.contract.Voltage, nil)
			}
			return stateReady, true
		},
	}

	stateReady = &state{
		Name: "ready",
		Enter: func(e *Engine) *state {
			e.st.ContractExists = true
			if !e.partner.Source {
				e.board.SetLoad(e.partner.Current)
			}
			e.dispatch(pdport.EventContractComplete, e.contract)
			return nil
		},
		Process: func(e *Engine, in input) (*state, bool) {
			if in.kind != inputCommand {
				return nil, false
			}
			c := in.cmd
			switch c.cmd {
			case pdport.CmdDRSwap:
				partnerDFP := e.st.DataRole == pdmsg.DataRoleDFP
				want := e.partner.DataRole
				if want == pdport.PreferDFP && !partnerDFP || want == pdport.PreferUFP && partnerDFP {
					e.reply(c, pdmsg.TypeReject)
					return nil, true
				}
				if partnerDFP {
					e.st.DataRole = pdmsg.DataRoleUFP
				} else {
					e.st.DataRole = pdmsg.DataRoleDFP
				}
				e.reply(c, pdmsg.TypeAccept)
				e.dispatch(pdport.EventDRSwapComplete, pdport.RequestAccept)
			case pdport.CmdPRSwap:
				// The partner has a fixed power role.
				e.reply(c, pdmsg.TypeNotSupported)
			case pdport.CmdVConnSwap:
				e.reply(c, pdmsg.TypeAccept)
				if e.st.VConnSource {
					e.port.DisableVConn()
					e.st.VConnSource = false
				} else if e.port.EnableVConn() {
					e.st.VConnSource = true
				}
			case pdport.CmdInitiateCableDiscovery:
				if !e.st.VConnSource || !e.board.VConnOn() {
					e.complete(c, pdport.ResponseAborted, nil)
					return nil, true
				}
				e.complete(c, pdport.ResponseCommandSent, nil)
				if e.partner.EMCA {
					e.dispatch(pdport.EventEmcaDetected, nil)
				} else {
					e.dispatch(pdport.EventEmcaNotDetected, nil)
				}
			default:
				return nil, false
			}
			return nil, true
		},
	}

	stateHardReset = &state{
		Name: "hard-reset",
		Enter: func(e *Engine) *state {
			e.st.ContractExists = false
			e.st.ContractCurrent = 0
			e.powerReady = false
			e.dispatch(pdport.EventHardResetSent, nil)
			if e.sourcing() {
				e.board.SetLoad(0)
				e.port.Source().Disable(e.ready)
			} else {
				e.board.SetPartnerSupply(0)
				if p := e.port.Sink(); p != nil {
					p.Disable(e.ready)
				} else {
					e.ready()
				}
			}
			e.startTimer(timerPSTransition + timerPSTransition)
			return nil
		},
		Process: func(e *Engine, in input) (*state, bool) {
			switch in.kind {
			case inputReady, inputTimeout:
				return stateHardResetWait, true
			}
			return nil, false
		},
	}

	stateHardResetWait = &state{
		Name: "hard-reset-wait",
		Enter: func(e *Engine) *state {
			e.startTimer(timerSrcRecover)
			return nil
		},
		Process: func(e *Engine, in input) (*state, bool) {
			if in.kind != inputTimeout {
				return nil, false
			}
			if e.partner.Source {
				e.board.SetPartnerSupply(pdport.VSafe5)
			} else {
				e.board.SetLoad(e.board.cfg.IdleCurrent)
			}
			e.dispatch(pdport.EventHardResetComplete, nil)
			return statePowerUp, true
		},
	}

	stateErrorRecovery = &state{
		Name: "error-recovery",
		Enter: func(e *Engine) *state {
			e.st.ContractExists = false
			e.st.Attached = false
			e.powerOff()
			e.board.Detach()
			e.dispatch(pdport.EventErrorRecovery, nil)
			e.startTimer(timerErrorRecovery)
			return nil
		},
		Process: func(e *Engine, in input) (*state, bool) {
			if in.kind != inputTimeout {
				return nil, false
			}
			return stateUnattached, true
		},
	}

	statePEDisabled = &state{
		Name: "pe-disabled",
		Enter: func(e *Engine) *state {
			e.st.ContractExists = false
			e.dispatch(pdport.EventPEDisabled, nil)
			return nil
		},
	}

	statePortDisabled = &state{
		Name: "port-disabled",
		Enter: func(e *Engine) *state {
			e.st.DPMEnabled = false
			e.st.ContractExists = false
			e.st.Attached = false
			e.attached = false
			e.powerOff()
			e.board.Detach()
			e.dispatch(pdport.EventPortDisable, nil)
			return nil
		},
	}

	stateDetach = &state{
		Name: "detach",
		Enter: func(e *Engine) *state {
			e.attached = false
			e.st.Attached = false
			e.st.ContractExists = false
			e.board.Detach()
			e.dispatch(pdport.EventDisconnect, nil)
			e.powerOff()
			return stateUnattached
		},
	}
}
