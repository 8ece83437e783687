package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxplot/go-pdport"
	"github.com/oxplot/go-pdport/internal/pdtest"
	"github.com/oxplot/go-pdport/pdmsg"
)

type fixture struct {
	hal    *pdtest.HAL
	eng    *pdtest.Engine
	timers *pdtest.Timers
	sol    *pdtest.Solution
	obs    *pdtest.Observer
	p      *Port
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		hal:    pdtest.NewHAL(),
		eng:    pdtest.NewEngine(),
		timers: pdtest.NewTimers(),
		sol:    &pdtest.Solution{},
		obs:    &pdtest.Observer{},
	}
	f.p = NewPort(0, cfg, f.hal, f.eng, f.timers, f.sol)
	f.p.SetObserver(f.obs)
	return f
}

func (f *fixture) attachAsSource() {
	f.eng.State.Attached = true
	f.eng.State.ContractExists = true
	f.eng.State.PowerRole = pdmsg.PowerRoleSource
	f.eng.State.DataRole = pdmsg.DataRoleDFP
	f.eng.State.AttachedDevice = pdport.DeviceSink
}

func established() pdport.ContractInfo {
	return pdport.ContractInfo{Status: pdport.ContractSuccessful, Voltage: 5000, MaxCurrent: 3000}
}

func count(cmds []pdport.Command, c pdport.Command) int {
	n := 0
	for _, x := range cmds {
		if x == c {
			n++
		}
	}
	return n
}

func TestEventsAreForwarded(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.p.Dispatch(pdport.EventTypeCStarted, nil)
	f.p.Dispatch(pdport.EventConnect, nil)

	require.Len(t, f.sol.Events, 2)
	assert.Equal(t, pdport.EventConnect, f.sol.Events[1].Event)
	assert.Equal(t, []pdport.Event{pdport.EventTypeCStarted, pdport.EventConnect}, f.obs.Forwarded)
}

func TestNilSolution(t *testing.T) {
	f := newFixture(DefaultConfig())
	p := NewPort(1, DefaultConfig(), f.hal, f.eng, f.timers, nil)
	assert.NotPanics(t, func() { p.Dispatch(pdport.EventConnect, nil) })
}

func TestLifecycle(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.attachAsSource()
	assert.Equal(t, "unattached", f.p.State())

	steps := []struct {
		e    pdport.Event
		data any
		want string
	}{
		{pdport.EventTypeCAttach, nil, "attached"},
		{pdport.EventConnect, nil, "attached"},
		{pdport.EventContractComplete, pdport.ContractInfo{Status: pdport.ContractRejected}, "attached"},
		{pdport.EventContractComplete, established(), "contract"},
		{pdport.EventHardResetSent, nil, "recovering"},
		{pdport.EventHardResetComplete, nil, "attached"},
		{pdport.EventContractComplete, established(), "contract"},
		{pdport.EventPortDisable, nil, "disabled"},
		{pdport.EventTypeCStarted, nil, "unattached"},
		{pdport.EventTypeCAttach, nil, "attached"},
		{pdport.EventDisconnect, nil, "unattached"},
	}
	for _, s := range steps {
		f.p.Dispatch(s.e, s.data)
		assert.Equal(t, s.want, f.p.State(), "after %s", s.e)
	}
}

func TestOCPEscalationDisablesPortOnce(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.attachAsSource()
	f.p.Dispatch(pdport.EventConnect, nil)
	f.p.Dispatch(pdport.EventContractComplete, established())

	for i := 0; i < 3; i++ {
		f.p.Post(pdport.EventVBusOCP)
		f.p.Task()
	}
	f.p.Task()
	f.p.Task()

	st := f.p.Status()
	assert.True(t, st.Fault.Has(pdport.FaultDisableInProgress))
	assert.False(t, st.Fault.Has(pdport.FaultSinkActive))
	assert.True(t, st.FaultActive)
	assert.Equal(t, uint8(3), f.p.Faults().Count(pdport.FaultVBusOCP))

	cmds := f.eng.Commands()
	assert.Equal(t, 2, count(cmds, pdport.CmdHardReset))
	assert.Equal(t, 1, count(cmds, pdport.CmdPEStop))
	assert.Equal(t, 1, count(cmds, pdport.CmdPortDisable))
	assert.Equal(t, 1, f.obs.Disables)
	assert.Equal(t, []pdport.FaultType{pdport.FaultVBusOCP}, f.obs.Escalated)
	assert.False(t, f.hal.SourceFET)
}

func TestDisablingPortIssuesNoOtherCommands(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Caps.RoleSwaps = true
	cfg.Caps.PreferredDataRole = pdport.PreferUFP
	f := newFixture(cfg)
	f.attachAsSource()
	f.eng.State.VConnSource = true

	f.p.Dispatch(pdport.EventConnect, nil)
	f.p.Dispatch(pdport.EventContractComplete, established())
	require.Equal(t, pdport.SwapDR, f.p.Status().PendingSwaps)
	require.Equal(t, pdport.CmdInitiateCableDiscovery, f.eng.Last().Cmd)
	f.eng.Complete(pdport.ResponseAborted, 0)

	for i := 0; i < 3; i++ {
		f.p.Post(pdport.EventVBusOCP)
		f.p.Task()
	}
	require.True(t, f.p.Status().Fault.Has(pdport.FaultDisableInProgress))
	f.eng.Clear()

	f.timers.Advance(time.Second)
	assert.Empty(t, f.eng.Commands(), "no swap or cable discovery")

	f.p.Dispatch(pdport.EventVBusOVP, nil)
	f.p.Dispatch(pdport.EventExtendedMessage, chunked(60, 0, pdmsg.ExtendedManufacturerInfo))
	f.p.Dispatch(pdport.EventContractComplete, established())
	f.p.Task()
	assert.Empty(t, f.eng.Commands(), "no recovery while disabled")
}

func TestSourceFaultCarriesAlert(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.attachAsSource()
	f.p.Source().Enable(5000, nil)
	require.True(t, f.hal.Trip(pdport.ProtectOCP, true))
	f.p.Task()

	require.True(t, f.sol.Has(pdport.EventVBusOCP))
	last := f.sol.Events[len(f.sol.Events)-1]
	assert.Equal(t, pdmsg.AlertOCP, last.Data)
	assert.Equal(t, pdmsg.AlertOCP, f.p.Status().Alert)

	f.p.Dispatch(pdport.EventDisconnect, nil)
	assert.Zero(t, f.p.Status().Alert)

	f.p.Post(pdport.EventVBusOCP)
	f.p.Task()
	assert.Nil(t, f.sol.Events[len(f.sol.Events)-1].Data)
}

func TestPolarityChangeClearsCounts(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.attachAsSource()

	f.p.Dispatch(pdport.EventVBusOVP, nil)
	f.p.Dispatch(pdport.EventTypeCAttach, nil)
	assert.Equal(t, uint8(1), f.p.Faults().Count(pdport.FaultVBusOVP))

	f.eng.State.Polarity = pdport.PolarityCC2
	f.p.Dispatch(pdport.EventTypeCAttach, nil)
	assert.Zero(t, f.p.Faults().Count(pdport.FaultVBusOVP))
	assert.Equal(t, pdport.PolarityCC2, f.p.Status().PrevPolarity)
}

func TestContractSchedulesDataRoleSwap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Caps.RoleSwaps = true
	cfg.Caps.PreferredDataRole = pdport.PreferDFP
	f := newFixture(cfg)
	f.eng.State.Attached = true
	f.eng.State.ContractExists = true
	f.eng.State.PowerRole = pdmsg.PowerRoleSink
	f.eng.State.DataRole = pdmsg.DataRoleUFP

	f.p.Dispatch(pdport.EventConnect, nil)
	f.p.Dispatch(pdport.EventContractComplete, established())
	assert.Equal(t, pdport.SwapDR, f.p.Status().PendingSwaps)

	f.timers.Advance(cfg.Swap.DRDelay)
	assert.Equal(t, pdport.CmdDRSwap, f.eng.Last().Cmd)

	f.eng.State.DataRole = pdmsg.DataRoleDFP
	f.p.Dispatch(pdport.EventDRSwapComplete, pdport.RequestAccept)
	assert.Zero(t, f.p.Status().PendingSwaps)
}

func TestVDMVersionFollowsRevision(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.eng.State.SpecRevision = pdmsg.Revision30
	f.p.Dispatch(pdport.EventContractComplete, established())
	assert.Equal(t, pdport.VDMVersion21, f.p.Status().VDMVersion)

	f.eng.State.SpecRevision = pdmsg.Revision20
	f.p.Dispatch(pdport.EventContractComplete, established())
	assert.Equal(t, pdport.VDMVersion10, f.p.Status().VDMVersion)
}

func TestCableDiscoveryRetries(t *testing.T) {
	cfg := DefaultConfig()
	f := newFixture(cfg)
	f.attachAsSource()
	f.eng.State.VConnSource = true

	f.p.Dispatch(pdport.EventConnect, nil)
	assert.True(t, f.hal.VConn)
	assert.NotNil(t, f.hal.VConnOCP)

	f.p.Dispatch(pdport.EventContractComplete, established())
	require.Equal(t, pdport.CmdInitiateCableDiscovery, f.eng.Last().Cmd)
	assert.True(t, f.p.Status().CableDiscoveryPending)

	f.eng.Complete(pdport.ResponseAborted, 0)
	f.eng.Clear()
	f.timers.Advance(cfg.CableDiscoveryRetry)
	assert.Equal(t, []pdport.Command{pdport.CmdInitiateCableDiscovery}, f.eng.Commands())

	f.p.Dispatch(pdport.EventEmcaDetected, nil)
	st := f.p.Status()
	assert.True(t, st.CableDiscoveryDone)
	assert.False(t, st.CableDiscoveryPending)

	f.eng.Clear()
	f.p.Dispatch(pdport.EventContractComplete, established())
	assert.Equal(t, 0, count(f.eng.Commands(), pdport.CmdInitiateCableDiscovery))

	f.p.Dispatch(pdport.EventDataResetAccepted, nil)
	assert.False(t, f.p.Status().CableDiscoveryDone)
}

func TestCableDiscoveryBusyEngine(t *testing.T) {
	cfg := DefaultConfig()
	f := newFixture(cfg)
	f.attachAsSource()
	f.eng.State.VConnSource = true
	f.eng.Errors[pdport.CmdInitiateCableDiscovery] = pdport.ErrBusy

	f.p.Dispatch(pdport.EventContractComplete, established())
	assert.Empty(t, f.eng.Commands())

	delete(f.eng.Errors, pdport.CmdInitiateCableDiscovery)
	f.timers.Advance(cfg.CableDiscoveryRetry)
	assert.Equal(t, []pdport.Command{pdport.CmdInitiateCableDiscovery}, f.eng.Commands())

	f.p.Dispatch(pdport.EventDisconnect, nil)
	assert.False(t, f.timers.IsRunning(pdport.Key(0, pdport.TimerCableDiscovery)))
}

func chunked(size uint16, chunk uint8, t pdmsg.ExtendedType) *pdmsg.ExtendedMessage {
	m := &pdmsg.ExtendedMessage{Header: uint16(t)}
	m.ExtendedHeader.SetChunked(true)
	m.ExtendedHeader.SetDataSize(size)
	m.ExtendedHeader.SetChunkNumber(chunk)
	return m
}

func TestExtendedChunkRequest(t *testing.T) {
	f := newFixture(DefaultConfig())

	f.p.Dispatch(pdport.EventExtendedMessage, chunked(60, 0, pdmsg.ExtendedManufacturerInfo))
	assert.Empty(t, f.sol.Events)
	assert.True(t, f.p.Status().ExtendedInFlight)

	s := f.eng.Last()
	require.Equal(t, pdport.CmdExtended, s.Cmd)
	assert.True(t, s.NonInterruptible)
	assert.Equal(t, pdmsg.ExtendedManufacturerInfo, s.Args.ExtendedType)
	assert.True(t, s.Args.ExtendedHeader.RequestChunk())
	assert.True(t, s.Args.ExtendedHeader.Chunked())
	assert.Equal(t, uint8(1), s.Args.ExtendedHeader.ChunkNumber())

	f.p.Dispatch(pdport.EventExtendedMessage, chunked(60, 1, pdmsg.ExtendedManufacturerInfo))
	assert.Equal(t, uint8(2), f.eng.Last().Args.ExtendedHeader.ChunkNumber())
	assert.Empty(t, f.sol.Events)
	f.p.Dispatch(pdport.EventExtendedMessage, chunked(60, 2, pdmsg.ExtendedManufacturerInfo))
	assert.False(t, f.p.Status().ExtendedInFlight)
	assert.True(t, f.sol.Has(pdport.EventExtendedMessage))
	assert.Equal(t, pdport.CmdNotSupported, f.eng.Last().Cmd)
	assert.True(t, f.eng.Last().NonInterruptible)
}

func TestExtendedChunkRequestFailure(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.p.Dispatch(pdport.EventExtendedMessage, chunked(60, 0, pdmsg.ExtendedManufacturerInfo))
	f.eng.Complete(pdport.ResponseTimeout, 0)
	assert.False(t, f.p.Status().ExtendedInFlight)
}

func TestExtendedResponseGetsNoReply(t *testing.T) {
	f := newFixture(DefaultConfig())
	for _, typ := range []pdmsg.ExtendedType{pdmsg.ExtendedSecurityResponse, pdmsg.ExtendedFWUpdateResponse} {
		f.p.Dispatch(pdport.EventExtendedMessage, &pdmsg.ExtendedMessage{Header: uint16(typ)})
	}
	assert.Empty(t, f.eng.Sent)
	assert.Len(t, f.sol.Events, 2)
}

func TestVendorTimeoutSuppressedWhileRetrying(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.p.SetVDMRetryPending(true)
	assert.True(t, f.p.Status().VDMRetryPending)
	f.p.Dispatch(pdport.EventVendorResponseTimeout, nil)
	assert.Empty(t, f.sol.Events)
	assert.Equal(t, []pdport.Event{pdport.EventVendorResponseTimeout}, f.obs.Dispatched)

	f.p.SetVDMRetryPending(false)
	f.p.Dispatch(pdport.EventVendorResponseTimeout, nil)
	assert.True(t, f.sol.Has(pdport.EventVendorResponseTimeout))
}

func TestLineOVPSuppressedDuringDisable(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.attachAsSource()
	f.p.status.Fault.Add(pdport.FaultDisableInProgress)

	f.p.Dispatch(pdport.EventCCOVP, nil)
	assert.Empty(t, f.sol.Events)
	assert.Contains(t, f.hal.Calls, "disable_rp")
	assert.Zero(t, f.p.Faults().Count(pdport.FaultCCOVP))
}

func TestDebugAccessory(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.attachAsSource()
	f.eng.State.AttachedDevice = pdport.DeviceDebugAccessory

	f.p.Dispatch(pdport.EventConnect, nil)
	assert.True(t, f.p.Status().DebugAccessory)
	assert.False(t, f.hal.SourceFET)

	f.timers.Advance(time.Millisecond)
	assert.True(t, f.hal.SourceFET)
	assert.Equal(t, uint16(pdport.VSafe5), f.hal.Voltage)

	f.p.Dispatch(pdport.EventDisconnect, nil)
	f.timers.Advance(10 * time.Millisecond)
	assert.False(t, f.hal.SourceFET)
	assert.False(t, f.p.Status().DebugAccessory)
}

func TestDisconnectCleansUp(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.p.status.Fault.Add(pdport.FaultVConnActive)
	f.p.Dispatch(pdport.EventDisconnect, nil)
	assert.Equal(t, 1, f.hal.CleanupDone)
	assert.False(t, f.p.Status().Fault.Has(pdport.FaultVConnActive))
}

func TestSinkOnlyPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Caps.Source = false
	f := newFixture(cfg)
	assert.Nil(t, f.p.Source())
	assert.NotNil(t, f.p.Sink())

	f.attachAsSource()
	assert.NotPanics(t, func() { f.p.Dispatch(pdport.EventContractComplete, established()) })
}
