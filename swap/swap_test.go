package swap

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
	eng    *pdtest.Engine
	timers *pdtest.Timers
	status *pdport.PortStatus
	obs    *pdtest.Observer
	o      *Orchestrator
}

func newFixture(cfg Config, caps pdport.Capabilities) *fixture {
	f := &fixture{
		eng:    pdtest.NewEngine(),
		timers: pdtest.NewTimers(),
		status: &pdport.PortStatus{},
		obs:    &pdtest.Observer{},
	}
	f.eng.State.Attached = true
	f.eng.State.ContractExists = true
	f.o = New(0, cfg, caps, f.eng, f.timers, f.status)
	f.o.SetObserver(f.obs)
	return f
}

func dfpCaps() pdport.Capabilities {
	return pdport.Capabilities{
		Sink:              true,
		RoleSwaps:         true,
		PreferredDataRole: pdport.PreferDFP,
	}
}

func TestDataRoleSwapTowardsPreference(t *testing.T) {
	f := newFixture(DefaultConfig(), dfpCaps())
	f.eng.State.DataRole = pdmsg.DataRoleUFP

	f.o.ConnectChange()
	assert.Equal(t, pdport.SwapDR, f.status.PendingSwaps)

	f.o.ContractComplete()
	f.timers.Advance(9 * time.Millisecond)
	assert.Empty(t, f.eng.Commands())
	f.timers.Advance(time.Millisecond)
	require.Equal(t, []pdport.Command{pdport.CmdDRSwap}, f.eng.Commands())
	assert.Equal(t, pdport.SwapDR, f.status.ActiveSwap)

	f.eng.Complete(pdport.ResponseReceived, pdmsg.TypeAccept)
	assert.Zero(t, f.status.PendingSwaps)
	assert.Zero(t, f.status.ActiveSwap)
	assert.Equal(t, []pdport.Swap{pdport.SwapDR}, f.obs.Swaps)

	f.timers.Advance(100 * time.Millisecond)
	assert.Len(t, f.eng.Sent, 1)
}

func TestNoSwapWhilePortDisabling(t *testing.T) {
	for _, flag := range []pdport.FaultStatus{pdport.FaultSinkActive, pdport.FaultDisableInProgress} {
		f := newFixture(DefaultConfig(), dfpCaps())
		f.eng.State.DataRole = pdmsg.DataRoleUFP
		f.o.ConnectChange()
		f.o.ContractComplete()

		f.status.Fault.Add(flag)
		f.timers.Advance(time.Second)
		assert.Empty(t, f.eng.Commands())
		assert.Equal(t, pdport.SwapDR, f.status.PendingSwaps, "kept for the next connection")
	}
}

func TestMatchingRoleClearsPending(t *testing.T) {
	f := newFixture(DefaultConfig(), dfpCaps())
	f.eng.State.DataRole = pdmsg.DataRoleDFP

	f.o.ConnectChange()
	f.o.ContractComplete()
	assert.Zero(t, f.status.PendingSwaps)

	f.timers.Advance(100 * time.Millisecond)
	assert.Empty(t, f.eng.Commands())
}

func TestWaitRetriesUpToLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	f := newFixture(cfg, dfpCaps())

	f.o.ConnectChange()
	f.o.ContractComplete()
	for i := 0; i < 3; i++ {
		f.timers.Advance(cfg.DRDelay)
		require.Len(t, f.eng.Sent, i+1)
		f.eng.Complete(pdport.ResponseReceived, pdmsg.TypeWait)
	}
	assert.Zero(t, f.status.PendingSwaps)
	assert.Zero(t, f.status.ActiveSwap)

	f.timers.Advance(time.Second)
	assert.Len(t, f.eng.Sent, 3)
}

func TestFailureClearsActiveAndRetries(t *testing.T) {
	f := newFixture(DefaultConfig(), dfpCaps())

	f.o.ConnectChange()
	f.o.ContractComplete()
	f.timers.Advance(10 * time.Millisecond)
	require.Len(t, f.eng.Sent, 1)

	f.eng.Complete(pdport.ResponseTimeout, 0)
	assert.Zero(t, f.status.ActiveSwap)
	assert.Equal(t, pdport.SwapDR, f.status.PendingSwaps)

	f.timers.Advance(10 * time.Millisecond)
	assert.Equal(t, []pdport.Command{pdport.CmdDRSwap, pdport.CmdDRSwap}, f.eng.Commands())
}

func TestBusyEngineRetries(t *testing.T) {
	f := newFixture(DefaultConfig(), dfpCaps())
	f.eng.Errors[pdport.CmdDRSwap] = pdport.ErrBusy

	f.o.ConnectChange()
	f.o.ContractComplete()
	f.timers.Advance(10 * time.Millisecond)
	assert.Empty(t, f.eng.Sent)

	delete(f.eng.Errors, pdport.CmdDRSwap)
	f.timers.Advance(10 * time.Millisecond)
	assert.Equal(t, []pdport.Command{pdport.CmdDRSwap}, f.eng.Commands())
}

func TestPriorityOrder(t *testing.T) {
	caps := pdport.Capabilities{
		Source:             true,
		Sink:               true,
		RoleSwaps:          true,
		PowerRoleSwaps:     true,
		PreferredPowerRole: pdport.PreferSource,
		PreferredDataRole:  pdport.PreferDFP,
	}
	f := newFixture(DefaultConfig(), caps)
	f.eng.State.PowerRole = pdmsg.PowerRoleSink
	f.eng.State.DataRole = pdmsg.DataRoleUFP

	f.o.ConnectChange()
	f.o.ContractComplete()
	assert.Equal(t, pdport.SwapVConn|pdport.SwapDR|pdport.SwapPR, f.status.PendingSwaps)

	f.timers.Advance(10 * time.Millisecond)
	require.Equal(t, pdport.CmdVConnSwap, f.eng.Last().Cmd)
	f.eng.State.VConnSource = true
	f.eng.Complete(pdport.ResponseReceived, pdmsg.TypeAccept)
	assert.Equal(t, pdport.SwapDR|pdport.SwapPR, f.status.PendingSwaps)

	f.timers.Advance(10 * time.Millisecond)
	require.Equal(t, pdport.CmdDRSwap, f.eng.Last().Cmd)
	f.eng.State.DataRole = pdmsg.DataRoleDFP
	f.eng.Complete(pdport.ResponseReceived, pdmsg.TypeAccept)
	assert.Equal(t, pdport.SwapPR, f.status.PendingSwaps)

	f.timers.Advance(10 * time.Millisecond)
	require.Equal(t, pdport.CmdPRSwap, f.eng.Last().Cmd)
	assert.Equal(t, 50*time.Millisecond, f.status.SwapDelay)
	f.eng.State.PowerRole = pdmsg.PowerRoleSource
	f.eng.Complete(pdport.ResponseReceived, pdmsg.TypeAccept)
	assert.Zero(t, f.status.PendingSwaps)

	f.timers.Advance(time.Second)
	assert.Equal(t, []pdport.Command{pdport.CmdVConnSwap, pdport.CmdDRSwap, pdport.CmdPRSwap}, f.eng.Commands())
}

func TestRejectMovesToNextSwap(t *testing.T) {
	caps := pdport.Capabilities{
		Sink:               true,
		RoleSwaps:          true,
		PowerRoleSwaps:     true,
		PreferredPowerRole: pdport.PreferSink,
		PreferredDataRole:  pdport.PreferDFP,
	}
	f := newFixture(DefaultConfig(), caps)
	f.eng.State.PowerRole = pdmsg.PowerRoleSource
	f.eng.State.DataRole = pdmsg.DataRoleUFP

	f.o.ConnectChange()
	f.o.ContractComplete()
	f.timers.Advance(10 * time.Millisecond)
	require.Equal(t, pdport.CmdDRSwap, f.eng.Last().Cmd)

	f.eng.Complete(pdport.ResponseReceived, pdmsg.TypeReject)
	assert.Equal(t, pdport.SwapPR, f.status.PendingSwaps)

	f.timers.Advance(10 * time.Millisecond)
	assert.Equal(t, pdport.CmdPRSwap, f.eng.Last().Cmd)
}

func TestSwapNoLongerNeededIsDropped(t *testing.T) {
	f := newFixture(DefaultConfig(), dfpCaps())

	f.o.ConnectChange()
	f.o.ContractComplete()
	f.eng.State.DataRole = pdmsg.DataRoleDFP
	f.timers.Advance(10 * time.Millisecond)

	assert.Empty(t, f.eng.Sent)
	assert.Zero(t, f.status.PendingSwaps)
}

func TestNoSwapWithoutContract(t *testing.T) {
	f := newFixture(DefaultConfig(), dfpCaps())
	f.eng.State.ContractExists = false

	f.o.ConnectChange()
	f.o.ContractComplete()
	f.timers.Advance(100 * time.Millisecond)
	assert.Empty(t, f.eng.Sent)
	assert.Equal(t, pdport.SwapDR, f.status.PendingSwaps)
}

func TestPartnerSwapComplete(t *testing.T) {
	f := newFixture(DefaultConfig(), dfpCaps())
	f.o.ConnectChange()

	f.o.SwapComplete(pdport.SwapDR, pdport.RequestReject)
	assert.Equal(t, pdport.SwapDR, f.status.PendingSwaps)

	f.o.SwapComplete(pdport.SwapDR, pdport.RequestAccept)
	assert.Zero(t, f.status.PendingSwaps)
}

func TestActiveSwapCompleteRestartsScheduling(t *testing.T) {
	f := newFixture(DefaultConfig(), dfpCaps())
	f.o.ConnectChange()
	f.o.ContractComplete()
	f.timers.Advance(10 * time.Millisecond)
	require.Equal(t, pdport.SwapDR, f.status.ActiveSwap)

	f.eng.State.DataRole = pdmsg.DataRoleDFP
	f.o.SwapComplete(pdport.SwapDR, pdport.RequestAccept)
	assert.Zero(t, f.status.PendingSwaps)
	assert.True(t, f.timers.IsRunning(pdport.Key(0, pdport.TimerInitiateSwap)))

	f.timers.Advance(100 * time.Millisecond)
	assert.Len(t, f.eng.Sent, 1)
	assert.Zero(t, f.status.ActiveSwap)
}

func TestDisabledRoleSwaps(t *testing.T) {
	caps := dfpCaps()
	caps.RoleSwaps = false
	f := newFixture(DefaultConfig(), caps)

	f.o.ConnectChange()
	f.o.ContractComplete()
	f.timers.Advance(100 * time.Millisecond)
	assert.Zero(t, f.status.PendingSwaps)
	assert.Empty(t, f.eng.Sent)
}
