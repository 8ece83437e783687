package pdport

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/oxplot/go-pdport/pdmsg"
)

func TestTimerKey(t *testing.T) {
	k := Key(3, TimerInitiateSwap)
	assert.Equal(t, uint8(3), k.Port())
	assert.Equal(t, TimerInitiateSwap, k.ID())
	assert.Less(t, Key(0, TimerSourceExtraDischarge), Key(1, TimerSourceEnable))
}

func TestFaultFromEvent(t *testing.T) {
	for e := EventVBusOVP; e <= EventOTP; e++ {
		ft, ok := FaultFromEvent(e)
		assert.True(t, ok, e.String())
		assert.NotEqual(t, "INVALID", ft.String())
		assert.True(t, e.IsFault())
	}
	_, ok := FaultFromEvent(EventConnect)
	assert.False(t, ok)
	assert.False(t, EventConnect.IsFault())
}

func TestFaultStatus(t *testing.T) {
	var s FaultStatus
	s.Add(FaultSinkActive | FaultVBusDropWait)
	assert.True(t, s.Has(FaultSinkActive))
	s.Clear(FaultSinkActive)
	assert.False(t, s.Has(FaultSinkActive))
	assert.True(t, s.Has(FaultVBusDropWait|FaultDisableInProgress))
}

func TestRolePreference(t *testing.T) {
	assert.True(t, PreferAny.MatchesPower(pdmsg.PowerRoleSink))
	assert.True(t, PreferSource.MatchesPower(pdmsg.PowerRoleSource))
	assert.False(t, PreferSource.MatchesPower(pdmsg.PowerRoleSink))
	assert.False(t, PreferDFP.MatchesData(pdmsg.DataRoleUFP))
	assert.True(t, PreferUFP.MatchesData(pdmsg.DataRoleUFP))
}

func TestSwapCommand(t *testing.T) {
	assert.Equal(t, CmdVConnSwap, SwapVConn.Command())
	assert.Equal(t, CmdDRSwap, SwapDR.Command())
	assert.Equal(t, CmdPRSwap, SwapPR.Command())
	assert.Equal(t, Command(0), Swap(0).Command())
}

func TestContractEstablished(t *testing.T) {
	assert.True(t, ContractInfo{Status: ContractSuccessful}.Established())
	assert.True(t, ContractInfo{Status: ContractCapMismatch}.Established())
	assert.False(t, ContractInfo{Status: ContractRejected}.Established())
}
