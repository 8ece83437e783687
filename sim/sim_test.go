package sim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxplot/go-pdport"
	"github.com/oxplot/go-pdport/config"
	"github.com/oxplot/go-pdport/internal/pdtest"
	"github.com/oxplot/go-pdport/pdmsg"
	"github.com/oxplot/go-pdport/swtimer"
)

type fixture struct {
	clock *swtimer.ManualClock
	sim   *Sim
	sol   *pdtest.Solution
	obs   *pdtest.Observer
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	f := &fixture{
		clock: &swtimer.ManualClock{},
		sol:   &pdtest.Solution{},
		obs:   &pdtest.Observer{},
	}
	s, err := New(cfg, f.clock, f.sol)
	require.NoError(t, err)
	s.SetObserver(f.obs)
	f.sim = s
	return f
}

// run steps the control loop once per simulated millisecond.
func (f *fixture) run(d time.Duration) {
	for ; d > 0; d -= time.Millisecond {
		f.clock.Advance(time.Millisecond)
		f.sim.Manager.Task()
	}
}

func (f *fixture) contract(t *testing.T) pdport.ContractInfo {
	t.Helper()
	for _, e := range f.sol.Events {
		if e.Event == pdport.EventContractComplete {
			info, ok := e.Data.(pdport.ContractInfo)
			require.True(t, ok)
			return info
		}
	}
	t.Fatal("no contract")
	return pdport.ContractInfo{}
}

func TestSourceNegotiatesPartnerVoltage(t *testing.T) {
	f := newFixture(t, config.Default())
	f.run(500 * time.Millisecond)

	eng := f.sim.Engine(0)
	port := f.sim.Manager.Port(0)
	assert.Equal(t, "ready", eng.State())
	assert.Equal(t, "contract", port.State())

	info := f.contract(t)
	assert.Equal(t, pdport.ContractSuccessful, info.Status)
	assert.Equal(t, uint16(9000), info.Voltage)
	assert.Equal(t, uint16(3000), info.MaxCurrent)

	b := eng.Board()
	assert.True(t, b.SourceOn())
	assert.InDelta(t, 9000, int(b.VBus()), 100)
	assert.Equal(t, int64(2000), b.IBus())
	assert.True(t, b.VConnOn())

	st := port.Status()
	assert.True(t, st.VBusOn)
	assert.True(t, st.CableDiscoveryDone)
	assert.Equal(t, pdport.VDMVersion21, st.VDMVersion)
	assert.True(t, f.sol.Has(pdport.EventEmcaNotDetected))
	assert.NoError(t, f.sim.Err())
}

func TestSinkFollowsSourcePartner(t *testing.T) {
	cfg, err := config.Load("../config/testdata/pdsim.yaml")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	cfg.Normalize()

	f := newFixture(t, cfg)
	f.run(400 * time.Millisecond)

	eng := f.sim.Engine(1)
	require.NotNil(t, eng)
	assert.Equal(t, "ready", eng.State())
	assert.Equal(t, "contract", f.sim.Manager.Port(1).State())
	assert.True(t, eng.Board().SinkOn())
	assert.False(t, eng.Board().SourceOn())
	assert.InDelta(t, 9000, int(eng.Board().VBus()), 100)
	assert.Equal(t, pdmsg.PowerRoleSink, eng.Status().PowerRole)

	// Port 0 has an EMCA cable and a 15V sink partner.
	p0 := f.sim.Engine(0)
	assert.InDelta(t, 15000, int(p0.Board().VBus()), 150)
	assert.True(t, f.sim.Manager.Port(0).Status().CableDiscoveryDone)
	assert.True(t, f.sol.Has(pdport.EventEmcaDetected))
}

func TestSinkPolicyLimitsVoltage(t *testing.T) {
	cfg, err := config.Load("../config/testdata/pdsim.yaml")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	cfg.Normalize()

	f := newFixture(t, cfg)
	eng := f.sim.Engine(1)
	assert.Error(t, eng.SetSinkPolicy(CVPolicy{MinVoltage: 9000, MaxVoltage: 5000}))
	require.NoError(t, eng.SetSinkPolicy(CVPolicy{MinVoltage: 5000, MaxVoltage: 5000, Current: 500}))
	f.run(400 * time.Millisecond)

	assert.Equal(t, "ready", eng.State())
	assert.InDelta(t, 5000, int(eng.Board().VBus()), 100)
	assert.Equal(t, uint16(3000), eng.Status().ContractCurrent)
}

func TestPartnerBeforeAttachDelay(t *testing.T) {
	cfg := config.Default()
	cfg.Ports[0].Partner.AttachAfter = 200 * time.Millisecond
	f := newFixture(t, cfg)

	f.run(150 * time.Millisecond)
	assert.Equal(t, "unattached", f.sim.Manager.Port(0).State())
	assert.True(t, f.sol.Has(pdport.EventTypeCStarted))
	assert.False(t, f.sol.Has(pdport.EventConnect))

	f.run(400 * time.Millisecond)
	assert.Equal(t, "contract", f.sim.Manager.Port(0).State())
}

func TestDataRoleSwapTowardsPreference(t *testing.T) {
	cfg := config.Default()
	cfg.Ports[0].RoleSwaps = true
	cfg.Ports[0].PreferredDataRole = "ufp"
	f := newFixture(t, cfg)

	f.run(600 * time.Millisecond)
	eng := f.sim.Engine(0)
	assert.Equal(t, pdmsg.DataRoleUFP, eng.Status().DataRole)
	assert.Equal(t, []pdport.Swap{pdport.SwapDR}, f.obs.Swaps)
	assert.True(t, f.sol.Has(pdport.EventDRSwapComplete))
	assert.Zero(t, f.sim.Manager.Port(0).Status().PendingSwaps)
}

func TestPartnerRejectsDataRoleSwap(t *testing.T) {
	cfg := config.Default()
	cfg.Ports[0].RoleSwaps = true
	cfg.Ports[0].PreferredDataRole = "ufp"
	cfg.Ports[0].Partner.DataRole = "ufp"
	f := newFixture(t, cfg)

	f.run(600 * time.Millisecond)
	assert.Equal(t, pdmsg.DataRoleDFP, f.sim.Engine(0).Status().DataRole)
	assert.False(t, f.sol.Has(pdport.EventDRSwapComplete))
	assert.Equal(t, []pdport.Swap{pdport.SwapDR}, f.obs.Swaps)
}

func TestOverCurrentEscalatesToPortDisable(t *testing.T) {
	f := newFixture(t, config.Default())
	f.run(500 * time.Millisecond)
	require.Equal(t, "contract", f.sim.Manager.Port(0).State())

	b := f.sim.Engine(0).Board()
	b.InjectOverload(2000)
	f.run(1200 * time.Millisecond)

	require.GreaterOrEqual(t, len(f.obs.Counted), 3)
	assert.Equal(t, []pdport.FaultType{pdport.FaultVBusOCP, pdport.FaultVBusOCP, pdport.FaultVBusOCP}, f.obs.Counted[:3])
	assert.Contains(t, f.obs.Escalated, pdport.FaultVBusOCP)
	assert.GreaterOrEqual(t, f.obs.Disables, 1)
	assert.True(t, f.sol.Has(pdport.EventHardResetSent))
	assert.True(t, f.sol.Has(pdport.EventPortDisable))
	assert.False(t, b.SourceOn())
}

func TestUnplugDisconnects(t *testing.T) {
	f := newFixture(t, config.Default())
	f.run(500 * time.Millisecond)

	eng := f.sim.Engine(0)
	eng.Unplug()
	f.run(200 * time.Millisecond)

	assert.Equal(t, "unattached", f.sim.Manager.Port(0).State())
	assert.True(t, f.sol.Has(pdport.EventDisconnect))
	assert.False(t, eng.Board().SourceOn())
	assert.False(t, eng.Board().VConnOn())
	assert.Less(t, int(eng.Board().VBus()), pdport.VSafe0Hi)

	eng.Plug()
	f.run(500 * time.Millisecond)
	assert.Equal(t, "contract", f.sim.Manager.Port(0).State())
}

func TestInjectedCCOVP(t *testing.T) {
	f := newFixture(t, config.Default())
	f.run(500 * time.Millisecond)

	eng := f.sim.Engine(0)
	require.True(t, eng.Board().VConnOn())
	eng.Inject(pdport.EventCCOVP)
	f.run(time.Millisecond)

	assert.False(t, eng.Board().VConnOn())
	assert.Equal(t, []pdport.FaultType{pdport.FaultCCOVP}, f.obs.Counted)
	assert.True(t, f.sol.Has(pdport.EventCCOVP))
}

func TestNoPartner(t *testing.T) {
	cfg := config.Default()
	cfg.Ports[0].Partner = nil
	f := newFixture(t, cfg)
	f.run(300 * time.Millisecond)

	assert.Equal(t, "unattached", f.sim.Manager.Port(0).State())
	assert.False(t, f.sol.Has(pdport.EventConnect))
}

func TestTooManyPDOs(t *testing.T) {
	cfg := config.Default()
	pdos := cfg.Ports[0].SourcePDOs
	for len(pdos) <= pdmsg.MaxDataObjects {
		pdos = append(pdos, pdos[len(pdos)-1])
	}
	cfg.Ports[0].SourcePDOs = pdos
	_, err := New(cfg, &swtimer.ManualClock{}, nil)
	assert.ErrorContains(t, err, "sim: port 0")
}
