package config

import (
	"sort"

	"github.com/oxplot/go-pdport"
	"github.com/oxplot/go-pdport/app"
)

// Normalize fills in defaults. It must only be called after Validate.
func (c *Config) Normalize() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	sort.Slice(c.Ports, func(i, j int) bool { return c.Ports[i].Index < c.Ports[j].Index })

	def := app.DefaultConfig()
	for i := range c.Ports {
		p := &c.Ports[i]

		if p.PreferredPowerRole == "" {
			p.PreferredPowerRole = "any"
		}
		if p.PreferredDataRole == "" {
			p.PreferredDataRole = "any"
		}
		if p.Source && len(p.SourcePDOs) == 0 {
			p.SourcePDOs = []PDOConfig{
				{VoltageMV: 5000, MaxCurrentMA: 3000},
				{VoltageMV: 9000, MaxCurrentMA: 3000},
				{VoltageMV: 15000, MaxCurrentMA: 3000},
				{VoltageMV: 20000, MaxCurrentMA: 2250},
			}
		}

		t := &p.Timing
		setDefault(&t.EnableTimeout, def.Source.EnableTimeout)
		setDefault(&t.MonitorPeriod, def.Source.Monitor)
		setDefault(&t.Hysteresis, def.Source.Hysteresis)
		setDefault(&t.DischargeTimeout, def.Source.DisableTimeout)
		setDefault(&t.ExtraDischarge, def.Source.ExtraDischarge)
		setDefault(&t.FaultRecoveryPeriod, def.Fault.RecoveryPeriod)
		setDefault(&t.FaultRecoveryMaxWait, def.Fault.RecoveryMaxWait)
		setDefault(&t.VConnRecovery, def.Fault.VConnRecovery)
		setDefault(&t.DRSwapDelay, def.Swap.DRDelay)
		setDefault(&t.PRSwapDelay, def.Swap.PRDelay)
		setDefault(&t.CableDiscoveryRetry, def.CableDiscoveryRetry)
		if t.MaxSwapAttempts == 0 {
			t.MaxSwapAttempts = int(def.Swap.MaxAttempts)
		}

		if pc := p.Partner; pc != nil {
			if pc.VoltageMV == 0 {
				pc.VoltageMV = pdport.VSafe5
			}
			if pc.CurrentMA == 0 {
				pc.CurrentMA = 500
			}
		}
	}
}

func setDefault[T comparable](v *T, def T) {
	var zero T
	if *v == zero {
		*v = def
	}
}

// App returns the controller configuration of a validated and normalized
// port.
func (p *PortConfig) App() app.Config {
	c := app.DefaultConfig()
	power, _ := parsePowerRole(p.PreferredPowerRole)
	data, _ := parseDataRole(p.PreferredDataRole)

	c.Caps = pdport.Capabilities{
		Source:             p.Source,
		Sink:               p.Sink,
		RoleSwaps:          p.RoleSwaps,
		PowerRoleSwaps:     p.PowerRoleSwaps,
		PreferredPowerRole: power,
		PreferredDataRole:  data,
		CableDiscovery:     p.CableDiscovery,
		VConnOCP:           true,
		PDRev3:             p.PDRev3,
	}

	t := p.Timing
	c.Source.EnableTimeout = t.EnableTimeout
	c.Source.Monitor = t.MonitorPeriod
	c.Source.Hysteresis = t.Hysteresis
	c.Source.DisableTimeout = t.DischargeTimeout
	c.Source.ExtraDischarge = t.ExtraDischarge
	c.Fault.RecoveryPeriod = t.FaultRecoveryPeriod
	c.Fault.RecoveryMaxWait = t.FaultRecoveryMaxWait
	c.Fault.VConnRecovery = t.VConnRecovery
	c.Swap.DRDelay = t.DRSwapDelay
	c.Swap.PRDelay = t.PRSwapDelay
	c.Swap.MaxAttempts = uint8(t.MaxSwapAttempts)
	c.CableDiscoveryRetry = t.CableDiscoveryRetry

	for name, f := range p.Faults {
		ft, _ := faultType(name)
		if f.RetryLimit != nil {
			c.Fault.Limits[ft] = uint8(*f.RetryLimit)
		}
		if f.Enabled == nil {
			continue
		}
		on := *f.Enabled
		switch ft {
		case pdport.FaultVBusOVP:
			c.Source.OVP = on
		case pdport.FaultVBusUVP:
			c.Source.UVP = on
		case pdport.FaultVBusOCP:
			c.Source.OCP = on
		case pdport.FaultVBusSCP:
			c.Source.SCP = on
		case pdport.FaultVBusRCP:
			c.Source.RCP = on
		case pdport.FaultVConnOCP:
			c.Caps.VConnOCP = on
		}
	}
	return c
}
