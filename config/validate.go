package config

import (
	"fmt"

	"github.com/oxplot/go-pdport"
	"github.com/oxplot/go-pdport/pdmsg"
)

// Validate checks configuration correctness.
// It performs declarative validation only and does not mutate the
// configuration.
func (c *Config) Validate() error {
	if len(c.Ports) == 0 {
		return fmt.Errorf("config: no ports defined")
	}

	seen := make(map[uint8]bool)
	for i := range c.Ports {
		p := &c.Ports[i]
		if seen[p.Index] {
			return fmt.Errorf("config: port %d defined twice", p.Index)
		}
		seen[p.Index] = true
		if err := p.validate(); err != nil {
			return fmt.Errorf("config: port %d: %w", p.Index, err)
		}
	}
	return nil
}

func (p *PortConfig) validate() error {
	if !p.Source && !p.Sink {
		return fmt.Errorf("must be able to source, sink or both")
	}

	// ---- role preferences ----

	power, ok := parsePowerRole(p.PreferredPowerRole)
	if !ok {
		return fmt.Errorf("preferred_power_role %q is not one of any, source, sink", p.PreferredPowerRole)
	}
	if _, ok := parseDataRole(p.PreferredDataRole); !ok {
		return fmt.Errorf("preferred_data_role %q is not one of any, dfp, ufp", p.PreferredDataRole)
	}
	if p.PowerRoleSwaps && !p.RoleSwaps {
		return fmt.Errorf("power_role_swaps requires role_swaps")
	}
	if p.PowerRoleSwaps && !(p.Source && p.Sink) {
		return fmt.Errorf("power_role_swaps requires a dual role port")
	}
	if power != pdport.PreferAny && !p.PowerRoleSwaps {
		return fmt.Errorf("preferred_power_role requires power_role_swaps")
	}

	// ---- faults ----

	for name, f := range p.Faults {
		t, ok := faultType(name)
		if !ok {
			return fmt.Errorf("unknown fault type %q", name)
		}
		if f.RetryLimit != nil && (*f.RetryLimit < 0 || *f.RetryLimit > int(pdport.FaultUnlimited)) {
			return fmt.Errorf("fault %s: retry_limit %d out of range 0-255", name, *f.RetryLimit)
		}
		if f.Enabled != nil && !*f.Enabled && !canDisable(t) {
			return fmt.Errorf("fault %s cannot be disabled", name)
		}
	}

	// ---- power ----

	if len(p.SourcePDOs) > 0 && !p.Source {
		return fmt.Errorf("source_pdos set on a port that cannot source")
	}
	if len(p.SourcePDOs) > pdmsg.MaxDataObjects {
		return fmt.Errorf("source_pdos has %d entries, at most %d are allowed", len(p.SourcePDOs), pdmsg.MaxDataObjects)
	}
	for i, pdo := range p.SourcePDOs {
		if pdo.VoltageMV > pdport.VBusMax {
			return fmt.Errorf("source_pdos[%d]: %dmV exceeds %dmV", i, pdo.VoltageMV, pdport.VBusMax)
		}
		if pdo.MaxCurrentMA == 0 {
			return fmt.Errorf("source_pdos[%d]: max_current_ma must be set", i)
		}
		if i == 0 && pdo.VoltageMV != pdport.VSafe5 {
			return fmt.Errorf("source_pdos[0] must be 5000mV, got %dmV", pdo.VoltageMV)
		}
		if i > 0 && pdo.VoltageMV <= p.SourcePDOs[i-1].VoltageMV {
			return fmt.Errorf("source_pdos[%d]: voltages must increase", i)
		}
	}

	// ---- timing ----

	if err := p.Timing.validate(); err != nil {
		return fmt.Errorf("timing: %w", err)
	}

	// ---- partner ----

	if p.Partner != nil {
		if err := p.Partner.validate(p); err != nil {
			return fmt.Errorf("partner: %w", err)
		}
	}
	return nil
}

func (t *TimingConfig) validate() error {
	durations := map[string]int64{
		"enable_timeout":          int64(t.EnableTimeout),
		"monitor_period":          int64(t.MonitorPeriod),
		"hysteresis":              int64(t.Hysteresis),
		"discharge_timeout":       int64(t.DischargeTimeout),
		"extra_discharge":         int64(t.ExtraDischarge),
		"fault_recovery_period":   int64(t.FaultRecoveryPeriod),
		"fault_recovery_max_wait": int64(t.FaultRecoveryMaxWait),
		"vconn_recovery":          int64(t.VConnRecovery),
		"dr_swap_delay":           int64(t.DRSwapDelay),
		"pr_swap_delay":           int64(t.PRSwapDelay),
		"cable_discovery_retry":   int64(t.CableDiscoveryRetry),
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if t.MaxSwapAttempts < 0 || t.MaxSwapAttempts > 255 {
		return fmt.Errorf("max_swap_attempts %d out of range 0-255", t.MaxSwapAttempts)
	}
	if t.Hysteresis != 0 && t.EnableTimeout != 0 && t.Hysteresis >= t.EnableTimeout {
		return fmt.Errorf("hysteresis must be shorter than enable_timeout")
	}
	return nil
}

func (pc *PartnerConfig) validate(p *PortConfig) error {
	switch pc.Role {
	case "sink":
		if !p.Source {
			return fmt.Errorf("sink partner needs a port that can source")
		}
	case "source":
		if !p.Sink {
			return fmt.Errorf("source partner needs a port that can sink")
		}
	default:
		return fmt.Errorf("role %q is not one of sink, source", pc.Role)
	}
	if pc.VoltageMV > pdport.VBusMax {
		return fmt.Errorf("voltage_mv %d exceeds %d", pc.VoltageMV, pdport.VBusMax)
	}
	switch pc.DataRole {
	case "", "dfp", "ufp":
	default:
		return fmt.Errorf("data_role %q is not one of dfp, ufp", pc.DataRole)
	}
	if pc.AttachAfter < 0 {
		return fmt.Errorf("attach_after must not be negative")
	}
	return nil
}

func parsePowerRole(s string) (pdport.RolePreference, bool) {
	switch s {
	case "", "any":
		return pdport.PreferAny, true
	case "source":
		return pdport.PreferSource, true
	case "sink":
		return pdport.PreferSink, true
	}
	return 0, false
}

func parseDataRole(s string) (pdport.RolePreference, bool) {
	switch s {
	case "", "any":
		return pdport.PreferAny, true
	case "dfp":
		return pdport.PreferDFP, true
	case "ufp":
		return pdport.PreferUFP, true
	}
	return 0, false
}

func faultType(name string) (pdport.FaultType, bool) {
	for t := pdport.FaultType(0); t < pdport.FaultTypeCount; t++ {
		if t.String() == name {
			return t, true
		}
	}
	return 0, false
}

func canDisable(t pdport.FaultType) bool {
	switch t {
	case pdport.FaultVBusOVP, pdport.FaultVBusUVP, pdport.FaultVBusOCP,
		pdport.FaultVBusSCP, pdport.FaultVBusRCP, pdport.FaultVConnOCP:
		return true
	}
	return false
}
