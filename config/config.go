// Package config loads the YAML configuration of a port controller.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Config is the configuration of a port controller and its simulated
// partners.
type Config struct {
	LogLevel string       `mapstructure:"log_level"`
	Ports    []PortConfig `mapstructure:"ports"`
}

// ---- PORT ----

// PortConfig configures one port. Zero timings take their default value in
// Normalize.
type PortConfig struct {
	Index uint8 `mapstructure:"index"`

	Source bool `mapstructure:"source"`
	Sink   bool `mapstructure:"sink"`

	RoleSwaps          bool   `mapstructure:"role_swaps"`
	PowerRoleSwaps     bool   `mapstructure:"power_role_swaps"`
	PreferredPowerRole string `mapstructure:"preferred_power_role"` // any, source or sink
	PreferredDataRole  string `mapstructure:"preferred_data_role"`  // any, dfp or ufp

	CableDiscovery bool `mapstructure:"cable_discovery"`
	PDRev3         bool `mapstructure:"pd_rev3"`

	// Faults is keyed by fault type name, e.g. vbus_ocp.
	Faults map[string]FaultConfig `mapstructure:"faults"`

	SourcePDOs []PDOConfig    `mapstructure:"source_pdos"`
	Timing     TimingConfig   `mapstructure:"timing"`
	Partner    *PartnerConfig `mapstructure:"partner"`
}

// ---- FAULTS ----

// FaultConfig configures the handling of one fault type. Enabled only
// applies to the VBUS protections and VCONN over-current; the other faults
// are always detected.
type FaultConfig struct {
	Enabled    *bool `mapstructure:"enabled"`
	RetryLimit *int  `mapstructure:"retry_limit"` // 255 retries forever
}

// ---- POWER ----

// PDOConfig is a fixed supply offered when the port is a source.
type PDOConfig struct {
	VoltageMV    uint16 `mapstructure:"voltage_mv"`
	MaxCurrentMA uint16 `mapstructure:"max_current_ma"`
}

// ---- TIMING ----

// TimingConfig overrides the controller timings.
type TimingConfig struct {
	EnableTimeout        time.Duration `mapstructure:"enable_timeout"`
	MonitorPeriod        time.Duration `mapstructure:"monitor_period"`
	Hysteresis           time.Duration `mapstructure:"hysteresis"`
	DischargeTimeout     time.Duration `mapstructure:"discharge_timeout"`
	ExtraDischarge       time.Duration `mapstructure:"extra_discharge"`
	FaultRecoveryPeriod  time.Duration `mapstructure:"fault_recovery_period"`
	FaultRecoveryMaxWait time.Duration `mapstructure:"fault_recovery_max_wait"`
	VConnRecovery        time.Duration `mapstructure:"vconn_recovery"`
	DRSwapDelay          time.Duration `mapstructure:"dr_swap_delay"`
	PRSwapDelay          time.Duration `mapstructure:"pr_swap_delay"`
	MaxSwapAttempts      int           `mapstructure:"max_swap_attempts"`
	CableDiscoveryRetry  time.Duration `mapstructure:"cable_discovery_retry"`
}

// ---- SIMULATION ----

// PartnerConfig describes the simulated device plugged into a port.
type PartnerConfig struct {
	Role string `mapstructure:"role"` // sink or source

	// Voltage the partner asks for or offers, and the current it draws.
	VoltageMV uint16 `mapstructure:"voltage_mv"`
	CurrentMA uint16 `mapstructure:"current_ma"`

	DataRole string `mapstructure:"data_role"` // dfp or ufp, default opposite of ours
	EMCA     bool   `mapstructure:"emca"`      // Cable answers discovery

	// AttachAfter delays the attach from the start of the simulation.
	AttachAfter time.Duration `mapstructure:"attach_after"`
}

// Load reads the configuration file at path. The result is neither
// validated nor normalized.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document. Unknown keys are errors.
func Parse(data []byte) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}

	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused: true,
		Result:      &cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("failed to decode: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration of a single dual role port with no
// role preference and a sink partner asking for 9V.
func Default() *Config {
	cfg := &Config{
		LogLevel: "info",
		Ports: []PortConfig{{
			Index:          0,
			Source:         true,
			Sink:           true,
			CableDiscovery: true,
			PDRev3:         true,
			Partner: &PartnerConfig{
				Role:      "sink",
				VoltageMV: 9000,
				CurrentMA: 2000,
			},
		}},
	}
	cfg.Normalize()
	return cfg
}
