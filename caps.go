package pdport

import "github.com/oxplot/go-pdport/pdmsg"

// RolePreference is a preferred power or data role of a port.
type RolePreference uint8

// Role preferences. PreferAny disables swaps for the role.
const (
	PreferAny RolePreference = iota
	PreferSource
	PreferSink
	PreferDFP
	PreferUFP
)

func (p RolePreference) String() string {
	switch p {
	case PreferAny:
		return "any"
	case PreferSource:
		return "source"
	case PreferSink:
		return "sink"
	case PreferDFP:
		return "dfp"
	case PreferUFP:
		return "ufp"
	default:
		return "INVALID"
	}
}

// MatchesPower returns true if the power role r satisfies the preference.
func (p RolePreference) MatchesPower(r pdmsg.PowerRole) bool {
	switch p {
	case PreferSource:
		return r == pdmsg.PowerRoleSource
	case PreferSink:
		return r == pdmsg.PowerRoleSink
	}
	return true
}

// MatchesData returns true if the data role r satisfies the preference.
func (p RolePreference) MatchesData(r pdmsg.DataRole) bool {
	switch p {
	case PreferDFP:
		return r == pdmsg.DataRoleDFP
	case PreferUFP:
		return r == pdmsg.DataRoleUFP
	}
	return true
}

// Capabilities selects the optional behaviour of a port. It replaces build
// time feature selection: every port runs the same code and branches on
// these fields.
type Capabilities struct {
	Source bool // Port can source VBUS
	Sink   bool // Port can sink VBUS

	// RoleSwaps enables the swap orchestrator. With PowerRoleSwaps unset only
	// data role swaps are attempted and a swap that gives up clears all
	// pending swaps.
	RoleSwaps      bool
	PowerRoleSwaps bool

	PreferredPowerRole RolePreference
	PreferredDataRole  RolePreference

	CableDiscovery bool
	VConnOCP       bool

	// PDRev3 enables extended message handling.
	PDRev3 bool
}
