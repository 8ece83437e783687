package pdport

import (
	"time"

	"github.com/oxplot/go-pdport/pdmsg"
)

// FaultType is a class of electrical fault with its own retry counter.
type FaultType uint8

// Fault types.
const (
	FaultVBusOVP FaultType = iota
	FaultVBusUVP
	FaultVBusOCP
	FaultVBusSCP
	FaultCCOVP
	FaultVConnOCP
	FaultSBUOVP
	FaultOTP
	FaultVBusRCP
	FaultTypeCount
)

// FaultUnlimited as a retry limit disables counting for a fault type, so
// that recovery is attempted forever.
const FaultUnlimited uint8 = 255

func (t FaultType) String() string {
	switch t {
	case FaultVBusOVP:
		return "vbus_ovp"
	case FaultVBusUVP:
		return "vbus_uvp"
	case FaultVBusOCP:
		return "vbus_ocp"
	case FaultVBusSCP:
		return "vbus_scp"
	case FaultCCOVP:
		return "cc_ovp"
	case FaultVConnOCP:
		return "vconn_ocp"
	case FaultSBUOVP:
		return "sbu_ovp"
	case FaultOTP:
		return "otp"
	case FaultVBusRCP:
		return "vbus_rcp"
	default:
		return "INVALID"
	}
}

// FaultFromEvent returns the fault type raised by a fault event.
func FaultFromEvent(e Event) (FaultType, bool) {
	switch e {
	case EventVBusOVP:
		return FaultVBusOVP, true
	case EventVBusUVP:
		return FaultVBusUVP, true
	case EventVBusOCP:
		return FaultVBusOCP, true
	case EventVBusSCP:
		return FaultVBusSCP, true
	case EventVBusRCP:
		return FaultVBusRCP, true
	case EventCCOVP:
		return FaultCCOVP, true
	case EventSBUOVP:
		return FaultSBUOVP, true
	case EventVConnOCP:
		return FaultVConnOCP, true
	case EventOTP:
		return FaultOTP, true
	}
	return 0, false
}

// FaultStatus holds the fault recovery flags of a port.
type FaultStatus uint8

// Fault recovery flags.
const (
	FaultSinkActive        FaultStatus = 1 << iota // Port disable must be queued
	FaultDisableInProgress                         // Port disabled, waiting for detach
	FaultVBusDropWait                              // Waiting for partner to remove VBUS
	FaultVConnActive                               // VCONN turned off after a fault
)

// FaultPortDisabling is set from the moment a port disable is queued until
// the partner is removed. Only the disable and the detach polling may issue
// port commands meanwhile.
const FaultPortDisabling = FaultSinkActive | FaultDisableInProgress

// Has returns true if any of the flags in v is set.
func (s FaultStatus) Has(v FaultStatus) bool {
	return s&v != 0
}

// Add sets the flags in v.
func (s *FaultStatus) Add(v FaultStatus) {
	*s |= v
}

// Clear clears the flags in v.
func (s *FaultStatus) Clear(v FaultStatus) {
	*s &^= v
}

// Swap is a set of role swaps.
type Swap uint8

// Role swaps in order of priority.
const (
	SwapVConn Swap = 1 << iota
	SwapDR
	SwapPR
)

func (s Swap) String() string {
	switch s {
	case 0:
		return "none"
	case SwapVConn:
		return "vconn"
	case SwapDR:
		return "dr"
	case SwapPR:
		return "pr"
	default:
		return "INVALID"
	}
}

// Command returns the protocol engine command that performs the swap.
func (s Swap) Command() Command {
	switch s {
	case SwapVConn:
		return CmdVConnSwap
	case SwapDR:
		return CmdDRSwap
	case SwapPR:
		return CmdPRSwap
	}
	return 0
}

// VDMVersion is the structured VDM version used on a contract.
type VDMVersion struct {
	Major uint8
	Minor uint8
}

// VDM versions.
var (
	VDMVersion10 = VDMVersion{Major: 1, Minor: 0}
	VDMVersion21 = VDMVersion{Major: 2, Minor: 1}
)

// PortStatus is the state the controller keeps for one port. It is owned by
// the port and shared by pointer with its source sequencer, fault handler and
// swap orchestrator, which all run on the control loop.
type PortStatus struct {
	Fault FaultStatus

	// FaultActive blocks enabling the power path while a recovery is in
	// progress.
	FaultActive bool

	// Source voltage target and last level confirmed stable, in millivolts.
	SourceVoltage    uint16
	SourceVoltageOld uint16
	SourceRising     bool

	// VBusOn mirrors the source FET. Only the sequencer changes it.
	VBusOn bool

	PendingSwaps   Swap
	ActiveSwap     Swap
	SwapRetryCount uint8
	SwapDelay      time.Duration

	VDMVersion      VDMVersion
	VDMRetryPending bool

	// Alert of the last VBUS fault seen by the source sequencer. It is
	// passed with the fault event to the solution, which reports it to the
	// partner, and cleared when the partner goes away.
	Alert pdmsg.AlertDO

	CableDiscoveryDone    bool
	CableDiscoveryPending bool
	DebugAccessory        bool
	ExtendedInFlight      bool
	PrevPolarity          Polarity
}
