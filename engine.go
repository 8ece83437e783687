package pdport

import (
	"time"

	"github.com/oxplot/go-pdport/pdmsg"
)

// Command is a request sent to the protocol engine.
type Command uint8

// Commands accepted by the protocol engine.
const (
	CmdInitiateCableDiscovery Command = iota + 1
	CmdHardReset
	CmdVConnSwap
	CmdDRSwap
	CmdPRSwap
	CmdExtended     // Send an extended message or chunk request, see CommandArgs
	CmdNotSupported // Reply Not_Supported to the last message
	CmdErrorRecovery
	CmdPortDisable
	CmdPEStop
	CmdDPMStart
)

func (c Command) String() string {
	switch c {
	case CmdInitiateCableDiscovery:
		return "InitiateCableDiscovery"
	case CmdHardReset:
		return "HardReset"
	case CmdVConnSwap:
		return "VConnSwap"
	case CmdDRSwap:
		return "DRSwap"
	case CmdPRSwap:
		return "PRSwap"
	case CmdExtended:
		return "Extended"
	case CmdNotSupported:
		return "NotSupported"
	case CmdErrorRecovery:
		return "ErrorRecovery"
	case CmdPortDisable:
		return "PortDisable"
	case CmdPEStop:
		return "PEStop"
	case CmdDPMStart:
		return "DPMStart"
	default:
		return "INVALID"
	}
}

// Response is the asynchronous completion status of a command.
type Response uint8

// Command completion statuses.
const (
	ResponseReceived Response = iota // Partner responded, message attached
	ResponseCommandSent              // Command sent, no response expected
	ResponseCommandFailed            // Command could not be sent
	ResponseAborted                  // Sequence aborted by another message
	ResponseTimeout                  // Partner did not respond in time
)

func (r Response) String() string {
	switch r {
	case ResponseReceived:
		return "Received"
	case ResponseCommandSent:
		return "CommandSent"
	case ResponseCommandFailed:
		return "CommandFailed"
	case ResponseAborted:
		return "Aborted"
	case ResponseTimeout:
		return "Timeout"
	default:
		return "INVALID"
	}
}

// ResponseFunc receives the completion of a command. m is only non-nil when
// r is ResponseReceived.
type ResponseFunc func(r Response, m *pdmsg.Message)

// CommandArgs carries the parameters of commands that need them.
type CommandArgs struct {
	ExtendedType   pdmsg.ExtendedType
	ExtendedHeader pdmsg.ExtendedHeader
}

// Polarity identifies the CC line used for communication.
type Polarity uint8

// CC line polarities.
const (
	PolarityCC1 Polarity = iota
	PolarityCC2
)

// Device is the kind of partner detected at attach.
type Device uint8

// Attached partner kinds.
const (
	DeviceNone Device = iota
	DeviceSink
	DeviceSource
	DeviceDebugAccessory
	DeviceAudioAccessory
)

// RpLevel is the Type-C current advertisement of a source.
type RpLevel uint8

// Rp current advertisements.
const (
	RpDefault RpLevel = iota
	Rp1A5
	Rp3A0
)

// DPMStatus is a snapshot of the protocol engine's view of the port.
type DPMStatus struct {
	DPMEnabled     bool
	Attached       bool
	ContractExists bool

	PowerRole pdmsg.PowerRole
	DataRole  pdmsg.DataRole

	// True if this port currently sources VCONN.
	VConnSource bool

	Polarity       Polarity
	AttachedDevice Device
	SpecRevision   pdmsg.Revision

	// Current advertised through Rp when there is no contract.
	RpLevel RpLevel

	// Maximum current in milliamps of the selected source PDO.
	ContractCurrent uint16

	// Delay before a debug accessory may be powered.
	MuxEnableDelay time.Duration
}

// ProtocolEngine is the USB PD protocol and policy engine of one port. The
// engine owns message level communication and contract negotiation; the
// port controller drives it through commands and learns about its progress
// through events.
//
// Implementations must not call back into the controller from inside
// SendCommand. Completion is always delivered later, from the control loop.
type ProtocolEngine interface {

	// Status returns the current state of the port as seen by the engine.
	Status() DPMStatus

	// SendCommand queues a command. It returns ErrBusy if the engine cannot
	// take the command now and ErrCommandFailed if the command is not valid in
	// the current state. If nonInterruptible is set, the resulting sequence
	// must not be interrupted by other messages. done may be nil.
	SendCommand(cmd Command, args *CommandArgs, nonInterruptible bool, done ResponseFunc) error
}
