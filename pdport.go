// Package pdport defines the types and collaborator interfaces of a USB Type-C
// power delivery port controller: the application layer that sits between a
// PD protocol engine and the physical power path of a port.
//
// The controller itself lives in the sub-packages: psource sequences VBUS on a
// source port, fault counts and recovers from electrical faults, swap
// arbitrates role swaps and app routes protocol engine events between them.
package pdport

import (
	"errors"
)

// Event is a notification delivered to the port controller, either by the
// protocol engine or by the hardware fault handlers.
type Event uint8

func (e Event) String() string {
	switch e {
	case EventNone:
		return "None"
	case EventTypeCStarted:
		return "TypeCStarted"
	case EventTypeCAttach:
		return "TypeCAttach"
	case EventConnect:
		return "Connect"
	case EventDisconnect:
		return "Disconnect"
	case EventHardResetComplete:
		return "HardResetComplete"
	case EventHardResetSent:
		return "HardResetSent"
	case EventHardResetReceived:
		return "HardResetReceived"
	case EventPEDisabled:
		return "PEDisabled"
	case EventPortDisable:
		return "PortDisable"
	case EventErrorRecovery:
		return "ErrorRecovery"
	case EventEmcaDetected:
		return "EmcaDetected"
	case EventEmcaNotDetected:
		return "EmcaNotDetected"
	case EventContractComplete:
		return "ContractComplete"
	case EventDRSwapComplete:
		return "DRSwapComplete"
	case EventPRSwapComplete:
		return "PRSwapComplete"
	case EventVendorResponseTimeout:
		return "VendorResponseTimeout"
	case EventExtendedMessage:
		return "ExtendedMessage"
	case EventDataResetAccepted:
		return "DataResetAccepted"
	case EventVBusOVP:
		return "VBusOVP"
	case EventVBusUVP:
		return "VBusUVP"
	case EventVBusOCP:
		return "VBusOCP"
	case EventVBusSCP:
		return "VBusSCP"
	case EventVBusRCP:
		return "VBusRCP"
	case EventCCOVP:
		return "CCOVP"
	case EventSBUOVP:
		return "SBUOVP"
	case EventVConnOCP:
		return "VConnOCP"
	case EventOTP:
		return "OTP"
	default:
		return "INVALID"
	}
}

// EventNone represents no event.
const EventNone Event = 0

// Events with a payload document its type. All others carry nil. VBUS fault
// events raised by the source sequencer carry the pdmsg.AlertDO to report
// to the partner.
const (
	EventTypeCStarted          Event = iota + 1 // Type-C state machine started
	EventTypeCAttach                            // Type-C attach debounced, polarity known
	EventConnect                                // Port partner connected
	EventDisconnect                             // Port partner disconnected
	EventHardResetComplete                      // Hard reset sequence finished
	EventHardResetSent                          // Hard reset sent to partner
	EventHardResetReceived                      // Hard reset received from partner
	EventPEDisabled                             // Policy engine stopped
	EventPortDisable                            // Port disable completed
	EventErrorRecovery                          // Type-C error recovery entered
	EventEmcaDetected                           // Marked cable responded to discovery
	EventEmcaNotDetected                        // No marked cable found
	EventContractComplete                       // Contract negotiation ended, data is ContractInfo
	EventDRSwapComplete                         // Data role swap ended, data is RequestStatus
	EventPRSwapComplete                         // Power role swap ended, data is RequestStatus
	EventVendorResponseTimeout                  // No response to a vendor message
	EventExtendedMessage                        // Extended message received, data is *pdmsg.ExtendedMessage
	EventDataResetAccepted                      // Data reset accepted by partner
	EventVBusOVP                                // VBUS over-voltage
	EventVBusUVP                                // VBUS under-voltage
	EventVBusOCP                                // VBUS over-current
	EventVBusSCP                                // VBUS short circuit
	EventVBusRCP                                // VBUS reverse current
	EventCCOVP                                  // Over-voltage on a CC line
	EventSBUOVP                                 // Over-voltage on an SBU line
	EventVConnOCP                               // VCONN over-current, debounced
	EventOTP                                    // Over-temperature
)

// IsFault returns true for events raised by an electrical fault.
func (e Event) IsFault() bool {
	return e >= EventVBusOVP && e <= EventOTP
}

// ContractStatus is the outcome of a contract negotiation.
type ContractStatus uint8

// Contract negotiation outcomes.
const (
	ContractSuccessful ContractStatus = iota
	ContractCapMismatch
	ContractRejected
	ContractFailed
)

// ContractInfo is the payload of EventContractComplete.
type ContractInfo struct {
	Status ContractStatus

	// Negotiated voltage in millivolts and maximum current in milliamps.
	Voltage    uint16
	MaxCurrent uint16
}

// Established returns true if the negotiation resulted in a usable
// contract, including one with a capability mismatch.
func (c ContractInfo) Established() bool {
	return c.Status == ContractSuccessful || c.Status == ContractCapMismatch
}

// RequestStatus is the partner's answer to a swap request.
type RequestStatus uint8

// Swap request outcomes.
const (
	RequestAccept RequestStatus = iota
	RequestReject
	RequestWait
	RequestNotSupported
)

// Solution receives the events the controller forwards to the application
// built on top of it.
type Solution interface {
	HandleEvent(port uint8, e Event, data any)
}

// SolutionFunc is an adapter to allow the use of ordinary functions as
// Solution.
type SolutionFunc func(port uint8, e Event, data any)

// HandleEvent implements Solution interface.
func (f SolutionFunc) HandleEvent(port uint8, e Event, data any) {
	f(port, e, data)
}

// BatteryHooks is implemented by solutions that power the source path from
// a battery charger which must follow the FET state.
type BatteryHooks interface {
	BatterySourceEnable(port uint8)
	BatterySourceDisable(port uint8)
}

var (
	// ErrBusy is returned by ProtocolEngine.SendCommand if the engine cannot
	// accept the command right now. The caller may retry later.
	ErrBusy = errors.New("protocol engine busy")

	// ErrCommandFailed is returned by ProtocolEngine.SendCommand if the command
	// was rejected outright.
	ErrCommandFailed = errors.New("protocol engine command failed")

	// ErrNoContract is returned for commands that need an explicit contract
	// when there is none.
	ErrNoContract = errors.New("no explicit contract")
)
