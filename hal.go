package pdport

// Voltage levels in millivolts used throughout the controller.
const (
	VSafe0   = 0
	VSafe5   = 5000
	VBusMax  = 21500 // Absolute cap on any voltage applied to the port
	VSafe0Hi = 800   // Highest VBUS reading still considered vSafe0V
)

// Protection identifies one of the VBUS protection comparators.
type Protection uint8

// VBUS protections. The order is the order in which they are disarmed on
// shutdown.
const (
	ProtectOVP Protection = iota
	ProtectUVP
	ProtectOCP
	ProtectSCP
	ProtectRCP
	protectionCount
)

// Protections lists every protection in shutdown order.
var Protections = [protectionCount]Protection{ProtectOVP, ProtectUVP, ProtectOCP, ProtectSCP, ProtectRCP}

func (p Protection) String() string {
	switch p {
	case ProtectOVP:
		return "OVP"
	case ProtectUVP:
		return "UVP"
	case ProtectOCP:
		return "OCP"
	case ProtectSCP:
		return "SCP"
	case ProtectRCP:
		return "RCP"
	default:
		return "INVALID"
	}
}

// EdgeFunc is called when a comparator changes state. level is the new
// comparator output. It returns true if the edge was consumed.
//
// Edge functions may run in interrupt context on bare metal targets. They
// must not block.
type EdgeFunc func(level bool) bool

// PowerHAL controls and senses the VBUS power path of one port.
type PowerHAL interface {
	SetSourceFET(on bool)
	SetSinkFET(on bool)
	SetDischarge(on bool)

	// SetVoltage sets the regulator output in millivolts.
	SetVoltage(mV uint16)

	// VBusPresent returns true if VBUS is above mV adjusted by margin
	// percent. A negative margin lowers the threshold. For VSafe0 the
	// threshold is VSafe0Hi and margin is ignored.
	VBusPresent(mV uint16, margin int8) bool

	// MeasureVBus returns the VBUS voltage in millivolts.
	MeasureVBus() uint16

	// ArmProtection enables a comparator. threshold is the nominal level the
	// protection guards: millivolts for OVP, UVP and RCP, milliamps for OCP
	// and SCP. The implementation applies its own trip margin. Arming an
	// armed protection moves its threshold.
	ArmProtection(p Protection, threshold uint16, fn EdgeFunc)
	DisarmProtection(p Protection)
}

// PortHAL controls the CC and VCONN side of one port.
type PortHAL interface {
	// SetVConn switches the VCONN supply. It returns false if VCONN could not
	// be turned on.
	SetVConn(on bool) bool
	ArmVConnOCP(fn EdgeFunc)
	DisarmVConnOCP()

	// EnableRd applies Rd on both CC lines to watch for a physical detach.
	EnableRd()
	DisableRd()
	DisableRp()

	// SetCCOVPPending tells the hardware a CC over-voltage is being handled.
	SetCCOVPPending()

	// Cleanup resets the power path state after a disconnect.
	Cleanup()
}

// HAL is the complete hardware abstraction of a port.
type HAL interface {
	PowerHAL
	PortHAL
}

// PowerPathController drives the power path of a port in one power role.
type PowerPathController interface {
	// Enable turns the path on at mV and calls ready once it is usable.
	// ready may be nil.
	Enable(mV uint16, ready func())

	// Disable turns the path off and calls ready once it is safe. ready may
	// be nil.
	Disable(ready func())

	// SetCurrentLimit re-arms the over-current protections for the present
	// contract.
	SetCurrentLimit()
}
