// Package pdmsg defines the USB Power Delivery messages and data objects the
// port controller exchanges with its protocol engine. Framing, CRC and
// message IDs belong to the engine and are not modelled here.
package pdmsg

import "fmt"

// MaxDataObjects is the maximum number of data objects in one message.
const MaxDataObjects = 7

// Message is a control or data message as reported by the protocol engine.
type Message struct {
	Header uint16

	// Data holds DataObjectCount data objects. For source and sink
	// capabilities use PDOs.
	Data [MaxDataObjects]uint32
}

// NewControl returns a control message of type t sent with the given
// revision and power role.
func NewControl(t Type, rev Revision, pr PowerRole) Message {
	var m Message
	m.SetType(t)
	m.SetRevision(rev)
	m.SetPowerRole(pr)
	return m
}

// NewSourceCap returns a Source_Capabilities message offering pdos. Objects
// past MaxDataObjects are dropped.
func NewSourceCap(rev Revision, pdos []PDO) Message {
	m := NewControl(TypeSourceCap, rev, PowerRoleSource)
	n := min(len(pdos), MaxDataObjects)
	for i := range n {
		m.Data[i] = uint32(pdos[i])
	}
	m.SetDataObjectCount(uint8(n))
	return m
}

// PDOs returns the data objects of the message as power data objects.
func (m Message) PDOs() []PDO {
	n := m.DataObjectCount()
	pdos := make([]PDO, n)
	for i := range pdos {
		pdos[i] = PDO(m.Data[i])
	}
	return pdos
}

// Header fields as shift and width.
const (
	hdrType      = 0<<8 | 5
	hdrDataRole  = 5<<8 | 1
	hdrRevision  = 6<<8 | 2
	hdrPowerRole = 8<<8 | 1
	hdrCount     = 12<<8 | 3
)

func (m Message) field(f uint16) uint16 {
	return uint16(get(uint32(m.Header), f))
}

func (m *Message) setField(f uint16, v uint16) {
	m.Header = uint16(set(uint32(m.Header), f, uint32(v)))
}

// DataObjectCount returns the number of data objects in the message.
func (m Message) DataObjectCount() uint8 {
	return uint8(m.field(hdrCount))
}

// SetDataObjectCount sets the number of data objects in the message.
func (m *Message) SetDataObjectCount(n uint8) {
	m.setField(hdrCount, uint16(n))
}

// IsData returns true if the message carries data objects.
func (m Message) IsData() bool {
	return m.DataObjectCount() > 0
}

// Type returns the message type. Data and control messages share type
// values, so IsData must be checked as well.
func (m Message) Type() Type {
	return Type(m.field(hdrType))
}

// SetType sets the message type.
func (m *Message) SetType(t Type) {
	m.setField(hdrType, uint16(t))
}

func (m Message) String() string {
	if m.IsData() {
		return fmt.Sprintf("%s(%d)", dataTypeName(m.Type()), m.DataObjectCount())
	}
	return m.Type().String()
}

// Type is a message type value. See IsData for telling control and data
// types apart.
type Type uint8

// Control message types.
const (
	TypeGoodCRC      Type = 0b00001
	TypeAccept       Type = 0b00011
	TypeReject       Type = 0b00100
	TypePing         Type = 0b00101
	TypePSReady      Type = 0b00110
	TypeGetSourceCap Type = 0b00111
	TypeGetSinkCap   Type = 0b01000
	TypeDRSwap       Type = 0b01001
	TypePRSwap       Type = 0b01010
	TypeVConnSwap    Type = 0b01011
	TypeWait         Type = 0b01100
	TypeSoftReset    Type = 0b01101
	TypeNotSupported Type = 0b10000
	TypeGetStatus    Type = 0b10010
	TypeFRSwap       Type = 0b10011
)

// Data message types.
const (
	TypeSourceCap     Type = 0b00001
	TypeRequest       Type = 0b00010
	TypeSinkCap       Type = 0b00100
	TypeAlert         Type = 0b00110
	TypeVendorDefined Type = 0b01111
)

// String returns the name of t as a control message type.
func (t Type) String() string {
	switch t {
	case TypeGoodCRC:
		return "GoodCRC"
	case TypeAccept:
		return "Accept"
	case TypeReject:
		return "Reject"
	case TypePing:
		return "Ping"
	case TypePSReady:
		return "PS_RDY"
	case TypeGetSourceCap:
		return "Get_Source_Cap"
	case TypeGetSinkCap:
		return "Get_Sink_Cap"
	case TypeDRSwap:
		return "DR_Swap"
	case TypePRSwap:
		return "PR_Swap"
	case TypeVConnSwap:
		return "VCONN_Swap"
	case TypeWait:
		return "Wait"
	case TypeSoftReset:
		return "Soft_Reset"
	case TypeNotSupported:
		return "Not_Supported"
	case TypeGetStatus:
		return "Get_Status"
	case TypeFRSwap:
		return "FR_Swap"
	}
	return fmt.Sprintf("Control(%d)", uint8(t))
}

func dataTypeName(t Type) string {
	switch t {
	case TypeSourceCap:
		return "Source_Capabilities"
	case TypeRequest:
		return "Request"
	case TypeSinkCap:
		return "Sink_Capabilities"
	case TypeAlert:
		return "Alert"
	case TypeVendorDefined:
		return "Vendor_Defined"
	}
	return fmt.Sprintf("Data(%d)", uint8(t))
}

// Revision returns the PD revision the message was sent with.
func (m Message) Revision() Revision {
	return Revision(m.field(hdrRevision))
}

// SetRevision sets the PD revision of the message.
func (m *Message) SetRevision(r Revision) {
	m.setField(hdrRevision, uint16(r))
}

// Revision is a PD specification revision.
type Revision uint8

// PD revisions.
const (
	Revision10 Revision = 0b00
	Revision20 Revision = 0b01
	Revision30 Revision = 0b10
)

// PowerRole returns the power role of the sender.
func (m Message) PowerRole() PowerRole {
	return PowerRole(m.field(hdrPowerRole))
}

// SetPowerRole sets the power role of the sender.
func (m *Message) SetPowerRole(r PowerRole) {
	m.setField(hdrPowerRole, uint16(r))
}

// PowerRole is the power role of a port.
type PowerRole uint8

// Power roles.
const (
	PowerRoleSink   PowerRole = 0
	PowerRoleSource PowerRole = 1
)

func (r PowerRole) String() string {
	if r == PowerRoleSource {
		return "source"
	}
	return "sink"
}

// Swapped returns the opposite power role.
func (r PowerRole) Swapped() PowerRole {
	return r ^ 1
}

// DataRole returns the data role of the sender.
func (m Message) DataRole() DataRole {
	return DataRole(m.field(hdrDataRole))
}

// SetDataRole sets the data role of the sender.
func (m *Message) SetDataRole(r DataRole) {
	m.setField(hdrDataRole, uint16(r))
}

// DataRole is the data role of a port.
type DataRole uint8

// Data roles.
const (
	DataRoleUFP DataRole = 0
	DataRoleDFP DataRole = 1
)

func (r DataRole) String() string {
	if r == DataRoleDFP {
		return "dfp"
	}
	return "ufp"
}

// Swapped returns the opposite data role.
func (r DataRole) Swapped() DataRole {
	return r ^ 1
}

// ---- POWER DATA OBJECTS ----

// PDO is a Power Data Object of any type. Convert it to the type given by
// Type to read its fields.
type PDO uint32

// Type returns the type of the power data object.
func (o PDO) Type() PDOType {
	kind := get(uint32(o), 30<<8|2)
	if kind != 0b11 {
		return PDOType(kind)
	}
	// Augmented PDOs keep their subtype in bits 28 and 29.
	return PDOType(get(uint32(o), 28<<8|2)<<3 | 0b111)
}

// PDOType is the type of a power data object. Augmented PDO subtypes get
// values of their own.
type PDOType uint8

// Power data object types.
const (
	PDOTypeFixedSupply    PDOType = 0b00
	PDOTypeBattery        PDOType = 0b01
	PDOTypeVariableSupply PDOType = 0b10
	PDOTypePPS            PDOType = 0b00111
	PDOTypeEPRAVS         PDOType = 0b01111
)

func (t PDOType) String() string {
	switch t {
	case PDOTypeFixedSupply:
		return "fixed"
	case PDOTypeBattery:
		return "battery"
	case PDOTypeVariableSupply:
		return "variable"
	case PDOTypePPS:
		return "pps"
	case PDOTypeEPRAVS:
		return "epr_avs"
	}
	return "unknown"
}

// FixedSupplyPDO is a Fixed Supply Power Data Object.
type FixedSupplyPDO uint32

// FixedSupply returns a fixed supply of mV at up to mA. Voltage is rounded
// down to 50mV and current to 10mA.
func FixedSupply(mV, mA uint16) FixedSupplyPDO {
	var o FixedSupplyPDO
	o.SetVoltage(mV)
	o.SetMaxCurrent(mA)
	return o
}

// Voltage returns the voltage in millivolts.
func (o FixedSupplyPDO) Voltage() uint16 {
	return uint16(get(uint32(o), 10<<8|10) * 50)
}

// SetVoltage sets the voltage in millivolts.
func (o *FixedSupplyPDO) SetVoltage(v uint16) {
	*o = FixedSupplyPDO(set(uint32(*o), 10<<8|10, uint32(v/50)))
}

// MaxCurrent returns the maximum current in milliamps.
func (o FixedSupplyPDO) MaxCurrent() uint16 {
	return uint16(get(uint32(o), 0<<8|10) * 10)
}

// SetMaxCurrent sets the maximum current in milliamps.
func (o *FixedSupplyPDO) SetMaxCurrent(v uint16) {
	*o = FixedSupplyPDO(set(uint32(*o), 0<<8|10, uint32(v/10)))
}

// Only the first fixed supply of a capabilities message carries these flags.
const (
	fixedDualRolePower      FixedSupplyPDO = 1 << 29
	fixedUnconstrainedPower FixedSupplyPDO = 1 << 27
	fixedDualRoleData       FixedSupplyPDO = 1 << 25
)

// DualRolePower returns true if the port can also sink.
func (o FixedSupplyPDO) DualRolePower() bool { return o&fixedDualRolePower != 0 }

// SetDualRolePower sets the dual role power flag.
func (o *FixedSupplyPDO) SetDualRolePower(b bool) { o.setFlag(fixedDualRolePower, b) }

// UnconstrainedPower returns true if the supply is not limited by a battery
// or another constrained input.
func (o FixedSupplyPDO) UnconstrainedPower() bool { return o&fixedUnconstrainedPower != 0 }

// SetUnconstrainedPower sets the unconstrained power flag.
func (o *FixedSupplyPDO) SetUnconstrainedPower(b bool) { o.setFlag(fixedUnconstrainedPower, b) }

// DualRoleData returns true if the port accepts data role swaps.
func (o FixedSupplyPDO) DualRoleData() bool { return o&fixedDualRoleData != 0 }

// SetDualRoleData sets the dual role data flag.
func (o *FixedSupplyPDO) SetDualRoleData(b bool) { o.setFlag(fixedDualRoleData, b) }

func (o *FixedSupplyPDO) setFlag(f FixedSupplyPDO, b bool) {
	if b {
		*o |= f
	} else {
		*o &^= f
	}
}

// PPSPDO is a Programmable Power Supply Augmented Power Data Object.
type PPSPDO uint32

// PPS returns a programmable supply from minMV to maxMV at up to mA.
// Voltages are rounded down to 100mV and current to 50mA.
func PPS(minMV, maxMV, mA uint16) PPSPDO {
	v := set(0, 30<<8|2, 0b11)
	v = set(v, ppsMinVoltage, uint32(minMV/100))
	v = set(v, ppsMaxVoltage, uint32(maxMV/100))
	v = set(v, ppsMaxCurrent, uint32(mA/50))
	return PPSPDO(v)
}

const (
	ppsMaxCurrent = 0<<8 | 7
	ppsMinVoltage = 8<<8 | 8
	ppsMaxVoltage = 17<<8 | 8
)

// MinVoltage returns the minimum voltage in millivolts.
func (o PPSPDO) MinVoltage() uint16 {
	return uint16(get(uint32(o), ppsMinVoltage) * 100)
}

// MaxVoltage returns the maximum voltage in millivolts.
func (o PPSPDO) MaxVoltage() uint16 {
	return uint16(get(uint32(o), ppsMaxVoltage) * 100)
}

// MaxCurrent returns the maximum current in milliamps.
func (o PPSPDO) MaxCurrent() uint16 {
	return uint16(get(uint32(o), ppsMaxCurrent) * 50)
}

// ---- REQUEST DATA OBJECTS ----

// RequestDO is a Request Data Object for a fixed supply.
type RequestDO uint32

// EmptyRequestDO selects no power data object.
const EmptyRequestDO RequestDO = 0

// FixedRequest returns a request for the fixed supply at position pos,
// counting from 1, operating at opMA with up to maxMA.
func FixedRequest(pos uint8, opMA, maxMA uint16) RequestDO {
	var o RequestDO
	o.SetSelectedObjectPosition(pos)
	o.SetFixedOperatingCurrent(opMA)
	o.SetFixedMaxOperatingCurrent(maxMA)
	return o
}

const (
	rdoMaxCurrent = 0<<8 | 10
	rdoCurrent    = 10<<8 | 10
	rdoPosition   = 28<<8 | 4
	rdoMismatch   = 1 << 26
)

// SelectedObjectPosition returns the position of the requested PDO,
// counting from 1. 0 selects nothing.
func (o RequestDO) SelectedObjectPosition() uint8 {
	return uint8(get(uint32(o), rdoPosition))
}

// SetSelectedObjectPosition sets the position of the requested PDO.
func (o *RequestDO) SetSelectedObjectPosition(p uint8) {
	*o = RequestDO(set(uint32(*o), rdoPosition, uint32(p)))
}

// CapabilityMismatch returns true if the sink needs more than it requests.
func (o RequestDO) CapabilityMismatch() bool {
	return o&rdoMismatch != 0
}

// SetCapabilityMismatch sets the capability mismatch flag.
func (o *RequestDO) SetCapabilityMismatch(m bool) {
	if m {
		*o |= rdoMismatch
	} else {
		*o &^= rdoMismatch
	}
}

// FixedOperatingCurrent returns the operating current in milliamps.
func (o RequestDO) FixedOperatingCurrent() uint16 {
	return uint16(get(uint32(o), rdoCurrent) * 10)
}

// SetFixedOperatingCurrent sets the operating current in milliamps.
func (o *RequestDO) SetFixedOperatingCurrent(c uint16) {
	*o = RequestDO(set(uint32(*o), rdoCurrent, uint32(c/10)))
}

// FixedMaxOperatingCurrent returns the maximum operating current in
// milliamps.
func (o RequestDO) FixedMaxOperatingCurrent() uint16 {
	return uint16(get(uint32(o), rdoMaxCurrent) * 10)
}

// SetFixedMaxOperatingCurrent sets the maximum operating current in
// milliamps.
func (o *RequestDO) SetFixedMaxOperatingCurrent(c uint16) {
	*o = RequestDO(set(uint32(*o), rdoMaxCurrent, uint32(c/10)))
}

// get returns the field f of v. f holds the shift in its high byte and the
// width in its low byte.
func get(v uint32, f uint16) uint32 {
	shift, width := f>>8, f&0xff
	return (v >> shift) & (1<<width - 1)
}

// set returns v with the field f replaced by x. Excess bits of x are
// dropped.
func set(v uint32, f uint16, x uint32) uint32 {
	shift, width := f>>8, f&0xff
	mask := uint32(1<<width-1) << shift
	return v&^mask | (x<<shift)&mask
}
