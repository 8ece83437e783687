package pdmsg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestControlMessage(t *testing.T) {
	m := NewControl(TypeWait, Revision30, PowerRoleSource)
	m.SetDataRole(DataRoleDFP)

	assert.Equal(t, TypeWait, m.Type())
	assert.False(t, m.IsData())
	assert.Equal(t, PowerRoleSource, m.PowerRole())
	assert.Equal(t, DataRoleDFP, m.DataRole())
	assert.Equal(t, Revision30, m.Revision())
	assert.Equal(t, "Wait", m.String())
	assert.Empty(t, m.PDOs())
}

func TestSourceCapMessage(t *testing.T) {
	pdos := []PDO{PDO(FixedSupply(5000, 3000)), PDO(FixedSupply(9000, 2000))}
	m := NewSourceCap(Revision20, pdos)

	assert.True(t, m.IsData())
	assert.Equal(t, TypeSourceCap, m.Type())
	assert.Equal(t, PowerRoleSource, m.PowerRole())
	assert.Equal(t, pdos, m.PDOs())
	assert.Equal(t, "Source_Capabilities(2)", m.String())

	many := make([]PDO, MaxDataObjects+2)
	assert.Len(t, NewSourceCap(Revision30, many).PDOs(), MaxDataObjects)
}

func TestRoles(t *testing.T) {
	assert.Equal(t, PowerRoleSink, PowerRoleSource.Swapped())
	assert.Equal(t, DataRoleDFP, DataRoleUFP.Swapped())
	assert.Equal(t, "source", PowerRoleSource.String())
	assert.Equal(t, "ufp", DataRoleUFP.String())
}

func TestFixedSupplyPDO(t *testing.T) {
	p := FixedSupply(9000, 3000)
	assert.Equal(t, uint16(9000), p.Voltage())
	assert.Equal(t, uint16(3000), p.MaxCurrent())
	assert.Equal(t, PDOTypeFixedSupply, PDO(p).Type())

	p.SetDualRolePower(true)
	p.SetDualRoleData(true)
	p.SetUnconstrainedPower(true)
	assert.True(t, p.DualRolePower())
	assert.True(t, p.DualRoleData())
	assert.True(t, p.UnconstrainedPower())
	assert.Equal(t, uint16(9000), p.Voltage(), "flags leave the voltage alone")
	assert.Equal(t, PDOTypeFixedSupply, PDO(p).Type())

	p.SetDualRoleData(false)
	assert.False(t, p.DualRoleData())
	assert.True(t, p.DualRolePower())
}

func TestPPSPDO(t *testing.T) {
	p := PPS(3300, 11000, 3000)
	assert.Equal(t, PDOTypePPS, PDO(p).Type())
	assert.Equal(t, "pps", PDO(p).Type().String())
	assert.Equal(t, uint16(3300), p.MinVoltage())
	assert.Equal(t, uint16(11000), p.MaxVoltage())
	assert.Equal(t, uint16(3000), p.MaxCurrent())
}

func TestFixedRequest(t *testing.T) {
	r := FixedRequest(2, 1500, 3000)
	assert.Equal(t, uint8(2), r.SelectedObjectPosition())
	assert.Equal(t, uint16(1500), r.FixedOperatingCurrent())
	assert.Equal(t, uint16(3000), r.FixedMaxOperatingCurrent())
	assert.False(t, r.CapabilityMismatch())

	r.SetCapabilityMismatch(true)
	assert.True(t, r.CapabilityMismatch())
	assert.Equal(t, uint8(2), r.SelectedObjectPosition())
}

func TestExtendedHeader(t *testing.T) {
	var h ExtendedHeader
	h.SetChunked(true)
	h.SetDataSize(60)
	h.SetChunkNumber(1)
	assert.True(t, h.Chunked())
	assert.False(t, h.RequestChunk())
	assert.Equal(t, uint16(60), h.DataSize())
	assert.Equal(t, uint8(1), h.ChunkNumber())
	assert.True(t, h.Incomplete(), "chunk 1 covers bytes up to 52")

	h.SetChunkNumber(2)
	assert.False(t, h.Incomplete())

	h.SetRequestChunk(true)
	assert.True(t, h.RequestChunk())
	assert.Equal(t, uint16(60), h.DataSize())

	h.SetChunked(false)
	h.SetChunkNumber(0)
	assert.False(t, h.Incomplete())
}

func TestExtendedMessageType(t *testing.T) {
	m := ExtendedMessage{Header: uint16(ExtendedSecurityResponse) | 1<<15}
	assert.Equal(t, ExtendedSecurityResponse, m.Type())
}

func TestAlertDO(t *testing.T) {
	a := AlertOCP
	assert.True(t, a.Has(AlertOCP))
	assert.False(t, a.Has(AlertOVP))
	assert.False(t, a.Has(AlertOCP|AlertOVP))
}
