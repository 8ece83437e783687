package pdmsg

// MaxExtendedLegacyLen is the number of data bytes carried by one chunk of a
// chunked extended message.
const MaxExtendedLegacyLen = 26

// ExtendedType represents the type of an extended message. It occupies the
// same header bits as Type.
type ExtendedType uint8

// Extended message types.
const (
	ExtendedSourceCapExtended ExtendedType = 0b00001
	ExtendedStatus            ExtendedType = 0b00010
	ExtendedGetBatteryCap     ExtendedType = 0b00011
	ExtendedGetBatteryStatus  ExtendedType = 0b00100
	ExtendedBatteryCap        ExtendedType = 0b00101
	ExtendedGetManufacturer   ExtendedType = 0b00110
	ExtendedManufacturerInfo  ExtendedType = 0b00111
	ExtendedSecurityRequest   ExtendedType = 0b01000
	ExtendedSecurityResponse  ExtendedType = 0b01001
	ExtendedFWUpdateRequest   ExtendedType = 0b01010
	ExtendedFWUpdateResponse  ExtendedType = 0b01011
	ExtendedPPSStatus         ExtendedType = 0b01100
)

// ExtendedHeader is the two byte header following the message header of an
// extended message.
type ExtendedHeader uint16

// DataSize returns the total size in bytes of the extended message data.
func (h ExtendedHeader) DataSize() uint16 {
	return uint16(h) & (1<<9 - 1)
}

// SetDataSize sets the total size in bytes of the extended message data.
func (h *ExtendedHeader) SetDataSize(n uint16) {
	*h = (*h & ^ExtendedHeader(1<<9-1)) | ExtendedHeader(n&(1<<9-1))
}

// RequestChunk returns true if this is a chunk request rather than a chunk.
func (h ExtendedHeader) RequestChunk() bool {
	return h&(1<<10) != 0
}

// SetRequestChunk sets the chunk request flag.
func (h *ExtendedHeader) SetRequestChunk(r bool) {
	var b ExtendedHeader
	if r {
		b = 1 << 10
	}
	*h = (*h & ^ExtendedHeader(1<<10)) | b
}

// ChunkNumber returns the number of the chunk carried or requested.
func (h ExtendedHeader) ChunkNumber() uint8 {
	return uint8((h >> 11) & 0b1111)
}

// SetChunkNumber sets the chunk number.
func (h *ExtendedHeader) SetChunkNumber(n uint8) {
	*h = (*h & ^(ExtendedHeader(0b1111) << 11)) | ExtendedHeader(n&0b1111)<<11
}

// Chunked returns true if the message is sent in chunks.
func (h ExtendedHeader) Chunked() bool {
	return h&(1<<15) != 0
}

// SetChunked sets the chunked flag.
func (h *ExtendedHeader) SetChunked(c bool) {
	var b ExtendedHeader
	if c {
		b = 1 << 15
	}
	*h = (*h & ^ExtendedHeader(1<<15)) | b
}

// Incomplete returns true if the message is chunked and chunks after the
// current one are still to come.
func (h ExtendedHeader) Incomplete() bool {
	return h.Chunked() && int(h.DataSize()) > (int(h.ChunkNumber())+1)*MaxExtendedLegacyLen
}

// ExtendedMessage is a received extended message. Only the headers are
// decoded; the data is left to the consumer.
type ExtendedMessage struct {
	Header         uint16
	ExtendedHeader ExtendedHeader
	Data           []byte
}

// Type returns the extended message type.
func (m ExtendedMessage) Type() ExtendedType {
	return ExtendedType(m.Header & 0b11111)
}

// AlertDO is an Alert Data Object.
type AlertDO uint32

// Alert types carried in an AlertDO.
const (
	AlertBatteryStatusChange AlertDO = 1 << (24 + 1)
	AlertOCP                 AlertDO = 1 << (24 + 2)
	AlertOTP                 AlertDO = 1 << (24 + 3)
	AlertOperatingCondition  AlertDO = 1 << (24 + 4)
	AlertSourceInputChange   AlertDO = 1 << (24 + 5)
	AlertOVP                 AlertDO = 1 << (24 + 6)
)

// Has returns true if all alert types in t are set.
func (a AlertDO) Has(t AlertDO) bool {
	return a&t == t
}
