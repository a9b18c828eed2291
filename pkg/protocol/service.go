package protocol

// System-service payload fields. The type field is FieldType in every
// endpoint's own namespace.
var (
	FieldBufferSize = Bits(51, 44)
	FieldBufferIOVA = Bits(39, 0)

	FieldSyslogEntries = Bits(7, 0)
	FieldSyslogMsgSize = Bits(31, 24)
	FieldSyslogIndex   = Bits(7, 0)
)

// System-service message types.
const (
	ServiceBufferRequest uint8 = 0x01
	SyslogLog            uint8 = 0x05
	SyslogInit           uint8 = 0x08
	IOReportUnknown1     uint8 = 0x08
	IOReportUnknown2     uint8 = 0x0C
)

// PageShift is the granularity of buffer request sizes.
const PageShift = 12

// PageSize is 1 << PageShift.
const PageSize = 1 << PageShift

// Syslog entry layout inside the shared buffer.
const (
	SyslogEntryHeader = 0x20
	SyslogContextOff  = 8
	SyslogContextSize = 24
	SyslogMessageOff  = SyslogContextOff + SyslogContextSize
)

// BufferRequest is the shared-memory negotiation message used by the crash
// log, syslog and I/O report endpoints. Pages is the size in 4 KiB units.
type BufferRequest struct {
	Pages uint8
	IOVA  uint64
}

// Size returns the request size in bytes.
func (b BufferRequest) Size() uint64 { return uint64(b.Pages) << PageShift }

// Encode packs b.
func (b BufferRequest) Encode() uint64 {
	return WithType(ServiceBufferRequest, FieldBufferSize.Prep(uint64(b.Pages))|FieldBufferIOVA.Prep(b.IOVA))
}

// Decode unpacks a buffer request.
func (b *BufferRequest) Decode(v uint64) error {
	if err := checkType(v, ServiceBufferRequest); err != nil {
		return err
	}
	*b = ParseBufferRequest(v)
	return nil
}

// ParseBufferRequest reads the size and address fields without checking
// the type.
func ParseBufferRequest(v uint64) BufferRequest {
	return BufferRequest{Pages: uint8(FieldBufferSize.Get(v)), IOVA: FieldBufferIOVA.Get(v)}
}

// SyslogInitMsg announces the syslog ring geometry.
type SyslogInitMsg struct {
	Entries uint8
	MsgSize uint8
}

// EntrySize is the stride of one ring entry in the shared buffer.
func (s SyslogInitMsg) EntrySize() int { return SyslogEntryHeader + int(s.MsgSize) }

// Encode packs s.
func (s SyslogInitMsg) Encode() uint64 {
	return WithType(SyslogInit, FieldSyslogEntries.Prep(uint64(s.Entries))|FieldSyslogMsgSize.Prep(uint64(s.MsgSize)))
}

// Decode unpacks a syslog init message.
func (s *SyslogInitMsg) Decode(v uint64) error {
	if err := checkType(v, SyslogInit); err != nil {
		return err
	}
	*s = ParseSyslogInit(v)
	return nil
}

// ParseSyslogInit reads the ring geometry without checking the type.
func ParseSyslogInit(v uint64) SyslogInitMsg {
	return SyslogInitMsg{Entries: uint8(FieldSyslogEntries.Get(v)), MsgSize: uint8(FieldSyslogMsgSize.Get(v))}
}

// SyslogLogMsg points at a filled ring entry.
type SyslogLogMsg struct {
	Index uint8
}

// Encode packs s.
func (s SyslogLogMsg) Encode() uint64 {
	return WithType(SyslogLog, FieldSyslogIndex.Prep(uint64(s.Index)))
}

// Decode unpacks a syslog log message.
func (s *SyslogLogMsg) Decode(v uint64) error {
	if err := checkType(v, SyslogLog); err != nil {
		return err
	}
	s.Index = uint8(FieldSyslogIndex.Get(v))
	return nil
}

// SyslogEntryOffset returns the byte offset of ring entry idx.
func SyslogEntryOffset(idx int, msgSize int) int {
	return idx * (SyslogEntryHeader + msgSize)
}
