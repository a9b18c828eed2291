package protocol

import (
	"errors"
	"fmt"
)

// Payload bitfields.
var (
	FieldType = Bits(59, 52)

	FieldHelloMin = Bits(15, 0)
	FieldHelloMax = Bits(31, 16)

	FieldEPMapBitmap = Bits(31, 0)
	FieldEPMapBase   = Bits(34, 32)
	FieldEPMapLast   = Bit(51)
	FieldEPMapMore   = Bit(0)

	FieldStartEndpoint = Bits(39, 32)
	FieldStartFlag     = Bit(1)

	FieldPowerState = Bits(15, 0)
)

// Management message types (endpoint 0).
const (
	MgmtHello         uint8 = 0x01
	MgmtHelloReply    uint8 = 0x02
	MgmtStartEP       uint8 = 0x05
	MgmtIOPPowerState uint8 = 0x06
	MgmtIOPPowerAck   uint8 = 0x07
	MgmtEPMap         uint8 = 0x08
	MgmtEPMapReply    uint8 = 0x08
	MgmtAPPowerState  uint8 = 0x0B

	// The coprocessor reports the first boot phase with an IOP power ack and
	// the second with an AP power state message.
	MgmtBootDone  = MgmtIOPPowerAck
	MgmtBootDone2 = MgmtAPPowerState
)

// MgmtNames maps management types seen from the coprocessor to names.
var MgmtNames = map[uint8]string{
	MgmtHello:         "HELLO",
	MgmtHelloReply:    "HELLO_REPLY",
	MgmtStartEP:       "START_EP",
	MgmtIOPPowerState: "IOP_POWER_STATE",
	MgmtBootDone:      "BOOT_DONE",
	MgmtEPMap:         "EPMAP",
	MgmtBootDone2:     "BOOT_DONE2",
}

// Power states carried in FieldPowerState.
const (
	PowerHibernate uint16 = 0x10
	PowerOn        uint16 = 0x20
)

// BootDoneAck is the fixed value sent back for the first boot phase.
const BootDoneAck uint16 = 0x20

// WakeupMessage asks an already running coprocessor to restart the
// management handshake.
const WakeupMessage uint64 = 0x0060000000000020

// ErrUnexpectedType is returned by Decode when the payload type field does
// not match the message being decoded.
var ErrUnexpectedType = errors.New("rtkit protocol: unexpected message type")

// WithType stamps typ into the type field of payload.
func WithType(typ uint8, payload uint64) uint64 {
	return FieldType.Set(payload, uint64(typ))
}

func checkType(v uint64, want uint8) error {
	if got := uint8(FieldType.Get(v)); got != want {
		return fmt.Errorf("%w: got 0x%02x, want 0x%02x", ErrUnexpectedType, got, want)
	}
	return nil
}

// Hello is the version offer from the coprocessor. The same layout is used
// for HELLO_REPLY with Min == Max.
type Hello struct {
	Min uint16
	Max uint16
}

// Encode packs h as a HELLO payload.
func (h Hello) Encode() uint64 { return h.encode(MgmtHello) }

// EncodeReply packs h as a HELLO_REPLY payload.
func (h Hello) EncodeReply() uint64 { return h.encode(MgmtHelloReply) }

func (h Hello) encode(typ uint8) uint64 {
	return WithType(typ, FieldHelloMin.Prep(uint64(h.Min))|FieldHelloMax.Prep(uint64(h.Max)))
}

// Decode unpacks a HELLO or HELLO_REPLY payload.
func (h *Hello) Decode(v uint64) error {
	typ := uint8(FieldType.Get(v))
	if typ != MgmtHello && typ != MgmtHelloReply {
		return fmt.Errorf("%w: got 0x%02x, want hello", ErrUnexpectedType, typ)
	}
	*h = ParseHello(v)
	return nil
}

// ParseHello reads the version fields without checking the type.
func ParseHello(v uint64) Hello {
	return Hello{Min: uint16(FieldHelloMin.Get(v)), Max: uint16(FieldHelloMax.Get(v))}
}

// EndpointMap is one 32-endpoint chunk of the endpoint discovery bitmap.
type EndpointMap struct {
	Base   uint8
	Bitmap uint32
	Last   bool
}

// Encode packs m as an EPMAP payload.
func (m EndpointMap) Encode() uint64 {
	v := FieldEPMapBitmap.Prep(uint64(m.Bitmap)) | FieldEPMapBase.Prep(uint64(m.Base))
	if m.Last {
		v |= FieldEPMapLast.Mask()
	}
	return WithType(MgmtEPMap, v)
}

// Decode unpacks an EPMAP payload.
func (m *EndpointMap) Decode(v uint64) error {
	if err := checkType(v, MgmtEPMap); err != nil {
		return err
	}
	*m = ParseEndpointMap(v)
	return nil
}

// ParseEndpointMap reads an EPMAP chunk without checking the type.
func ParseEndpointMap(v uint64) EndpointMap {
	return EndpointMap{
		Base:   uint8(FieldEPMapBase.Get(v)),
		Bitmap: uint32(FieldEPMapBitmap.Get(v)),
		Last:   FieldEPMapLast.IsSet(v),
	}
}

// Endpoints lists the endpoint ids advertised by this chunk in ascending order.
func (m EndpointMap) Endpoints() []uint8 {
	var eps []uint8
	for i := uint(0); i < 32; i++ {
		if m.Bitmap&(1<<i) != 0 {
			eps = append(eps, uint8(32*uint(m.Base)+i))
		}
	}
	return eps
}

// EndpointMapReply acknowledges one endpoint map chunk.
type EndpointMapReply struct {
	Base uint8
	Last bool
}

// Encode packs r. A non-final chunk sets the "more" bit.
func (r EndpointMapReply) Encode() uint64 {
	v := FieldEPMapBase.Prep(uint64(r.Base))
	if r.Last {
		v |= FieldEPMapLast.Mask()
	} else {
		v |= FieldEPMapMore.Mask()
	}
	return WithType(MgmtEPMapReply, v)
}

// Decode unpacks an endpoint map reply.
func (r *EndpointMapReply) Decode(v uint64) error {
	if err := checkType(v, MgmtEPMapReply); err != nil {
		return err
	}
	r.Base = uint8(FieldEPMapBase.Get(v))
	r.Last = FieldEPMapLast.IsSet(v)
	return nil
}

// StartEndpoint asks the coprocessor to start delivering on an endpoint.
type StartEndpoint struct {
	Endpoint uint8
	Flag     bool
}

// Encode packs s.
func (s StartEndpoint) Encode() uint64 {
	v := FieldStartEndpoint.Prep(uint64(s.Endpoint))
	if s.Flag {
		v |= FieldStartFlag.Mask()
	}
	return WithType(MgmtStartEP, v)
}

// Decode unpacks a START_EP payload.
func (s *StartEndpoint) Decode(v uint64) error {
	if err := checkType(v, MgmtStartEP); err != nil {
		return err
	}
	*s = ParseStartEndpoint(v)
	return nil
}

// ParseStartEndpoint reads a START_EP payload without checking the type.
func ParseStartEndpoint(v uint64) StartEndpoint {
	return StartEndpoint{Endpoint: uint8(FieldStartEndpoint.Get(v)), Flag: FieldStartFlag.IsSet(v)}
}

// PowerState is an IOP or AP power state message.
type PowerState struct {
	Type  uint8
	State uint16
}

// Encode packs p.
func (p PowerState) Encode() uint64 {
	return WithType(p.Type, FieldPowerState.Prep(uint64(p.State)))
}

// Decode unpacks a power state payload, keeping its type.
func (p *PowerState) Decode(v uint64) error {
	*p = ParsePowerState(v)
	return nil
}

// ParsePowerState reads a power state payload. Any type is accepted.
func ParsePowerState(v uint64) PowerState {
	return PowerState{Type: uint8(FieldType.Get(v)), State: uint16(FieldPowerState.Get(v))}
}

// EncodeBootDoneAck returns the reply to the first boot phase.
func EncodeBootDoneAck() uint64 {
	return PowerState{Type: MgmtAPPowerState, State: BootDoneAck}.Encode()
}
