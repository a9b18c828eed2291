package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Stream frame wire constants.
const (
	FrameMagic   uint16 = 0x524B // "RK"
	FrameVersion byte   = 1
	FrameSize           = 16 // 2B magic + 1B version + 1B kind + 8B msg0 + 4B msg1
)

// Frame kinds.
const (
	// FrameMessage carries one mailbox message.
	FrameMessage byte = 0x00
	// FrameCPUStatus reports the coprocessor CPU_CONTROL register in Word.
	FrameCPUStatus byte = 0x01
	// FrameCPUControl writes Word to the coprocessor CPU_CONTROL register.
	FrameCPUControl byte = 0x02
)

var (
	ErrInvalidMagic     = errors.New("rtkit protocol: invalid frame magic")
	ErrFrameVersion     = errors.New("rtkit protocol: unsupported frame version")
	ErrUnknownFrameKind = errors.New("rtkit protocol: unknown frame kind")
)

// Frame is the unit exchanged by stream transports. For FrameMessage, Data
// is msg0 and the low byte of Word is the endpoint.
type Frame struct {
	Kind byte
	Data uint64
	Word uint32
}

// MessageFrame wraps m for the wire.
func MessageFrame(m Message) Frame {
	return Frame{Kind: FrameMessage, Data: m.Data, Word: uint32(m.Endpoint)}
}

// Message extracts the mailbox message carried by a FrameMessage.
func (f Frame) Message() Message {
	return Message{Data: f.Data, Endpoint: uint8(f.Word)}
}

// WriteFrame writes a single frame to w.
//
// Frame layout (16 bytes):
//
//	[2B magic 0x524B][1B version][1B kind][8B msg0 LE][4B msg1 LE]
func WriteFrame(w io.Writer, f Frame) error {
	var buf [FrameSize]byte
	binary.BigEndian.PutUint16(buf[0:2], FrameMagic)
	buf[2] = FrameVersion
	buf[3] = f.Kind
	binary.LittleEndian.PutUint64(buf[4:12], f.Data)
	binary.LittleEndian.PutUint32(buf[12:16], f.Word)
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("rtkit protocol: write frame: %w", err)
	}
	return nil
}

// ReadFrame reads a single frame from r. Returns io.EOF when the reader is
// exhausted cleanly between frames.
func ReadFrame(r io.Reader) (Frame, error) {
	var buf [FrameSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Frame{}, err
	}
	if binary.BigEndian.Uint16(buf[0:2]) != FrameMagic {
		return Frame{}, ErrInvalidMagic
	}
	if buf[2] != FrameVersion {
		return Frame{}, ErrFrameVersion
	}
	f := Frame{
		Kind: buf[3],
		Data: binary.LittleEndian.Uint64(buf[4:12]),
		Word: binary.LittleEndian.Uint32(buf[12:16]),
	}
	switch f.Kind {
	case FrameMessage, FrameCPUStatus, FrameCPUControl:
	default:
		return Frame{}, fmt.Errorf("%w: 0x%02x", ErrUnknownFrameKind, f.Kind)
	}
	return f, nil
}
