package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestBufferRequestEncode(t *testing.T) {
	req := BufferRequest{Pages: 4, IOVA: 0x12_3456_7000}
	v := req.Encode()
	var got BufferRequest
	if err := got.Decode(v); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != req {
		t.Errorf("decoded %+v, want %+v", got, req)
	}
	if got.Size() != 16<<10 {
		t.Errorf("Size() = %d, want %d", got.Size(), 16<<10)
	}
}

func TestSyslogInitGeometry(t *testing.T) {
	v := SyslogInitMsg{Entries: 16, MsgSize: 64}.Encode()
	var s SyslogInitMsg
	if err := s.Decode(v); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if s.Entries != 16 || s.MsgSize != 64 {
		t.Errorf("decoded %+v", s)
	}
	if s.EntrySize() != 0x60 {
		t.Errorf("EntrySize() = %d, want %d", s.EntrySize(), 0x60)
	}
	if off := SyslogEntryOffset(3, 64); off != 3*0x60 {
		t.Errorf("SyslogEntryOffset(3) = %d", off)
	}
}

func TestSyslogLogIndex(t *testing.T) {
	var l SyslogLogMsg
	if err := l.Decode(SyslogLogMsg{Index: 7}.Encode()); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if l.Index != 7 {
		t.Errorf("Index = %d, want 7", l.Index)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	frames := []Frame{
		MessageFrame(Message{Data: WakeupMessage, Endpoint: EndpointManagement}),
		MessageFrame(Message{Data: 0xDEADBEEF, Endpoint: 0x20}),
		{Kind: FrameCPUControl, Word: 0x10},
	}
	for _, f := range frames {
		if err := WriteFrame(&buf, f); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	if buf.Len() != len(frames)*FrameSize {
		t.Fatalf("wrote %d bytes, want %d", buf.Len(), len(frames)*FrameSize)
	}
	for i, want := range frames {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("frame %d: ReadFrame: %v", i, err)
		}
		if got != want {
			t.Errorf("frame %d = %+v, want %+v", i, got, want)
		}
	}
	if _, err := ReadFrame(&buf); err != io.EOF {
		t.Errorf("ReadFrame at end: %v, want io.EOF", err)
	}
	if m := frames[1].Message(); m.Endpoint != 0x20 || m.Data != 0xDEADBEEF {
		t.Errorf("Message() = %+v", m)
	}
}

func TestReadFrameRejectsBadMagic(t *testing.T) {
	raw := make([]byte, FrameSize)
	raw[0], raw[1] = 0x50, 0x4C
	if _, err := ReadFrame(bytes.NewReader(raw)); !errors.Is(err, ErrInvalidMagic) {
		t.Errorf("err = %v, want ErrInvalidMagic", err)
	}
}

func TestReadFrameRejectsUnknownKind(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteFrame(&buf, Frame{Kind: 0x7F})
	if _, err := ReadFrame(&buf); !errors.Is(err, ErrUnknownFrameKind) {
		t.Errorf("err = %v, want ErrUnknownFrameKind", err)
	}
}

func TestParseServiceMessages(t *testing.T) {
	b := ParseBufferRequest(BufferRequest{Pages: 4, IOVA: 0x8_0000_4000}.Encode())
	if b.Pages != 4 || b.IOVA != 0x8_0000_4000 || b.Size() != 16<<10 {
		t.Errorf("ParseBufferRequest = %+v", b)
	}
	g := ParseSyslogInit(SyslogInitMsg{Entries: 16, MsgSize: 64}.Encode())
	if g.Entries != 16 || g.MsgSize != 64 {
		t.Errorf("ParseSyslogInit = %+v", g)
	}
}
