package mailbox

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/strand-protocol/rtkit/pkg/protocol"
)

func TestStreamMessagesAndControl(t *testing.T) {
	c1, c2 := net.Pipe()
	ctrl := make(chan uint32, 4)
	host := NewStream(c1)
	dev := NewStream(c2, WithControlHandler(func(reg uint32) { ctrl <- reg }))
	defer host.Close()
	defer dev.Close()

	fromHost := make(chan protocol.Message, 8)
	fromDev := make(chan protocol.Message, 8)
	host.SetReceiver(func(m protocol.Message) { fromDev <- m })
	dev.SetReceiver(func(m protocol.Message) { fromHost <- m })

	ctx := context.Background()
	if err := host.Send(ctx, protocol.Message{Data: protocol.WakeupMessage, Endpoint: 0}); err != nil {
		t.Fatalf("host Send: %v", err)
	}
	select {
	case m := <-fromHost:
		if m.Data != protocol.WakeupMessage || m.Endpoint != 0 {
			t.Errorf("device received %v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("device did not receive message")
	}

	if err := dev.Send(ctx, protocol.Message{Data: 42, Endpoint: 0x21}); err != nil {
		t.Fatalf("dev Send: %v", err)
	}
	select {
	case m := <-fromDev:
		if m.Data != 42 || m.Endpoint != 0x21 {
			t.Errorf("host received %v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("host did not receive message")
	}

	if host.Running() {
		t.Fatal("Running() before any status report")
	}
	if err := host.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case reg := <-ctrl:
		if reg&protocol.CPUControlRun == 0 {
			t.Errorf("control write 0x%x lacks run bit", reg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("device saw no control write")
	}

	if err := dev.ReportCPU(protocol.CPUControlRun); err != nil {
		t.Fatalf("ReportCPU: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !host.Running() {
		if time.Now().After(deadline) {
			t.Fatal("host never observed running CPU")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStreamSendAfterClose(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()
	tr := NewStream(c1)
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Send(context.Background(), protocol.Message{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
	select {
	case <-tr.Done():
	default:
		t.Error("Done not closed after Close")
	}
}

func TestStreamDoneOnPeerClose(t *testing.T) {
	c1, c2 := net.Pipe()
	tr := NewStream(c1)
	defer tr.Close()
	tr.SetReceiver(func(protocol.Message) {})
	c2.Close()
	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after the peer hung up")
	}
	if tr.Err() == nil {
		t.Error("Err is nil after the peer hung up")
	}
}

func TestParseVsockAddr(t *testing.T) {
	tests := []struct {
		addr      string
		cid, port uint32
		wantErr   bool
	}{
		{"3:1024", 3, 1024, false},
		{":5000", vsock.Host, 5000, false},
		{"nope", 0, 0, true},
		{"x:1", 0, 0, true},
		{"3:", 0, 0, true},
	}
	for _, tt := range tests {
		cid, port, err := ParseVsockAddr(tt.addr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseVsockAddr(%q) err = %v, wantErr %v", tt.addr, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && (cid != tt.cid || port != tt.port) {
			t.Errorf("ParseVsockAddr(%q) = %d,%d, want %d,%d", tt.addr, cid, port, tt.cid, tt.port)
		}
	}
}

func TestDialUnsupportedNetwork(t *testing.T) {
	if _, err := Dial(context.Background(), "udp", "127.0.0.1:1"); err == nil {
		t.Error("Dial(udp) succeeded, want error")
	}
}
