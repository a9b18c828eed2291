package rtkit

import (
	"context"
	"testing"
	"time"

	"github.com/strand-protocol/rtkit/pkg/coproc"
	"github.com/strand-protocol/rtkit/pkg/mailbox"
	"github.com/strand-protocol/rtkit/pkg/observability"
	"github.com/strand-protocol/rtkit/pkg/protocol"
	"github.com/strand-protocol/rtkit/pkg/shmem"
)

const testTimeout = 2 * time.Second

// rig is a core wired to the coprocessor emulator over an in-memory pipe,
// both sides sharing one arena.
type rig struct {
	core    *Core
	emu     *coproc.Emulator
	arena   *shmem.Arena
	alloc   *shmem.Allocator
	metrics *observability.Metrics
}

func newRig(t *testing.T, emuOpts []coproc.Option, opts ...Option) *rig {
	t.Helper()
	return newRigOwned(t, shmem.NewArena(DefaultArenaBase, 1<<20), shmem.OwnerHost, emuOpts, opts...)
}

func newRigOwned(t *testing.T, arena *shmem.Arena, owner shmem.Owner, emuOpts []coproc.Option, opts ...Option) *rig {
	t.Helper()
	hostEnd, devEnd := mailbox.Pipe(0)
	r := &rig{
		arena:   arena,
		alloc:   shmem.NewAllocator(arena),
		metrics: observability.NewMetrics(),
	}
	r.emu = coproc.New(devEnd, arena, emuOpts...)

	base := []Option{WithCPU(r.emu), WithMetrics(r.metrics), WithName("test")}
	if owner == shmem.OwnerHost {
		base = append(base, WithAllocator(r.alloc))
	}
	core, err := New(hostEnd, owner, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.core = core

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.emu.Run(ctx)
	}()
	t.Cleanup(func() {
		_ = core.Close()
		cancel()
		<-done
	})
	return r
}

func (r *rig) boot(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := r.core.BootWait(ctx, testTimeout); err != nil {
		t.Fatalf("BootWait: %v", err)
	}
}

// firmware is a scripted coprocessor: the test reads what the core sends
// and injects replies by hand.
type firmware struct {
	t   *testing.T
	end *mailbox.PipeEnd
	rx  chan protocol.Message
}

func newScripted(t *testing.T, owner shmem.Owner, opts ...Option) (*Core, *firmware, *observability.Metrics) {
	t.Helper()
	hostEnd, devEnd := mailbox.Pipe(0)
	fw := &firmware{t: t, end: devEnd, rx: make(chan protocol.Message, 128)}
	devEnd.SetReceiver(func(m protocol.Message) { fw.rx <- m })

	m := observability.NewMetrics()
	core, err := New(hostEnd, owner, append([]Option{WithMetrics(m)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = core.Close() })
	return core, fw, m
}

func (f *firmware) next() protocol.Message {
	f.t.Helper()
	select {
	case m := <-f.rx:
		return m
	case <-time.After(testTimeout):
		f.t.Fatal("timed out waiting for a message from the core")
	}
	return protocol.Message{}
}

// expect reads the next message and checks its endpoint and type.
func (f *firmware) expect(ep, typ uint8) protocol.Message {
	f.t.Helper()
	m := f.next()
	if m.Endpoint != ep || m.Type() != typ {
		f.t.Fatalf("got %v, want endpoint 0x%02x type 0x%02x", m, ep, typ)
	}
	return m
}

func (f *firmware) send(ep uint8, data uint64) {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := mailbox.SendWait(ctx, f.end, protocol.Message{Data: data, Endpoint: ep}); err != nil {
		f.t.Fatalf("firmware send: %v", err)
	}
}

// fence sends an I/O report message that the core echoes. Once the echo
// arrives, everything the core sent before it has been read, so the caller
// can assert that nothing else was sent.
func (f *firmware) fence() {
	f.t.Helper()
	const marker = 0x00C0_0000_0000_F00D
	f.send(protocol.EndpointIOReport, marker)
	m := f.next()
	if m.Endpoint != protocol.EndpointIOReport || m.Data != marker {
		f.t.Fatalf("expected fence echo, got %v", m)
	}
}

// handshake plays the firmware side of a boot after the core sent its
// wakeup, advertising the endpoints in bitmap.
func (f *firmware) handshake(bitmap uint32) {
	f.t.Helper()
	wake := f.expect(protocol.EndpointManagement, protocol.MgmtIOPPowerState)
	if wake.Data != protocol.WakeupMessage {
		f.t.Fatalf("wakeup = 0x%016x", wake.Data)
	}
	f.send(0, protocol.Hello{Min: 11, Max: 12}.Encode())
	f.expect(0, protocol.MgmtHelloReply)

	m := protocol.EndpointMap{Bitmap: bitmap, Last: true}
	f.send(0, m.Encode())
	f.expect(0, protocol.MgmtEPMapReply)
	for _, ep := range m.Endpoints() {
		if protocol.IsSystemEndpoint(ep) {
			start := f.expect(0, protocol.MgmtStartEP)
			if got := uint8(protocol.FieldStartEndpoint.Get(start.Data)); got != ep {
				f.t.Fatalf("started endpoint 0x%02x, want 0x%02x", got, ep)
			}
		}
	}

	f.send(0, protocol.PowerState{Type: protocol.MgmtBootDone, State: protocol.PowerOn}.Encode())
	ack := f.expect(0, protocol.MgmtAPPowerState)
	if ack.Data != protocol.EncodeBootDoneAck() {
		f.t.Fatalf("boot-done ack = 0x%016x", ack.Data)
	}
	f.send(0, protocol.PowerState{Type: protocol.MgmtBootDone2, State: protocol.PowerOn}.Encode())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
