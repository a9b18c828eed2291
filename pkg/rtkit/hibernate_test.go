package rtkit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/strand-protocol/rtkit/pkg/protocol"
	"github.com/strand-protocol/rtkit/pkg/shmem"
)

func TestHibernateAndReboot(t *testing.T) {
	r := newRig(t, nil)
	r.boot(t)
	ctx := context.Background()

	if r.alloc.InUse() == 0 {
		t.Fatal("boot should have allocated shared buffers")
	}
	if err := r.core.Hibernate(ctx); err != nil {
		t.Fatalf("Hibernate: %v", err)
	}
	if r.core.Booted() || r.core.State() != StateHibernated {
		t.Fatalf("Booted() = %v, State() = %v", r.core.Booted(), r.core.State())
	}
	if r.alloc.InUse() != 0 {
		t.Errorf("InUse() = %d after hibernate, want 0", r.alloc.InUse())
	}
	if len(r.core.Endpoints()) != 0 || r.core.Version() != 0 {
		t.Errorf("session not reset: endpoints %v version %d", r.core.Endpoints(), r.core.Version())
	}
	if err := r.core.Send(ctx, 0x20, 1); !errors.Is(err, ErrNotBooted) {
		t.Errorf("Send after hibernate = %v, want ErrNotBooted", err)
	}
	if err := r.core.Hibernate(ctx); !errors.Is(err, ErrNotBooted) {
		t.Errorf("second Hibernate = %v, want ErrNotBooted", err)
	}

	r.boot(t)
	if !r.core.Booted() || r.core.Version() != 12 {
		t.Fatalf("reboot: Booted() = %v Version() = %d", r.core.Booted(), r.core.Version())
	}
	if r.core.Buffer(2) == nil {
		t.Error("syslog buffer not renegotiated after reboot")
	}
	if got := len(r.metrics.BootLatencySnapshot()); got != 2 {
		t.Errorf("observed %d boots, want 2", got)
	}
}

func TestHibernateBeforeBoot(t *testing.T) {
	r := newRig(t, nil)
	if err := r.core.Hibernate(context.Background()); !errors.Is(err, ErrNotBooted) {
		t.Fatalf("Hibernate = %v, want ErrNotBooted", err)
	}
}

func TestHibernateHonoursContext(t *testing.T) {
	core, fw, _ := newScripted(t, shmem.OwnerHost)
	if err := core.Boot(); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	fw.handshake(0b1)
	waitFor(t, "boot", core.Booted)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- core.Hibernate(ctx) }()
	fw.expect(0, protocol.MgmtIOPPowerState)
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Hibernate = %v, want context.Canceled", err)
	}
	if !core.Booted() {
		t.Error("unacknowledged hibernate must leave the core booted")
	}
}

func TestHibernateAckAfterDeadline(t *testing.T) {
	core, fw, m := newScripted(t, shmem.OwnerHost)
	if err := core.Boot(); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	fw.handshake(0b1)
	waitFor(t, "boot", core.Booted)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := core.Hibernate(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Hibernate = %v, want context.DeadlineExceeded", err)
	}
	req := fw.expect(0, protocol.MgmtIOPPowerState)
	if protocol.ParsePowerState(req.Data).State != protocol.PowerHibernate {
		t.Fatalf("request = 0x%016x, want hibernate", req.Data)
	}

	fw.send(0, protocol.PowerState{Type: protocol.MgmtIOPPowerAck, State: protocol.PowerHibernate}.Encode())
	waitFor(t, "hibernated state", func() bool { return core.State() == StateHibernated })

	if core.Booted() {
		t.Error("core still booted after the coprocessor hibernated")
	}
	if got := m.GetMetrics()["protocol_errors"]; got != 0 {
		t.Errorf("protocol_errors = %d, want 0", got)
	}
	if err := core.Send(context.Background(), 0x20, 1); !errors.Is(err, ErrNotBooted) {
		t.Errorf("Send after late ack = %v, want ErrNotBooted", err)
	}
}
