// Package rtkit implements the host side of the RTKit coprocessor protocol:
// version handshake, endpoint discovery, boot sequencing, shared-memory
// buffer negotiation, system log decoding, and application message routing
// over a mailbox.Transport.
//
// Inbound messages are queued by the transport callback and processed
// strictly in order by a single worker goroutine per Core, so handlers never
// run concurrently with each other.
package rtkit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/strand-protocol/rtkit/pkg/mailbox"
	"github.com/strand-protocol/rtkit/pkg/model"
	"github.com/strand-protocol/rtkit/pkg/observability"
	"github.com/strand-protocol/rtkit/pkg/protocol"
	"github.com/strand-protocol/rtkit/pkg/shmem"
)

// State is the management handshake state.
type State int

const (
	StateIdle State = iota
	StateAwaitingVersion
	StateAwaitingEndpointMap
	StateAwaitingBootDone
	StateBooted
	StateFailed
	StateHibernated
)

var stateNames = [...]string{
	StateIdle:                "idle",
	StateAwaitingVersion:     "awaiting-version",
	StateAwaitingEndpointMap: "awaiting-endpoint-map",
	StateAwaitingBootDone:    "awaiting-boot-done",
	StateBooted:              "booted",
	StateFailed:              "failed",
	StateHibernated:          "hibernated",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// epSet is a 256-bit endpoint set.
type epSet [4]uint64

func (s *epSet) add(ep uint8)      { s[ep>>6] |= 1 << (ep & 63) }
func (s *epSet) has(ep uint8) bool { return s[ep>>6]&(1<<(ep&63)) != 0 }

func (s *epSet) list() []uint8 {
	var out []uint8
	for i := 0; i < 256; i++ {
		if s.has(uint8(i)) {
			out = append(out, uint8(i))
		}
	}
	return out
}

type bootAttempt struct {
	done     chan struct{}
	err      error
	resolved bool
	started  time.Time
}

// Core is one RTKit session with a coprocessor.
type Core struct {
	name      string
	tr        mailbox.Transport
	owner     shmem.Owner
	logger    *zap.Logger
	metrics   *observability.Metrics
	cpu       CPUControl
	alloc     Allocator
	verify    Verifier
	mapper    Mapper
	minVer    uint16
	maxVer    uint16
	txTimeout time.Duration
	syslogFn  func(model.SyslogEntry)

	queue      chan protocol.Message
	overflowed chan struct{}
	dropped    atomic.Int64
	handlers   registry
	app        atomic.Pointer[ReceiveFunc]

	// Owned by the worker goroutine.
	scratch   []byte
	bootAcked bool

	mu        sync.Mutex
	state     State
	version   int
	booted    bool
	present   epSet
	started   epSet
	buffers   map[uint8]Buffer
	syslog    model.SyslogGeometry
	syslogOK  bool
	boot      *bootAttempt
	hibernate chan struct{}
	closed    bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a core bound to tr and starts its worker. No message is sent
// until Boot. For OwnerCoprocessor a Verifier and a Mapper are required; for
// OwnerHost a process-local arena is used unless WithAllocator is given.
func New(tr mailbox.Transport, owner shmem.Owner, opts ...Option) (*Core, error) {
	c := &Core{
		name:       "rtkit",
		tr:         tr,
		owner:      owner,
		logger:     zap.NewNop(),
		minVer:     DefaultMinVersion,
		maxVer:     DefaultMaxVersion,
		txTimeout:  defaultTxTimeout,
		queue:      make(chan protocol.Message, QueueDepth),
		overflowed: make(chan struct{}, 1),
		buffers:    make(map[uint8]Buffer),
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("rtkit").With(zap.String("core", c.name))

	if c.minVer > c.maxVer {
		return nil, fmt.Errorf("rtkit: invalid version range [%d, %d]", c.minVer, c.maxVer)
	}
	switch owner {
	case shmem.OwnerHost:
		if c.alloc == nil {
			c.alloc = shmem.NewAllocator(shmem.NewArena(DefaultArenaBase, DefaultArenaSize))
		}
	case shmem.OwnerCoprocessor:
		if c.verify == nil || c.mapper == nil {
			return nil, fmt.Errorf("%w: coprocessor-owned buffers need a verifier and a mapper", ErrMissingHook)
		}
	default:
		return nil, fmt.Errorf("rtkit: unknown shared memory owner %v", owner)
	}
	if c.cpu == nil {
		if cpu, ok := tr.(CPUControl); ok {
			c.cpu = cpu
		} else {
			c.cpu = wakeOnly{}
		}
	}

	c.buildRegistry()
	c.wg.Add(1)
	go c.run()
	tr.SetReceiver(c.submit)
	return c, nil
}

// Name returns the label given with WithName.
func (c *Core) Name() string { return c.name }

// Boot starts the coprocessor, or wakes it when already running, and returns
// without waiting for the handshake.
func (c *Core) Boot() error {
	_, err := c.startBoot()
	return err
}

// BootWait boots the coprocessor and waits for the handshake to finish. A
// timeout of zero waits until ctx is done. On ErrBootTimeout the attempt is
// left running; calling BootWait again resumes waiting for it.
func (c *Core) BootWait(ctx context.Context, timeout time.Duration) error {
	att, err := c.startBoot()
	switch {
	case errors.Is(err, ErrAlreadyBooted):
		return nil
	case errors.Is(err, ErrBootInProgress):
	case err != nil:
		return err
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	c.logger.Debug("waiting for boot", zap.Duration("timeout", timeout))
	select {
	case <-att.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return att.err
	case <-expired:
		return fmt.Errorf("%w after %v", ErrBootTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Core) startBoot() (*bootAttempt, error) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return nil, ErrClosed
	case c.booted:
		c.mu.Unlock()
		return nil, ErrAlreadyBooted
	case c.boot != nil && !c.boot.resolved:
		att := c.boot
		c.mu.Unlock()
		return att, ErrBootInProgress
	}
	att := &bootAttempt{done: make(chan struct{}), started: time.Now()}
	c.boot = att
	c.state = StateAwaitingVersion
	c.version = 0
	c.present = epSet{}
	c.started = epSet{}
	c.mu.Unlock()

	var err error
	if c.cpu.Running() {
		c.logger.Debug("sending wakeup message")
		err = c.sendInternal(protocol.EndpointManagement, protocol.WakeupMessage)
	} else {
		c.logger.Debug("enabling CPU")
		err = c.cpu.Start()
	}
	if err != nil {
		c.failBoot("start", err)
		return att, err
	}
	return att, nil
}

// failBoot resolves the pending boot attempt with err.
func (c *Core) failBoot(stage string, err error) {
	c.mu.Lock()
	att := c.boot
	if att == nil || att.resolved {
		c.mu.Unlock()
		return
	}
	att.err = &BootError{Stage: stage, Err: err}
	att.resolved = true
	if !c.closed {
		c.state = StateFailed
	}
	close(att.done)
	c.mu.Unlock()
	c.logger.Error("boot failed", zap.String("stage", stage), zap.Error(err))
}

// StartEndpoint asks the coprocessor to start ep. It fails when ep was not
// advertised, or when ep is an application endpoint and boot is incomplete.
// No acknowledgement is awaited.
func (c *Core) StartEndpoint(ctx context.Context, ep uint8) error {
	c.mu.Lock()
	closed, present, booted := c.closed, c.present.has(ep), c.booted
	c.mu.Unlock()
	switch {
	case closed:
		return ErrClosed
	case !present:
		return fmt.Errorf("%w: 0x%02x", ErrEndpointNotPresent, ep)
	case protocol.IsAppEndpoint(ep) && !booted:
		return fmt.Errorf("%w: cannot start endpoint 0x%02x", ErrNotBooted, ep)
	}
	msg := protocol.StartEndpoint{Endpoint: ep, Flag: true}.Encode()
	if err := c.sendWait(ctx, protocol.EndpointManagement, msg); err != nil {
		return err
	}
	c.markStarted(ep)
	return nil
}

func (c *Core) markStarted(ep uint8) {
	c.mu.Lock()
	c.started.add(ep)
	c.mu.Unlock()
}

func (c *Core) gate(ep uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if protocol.IsAppEndpoint(ep) && !c.booted {
		return fmt.Errorf("%w: endpoint 0x%02x", ErrNotBooted, ep)
	}
	return nil
}

// Send queues payload for ep without blocking. Application endpoints are
// refused until boot completes. Transport back-pressure is returned as a
// wrapped mailbox.ErrFull; see mailbox.IsRetryable.
func (c *Core) Send(ctx context.Context, ep uint8, payload uint64) error {
	if err := c.gate(ep); err != nil {
		return err
	}
	err := c.tr.Send(ctx, protocol.Message{Data: payload, Endpoint: ep})
	if err != nil {
		if !mailbox.IsRetryable(err) {
			c.metrics.IncTxError()
		}
		return fmt.Errorf("rtkit: send to %s: %w", protocol.EndpointName(ep), err)
	}
	c.metrics.IncTx()
	return nil
}

// SendWait is Send with the blocking discipline: it retries on the
// transport's tx-ready signal until the message is queued or ctx is done.
func (c *Core) SendWait(ctx context.Context, ep uint8, payload uint64) error {
	if err := c.gate(ep); err != nil {
		return err
	}
	return c.sendWait(ctx, ep, payload)
}

func (c *Core) sendWait(ctx context.Context, ep uint8, payload uint64) error {
	err := mailbox.SendWait(ctx, c.tr, protocol.Message{Data: payload, Endpoint: ep})
	if err != nil {
		c.metrics.IncTxError()
		return fmt.Errorf("rtkit: send to %s: %w", protocol.EndpointName(ep), err)
	}
	c.metrics.IncTx()
	return nil
}

// sendInternal is used for protocol replies. It blocks for at most the
// configured tx timeout.
func (c *Core) sendInternal(ep uint8, payload uint64) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.txTimeout)
	defer cancel()
	err := c.sendWait(ctx, ep, payload)
	if err != nil {
		c.logger.Error("reply failed", zap.Uint8("endpoint", ep),
			zap.String("msg", hex(payload)), zap.Error(err))
	}
	return err
}

// SetReceiveCallback registers the handler for endpoints 0x20 and above,
// replacing any previous one. fn runs on the worker goroutine.
func (c *Core) SetReceiveCallback(fn ReceiveFunc) {
	c.app.Store(&fn)
}

// Version returns the negotiated protocol version, or 0 before the hello
// exchange.
func (c *Core) Version() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Booted reports whether the boot handshake has completed.
func (c *Core) Booted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.booted
}

// State returns the management handshake state.
func (c *Core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// EndpointPresent reports whether the coprocessor advertised ep.
func (c *Core) EndpointPresent(ep uint8) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.present.has(ep)
}

// Endpoints lists the advertised endpoints in ascending order.
func (c *Core) Endpoints() []uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.present.list()
}

// Snapshot returns the current session state.
func (c *Core) Snapshot() model.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := model.Session{
		Name:      c.name,
		State:     c.state.String(),
		Owner:     c.owner.String(),
		Version:   c.version,
		Booted:    c.booted,
		Counters:  c.metrics.GetMetrics(),
		UpdatedAt: time.Now().UTC(),
	}
	for _, ep := range c.present.list() {
		s.Endpoints = append(s.Endpoints, model.Endpoint{
			ID:      ep,
			Name:    protocol.EndpointName(ep),
			Started: ep == protocol.EndpointManagement || c.started.has(ep),
		})
	}
	for ep, b := range c.buffers {
		s.Buffers = append(s.Buffers, model.Buffer{
			Endpoint: ep,
			Name:     protocol.EndpointName(ep),
			IOVA:     b.IOVA(),
			Size:     b.Size(),
			Owner:    b.Owner().String(),
		})
	}
	sort.Slice(s.Buffers, func(i, j int) bool { return s.Buffers[i].Endpoint < s.Buffers[j].Endpoint })
	if c.syslogOK {
		g := c.syslog
		s.Syslog = &g
	}
	return s
}

// Close stops the worker, closes the transport, releases every shared
// buffer and fails a pending boot with ErrClosed.
func (c *Core) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wasBooted := c.booted
	c.mu.Unlock()

	close(c.stop)
	err := c.tr.Close()
	c.wg.Wait()
	c.failBoot("close", ErrClosed)
	c.releaseBuffers()
	if wasBooted {
		c.metrics.SetBooted(false)
	}
	return err
}

func hex(v uint64) string { return fmt.Sprintf("0x%016x", v) }
