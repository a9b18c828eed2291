// Package coproc emulates the firmware side of the RTKit protocol. It
// answers the host's handshake, requests shared buffers, publishes syslog
// entries through shared memory and echoes application traffic, which makes
// it usable both in tests and behind rtkitctl simulate.
package coproc

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
	"github.com/strand-protocol/rtkit/pkg/protocol"
	"github.com/strand-protocol/rtkit/pkg/shmem"
)

const inboxDepth = 256

var (
	ErrNotReady   = errors.New("coproc: syslog ring not ready")
	ErrNoBuffer   = errors.New("coproc: buffer not negotiated")
	ErrNotRunning = errors.New("coproc: emulator not running")
)

// RegionFilter is the DMA allow list the firmware programs for memory it
// hands to the host. *sart.Filter satisfies it.
type RegionFilter interface {
	AddAllowedRegion(addr, size uint64) error
	RemoveAllowedRegion(addr, size uint64) error
}

type eventKind int

const (
	evMessage eventKind = iota
	evPowerOn
)

type event struct {
	kind eventKind
	msg  protocol.Message
}

// Emulator is a software coprocessor attached to one mailbox transport.
type Emulator struct {
	tr        mailbox.Transport
	arena     *shmem.Arena
	alloc     *shmem.Allocator
	logger    *zap.Logger
	report    func(reg uint32) error
	filter    RegionFilter
	txTimeout time.Duration

	minVer, maxVer uint16
	endpoints      []uint8
	owner          shmem.Owner
	pages          map[uint8]uint8
	syslogEntries  uint8
	syslogMsgSize  uint8
	echo           bool

	running atomic.Bool
	inbox   chan event
	dropped atomic.Int64

	mu           sync.Mutex
	version      int
	booted       bool
	handshaking  bool
	servicesUp   bool
	started      map[uint8]bool
	pending      map[uint8]uint8 // host-owned requests awaiting a reply
	buffers      map[uint8]*shmem.Region
	syslogReady  bool
	syslogNext   int
	syslogAcks   int
	ioreportAcks int
	received     []protocol.Message
}

// New attaches an emulator to tr. arena is the bus memory both sides see:
// the emulator allocates from it when it owns buffers, and resolves host
// addresses in it otherwise.
func New(tr mailbox.Transport, arena *shmem.Arena, opts ...Option) *Emulator {
	e := &Emulator{
		tr:            tr,
		arena:         arena,
		logger:        zap.NewNop(),
		txTimeout:     2 * time.Second,
		minVer:        11,
		maxVer:        12,
		endpoints:     []uint8{0, 1, 2, 3, 4, 0x20},
		owner:         shmem.OwnerHost,
		pages:         map[uint8]uint8{protocol.EndpointCrashLog: 1, protocol.EndpointSyslog: 4, protocol.EndpointIOReport: 1},
		syslogEntries: 16,
		syslogMsgSize: 64,
		inbox:         make(chan event, inboxDepth),
		started:       make(map[uint8]bool),
		pending:       make(map[uint8]uint8),
		buffers:       make(map[uint8]*shmem.Region),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("coproc")
	if e.owner == shmem.OwnerCoprocessor {
		e.alloc = shmem.NewAllocator(arena)
	}
	tr.SetReceiver(e.receive)
	return e
}

func (e *Emulator) receive(msg protocol.Message) {
	select {
	case e.inbox <- event{kind: evMessage, msg: msg}:
	default:
		e.dropped.Add(1)
		e.logger.Error("emulator inbox full, message dropped", zap.Stringer("msg", msg))
	}
}

// Running implements the host's CPU control view of the emulator.
func (e *Emulator) Running() bool { return e.running.Load() }

// Start sets the run bit. A stopped emulator powers on and sends HELLO.
func (e *Emulator) Start() error {
	if e.running.Swap(true) {
		return nil
	}
	e.inbox <- event{kind: evPowerOn}
	return nil
}

// Run processes host messages until ctx is done.
func (e *Emulator) Run(ctx context.Context) error {
	if e.report != nil {
		if err := e.report(e.cpuReg()); err != nil {
			return fmt.Errorf("coproc: report cpu status: %w", err)
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-e.inbox:
			switch ev.kind {
			case evPowerOn:
				e.powerOn(ctx)
			case evMessage:
				e.handle(ctx, ev.msg)
			}
		}
	}
}

func (e *Emulator) cpuReg() uint32 {
	if e.running.Load() {
		return protocol.CPUControlRun
	}
	return 0
}

func (e *Emulator) powerOn(ctx context.Context) {
	if e.report != nil {
		if err := e.report(e.cpuReg()); err != nil {
			e.logger.Warn("reporting cpu status", zap.Error(err))
		}
	}
	e.sendHello(ctx)
}

func (e *Emulator) sendHello(ctx context.Context) {
	e.mu.Lock()
	e.handshaking = true
	e.booted = false
	e.servicesUp = false
	e.started = make(map[uint8]bool)
	e.mu.Unlock()
	e.send(ctx, protocol.EndpointManagement, protocol.Hello{Min: e.minVer, Max: e.maxVer}.Encode())
}

func (e *Emulator) send(ctx context.Context, ep uint8, data uint64) {
	sctx, cancel := context.WithTimeout(ctx, e.txTimeout)
	defer cancel()
	if err := mailbox.SendWait(sctx, e.tr, protocol.Message{Data: data, Endpoint: ep}); err != nil {
		e.logger.Warn("emulator send failed", zap.Uint8("endpoint", ep), zap.Error(err))
	}
}

func (e *Emulator) handle(ctx context.Context, msg protocol.Message) {
	e.mu.Lock()
	e.received = append(e.received, msg)
	e.mu.Unlock()

	switch {
	case msg.Endpoint == protocol.EndpointManagement:
		e.handleManagement(ctx, msg.Data)
	case msg.Endpoint == protocol.EndpointSyslog:
		e.handleSyslog(msg.Data)
	case msg.Endpoint == protocol.EndpointIOReport:
		e.handleIOReport(msg.Data)
	case msg.Endpoint == protocol.EndpointCrashLog:
		e.handleBufferReply(msg.Endpoint, msg.Data)
	case protocol.IsAppEndpoint(msg.Endpoint):
		if e.echo {
			e.send(ctx, msg.Endpoint, msg.Data)
		}
	default:
		e.logger.Warn("message for unhandled endpoint", zap.Stringer("msg", msg))
	}
}

func (e *Emulator) handleManagement(ctx context.Context, data uint64) {
	switch uint8(protocol.FieldType.Get(data)) {
	case protocol.MgmtIOPPowerState:
		switch protocol.ParsePowerState(data).State {
		case protocol.PowerOn:
			if e.running.Load() {
				e.sendHello(ctx)
			}
		case protocol.PowerHibernate:
			e.hibernate()
			e.send(ctx, protocol.EndpointManagement,
				protocol.PowerState{Type: protocol.MgmtIOPPowerAck, State: protocol.PowerHibernate}.Encode())
		}
	case protocol.MgmtHelloReply:
		h := protocol.ParseHello(data)
		e.mu.Lock()
		e.version = int(h.Max)
		e.mu.Unlock()
		e.sendEndpointMap(ctx)
	case protocol.MgmtEPMapReply:
		// Nothing to do; the host starts endpoints next.
	case protocol.MgmtStartEP:
		s := protocol.ParseStartEndpoint(data)
		e.mu.Lock()
		e.started[s.Endpoint] = true
		ready := e.handshaking && !e.servicesUp && e.systemStartedLocked()
		if ready {
			e.servicesUp = true
		}
		e.mu.Unlock()
		if ready {
			e.bringUpServices(ctx)
		}
	case protocol.MgmtAPPowerState:
		// Boot-done acknowledgement from the host.
		e.mu.Lock()
		e.booted = true
		e.handshaking = false
		e.mu.Unlock()
		e.send(ctx, protocol.EndpointManagement,
			protocol.PowerState{Type: protocol.MgmtBootDone2, State: protocol.PowerOn}.Encode())
	default:
		e.logger.Warn("unknown management message", zap.Uint64("msg", data))
	}
}

func (e *Emulator) systemStartedLocked() bool {
	for _, ep := range e.endpoints {
		if protocol.IsSystemEndpoint(ep) && !e.started[ep] {
			return false
		}
	}
	return true
}

func (e *Emulator) sendEndpointMap(ctx context.Context) {
	chunks := map[uint8]uint32{}
	for _, ep := range e.endpoints {
		chunks[ep/32] |= 1 << (ep % 32)
	}
	bases := make([]int, 0, len(chunks))
	for b := range chunks {
		bases = append(bases, int(b))
	}
	sort.Ints(bases)
	for i, b := range bases {
		m := protocol.EndpointMap{Base: uint8(b), Bitmap: chunks[uint8(b)], Last: i == len(bases)-1}
		e.send(ctx, protocol.EndpointManagement, m.Encode())
	}

	// With no system endpoints there is nothing for the host to start.
	e.mu.Lock()
	ready := e.handshaking && !e.servicesUp && e.systemStartedLocked()
	if ready {
		e.servicesUp = true
	}
	e.mu.Unlock()
	if ready {
		e.bringUpServices(ctx)
	}
}

// bringUpServices requests buffers, announces the syslog ring and reports
// the first boot phase.
func (e *Emulator) bringUpServices(ctx context.Context) {
	for _, ep := range []uint8{protocol.EndpointCrashLog, protocol.EndpointSyslog, protocol.EndpointIOReport} {
		if !e.advertised(ep) || e.pages[ep] == 0 {
			continue
		}
		if err := e.RequestBuffer(ctx, ep, e.pages[ep]); err != nil {
			e.logger.Warn("buffer request", zap.Uint8("endpoint", ep), zap.Error(err))
		}
	}
	if e.advertised(protocol.EndpointSyslog) {
		e.send(ctx, protocol.EndpointSyslog,
			protocol.SyslogInitMsg{Entries: e.syslogEntries, MsgSize: e.syslogMsgSize}.Encode())
		e.mu.Lock()
		e.syslogReady = true
		e.syslogNext = 0
		e.mu.Unlock()
	}
	e.send(ctx, protocol.EndpointManagement,
		protocol.PowerState{Type: protocol.MgmtBootDone, State: protocol.PowerOn}.Encode())
}

func (e *Emulator) advertised(ep uint8) bool {
	for _, x := range e.endpoints {
		if x == ep {
			return true
		}
	}
	return false
}

// RequestBuffer sends a buffer request on ep. When the emulator owns memory
// it allocates first and advertises the address; otherwise it waits for the
// host's reply to learn the address.
func (e *Emulator) RequestBuffer(ctx context.Context, ep, pages uint8) error {
	if e.owner == shmem.OwnerCoprocessor {
		r, err := e.alloc.Alloc(uint64(pages) << protocol.PageShift)
		if err != nil {
			return err
		}
		if e.filter != nil {
			if err := e.filter.AddAllowedRegion(r.IOVA(), r.Size()); err != nil {
				_ = e.alloc.Free(r)
				return fmt.Errorf("coproc: allow buffer: %w", err)
			}
		}
		e.mu.Lock()
		old := e.buffers[ep]
		e.buffers[ep] = r
		e.mu.Unlock()
		if old != nil {
			e.releaseOwned(old)
		}
		e.send(ctx, ep, protocol.BufferRequest{Pages: pages, IOVA: r.IOVA()}.Encode())
		return nil
	}
	e.mu.Lock()
	e.pending[ep] = pages
	e.mu.Unlock()
	e.send(ctx, ep, protocol.BufferRequest{Pages: pages}.Encode())
	return nil
}

func (e *Emulator) handleBufferReply(ep uint8, data uint64) {
	if uint8(protocol.FieldType.Get(data)) != protocol.ServiceBufferRequest {
		e.logger.Warn("unexpected service message", zap.Uint8("endpoint", ep), zap.Uint64("msg", data))
		return
	}
	req := protocol.ParseBufferRequest(data)
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pending[ep]; !ok {
		e.logger.Warn("unsolicited buffer reply", zap.Uint8("endpoint", ep))
		return
	}
	delete(e.pending, ep)
	r, err := e.arena.Region(req.IOVA, req.Size())
	if err != nil {
		e.logger.Warn("host buffer outside bus memory", zap.Uint8("endpoint", ep), zap.Error(err))
		return
	}
	e.buffers[ep] = r
}

func (e *Emulator) handleSyslog(data uint64) {
	switch uint8(protocol.FieldType.Get(data)) {
	case protocol.ServiceBufferRequest:
		e.handleBufferReply(protocol.EndpointSyslog, data)
	case protocol.SyslogLog:
		e.mu.Lock()
		e.syslogAcks++
		e.mu.Unlock()
	default:
		e.logger.Warn("unexpected syslog message", zap.Uint64("msg", data))
	}
}

func (e *Emulator) handleIOReport(data uint64) {
	switch uint8(protocol.FieldType.Get(data)) {
	case protocol.ServiceBufferRequest:
		e.handleBufferReply(protocol.EndpointIOReport, data)
	case protocol.IOReportUnknown1, protocol.IOReportUnknown2:
		e.mu.Lock()
		e.ioreportAcks++
		e.mu.Unlock()
	default:
		e.logger.Warn("unexpected ioreport message", zap.Uint64("msg", data))
	}
}

func (e *Emulator) releaseOwned(r *shmem.Region) {
	if e.filter != nil {
		if err := e.filter.RemoveAllowedRegion(r.IOVA(), r.Size()); err != nil {
			e.logger.Warn("removing allowed region", zap.Uint64("iova", r.IOVA()), zap.Error(err))
		}
	}
	if err := e.alloc.Free(r); err != nil {
		e.logger.Warn("freeing buffer", zap.Uint64("iova", r.IOVA()), zap.Error(err))
	}
}

func (e *Emulator) hibernate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.alloc != nil {
		for _, r := range e.buffers {
			e.releaseOwned(r)
		}
	}
	e.buffers = make(map[uint8]*shmem.Region)
	e.pending = make(map[uint8]uint8)
	e.booted = false
	e.handshaking = false
	e.servicesUp = false
	e.syslogReady = false
	e.started = make(map[uint8]bool)
}

// Log writes one entry into the next syslog ring slot and notifies the host.
func (e *Emulator) Log(ctx context.Context, logContext, message string) error {
	e.mu.Lock()
	buf := e.buffers[protocol.EndpointSyslog]
	if !e.syslogReady || e.syslogEntries == 0 {
		e.mu.Unlock()
		return ErrNotReady
	}
	if buf == nil {
		e.mu.Unlock()
		return ErrNoBuffer
	}
	idx := e.syslogNext
	e.syslogNext = (e.syslogNext + 1) % int(e.syslogEntries)
	e.mu.Unlock()

	size := int(e.syslogMsgSize)
	off := protocol.SyslogEntryOffset(idx, size)
	if off+protocol.SyslogMessageOff+size > int(buf.Size()) {
		return fmt.Errorf("coproc: syslog entry %d outside buffer", idx)
	}
	entry := buf.Bytes()[off : off+protocol.SyslogMessageOff+size]
	clear(entry)
	copy(entry[protocol.SyslogContextOff:protocol.SyslogMessageOff], logContext)
	copy(entry[protocol.SyslogMessageOff:], message)

	sctx, cancel := context.WithTimeout(ctx, e.txTimeout)
	defer cancel()
	return mailbox.SendWait(sctx, e.tr, protocol.Message{
		Data:     protocol.SyslogLogMsg{Index: uint8(idx)}.Encode(),
		Endpoint: protocol.EndpointSyslog,
	})
}

// WriteCrashLog copies data into the crash log buffer.
func (e *Emulator) WriteCrashLog(data []byte) error {
	e.mu.Lock()
	buf := e.buffers[protocol.EndpointCrashLog]
	e.mu.Unlock()
	if buf == nil {
		return ErrNoBuffer
	}
	_, err := buf.WriteAt(data, 0)
	return err
}

// SendRaw injects an arbitrary message toward the host.
func (e *Emulator) SendRaw(ctx context.Context, msg protocol.Message) error {
	sctx, cancel := context.WithTimeout(ctx, e.txTimeout)
	defer cancel()
	return mailbox.SendWait(sctx, e.tr, msg)
}

// Booted reports whether the emulator saw the host's boot-done ack.
func (e *Emulator) Booted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.booted
}

// Version returns the version the host chose.
func (e *Emulator) Version() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

// Started reports whether the host started ep.
func (e *Emulator) Started(ep uint8) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started[ep]
}

// Buffer returns the region the emulator uses for ep, or nil.
func (e *Emulator) Buffer(ep uint8) *shmem.Region {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buffers[ep]
}

// SyslogAcks returns the number of syslog entries the host echoed back.
func (e *Emulator) SyslogAcks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syslogAcks
}

// IOReportAcks returns the number of I/O report messages echoed back.
func (e *Emulator) IOReportAcks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ioreportAcks
}

// Received returns a copy of every message the host sent.
func (e *Emulator) Received() []protocol.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]protocol.Message, len(e.received))
	copy(out, e.received)
	return out
}

// Dropped returns the number of messages lost to a full inbox.
func (e *Emulator) Dropped() int64 { return e.dropped.Load() }
