package mailbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdlayher/vsock"
	"go.uber.org/zap"

	"github.com/strand-protocol/rtkit/pkg/protocol"
)

// DefaultStreamDepth is the send queue depth of a StreamTransport.
const DefaultStreamDepth = 16

const dialTimeout = 5 * time.Second

// statusWait bounds how long Running waits for the peer's first CPU status
// report on a fresh connection.
const statusWait = 250 * time.Millisecond

// StreamOption configures a StreamTransport.
type StreamOption func(*StreamTransport)

// WithQueueDepth sets the number of frames that may be queued for writing.
func WithQueueDepth(n int) StreamOption {
	return func(t *StreamTransport) {
		if n > 0 {
			t.depth = n
		}
	}
}

// WithStreamLogger sets the logger used for connection errors.
func WithStreamLogger(l *zap.Logger) StreamOption {
	return func(t *StreamTransport) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithControlHandler registers fn for CPU_CONTROL writes from the peer. It is
// used on the coprocessor side of the link.
func WithControlHandler(fn func(reg uint32)) StreamOption {
	return func(t *StreamTransport) {
		t.onControl = fn
	}
}

// StreamTransport carries mailbox messages over a reliable byte stream. It
// also relays the coprocessor CPU_CONTROL register: the coprocessor side
// publishes it with ReportCPU and the host side reads the mirror through
// Running and sets the run bit through Start.
type StreamTransport struct {
	conn   net.Conn
	logger *zap.Logger
	depth  int

	sendq   chan protocol.Frame
	txReady chan struct{}
	writeMu sync.Mutex

	recv      atomic.Pointer[func(protocol.Message)]
	onControl func(reg uint32)
	cpuReg    atomic.Uint32
	status    chan struct{} // closed on the first status or control frame
	statusOne sync.Once

	startOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup

	errMu sync.Mutex
	err   error // first read/write error
}

// NewStream wraps conn. The write loop starts immediately; the read loop
// starts with the first SetReceiver call.
func NewStream(conn net.Conn, opts ...StreamOption) *StreamTransport {
	t := &StreamTransport{
		conn:    conn,
		logger:  zap.NewNop(),
		depth:   DefaultStreamDepth,
		txReady: make(chan struct{}, 1),
		closed:  make(chan struct{}),
		status:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.sendq = make(chan protocol.Frame, t.depth)
	t.wg.Add(1)
	go t.writeLoop()
	return t
}

// Dial connects to a coprocessor endpoint. network is "tcp" or "vsock"; a
// vsock address has the form "cid:port".
func Dial(ctx context.Context, network, addr string, opts ...StreamOption) (*StreamTransport, error) {
	switch network {
	case "tcp", "tcp4", "tcp6", "unix":
		d := net.Dialer{Timeout: dialTimeout}
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, fmt.Errorf("mailbox: dial %s %s: %w", network, addr, err)
		}
		return NewStream(conn, opts...), nil
	case "vsock":
		cid, port, err := ParseVsockAddr(addr)
		if err != nil {
			return nil, err
		}
		conn, err := vsock.Dial(cid, port, nil)
		if err != nil {
			return nil, fmt.Errorf("mailbox: dial vsock %s: %w", addr, err)
		}
		return NewStream(conn, opts...), nil
	default:
		return nil, fmt.Errorf("mailbox: unsupported network %q", network)
	}
}

// Listen opens a listener for coprocessor connections. For "vsock" the
// address is ":port" or "cid:port"; the cid part is ignored.
func Listen(network, addr string) (net.Listener, error) {
	switch network {
	case "tcp", "tcp4", "tcp6", "unix":
		l, err := net.Listen(network, addr)
		if err != nil {
			return nil, fmt.Errorf("mailbox: listen %s %s: %w", network, addr, err)
		}
		return l, nil
	case "vsock":
		_, port, err := ParseVsockAddr(addr)
		if err != nil {
			return nil, err
		}
		l, err := vsock.Listen(port, nil)
		if err != nil {
			return nil, fmt.Errorf("mailbox: listen vsock %s: %w", addr, err)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("mailbox: unsupported network %q", network)
	}
}

// ParseVsockAddr splits "cid:port". An empty cid selects the host.
func ParseVsockAddr(addr string) (cid, port uint32, err error) {
	host, p, ok := strings.Cut(addr, ":")
	if !ok {
		return 0, 0, fmt.Errorf("mailbox: vsock address %q: missing port", addr)
	}
	cid = vsock.Host
	if host != "" {
		c, err := strconv.ParseUint(host, 10, 32)
		if err != nil {
			return 0, 0, fmt.Errorf("mailbox: vsock address %q: bad cid: %w", addr, err)
		}
		cid = uint32(c)
	}
	pn, err := strconv.ParseUint(p, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("mailbox: vsock address %q: bad port: %w", addr, err)
	}
	return cid, uint32(pn), nil
}

// Send implements Transport.
func (t *StreamTransport) Send(ctx context.Context, msg protocol.Message) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case t.sendq <- protocol.MessageFrame(msg):
		return nil
	default:
		return ErrFull
	}
}

// SetReceiver implements Transport.
func (t *StreamTransport) SetReceiver(fn func(protocol.Message)) {
	t.recv.Store(&fn)
	t.startOnce.Do(func() {
		t.wg.Add(1)
		go t.readLoop()
	})
}

// TxReady implements Transport.
func (t *StreamTransport) TxReady() <-chan struct{} { return t.txReady }

// Running reports whether the last CPU_CONTROL value published by the peer
// has the run bit set. Until the peer's first report arrives it waits up to
// statusWait.
func (t *StreamTransport) Running() bool {
	select {
	case <-t.status:
	case <-t.closed:
	case <-time.After(statusWait):
	}
	return t.cpuReg.Load()&protocol.CPUControlRun != 0
}

// Start writes the run bit to the peer's CPU_CONTROL register.
func (t *StreamTransport) Start() error {
	reg := t.cpuReg.Load() | protocol.CPUControlRun
	return t.writeControl(protocol.Frame{Kind: protocol.FrameCPUControl, Word: reg})
}

// ReportCPU publishes reg as this side's CPU_CONTROL value.
func (t *StreamTransport) ReportCPU(reg uint32) error {
	t.cpuReg.Store(reg)
	return t.writeControl(protocol.Frame{Kind: protocol.FrameCPUStatus, Word: reg})
}

// Close implements Transport.
func (t *StreamTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.conn.Close()
	})
	t.wg.Wait()
	return err
}

// Done is closed when the connection ends.
func (t *StreamTransport) Done() <-chan struct{} { return t.closed }

// Err returns the error that terminated the connection, if any.
func (t *StreamTransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

func (t *StreamTransport) writeControl(f protocol.Frame) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return protocol.WriteFrame(t.conn, f)
}

func (t *StreamTransport) writeLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.closed:
			return
		case f := <-t.sendq:
			t.writeMu.Lock()
			err := protocol.WriteFrame(t.conn, f)
			t.writeMu.Unlock()
			signal(t.txReady)
			if err != nil {
				t.fail(err)
				return
			}
		}
	}
}

func (t *StreamTransport) readLoop() {
	defer t.wg.Done()
	for {
		f, err := protocol.ReadFrame(t.conn)
		if err != nil {
			t.fail(err)
			return
		}
		switch f.Kind {
		case protocol.FrameMessage:
			if fn := t.recv.Load(); fn != nil && *fn != nil {
				(*fn)(f.Message())
			}
		case protocol.FrameCPUStatus:
			t.cpuReg.Store(f.Word)
			t.statusOne.Do(func() { close(t.status) })
		case protocol.FrameCPUControl:
			t.cpuReg.Store(f.Word)
			t.statusOne.Do(func() { close(t.status) })
			if t.onControl != nil {
				t.onControl(f.Word)
			}
		}
	}
}

func (t *StreamTransport) fail(err error) {
	select {
	case <-t.closed:
		return
	default:
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		t.logger.Debug("mailbox stream closed by peer")
	} else {
		t.logger.Warn("mailbox stream error", zap.Error(err))
	}
	t.errMu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.errMu.Unlock()
	t.closeOnce.Do(func() {
		close(t.closed)
		_ = t.conn.Close()
	})
}
