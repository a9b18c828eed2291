package mailbox

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/strand-protocol/rtkit/pkg/protocol"
)

// DefaultPipeDepth mirrors the depth of the hardware mailbox FIFO.
const DefaultPipeDepth = 4

type link struct {
	done      chan struct{}
	closeOnce sync.Once
}

// PipeEnd is one side of an in-memory mailbox created by Pipe.
type PipeEnd struct {
	link    *link
	out     chan protocol.Message // messages sent by this end
	in      chan protocol.Message // messages sent by the peer
	txReady chan struct{}
	peer    *PipeEnd

	recv      atomic.Pointer[func(protocol.Message)]
	startOnce sync.Once
	wg        sync.WaitGroup
}

// Pipe returns two connected transports. Each direction holds at most depth
// undelivered messages; a message is delivered once the receiving end has
// registered a receiver.
func Pipe(depth int) (*PipeEnd, *PipeEnd) {
	if depth <= 0 {
		depth = DefaultPipeDepth
	}
	l := &link{done: make(chan struct{})}
	ab := make(chan protocol.Message, depth)
	ba := make(chan protocol.Message, depth)
	a := &PipeEnd{link: l, out: ab, in: ba, txReady: make(chan struct{}, 1)}
	b := &PipeEnd{link: l, out: ba, in: ab, txReady: make(chan struct{}, 1)}
	a.peer, b.peer = b, a
	return a, b
}

// Send implements Transport.
func (p *PipeEnd) Send(ctx context.Context, msg protocol.Message) error {
	select {
	case <-p.link.done:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case p.out <- msg:
		return nil
	default:
		return ErrFull
	}
}

// SetReceiver implements Transport. The first call starts delivery.
func (p *PipeEnd) SetReceiver(fn func(protocol.Message)) {
	p.recv.Store(&fn)
	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.deliver()
	})
}

// TxReady implements Transport.
func (p *PipeEnd) TxReady() <-chan struct{} { return p.txReady }

// Close closes both ends of the pipe and waits for this end's delivery
// goroutine to exit.
func (p *PipeEnd) Close() error {
	p.link.closeOnce.Do(func() { close(p.link.done) })
	p.wg.Wait()
	return nil
}

// Pending returns the number of messages queued toward this end.
func (p *PipeEnd) Pending() int { return len(p.in) }

func (p *PipeEnd) deliver() {
	defer p.wg.Done()
	for {
		select {
		case <-p.link.done:
			return
		case msg := <-p.in:
			signal(p.peer.txReady)
			if fn := p.recv.Load(); fn != nil && *fn != nil {
				(*fn)(msg)
			}
		}
	}
}
