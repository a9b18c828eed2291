// Package mailbox defines the Transport used by the RTKit core to exchange
// fixed-size messages with a coprocessor, along with an in-memory pipe and a
// socket transport that carries the mailbox over TCP or AF_VSOCK.
package mailbox

import (
	"context"
	"errors"
	"time"

	"github.com/strand-protocol/rtkit/pkg/protocol"
)

var (
	// ErrFull is returned by Send when the outbound queue has no free slot.
	// It is transient; wait on TxReady and try again.
	ErrFull = errors.New("mailbox: send queue full")
	// ErrClosed is returned once the transport has been closed.
	ErrClosed = errors.New("mailbox: transport is closed")
)

// IsRetryable reports whether err is a transient back-pressure error.
func IsRetryable(err error) bool { return errors.Is(err, ErrFull) }

// Transport is a bidirectional mailbox channel. Implementations deliver
// inbound messages in FIFO order to the registered receiver.
type Transport interface {
	// Send queues msg for transmission without blocking. It returns ErrFull
	// when the hardware-style queue is full.
	Send(ctx context.Context, msg protocol.Message) error

	// SetReceiver registers fn for inbound messages. fn is called from the
	// transport's delivery goroutine and must not block.
	SetReceiver(fn func(protocol.Message))

	// TxReady is signalled whenever an outbound slot is freed. Signals are
	// coalesced.
	TxReady() <-chan struct{}

	// Close shuts the transport down. Blocked senders return ErrClosed.
	Close() error
}

// retryPoll bounds how long SendWait sleeps when another waiter consumed the
// tx-ready signal.
const retryPoll = 5 * time.Millisecond

// SendWait sends msg, retrying on ErrFull each time the transport reports a
// free slot, until ctx is done.
func SendWait(ctx context.Context, t Transport, msg protocol.Message) error {
	timer := time.NewTimer(retryPoll)
	defer timer.Stop()
	for {
		err := t.Send(ctx, msg)
		if !IsRetryable(err) {
			return err
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(retryPoll)
		select {
		case <-t.TxReady():
		case <-timer.C:
		case <-ctx.Done():
			return errors.Join(ErrFull, ctx.Err())
		}
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
