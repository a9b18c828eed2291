package rtkit

import (
	"go.uber.org/zap"

	"github.com/strand-protocol/rtkit/pkg/protocol"
)

// Handler processes messages for one endpoint. Handlers run on the core's
// worker goroutine, one message at a time, and may send inline.
type Handler interface {
	Handle(endpoint uint8, payload uint64)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(endpoint uint8, payload uint64)

func (f HandlerFunc) Handle(endpoint uint8, payload uint64) { f(endpoint, payload) }

// ReceiveFunc is the application callback for endpoints 0x20 and above.
type ReceiveFunc func(endpoint uint8, payload uint64)

// registry maps every endpoint id to its handler. Entries are fixed at New.
type registry [256]Handler

func (c *Core) buildRegistry() {
	c.handlers[protocol.EndpointManagement] = HandlerFunc(c.handleManagement)
	c.handlers[protocol.EndpointCrashLog] = HandlerFunc(c.handleCrashLog)
	c.handlers[protocol.EndpointSyslog] = HandlerFunc(c.handleSyslog)
	c.handlers[protocol.EndpointIOReport] = HandlerFunc(c.handleIOReport)
	app := HandlerFunc(c.handleApp)
	for ep := int(protocol.EndpointAppFirst); ep <= 0xFF; ep++ {
		c.handlers[ep] = app
	}
}

// submit hands an inbound message to the worker. It never blocks; when the
// queue is full the message is dropped and the worker is told to report it.
// It runs on the transport's receive path, so it takes no locks.
func (c *Core) submit(msg protocol.Message) {
	select {
	case c.queue <- msg:
	default:
		c.metrics.IncOverflow()
		c.dropped.Add(1)
		select {
		case c.overflowed <- struct{}{}:
		default:
		}
	}
}

// overflow runs on the worker after one or more messages were dropped.
func (c *Core) overflow() {
	n := c.dropped.Swap(0)
	if n == 0 {
		return
	}
	c.logger.Error("receive queue overflow, messages dropped",
		zap.Int64("dropped", n), zap.Int("depth", QueueDepth))
	c.failBoot("dispatch", ErrQueueOverflow)
}

func (c *Core) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case <-c.overflowed:
			c.overflow()
		case msg := <-c.queue:
			// A drop is reported before anything queued ahead of it is
			// handled, so a boot cannot complete past a lost message.
			select {
			case <-c.overflowed:
				c.overflow()
			default:
			}
			c.dispatch(msg)
		}
	}
}

func (c *Core) dispatch(msg protocol.Message) {
	c.metrics.IncRx()
	h := c.handlers[msg.Endpoint]
	if h == nil {
		c.metrics.IncUnknownEndpoint()
		c.logger.Warn("message to unknown endpoint",
			zap.Uint8("endpoint", msg.Endpoint), zap.String("msg", hex(msg.Data)))
		return
	}
	h.Handle(msg.Endpoint, msg.Data)
}

func (c *Core) handleApp(ep uint8, payload uint64) {
	fn := c.app.Load()
	if fn == nil || *fn == nil {
		c.logger.Warn("no receive callback, message dropped",
			zap.Uint8("endpoint", ep), zap.String("msg", hex(payload)))
		return
	}
	(*fn)(ep, payload)
}
