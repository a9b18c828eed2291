package rtkit

import (
	"io"

	"github.com/strand-protocol/rtkit/pkg/protocol"
)

func (c *Core) handleCrashLog(ep uint8, msg uint64) {
	switch uint8(protocol.FieldType.Get(msg)) {
	case protocol.ServiceBufferRequest:
		c.rxBufferRequest(ep, msg)
	default:
		c.protocolError("unknown crashlog message", msg)
	}
}

func (c *Core) handleIOReport(ep uint8, msg uint64) {
	switch uint8(protocol.FieldType.Get(msg)) {
	case protocol.ServiceBufferRequest:
		c.rxBufferRequest(ep, msg)
	case protocol.IOReportUnknown1, protocol.IOReportUnknown2:
		// These must be acknowledged by echoing them back.
		_ = c.sendInternal(ep, msg)
	default:
		c.protocolError("unknown ioreport message", msg)
	}
}

// ReadCrashLog returns a copy of the crash log buffer.
func (c *Core) ReadCrashLog() ([]byte, error) {
	b := c.Buffer(protocol.EndpointCrashLog)
	if b == nil {
		return nil, ErrNoBuffer
	}
	out := make([]byte, b.Size())
	n, err := b.ReadAt(out, 0)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return out[:n], nil
}
