package rtkit

import (
	"bytes"
	"time"

	"go.uber.org/zap"

	"github.com/strand-protocol/rtkit/pkg/model"
	"github.com/strand-protocol/rtkit/pkg/protocol"
)

func (c *Core) handleSyslog(ep uint8, msg uint64) {
	switch uint8(protocol.FieldType.Get(msg)) {
	case protocol.ServiceBufferRequest:
		c.rxBufferRequest(ep, msg)
	case protocol.SyslogInit:
		c.rxSyslogInit(msg)
	case protocol.SyslogLog:
		c.rxSyslogLog(msg)
		// The echo doubles as flow control, so it is sent even when the
		// entry could not be decoded.
		_ = c.sendInternal(ep, msg)
	default:
		c.protocolError("unknown syslog message", msg)
	}
}

func (c *Core) rxSyslogInit(msg uint64) {
	geo := protocol.ParseSyslogInit(msg)

	c.mu.Lock()
	c.syslog = model.SyslogGeometry{Entries: int(geo.Entries), MsgSize: int(geo.MsgSize)}
	c.syslogOK = true
	c.mu.Unlock()
	c.scratch = make([]byte, geo.MsgSize)

	c.logger.Debug("syslog initialized",
		zap.Int("entries", int(geo.Entries)), zap.Int("msg_size", int(geo.MsgSize)))
}

func (c *Core) rxSyslogLog(msg uint64) {
	idx := int(protocol.FieldSyslogIndex.Get(msg))

	c.mu.Lock()
	buf := c.buffers[protocol.EndpointSyslog]
	geo, ok := c.syslog, c.syslogOK
	c.mu.Unlock()

	if buf == nil {
		c.logger.Warn("received syslog message but have no syslog buffer", zap.Int("index", idx))
		return
	}
	if !ok {
		c.logger.Warn("received syslog message before init", zap.Int("index", idx))
		return
	}
	if idx >= geo.Entries {
		c.metrics.IncProtocolError()
		c.logger.Warn("syslog index out of range", zap.Int("index", idx), zap.Int("entries", geo.Entries))
		return
	}
	off := int64(protocol.SyslogEntryOffset(idx, geo.MsgSize))
	if uint64(off)+uint64(protocol.SyslogMessageOff+geo.MsgSize) > buf.Size() {
		c.metrics.IncProtocolError()
		c.logger.Warn("syslog entry outside buffer", zap.Int("index", idx), zap.Uint64("size", buf.Size()))
		return
	}

	var logContext [protocol.SyslogContextSize]byte
	if _, err := buf.ReadAt(logContext[:], off+protocol.SyslogContextOff); err != nil {
		c.logger.Warn("reading syslog context", zap.Int("index", idx), zap.Error(err))
		return
	}
	if len(c.scratch) > 0 {
		if _, err := buf.ReadAt(c.scratch, off+protocol.SyslogMessageOff); err != nil {
			c.logger.Warn("reading syslog message", zap.Int("index", idx), zap.Error(err))
			return
		}
	}
	logContext[len(logContext)-1] = 0
	if len(c.scratch) > 0 {
		c.scratch[len(c.scratch)-1] = 0
	}

	entry := model.SyslogEntry{
		Session: c.name,
		Index:   idx,
		Context: cstring(logContext[:]),
		Message: cstring(c.scratch),
		Time:    time.Now().UTC(),
	}
	c.metrics.IncSyslog()
	c.logger.Info("syslog message", zap.String("context", entry.Context), zap.String("message", entry.Message))
	if c.syslogFn != nil {
		c.syslogFn(entry)
	}
}

// cstring returns b up to the first NUL.
func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
