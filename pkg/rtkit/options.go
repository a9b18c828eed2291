package rtkit

import (
	"time"

	"go.uber.org/zap"

	"github.com/strand-protocol/rtkit/pkg/model"
	"github.com/strand-protocol/rtkit/pkg/observability"
)

// Supported protocol versions unless overridden with WithVersionRange.
const (
	DefaultMinVersion = 11
	DefaultMaxVersion = 12
)

// QueueDepth is the capacity of the receive queue between the transport and
// the worker.
const QueueDepth = 64

const defaultTxTimeout = 2 * time.Second

// Default arena used for host-owned buffers when no allocator is supplied.
const (
	DefaultArenaBase = 0x8_0000_0000
	DefaultArenaSize = 4 << 20
)

// Option configures a Core.
type Option func(*Core)

// WithName labels the core in logs, snapshots and syslog entries.
func WithName(name string) Option {
	return func(c *Core) {
		c.name = name
	}
}

// WithLogger sets the structured logger. The core logs under the "rtkit"
// name.
func WithLogger(l *zap.Logger) Option {
	return func(c *Core) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records counters into m.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Core) {
		c.metrics = m
	}
}

// WithCPU supplies CPU control. If omitted, a transport implementing
// CPUControl is used; otherwise the coprocessor is assumed to be running.
func WithCPU(cpu CPUControl) Option {
	return func(c *Core) {
		c.cpu = cpu
	}
}

// WithAllocator overrides the allocator for host-owned buffers.
func WithAllocator(a Allocator) Option {
	return func(c *Core) {
		c.alloc = a
	}
}

// WithVerifier sets the validation hook for coprocessor-owned buffers.
func WithVerifier(v Verifier) Option {
	return func(c *Core) {
		c.verify = v
	}
}

// WithMapper sets the mapping hook for coprocessor-owned buffers.
func WithMapper(m Mapper) Option {
	return func(c *Core) {
		c.mapper = m
	}
}

// WithVersionRange overrides the locally supported protocol versions.
func WithVersionRange(lo, hi uint16) Option {
	return func(c *Core) {
		c.minVer, c.maxVer = lo, hi
	}
}

// WithTxTimeout bounds how long internal replies wait for transport space.
func WithTxTimeout(d time.Duration) Option {
	return func(c *Core) {
		if d > 0 {
			c.txTimeout = d
		}
	}
}

// WithReceiveCallback registers the application callback at construction.
func WithReceiveCallback(fn ReceiveFunc) Option {
	return func(c *Core) {
		c.SetReceiveCallback(fn)
	}
}

// WithSyslogHandler receives every decoded syslog entry on the worker
// goroutine. fn must not block.
func WithSyslogHandler(fn func(model.SyslogEntry)) Option {
	return func(c *Core) {
		c.syslogFn = fn
	}
}
