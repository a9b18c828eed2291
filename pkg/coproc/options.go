package coproc

import (
	"time"

	"go.uber.org/zap"

	"github.com/strand-protocol/rtkit/pkg/protocol"
	"github.com/strand-protocol/rtkit/pkg/shmem"
)

// Option configures an Emulator.
type Option func(*Emulator)

// WithVersions sets the protocol range offered in HELLO.
func WithVersions(lo, hi uint16) Option {
	return func(e *Emulator) {
		e.minVer, e.maxVer = lo, hi
	}
}

// WithEndpoints sets the endpoints advertised in the endpoint map. The
// management endpoint is always included.
func WithEndpoints(eps ...uint8) Option {
	return func(e *Emulator) {
		e.endpoints = append([]uint8{protocol.EndpointManagement}, eps...)
	}
}

// WithOwner selects who provides shared buffers. It must match the host.
func WithOwner(o shmem.Owner) Option {
	return func(e *Emulator) {
		e.owner = o
	}
}

// WithBufferPages sets the buffer size requested on a system endpoint. Zero
// disables the request.
func WithBufferPages(ep, pages uint8) Option {
	return func(e *Emulator) {
		e.pages[ep] = pages
	}
}

// WithSyslogGeometry sets the syslog ring announced after boot.
func WithSyslogGeometry(entries, msgSize uint8) Option {
	return func(e *Emulator) {
		e.syslogEntries, e.syslogMsgSize = entries, msgSize
	}
}

// WithRunning starts the emulator with its CPU already running, so the host
// must send the wake message.
func WithRunning(running bool) Option {
	return func(e *Emulator) {
		e.running.Store(running)
	}
}

// WithEcho makes application endpoints echo every message back.
func WithEcho(echo bool) Option {
	return func(e *Emulator) {
		e.echo = echo
	}
}

// WithStatusReporter publishes CPU_CONTROL changes, e.g. to a stream
// transport's ReportCPU.
func WithStatusReporter(fn func(reg uint32) error) Option {
	return func(e *Emulator) {
		e.report = fn
	}
}

// WithFilter programs f with every buffer the emulator allocates when it
// owns shared memory.
func WithFilter(f RegionFilter) Option {
	return func(e *Emulator) {
		e.filter = f
	}
}

// WithLogger sets the emulator's logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Emulator) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTxTimeout bounds how long the emulator waits for transport space.
func WithTxTimeout(d time.Duration) Option {
	return func(e *Emulator) {
		e.txTimeout = d
	}
}
