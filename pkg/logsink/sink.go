// Package logsink stores decoded coprocessor syslog entries. A Sink is
// written from the core's worker goroutine through Async, which never
// blocks the worker.
package logsink

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/strand-protocol/rtkit/pkg/model"
)

// Sink receives syslog entries.
type Sink interface {
	Write(ctx context.Context, e model.SyslogEntry) error
	Close() error
}

// MemorySink keeps the most recent entries in a fixed-size ring.
type MemorySink struct {
	mu    sync.Mutex
	ring  []model.SyslogEntry
	next  int
	total int
}

// NewMemorySink keeps up to size entries.
func NewMemorySink(size int) *MemorySink {
	if size <= 0 {
		size = 256
	}
	return &MemorySink{ring: make([]model.SyslogEntry, size)}
}

func (s *MemorySink) Write(_ context.Context, e model.SyslogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring[s.next] = e
	s.next = (s.next + 1) % len(s.ring)
	s.total++
	return nil
}

// Recent returns up to limit of the newest entries, oldest first. An empty
// session matches every entry; limit <= 0 returns all that match.
func (s *MemorySink) Recent(_ context.Context, session string, limit int) ([]model.SyslogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	have := min(s.total, len(s.ring))
	if limit <= 0 || limit > have {
		limit = have
	}
	out := make([]model.SyslogEntry, 0, limit)
	for i := 1; i <= have && len(out) < limit; i++ {
		e := s.ring[(s.next-i+len(s.ring))%len(s.ring)]
		if session == "" || e.Session == session {
			out = append(out, e)
		}
	}
	slices.Reverse(out)
	return out, nil
}

// Total returns the number of entries ever written.
func (s *MemorySink) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *MemorySink) Close() error { return nil }

// Async decouples a Sink from the caller with a bounded queue drained by one
// goroutine. Entries that do not fit are dropped and counted.
type Async struct {
	sink    Sink
	logger  *zap.Logger
	queue   chan model.SyslogEntry
	timeout time.Duration
	dropped atomic.Int64
	done    chan struct{}
	once    sync.Once
}

// NewAsync starts the drain goroutine. depth bounds the queue.
func NewAsync(sink Sink, depth int, logger *zap.Logger) *Async {
	if depth <= 0 {
		depth = 128
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Async{
		sink:    sink,
		logger:  logger.Named("logsink"),
		queue:   make(chan model.SyslogEntry, depth),
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
	go a.drain()
	return a
}

// Handle queues e without blocking. Its signature matches
// rtkit.WithSyslogHandler.
func (a *Async) Handle(e model.SyslogEntry) {
	select {
	case a.queue <- e:
	default:
		if a.dropped.Add(1) == 1 {
			a.logger.Warn("syslog sink is falling behind, dropping entries")
		}
	}
}

// Dropped returns the number of entries lost to a full queue.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

func (a *Async) drain() {
	defer close(a.done)
	for e := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.sink.Write(ctx, e); err != nil {
			a.logger.Warn("writing syslog entry", zap.String("session", e.Session), zap.Error(err))
		}
		cancel()
	}
}

// Close flushes queued entries and closes the underlying sink. Handle must
// not be called after Close.
func (a *Async) Close() error {
	a.once.Do(func() { close(a.queue) })
	<-a.done
	return a.sink.Close()
}
