// Package observability provides lightweight atomic counters for an RTKit
// session and exports them in Prometheus text format.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// bootWindow is the number of recent boot durations kept for percentiles.
const bootWindow = 128

// Metrics holds counters for one or more RTKit cores. All methods are safe
// for concurrent use, and a nil *Metrics discards everything.
type Metrics struct {
	rxCount         atomic.Int64
	txCount         atomic.Int64
	txErrors        atomic.Int64
	unknownEndpoint atomic.Int64
	queueOverflows  atomic.Int64
	protocolErrors  atomic.Int64
	bufferRequests  atomic.Int64
	bufferFailures  atomic.Int64
	syslogEntries   atomic.Int64
	booted          atomic.Int64

	mu    sync.Mutex
	boots []time.Duration
	next  int
}

// NewMetrics returns a zero-initialised Metrics.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncRx() {
	if m != nil {
		m.rxCount.Add(1)
	}
}

func (m *Metrics) IncTx() {
	if m != nil {
		m.txCount.Add(1)
	}
}

func (m *Metrics) IncTxError() {
	if m != nil {
		m.txErrors.Add(1)
	}
}

func (m *Metrics) IncUnknownEndpoint() {
	if m != nil {
		m.unknownEndpoint.Add(1)
	}
}

func (m *Metrics) IncOverflow() {
	if m != nil {
		m.queueOverflows.Add(1)
	}
}

func (m *Metrics) IncProtocolError() {
	if m != nil {
		m.protocolErrors.Add(1)
	}
}

func (m *Metrics) IncBufferRequest() {
	if m != nil {
		m.bufferRequests.Add(1)
	}
}

func (m *Metrics) IncBufferFailure() {
	if m != nil {
		m.bufferFailures.Add(1)
	}
}

func (m *Metrics) IncSyslog() {
	if m != nil {
		m.syslogEntries.Add(1)
	}
}

// SetBooted adjusts the booted-cores gauge.
func (m *Metrics) SetBooted(up bool) {
	if m == nil {
		return
	}
	if up {
		m.booted.Add(1)
	} else {
		m.booted.Add(-1)
	}
}

// ObserveBoot records how long a boot took from Boot to completion.
func (m *Metrics) ObserveBoot(d time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.boots) < bootWindow {
		m.boots = append(m.boots, d)
		return
	}
	m.boots[m.next] = d
	m.next = (m.next + 1) % bootWindow
}

// BootLatencySnapshot returns a copy of the recent boot durations.
func (m *Metrics) BootLatencySnapshot() []time.Duration {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.boots))
	copy(out, m.boots)
	return out
}

// GetMetrics returns a snapshot of the counters.
func (m *Metrics) GetMetrics() map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return map[string]int64{
		"rx_messages":      m.rxCount.Load(),
		"tx_messages":      m.txCount.Load(),
		"tx_errors":        m.txErrors.Load(),
		"unknown_endpoint": m.unknownEndpoint.Load(),
		"queue_overflows":  m.queueOverflows.Load(),
		"protocol_errors":  m.protocolErrors.Load(),
		"buffer_requests":  m.bufferRequests.Load(),
		"buffer_failures":  m.bufferFailures.Load(),
		"syslog_entries":   m.syslogEntries.Load(),
		"booted_cores":     m.booted.Load(),
	}
}
