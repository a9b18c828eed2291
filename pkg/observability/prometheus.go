package observability

import (
	"fmt"
	"net/http"
	"sort"
	"time"
)

type series struct {
	key, name, kind, help string
}

var exported = []series{
	{"rx_messages", "rtkit_rx_messages_total", "counter", "Messages received from the coprocessor."},
	{"tx_messages", "rtkit_tx_messages_total", "counter", "Messages sent to the coprocessor."},
	{"tx_errors", "rtkit_tx_errors_total", "counter", "Failed sends."},
	{"unknown_endpoint", "rtkit_unknown_endpoint_total", "counter", "Messages dropped for an unknown endpoint."},
	{"queue_overflows", "rtkit_queue_overflows_total", "counter", "Messages dropped because the receive queue was full."},
	{"protocol_errors", "rtkit_protocol_errors_total", "counter", "Malformed or out-of-state messages dropped."},
	{"buffer_requests", "rtkit_buffer_requests_total", "counter", "Shared buffer requests received."},
	{"buffer_failures", "rtkit_buffer_failures_total", "counter", "Shared buffer requests that could not be satisfied."},
	{"syslog_entries", "rtkit_syslog_entries_total", "counter", "Decoded coprocessor syslog entries."},
	{"booted_cores", "rtkit_booted_cores", "gauge", "Cores that completed the boot handshake."},
}

// PrometheusHandler returns an http.HandlerFunc that exports metrics in
// Prometheus text exposition format.
func (m *Metrics) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		snap := m.GetMetrics()
		for _, s := range exported {
			fmt.Fprintf(w, "# HELP %s %s\n", s.name, s.help)
			fmt.Fprintf(w, "# TYPE %s %s\n", s.name, s.kind)
			fmt.Fprintf(w, "%s %d\n\n", s.name, snap[s.key])
		}

		boots := m.BootLatencySnapshot()
		if len(boots) > 0 {
			sort.Slice(boots, func(i, j int) bool { return boots[i] < boots[j] })
			fmt.Fprintf(w, "# HELP rtkit_boot_duration_seconds Boot handshake latency percentiles.\n")
			fmt.Fprintf(w, "# TYPE rtkit_boot_duration_seconds summary\n")
			fmt.Fprintf(w, "rtkit_boot_duration_seconds{quantile=\"0.5\"} %f\n", percentile(boots, 0.5))
			fmt.Fprintf(w, "rtkit_boot_duration_seconds{quantile=\"0.99\"} %f\n", percentile(boots, 0.99))
			fmt.Fprintf(w, "rtkit_boot_duration_seconds_count %d\n\n", len(boots))
		}
	}
}

// percentile returns the p-th percentile value from sorted durations.
func percentile(sorted []time.Duration, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx].Seconds()
}
