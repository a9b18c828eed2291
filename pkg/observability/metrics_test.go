package observability

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.IncRx()
	m.SetBooted(true)
	m.ObserveBoot(time.Second)
	if len(m.GetMetrics()) != 0 {
		t.Error("nil Metrics returned counters")
	}
}

func TestPrometheusHandler(t *testing.T) {
	m := NewMetrics()
	m.IncRx()
	m.IncRx()
	m.IncSyslog()
	m.SetBooted(true)
	m.ObserveBoot(20 * time.Millisecond)

	rec := httptest.NewRecorder()
	m.PrometheusHandler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		"rtkit_rx_messages_total 2\n",
		"rtkit_syslog_entries_total 1\n",
		"rtkit_booted_cores 1\n",
		"rtkit_boot_duration_seconds_count 1\n",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestBootWindowWraps(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < bootWindow+10; i++ {
		m.ObserveBoot(time.Duration(i))
	}
	if got := len(m.BootLatencySnapshot()); got != bootWindow {
		t.Errorf("window holds %d samples, want %d", got, bootWindow)
	}
}
