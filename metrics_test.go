package monitor

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCollector(t *testing.T) {
	mc := newMetricsCollector()
	mc.IncSuccessfulEvents()
	mc.IncSuccessfulEvents()
	mc.IncFailedEvents()
	mc.IncVetoedEvents()
	mc.IncCapturedEvents("error")
	mc.IncCapturedEvents("error")
	mc.IncCapturedEvents("info")
	mc.setQueueLength(func() int { return 4 })

	expected := `
# HELP lehter_monitor_successful_events_total Total number of events accepted by the collector
# TYPE lehter_monitor_successful_events_total counter
lehter_monitor_successful_events_total 2
# HELP lehter_monitor_failed_events_total Total number of failed delivery attempts
# TYPE lehter_monitor_failed_events_total counter
lehter_monitor_failed_events_total 1
# HELP lehter_monitor_vetoed_events_total Total number of events skipped by the send callback
# TYPE lehter_monitor_vetoed_events_total counter
lehter_monitor_vetoed_events_total 1
# HELP lehter_monitor_queue_length Number of requests waiting in the async queue
# TYPE lehter_monitor_queue_length gauge
lehter_monitor_queue_length 4
# HELP lehter_monitor_captured_events_total Total number of captured events by level
# TYPE lehter_monitor_captured_events_total counter
lehter_monitor_captured_events_total{level="error"} 2
lehter_monitor_captured_events_total{level="info"} 1
`
	if err := testutil.CollectAndCompare(mc, strings.NewReader(expected),
		"lehter_monitor_successful_events_total",
		"lehter_monitor_failed_events_total",
		"lehter_monitor_vetoed_events_total",
		"lehter_monitor_queue_length",
		"lehter_monitor_captured_events_total",
	); err != nil {
		t.Error(err)
	}
}

func TestMetricsCollectorRegisters(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(newMetricsCollector()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := reg.Gather(); err != nil {
		t.Errorf("Gather() error = %v", err)
	}
}

func TestMetricsSnapshot(t *testing.T) {
	mc := newMetricsCollector()
	mc.IncDroppedEvents()
	mc.IncRateLimitedEvents()
	mc.IncRetries()

	got := mc.Snapshot()
	want := TransportMetrics{EventsDropped: 1, EventsRateLimit: 1, TotalRetries: 1}
	if *got != want {
		t.Errorf("Snapshot() = %+v, want %+v", *got, want)
	}
}
