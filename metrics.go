package monitor

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "lehter_monitor"
)

// metricsCollector implements prometheus.Collector
type metricsCollector struct {
	successfulEvents  atomic.Uint64
	failedEvents      atomic.Uint64
	rateLimitedEvents atomic.Uint64
	droppedEvents     atomic.Uint64
	deadLetterEvents  atomic.Uint64
	vetoedEvents      atomic.Uint64
	retries           atomic.Uint64
	spawnedProcesses  atomic.Uint64

	// reports the async queue length; nil for other methods
	queueLength atomic.Pointer[func() int]

	successfulEventsDesc  *prometheus.Desc
	failedEventsDesc      *prometheus.Desc
	rateLimitedEventsDesc *prometheus.Desc
	droppedEventsDesc     *prometheus.Desc
	deadLetterEventsDesc  *prometheus.Desc
	vetoedEventsDesc      *prometheus.Desc
	retriesDesc           *prometheus.Desc
	spawnedProcessesDesc  *prometheus.Desc
	queueLengthDesc       *prometheus.Desc

	// captured events by collector level
	capturedEvents *prometheus.CounterVec
}

func newMetricsCollector() *metricsCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
	}

	return &metricsCollector{
		successfulEventsDesc:  desc("successful_events_total", "Total number of events accepted by the collector"),
		failedEventsDesc:      desc("failed_events_total", "Total number of failed delivery attempts"),
		rateLimitedEventsDesc: desc("rate_limited_events_total", "Total number of delivery attempts skipped or refused by rate limits"),
		droppedEventsDesc:     desc("dropped_events_total", "Total number of events dropped without delivery"),
		deadLetterEventsDesc:  desc("dead_letter_events_total", "Total number of events moved to the spool"),
		vetoedEventsDesc:      desc("vetoed_events_total", "Total number of events skipped by the send callback"),
		retriesDesc:           desc("retries_total", "Total number of scheduled delivery retries"),
		spawnedProcessesDesc:  desc("spawned_processes_total", "Total number of curl processes started"),
		queueLengthDesc:       desc("queue_length", "Number of requests waiting in the async queue"),

		capturedEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prometheus.BuildFQName(namespace, "", "captured_events_total"),
				Help: "Total number of captured events by level",
			},
			[]string{"level"}),
	}
}

func (mc *metricsCollector) IncSuccessfulEvents()  { mc.successfulEvents.Add(1) }
func (mc *metricsCollector) IncFailedEvents()      { mc.failedEvents.Add(1) }
func (mc *metricsCollector) IncRateLimitedEvents() { mc.rateLimitedEvents.Add(1) }
func (mc *metricsCollector) IncDroppedEvents()     { mc.droppedEvents.Add(1) }
func (mc *metricsCollector) IncDeadLetterEvents()  { mc.deadLetterEvents.Add(1) }
func (mc *metricsCollector) IncVetoedEvents()      { mc.vetoedEvents.Add(1) }
func (mc *metricsCollector) IncRetries()           { mc.retries.Add(1) }
func (mc *metricsCollector) IncSpawnedProcesses()  { mc.spawnedProcesses.Add(1) }

// IncCapturedEvents increments the captured counter for level
func (mc *metricsCollector) IncCapturedEvents(level string) {
	mc.capturedEvents.WithLabelValues(level).Inc()
}

func (mc *metricsCollector) setQueueLength(fn func() int) {
	mc.queueLength.Store(&fn)
}

func (mc *metricsCollector) currentQueueLength() int {
	if fn := mc.queueLength.Load(); fn != nil {
		return (*fn)()
	}
	return 0
}

// Snapshot returns the current counter values.
func (mc *metricsCollector) Snapshot() *TransportMetrics {
	return &TransportMetrics{
		EventsSent:      int64(mc.successfulEvents.Load()),
		EventsFailed:    int64(mc.failedEvents.Load()),
		EventsRateLimit: int64(mc.rateLimitedEvents.Load()),
		EventsDropped:   int64(mc.droppedEvents.Load()),
		QueueLength:     mc.currentQueueLength(),
		TotalRetries:    int64(mc.retries.Load()),
	}
}

// Describe sends all metric descriptions to Prometheus
func (mc *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- mc.successfulEventsDesc
	ch <- mc.failedEventsDesc
	ch <- mc.rateLimitedEventsDesc
	ch <- mc.droppedEventsDesc
	ch <- mc.deadLetterEventsDesc
	ch <- mc.vetoedEventsDesc
	ch <- mc.retriesDesc
	ch <- mc.spawnedProcessesDesc
	ch <- mc.queueLengthDesc

	mc.capturedEvents.Describe(ch)
}

// Collect sends current metric values to Prometheus
func (mc *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v *atomic.Uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v.Load()))
	}

	counter(mc.successfulEventsDesc, &mc.successfulEvents)
	counter(mc.failedEventsDesc, &mc.failedEvents)
	counter(mc.rateLimitedEventsDesc, &mc.rateLimitedEvents)
	counter(mc.droppedEventsDesc, &mc.droppedEvents)
	counter(mc.deadLetterEventsDesc, &mc.deadLetterEvents)
	counter(mc.vetoedEventsDesc, &mc.vetoedEvents)
	counter(mc.retriesDesc, &mc.retries)
	counter(mc.spawnedProcessesDesc, &mc.spawnedProcesses)

	ch <- prometheus.MustNewConstMetric(mc.queueLengthDesc, prometheus.GaugeValue, float64(mc.currentQueueLength()))

	mc.capturedEvents.Collect(ch)
}
