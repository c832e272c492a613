package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics mirrors tracked events as prometheus collectors. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	attempts   prometheus.Counter
	successes  *prometheus.CounterVec
	failures   *prometheus.CounterVec
	processing prometheus.Histogram
	dropped    prometheus.Counter
	flushes    *prometheus.CounterVec
	buffered   prometheus.Gauge
}

// NewMetrics registers the telemetry collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scan_attempts_total",
			Help: "Total number of scan attempts.",
		}),
		successes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scan_success_total",
			Help: "Successful scans by resolution method.",
		}, []string{"method"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scan_failures_total",
			Help: "Failed scans by error kind.",
		}, []string{"kind"}),
		processing: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scan_processing_seconds",
			Help:    "Processing time of successful scans.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_records_dropped_total",
			Help: "Records dropped because the buffer was full and the sink unreachable.",
		}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_flushes_total",
			Help: "Telemetry flushes by result.",
		}, []string{"result"}),
		buffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "telemetry_buffered_records",
			Help: "Records waiting for the next flush.",
		}),
	}
	reg.MustRegister(m.attempts, m.successes, m.failures, m.processing, m.dropped, m.flushes, m.buffered)
	return m
}

func (m *Metrics) observeAttempt() {
	if m == nil {
		return
	}
	m.attempts.Inc()
}

func (m *Metrics) observeSuccess(method string, d time.Duration) {
	if m == nil {
		return
	}
	m.successes.WithLabelValues(method).Inc()
	if d >= 0 {
		m.processing.Observe(d.Seconds())
	}
}

func (m *Metrics) observeFailure(kind string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(kind).Inc()
}

func (m *Metrics) observeFlush(ok bool, dropped, buffered int) {
	if m == nil {
		return
	}
	if ok {
		m.flushes.WithLabelValues("ok").Inc()
	} else {
		m.flushes.WithLabelValues("failed").Inc()
	}
	m.dropped.Add(float64(dropped))
	m.buffered.Set(float64(buffered))
}

func (m *Metrics) observeBuffered(dropped, buffered int) {
	if m == nil {
		return
	}
	m.dropped.Add(float64(dropped))
	m.buffered.Set(float64(buffered))
}
