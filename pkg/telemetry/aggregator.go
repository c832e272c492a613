package telemetry

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/scanx/pkg/scan"
	"github.com/pmkol/scanx/pkg/utils"
)

const (
	defaultBufferSize    = 50
	defaultFlushTimeout  = 5 * time.Second
	defaultRetryInterval = 30 * time.Second

	methodCache = "cache"
)

// Record is one buffered metric.
type Record struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Stats is the running aggregate since start.
type Stats struct {
	ScanAttempts            uint64            `json:"scanAttempts" yaml:"scan_attempts"`
	SuccessfulScans         uint64            `json:"successfulScans" yaml:"successful_scans"`
	FailedScans             uint64            `json:"failedScans" yaml:"failed_scans"`
	SuccessRate             float64           `json:"successRate" yaml:"success_rate"`
	AverageProcessingTimeMs float64           `json:"averageProcessingTimeMs" yaml:"average_processing_time_ms"`
	MethodCounts            map[string]uint64 `json:"methodCounts" yaml:"method_counts"`
	ErrorCounts             map[string]uint64 `json:"errorCounts" yaml:"error_counts"`
	DroppedRecords          uint64            `json:"droppedRecords" yaml:"dropped_records"`
	BufferedRecords         int               `json:"bufferedRecords" yaml:"buffered_records"`
	Flushes                 uint64            `json:"flushes" yaml:"flushes"`
	FlushFailures           uint64            `json:"flushFailures" yaml:"flush_failures"`
}

// Batch is the payload handed to a Sink.
type Batch struct {
	Metrics      []Record `json:"metrics"`
	SessionStats Stats    `json:"sessionStats"`
}

type Opts struct {
	// Sink receives flushed batches. Default logs them.
	Sink Sink

	// BufferSize is the hard cap of buffered records. Reaching it
	// triggers a flush. Default is 50.
	BufferSize int

	// FlushTimeout bounds a single Sink call. Default is 5s.
	FlushTimeout time.Duration

	// RetryInterval is the pause after a failed flush before the buffer
	// cap triggers another one. Explicit Flush calls ignore it.
	// Default is 30s.
	RetryInterval time.Duration

	// Metrics is optional.
	Metrics *Metrics

	Clock  utils.Clock
	Logger *zap.Logger
}

func (o *Opts) init() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Sink == nil {
		o.Sink = LogSink{Logger: o.Logger}
	}
	utils.SetDefaultNum(&o.BufferSize, defaultBufferSize)
	utils.SetDefaultNum(&o.FlushTimeout, defaultFlushTimeout)
	utils.SetDefaultNum(&o.RetryInterval, defaultRetryInterval)
}

// Aggregator buffers metric records and keeps running scan statistics.
// It is safe for concurrent use. Sink failures never reach the callers
// of the Track methods. A nil *Aggregator tracks nothing.
type Aggregator struct {
	opts Opts

	mu       sync.Mutex
	buf      []Record
	stats    Stats
	flushing bool
	retryAt  time.Time
}

func NewAggregator(opts Opts) *Aggregator {
	opts.init()
	return &Aggregator{
		opts: opts,
		stats: Stats{
			MethodCounts: make(map[string]uint64),
			ErrorCounts:  make(map[string]uint64),
		},
	}
}

// TrackMetric buffers a free form metric.
func (a *Aggregator) TrackMetric(name string, value float64, metadata map[string]string) {
	if a == nil {
		return
	}
	a.add(func(now time.Time) Record {
		return Record{Name: name, Value: value, Timestamp: now, Metadata: metadata}
	})
}

// TrackScanAttempt counts a started attempt.
func (a *Aggregator) TrackScanAttempt(lighting scan.Lighting) {
	if a == nil {
		return
	}
	a.opts.Metrics.observeAttempt()
	a.add(func(now time.Time) Record {
		a.stats.ScanAttempts++
		a.refreshRateLocked()
		return Record{
			Name:      "scan_attempt",
			Value:     1,
			Timestamp: now,
			Metadata:  map[string]string{"lighting": string(lighting)},
		}
	})
}

// TrackScanSuccess counts a successful result and folds its processing
// time into the running average.
func (a *Aggregator) TrackScanSuccess(r scan.ScanResult) {
	if a == nil {
		return
	}
	method := string(r.Method)
	if r.FromCache {
		method = methodCache
	}
	a.opts.Metrics.observeSuccess(method, time.Duration(r.ProcessingTimeMs)*time.Millisecond)
	a.add(func(now time.Time) Record {
		a.stats.SuccessfulScans++
		n := float64(a.stats.SuccessfulScans)
		a.stats.AverageProcessingTimeMs = (a.stats.AverageProcessingTimeMs*(n-1) + float64(r.ProcessingTimeMs)) / n
		a.stats.MethodCounts[method]++
		a.refreshRateLocked()
		return Record{
			Name:      "scan_success",
			Value:     float64(r.ProcessingTimeMs),
			Timestamp: now,
			Metadata:  map[string]string{"method": method},
		}
	})
}

// TrackScanFailure counts a failed attempt.
func (a *Aggregator) TrackScanFailure(kind scan.ErrorKind, d time.Duration) {
	if a == nil {
		return
	}
	a.opts.Metrics.observeFailure(string(kind))
	a.add(func(now time.Time) Record {
		a.stats.FailedScans++
		a.stats.ErrorCounts[string(kind)]++
		return Record{
			Name:      "scan_failure",
			Value:     float64(d.Milliseconds()),
			Timestamp: now,
			Metadata:  map[string]string{"kind": string(kind)},
		}
	})
}

// Stats returns a copy of the running aggregate.
func (a *Aggregator) Stats() Stats {
	if a == nil {
		return Stats{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.statsLocked()
}

// Flush hands every buffered record to the sink. On failure the records
// are kept for the next flush and the error is returned for logging only.
func (a *Aggregator) Flush(ctx context.Context) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	if a.flushing || len(a.buf) == 0 {
		a.mu.Unlock()
		return nil
	}
	a.flushing = true
	b := &Batch{Metrics: a.buf, SessionStats: a.statsLocked()}
	a.buf = nil
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, a.opts.FlushTimeout)
	err := a.opts.Sink.Send(ctx, b)
	cancel()

	a.mu.Lock()
	a.flushing = false
	var dropped int
	if err != nil {
		a.buf = slices.Concat(b.Metrics, a.buf)
		dropped = a.trimLocked()
		a.stats.FlushFailures++
		a.retryAt = a.opts.Clock.Now().Add(a.opts.RetryInterval)
	} else {
		a.stats.Flushes++
	}
	buffered := len(a.buf)
	a.mu.Unlock()

	a.opts.Metrics.observeFlush(err == nil, dropped, buffered)
	if err != nil {
		a.opts.Logger.Warn("failed to flush telemetry", zap.Int("buffered", buffered), zap.Error(err))
		return err
	}
	a.opts.Logger.Debug("telemetry flushed", zap.Int("records", len(b.Metrics)))
	return nil
}

func (a *Aggregator) add(f func(now time.Time) Record) {
	now := a.opts.Clock.Now()
	a.mu.Lock()
	a.buf = append(a.buf, f(now))
	full := len(a.buf) >= a.opts.BufferSize
	flush := full && !a.flushing && !now.Before(a.retryAt)
	var dropped int
	if !flush {
		dropped = a.trimLocked()
	}
	buffered := len(a.buf)
	a.mu.Unlock()

	a.opts.Metrics.observeBuffered(dropped, buffered)
	if flush {
		a.Flush(context.Background())
	}
}

// trimLocked drops the oldest records beyond the cap.
func (a *Aggregator) trimLocked() int {
	over := len(a.buf) - a.opts.BufferSize
	if over <= 0 {
		return 0
	}
	a.buf = slices.Delete(a.buf, 0, over)
	a.stats.DroppedRecords += uint64(over)
	return over
}

func (a *Aggregator) refreshRateLocked() {
	if a.stats.ScanAttempts == 0 {
		a.stats.SuccessRate = 0
		return
	}
	a.stats.SuccessRate = float64(a.stats.SuccessfulScans) / float64(a.stats.ScanAttempts)
}

func (a *Aggregator) statsLocked() Stats {
	s := a.stats
	s.MethodCounts = maps.Clone(a.stats.MethodCounts)
	s.ErrorCounts = maps.Clone(a.stats.ErrorCounts)
	s.BufferedRecords = len(a.buf)
	return s
}
