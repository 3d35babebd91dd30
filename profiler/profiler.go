// Package profiler - Stage timing and custom metric tracking for the detection
// pipeline, with optional periodic reports to a structured logger.
package profiler

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultMaxSamples bounds the number of samples kept per operation or metric.
const DefaultMaxSamples = 600

// Profiler tracks operation durations and custom metric values. A nil *Profiler
// is valid and records nothing, so callers never need to guard their calls.
type Profiler struct {
	maxSamples     int
	reportInterval time.Duration
	logger         logrus.FieldLogger

	mu        sync.RWMutex
	startTime time.Time
	metrics   map[string]*MetricTracker
	timings   map[string]*TimeTracker

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// MetricTracker tracks statistics for a custom metric.
type MetricTracker struct {
	values []float64
	sum    float64
	min    float64
	max    float64
	count  int64
}

// TimeTracker tracks operation timing statistics.
type TimeTracker struct {
	durations []time.Duration
	total     time.Duration
	min       time.Duration
	max       time.Duration
	count     int64
}

// Options configures a Profiler.
type Options struct {
	// MaxSamples is the rolling window per tracker (default: 600).
	MaxSamples int
	// ReportInterval is how often Start emits a report (default: 30s).
	ReportInterval time.Duration
	// Logger receives reports. Defaults to the logrus standard logger.
	Logger logrus.FieldLogger
}

// OperationStats is a snapshot of a timed operation.
type OperationStats struct {
	Name  string        `json:"name"`
	Count int64         `json:"count"`
	Avg   time.Duration `json:"avg"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Last  time.Duration `json:"last"`
}

// MetricStats is a snapshot of a custom metric.
type MetricStats struct {
	Name    string  `json:"name"`
	Count   int64   `json:"count"`
	Avg     float64 `json:"avg"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Samples int     `json:"samples"`
}

// Stats is a point-in-time view of everything the profiler has recorded.
type Stats struct {
	Uptime     time.Duration    `json:"uptime"`
	Goroutines int              `json:"goroutines"`
	HeapAlloc  uint64           `json:"heap_alloc"`
	Operations []OperationStats `json:"operations"`
	Metrics    []MetricStats    `json:"metrics"`
}

// New creates a profiler.
//
// Arguments:
//   - opts: Configuration options for the profiler.
//
// Returns:
//   - *Profiler: A ready profiler. Periodic reporting starts with Start.
func New(opts Options) *Profiler {
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = DefaultMaxSamples
	}
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	return &Profiler{
		maxSamples:     opts.MaxSamples,
		reportInterval: opts.ReportInterval,
		logger:         opts.Logger.WithField("component", "profiler"),
		startTime:      time.Now(),
		metrics:        make(map[string]*MetricTracker),
		timings:        make(map[string]*TimeTracker),
	}
}

// StartOperation begins timing an operation.
//
// Arguments:
//   - name: The name of the operation to track.
//
// Returns:
//   - func(): Call when the operation completes.
func (p *Profiler) StartOperation(name string) func() {
	if p == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		p.Record(name, time.Since(start))
	}
}

// Record adds a completed operation duration.
func (p *Profiler) Record(name string, d time.Duration) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.timings[name]
	if !ok {
		t = &TimeTracker{min: d, max: d}
		p.timings[name] = t
	}

	t.durations = append(t.durations, d)
	t.total += d
	if len(t.durations) > p.maxSamples {
		t.total -= t.durations[0]
		t.durations = t.durations[1:]
	}
	t.count++
	t.min = min(t.min, d)
	t.max = max(t.max, d)
}

// RecordMetric records a custom metric value.
//
// Arguments:
//   - name: The name of the metric.
//   - value: The metric value to record.
func (p *Profiler) RecordMetric(name string, value float64) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.metrics[name]
	if !ok {
		m = &MetricTracker{min: value, max: value}
		p.metrics[name] = m
	}

	m.values = append(m.values, value)
	m.sum += value
	if len(m.values) > p.maxSamples {
		m.sum -= m.values[0]
		m.values = m.values[1:]
	}
	m.count++
	m.min = min(m.min, value)
	m.max = max(m.max, value)
}

// Stats returns a snapshot sorted by name.
func (p *Profiler) Stats() Stats {
	if p == nil {
		return Stats{}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := Stats{
		Uptime:     time.Since(p.startTime),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  mem.HeapAlloc,
		Operations: make([]OperationStats, 0, len(p.timings)),
		Metrics:    make([]MetricStats, 0, len(p.metrics)),
	}

	for name, t := range p.timings {
		if len(t.durations) == 0 {
			continue
		}
		stats.Operations = append(stats.Operations, OperationStats{
			Name:  name,
			Count: t.count,
			Avg:   t.total / time.Duration(len(t.durations)),
			Min:   t.min,
			Max:   t.max,
			Last:  t.durations[len(t.durations)-1],
		})
	}
	for name, m := range p.metrics {
		if len(m.values) == 0 {
			continue
		}
		stats.Metrics = append(stats.Metrics, MetricStats{
			Name:    name,
			Count:   m.count,
			Avg:     m.sum / float64(len(m.values)),
			Min:     m.min,
			Max:     m.max,
			Samples: len(m.values),
		})
	}

	sort.Slice(stats.Operations, func(i, j int) bool { return stats.Operations[i].Name < stats.Operations[j].Name })
	sort.Slice(stats.Metrics, func(i, j int) bool { return stats.Metrics[i].Name < stats.Metrics[j].Name })

	return stats
}

// Report logs the current snapshot, one entry per operation and metric.
func (p *Profiler) Report() {
	if p == nil {
		return
	}
	stats := p.Stats()

	p.logger.WithFields(logrus.Fields{
		"uptime":     stats.Uptime.Truncate(time.Millisecond),
		"goroutines": stats.Goroutines,
		"heap_alloc": stats.HeapAlloc,
	}).Info("profiler report")

	for _, op := range stats.Operations {
		p.logger.WithFields(logrus.Fields{
			"operation": op.Name,
			"count":     op.Count,
			"avg":       op.Avg.Truncate(time.Microsecond),
			"min":       op.Min.Truncate(time.Microsecond),
			"max":       op.Max.Truncate(time.Microsecond),
		}).Info("operation timing")
	}
	for _, m := range stats.Metrics {
		p.logger.WithFields(logrus.Fields{
			"metric":  m.Name,
			"avg":     m.Avg,
			"min":     m.Min,
			"max":     m.Max,
			"samples": m.Samples,
		}).Info("metric")
	}
}

// Reset clears all recorded operations and metrics.
func (p *Profiler) Reset() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.startTime = time.Now()
	p.metrics = make(map[string]*MetricTracker)
	p.timings = make(map[string]*TimeTracker)
}

// Start emits a report every ReportInterval until ctx is cancelled or Stop is
// called. Calling Start on a running profiler is a no-op.
func (p *Profiler) Start(ctx context.Context) {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.reportInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Report()
			}
		}
	}()
}

// Stop halts periodic reporting and waits for the reporter to exit.
func (p *Profiler) Stop() {
	if p == nil {
		return
	}
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		p.wg.Wait()
	}
}
