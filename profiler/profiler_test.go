package profiler

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAggregates(t *testing.T) {
	p := New(Options{})

	p.Record("decode", 2*time.Millisecond)
	p.Record("decode", 4*time.Millisecond)
	p.Record("resize", time.Millisecond)

	stats := p.Stats()
	require.Len(t, stats.Operations, 2)

	decode := stats.Operations[0]
	assert.Equal(t, "decode", decode.Name)
	assert.Equal(t, int64(2), decode.Count)
	assert.Equal(t, 3*time.Millisecond, decode.Avg)
	assert.Equal(t, 2*time.Millisecond, decode.Min)
	assert.Equal(t, 4*time.Millisecond, decode.Max)
	assert.Equal(t, 4*time.Millisecond, decode.Last)

	assert.Equal(t, "resize", stats.Operations[1].Name)
}

func TestRollingWindow(t *testing.T) {
	p := New(Options{MaxSamples: 2})

	p.RecordMetric("score", 1)
	p.RecordMetric("score", 2)
	p.RecordMetric("score", 6)

	stats := p.Stats()
	require.Len(t, stats.Metrics, 1)
	m := stats.Metrics[0]
	assert.Equal(t, 2, m.Samples)
	assert.Equal(t, int64(3), m.Count)
	assert.InDelta(t, 4.0, m.Avg, 1e-9)
	assert.Equal(t, 1.0, m.Min)
	assert.Equal(t, 6.0, m.Max)
}

func TestStartOperation(t *testing.T) {
	p := New(Options{})

	done := p.StartOperation("infer")
	time.Sleep(time.Millisecond)
	done()

	stats := p.Stats()
	require.Len(t, stats.Operations, 1)
	assert.GreaterOrEqual(t, stats.Operations[0].Last, time.Millisecond)
}

func TestNilProfiler(t *testing.T) {
	var p *Profiler

	assert.NotPanics(t, func() {
		p.StartOperation("x")()
		p.Record("x", time.Second)
		p.RecordMetric("y", 1)
		p.Report()
		p.Reset()
		p.Start(context.Background())
		p.Stop()
	})
	assert.Empty(t, p.Stats().Operations)
}

func TestReportAndReset(t *testing.T) {
	logger, hook := test.NewNullLogger()
	p := New(Options{Logger: logger})

	p.Record("decode", time.Millisecond)
	p.RecordMetric("score", 0.5)
	p.Report()

	entries := hook.AllEntries()
	require.Len(t, entries, 3)
	assert.Equal(t, "profiler report", entries[0].Message)
	assert.Equal(t, "decode", entries[1].Data["operation"])
	assert.Equal(t, "score", entries[2].Data["metric"])
	assert.Equal(t, logrus.InfoLevel, entries[0].Level)

	p.Reset()
	assert.Empty(t, p.Stats().Operations)
	assert.Empty(t, p.Stats().Metrics)
}

func TestStartStop(t *testing.T) {
	logger, hook := test.NewNullLogger()
	p := New(Options{Logger: logger, ReportInterval: 5 * time.Millisecond})

	p.Start(context.Background())
	p.Start(context.Background())
	assert.Eventually(t, func() bool { return len(hook.AllEntries()) > 0 }, time.Second, 5*time.Millisecond)
	p.Stop()
	p.Stop()
}
