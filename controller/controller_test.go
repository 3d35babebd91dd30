package controller

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nvr-ai/go-cropcheck/images"
	"github.com/nvr-ai/go-cropcheck/inference"
	"github.com/nvr-ai/go-cropcheck/labels"
	"github.com/nvr-ai/go-cropcheck/models"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var float32Spec = images.Spec{Width: 32, Height: 32, DType: images.DTypeFloat32}

type fakeModels struct {
	root   string
	routes models.RoutingTable
	byName map[string]*models.Descriptor
}

func (f *fakeModels) Get(name string) (*models.Descriptor, bool) {
	d, ok := f.byName[models.NormalizeName(name)]
	return d, ok
}

func (f *fakeModels) Root() string { return f.root }

func (f *fakeModels) Routes() models.RoutingTable { return f.routes }

func (f *fakeModels) add(d *models.Descriptor) {
	f.byName[d.Name] = d
}

// countingModel returns a classifier that always scores the given class and counts
// its invocations.
type countingModel struct {
	calls atomic.Int32
	inv   *inference.Func
}

func newModel(spec images.Spec, scores []float32) *countingModel {
	m := &countingModel{}
	m.inv = &inference.Func{
		InputSpec:  spec,
		OutputKind: inference.KindClassification,
		Fn: func(context.Context, *images.Buffer) (inference.Output, error) {
			m.calls.Add(1)
			return &inference.Classification{Scores: scores}, nil
		},
	}
	return m
}

func descriptor(name string, list []string, inv inference.Invoker) *models.Descriptor {
	return models.NewDescriptor(models.ModelConfig{Name: name}, labels.FromList(list), inv)
}

func testImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 30, G: 160, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) ofType(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	models *fakeModels
	auto   *countingModel
	beans  *countingModel
	ctrl   *Controller
	events *recorder
}

// newFixture wires a root model predicting "beans" and a beans model predicting
// "bean_rust".
func newFixture(t *testing.T, autoScores, beansScores []float32) *fixture {
	t.Helper()
	f := &fixture{
		models: &fakeModels{
			root:   "auto",
			routes: models.NewRoutingTable(map[string]string{"beans": "beans", "maize": "maize"}),
			byName: map[string]*models.Descriptor{},
		},
		auto:   newModel(float32Spec, autoScores),
		beans:  newModel(float32Spec, beansScores),
		events: &recorder{},
	}
	f.models.add(descriptor("auto", []string{"beans", "maize", "unknown"}, f.auto.inv))
	f.models.add(descriptor("beans", []string{"angular_leaf_spot", "bean_rust", "healthy"}, f.beans.inv))

	logger, _ := test.NewNullLogger()
	opts := DefaultOptions()
	opts.RetryDelay = time.Millisecond
	opts.Logger = logger
	f.ctrl = New(f.models, opts)
	f.ctrl.Subscribe(f.events.listen)
	f.ctrl.SetImageBytes(testImage(t))
	return f
}

func TestRunRoutesToChildOnce(t *testing.T) {
	f := newFixture(t, []float32{0.9, 0.05, 0.05}, []float32{0.1, 0.8, 0.1})

	st, err := f.ctrl.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(1), f.auto.calls.Load())
	assert.Equal(t, int32(1), f.beans.calls.Load())
	assert.Equal(t, PhaseTerminal, st.Phase)
	assert.Equal(t, "Beans", st.ClassLabel)
	assert.Equal(t, "Bean Rust", st.SubLabel)
	assert.Equal(t, "bean_rust", st.Label)
	require.Len(t, st.Stages, 2)
	assert.True(t, st.Stages[0].Routed)
	assert.Equal(t, "beans", st.Stages[0].Label)
	assert.False(t, st.Stages[1].Routed)
	assert.Equal(t, 1, st.Stages[1].Class)
	assert.Equal(t, 2, st.Attempts())

	assert.Equal(t, []EventType{EventStarted, EventClassLabel, EventSubLabel}, f.events.types())
	assert.Equal(t, RunningMessage, f.events.ofType(EventStarted)[0].Message)
	assert.Equal(t, st, f.ctrl.Snapshot())
}

func TestRunTerminalRootLabel(t *testing.T) {
	f := newFixture(t, []float32{0, 0, 1}, []float32{1})

	st, err := f.ctrl.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(0), f.beans.calls.Load())
	assert.Equal(t, PhaseTerminal, st.Phase)
	assert.Empty(t, st.ClassLabel)
	assert.Equal(t, "Unknown", st.SubLabel)
}

func TestRunRetriesThenFails(t *testing.T) {
	f := newFixture(t, nil, nil)

	st, err := f.ctrl.Run(context.Background())
	require.ErrorIs(t, err, ErrDetectionFailed)

	assert.Equal(t, int32(3), f.auto.calls.Load())
	assert.Equal(t, PhaseFailed, st.Phase)
	assert.Equal(t, DefaultRootFailureLabel, st.ClassLabel)
	assert.Empty(t, st.SubLabel)
	require.Len(t, st.Stages, 1)
	assert.Equal(t, 3, st.Stages[0].Attempts)

	retries := f.events.ofType(EventRetrying)
	require.Len(t, retries, 2)
	assert.Equal(t, "Retry running detection ... 1st try", retries[0].Message)
	assert.Equal(t, "Retry running detection ... 2nd try", retries[1].Message)
	assert.Equal(t, 2, retries[0].Attempt)
	assert.Equal(t, 3, retries[1].Attempt)

	failed := f.events.ofType(EventFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, DefaultRootFailureLabel, failed[0].Label)
}

func TestRunChildFailure(t *testing.T) {
	f := newFixture(t, []float32{1, 0, 0}, nil)

	st, err := f.ctrl.Run(context.Background())
	require.ErrorIs(t, err, ErrDetectionFailed)

	assert.Equal(t, int32(1), f.auto.calls.Load())
	assert.Equal(t, int32(3), f.beans.calls.Load())
	assert.Equal(t, "Beans", st.ClassLabel)
	assert.Equal(t, DefaultChildFailureLabel, st.SubLabel)
}

func TestRunEmptyLabelIsNoResult(t *testing.T) {
	f := newFixture(t, []float32{0, 0, 1}, nil)
	f.models.add(descriptor("auto", labels.Parse("cat\ndog\n"), f.auto.inv))

	_, err := f.ctrl.Run(context.Background())
	require.ErrorIs(t, err, ErrDetectionFailed)
	assert.Equal(t, int32(3), f.auto.calls.Load())
}

func TestRunRouteToUnloadedChildFails(t *testing.T) {
	f := newFixture(t, []float32{0, 1, 0}, nil)
	f.models.add(descriptor("maize", []string{"blight"}, nil))

	st, err := f.ctrl.Run(context.Background())
	require.ErrorIs(t, err, ErrDetectionFailed)
	assert.Equal(t, "Maize", st.ClassLabel)
	assert.Equal(t, DefaultChildFailureLabel, st.SubLabel)
}

func TestRunNotReady(t *testing.T) {
	t.Run("no image", func(t *testing.T) {
		f := newFixture(t, []float32{1}, nil)
		f.ctrl.SetImageBytes(nil)
		gen := f.ctrl.Generation()

		_, err := f.ctrl.Run(context.Background())
		require.ErrorIs(t, err, ErrNotReady)
		assert.Equal(t, gen, f.ctrl.Generation())
		assert.Equal(t, PhaseIdle, f.ctrl.Snapshot().Phase)
		assert.Empty(t, f.events.types())
	})

	t.Run("root not loaded", func(t *testing.T) {
		f := newFixture(t, []float32{1}, nil)
		f.models.add(descriptor("auto", []string{"beans"}, nil))

		_, err := f.ctrl.Run(context.Background())
		require.ErrorIs(t, err, ErrNotReady)
		assert.Equal(t, int32(0), f.auto.calls.Load())
	})

	t.Run("unknown override", func(t *testing.T) {
		f := newFixture(t, []float32{1}, nil)

		_, err := f.ctrl.Override(context.Background(), "cassava")
		require.ErrorIs(t, err, ErrNotReady)
	})
}

func TestOverride(t *testing.T) {
	f := newFixture(t, []float32{1, 0, 0}, []float32{0, 0, 1})

	st, err := f.ctrl.Override(context.Background(), " Beans ")
	require.NoError(t, err)

	assert.Equal(t, int32(0), f.auto.calls.Load())
	assert.Equal(t, int32(1), f.beans.calls.Load())
	assert.True(t, st.Override)
	assert.Equal(t, "Beans", st.ClassLabel)
	assert.Equal(t, "Healthy", st.SubLabel)
	assert.Equal(t, []EventType{EventStarted, EventClassLabel, EventSubLabel}, f.events.types())
}

func TestOverrideFailureUsesChildLabel(t *testing.T) {
	f := newFixture(t, []float32{1}, nil)

	st, err := f.ctrl.Override(context.Background(), "beans")
	require.ErrorIs(t, err, ErrDetectionFailed)
	assert.Equal(t, "Beans", st.ClassLabel)
	assert.Equal(t, DefaultChildFailureLabel, st.SubLabel)
}

func TestRunPreprocessesForChildSpec(t *testing.T) {
	f := newFixture(t, []float32{1, 0, 0}, []float32{0, 1, 0})
	small := images.Spec{Width: 16, Height: 24, DType: images.DTypeUint8}
	var got *images.Buffer
	f.models.add(descriptor("beans", []string{"angular_leaf_spot", "bean_rust"}, &inference.Func{
		InputSpec:  small,
		OutputKind: inference.KindClassification,
		Fn: func(_ context.Context, input *images.Buffer) (inference.Output, error) {
			got = input
			return &inference.Classification{Scores: []float32{0, 1}}, nil
		},
	}))

	st, err := f.ctrl.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bean Rust", st.SubLabel)
	require.NotNil(t, got)
	assert.True(t, got.Matches(small))
	assert.Len(t, got.U8, 16*24*3)
}

func TestRunVisitsEachModelOnce(t *testing.T) {
	f := newFixture(t, []float32{1, 0, 0}, []float32{1})
	f.models.add(descriptor("beans", []string{"beans"}, f.beans.inv))

	st, err := f.ctrl.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.beans.calls.Load())
	assert.Equal(t, PhaseTerminal, st.Phase)
	assert.Equal(t, "Beans", st.SubLabel)
	require.Len(t, st.Stages, 2)
	assert.False(t, st.Stages[1].Routed)
}

func TestRunMaxDepth(t *testing.T) {
	f := newFixture(t, []float32{1, 0, 0}, []float32{1})
	f.models.routes = models.NewRoutingTable(map[string]string{"beans": "beans", "rust": "rust"})
	f.models.add(descriptor("beans", []string{"rust"}, f.beans.inv))
	rust := newModel(float32Spec, []float32{1})
	f.models.add(descriptor("rust", []string{"late"}, rust.inv))

	logger, _ := test.NewNullLogger()
	ctrl := New(f.models, Options{MaxDepth: 2, RetryDelay: time.Millisecond, Logger: logger})
	ctrl.SetImageBytes(testImage(t))

	st, err := ctrl.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(0), rust.calls.Load())
	assert.Equal(t, "Rust", st.SubLabel)
	assert.Len(t, st.Stages, 2)
}

func TestSupersededByNewImage(t *testing.T) {
	f := newFixture(t, []float32{1, 0, 0}, []float32{0, 1, 0})
	entered := make(chan struct{})
	blocking := &inference.Func{
		InputSpec:  float32Spec,
		OutputKind: inference.KindClassification,
		Fn: func(ctx context.Context, _ *images.Buffer) (inference.Output, error) {
			close(entered)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	f.models.add(descriptor("auto", []string{"beans"}, blocking))

	gen, err := f.ctrl.Trigger(context.Background())
	require.NoError(t, err)
	<-entered

	f.ctrl.SetImageBytes(testImage(t))
	f.ctrl.Wait()

	st := f.ctrl.Snapshot()
	assert.Greater(t, st.Generation, gen)
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.Empty(t, st.ClassLabel)
	assert.Empty(t, st.SubLabel)
	assert.Equal(t, int32(0), f.beans.calls.Load())
	assert.Equal(t, []EventType{EventStarted}, f.events.types())
}

func TestLatestTriggerWins(t *testing.T) {
	f := newFixture(t, []float32{1, 0, 0}, []float32{0, 1, 0})
	var calls atomic.Int32
	entered := make(chan struct{})
	first := &inference.Func{
		InputSpec:  float32Spec,
		OutputKind: inference.KindClassification,
		Fn: func(ctx context.Context, _ *images.Buffer) (inference.Output, error) {
			if calls.Add(1) == 1 {
				close(entered)
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return &inference.Classification{Scores: []float32{0, 1}}, nil
		},
	}
	f.models.add(descriptor("auto", []string{"beans", "unknown"}, first))

	gen1, err := f.ctrl.Trigger(context.Background())
	require.NoError(t, err)
	<-entered

	st, err := f.ctrl.Run(context.Background())
	require.NoError(t, err)
	f.ctrl.Wait()

	assert.Greater(t, st.Generation, gen1)
	assert.Equal(t, "Unknown", st.SubLabel)
	assert.Equal(t, st, f.ctrl.Snapshot())
	for _, ev := range f.events.ofType(EventSubLabel) {
		assert.Equal(t, st.Generation, ev.Generation)
	}
}

func TestRunCancelledDuringRetryWait(t *testing.T) {
	f := newFixture(t, nil, nil)
	logger, _ := test.NewNullLogger()
	ctrl := New(f.models, Options{RetryDelay: time.Hour, Logger: logger})
	ctrl.SetImageBytes(testImage(t))

	ctx, cancel := context.WithCancel(context.Background())
	ctrl.Subscribe(func(ev Event) {
		if ev.Type == EventRetrying {
			cancel()
		}
	})

	st, err := ctrl.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.Equal(t, int32(1), f.auto.calls.Load())
}

func TestSubscribeUnsubscribe(t *testing.T) {
	f := newFixture(t, []float32{0, 0, 1}, nil)
	other := &recorder{}
	unsubscribe := f.ctrl.Subscribe(other.listen)
	unsubscribe()

	_, err := f.ctrl.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, other.types())
	assert.NotEmpty(t, f.events.types())
}

func TestRetryMessage(t *testing.T) {
	tests := []struct {
		attempt int
		want    string
	}{
		{1, "Retry running detection ... 1st try"},
		{2, "Retry running detection ... 2nd try"},
		{3, "Retry running detection ... 3rd try"},
		{4, "Retry running detection ... try #4"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RetryMessage(tt.attempt))
	}
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "idle", PhaseIdle.String())
	assert.Equal(t, "running", PhaseRunning.String())
	assert.Equal(t, "terminal", PhaseTerminal.String())
	assert.Equal(t, "failed", PhaseFailed.String())

	text, err := PhaseFailed.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "failed", string(text))
}
