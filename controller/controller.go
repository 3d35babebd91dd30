// Package controller - The cascaded classification controller: runs the root model
// over the current image and follows the routing table to child models, retrying
// stages that produce no label.
package controller

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/nvr-ai/go-cropcheck/assets"
	"github.com/nvr-ai/go-cropcheck/images"
	"github.com/nvr-ai/go-cropcheck/labels"
	"github.com/nvr-ai/go-cropcheck/models"
	"github.com/nvr-ai/go-cropcheck/models/postprocess"
	"github.com/nvr-ai/go-cropcheck/profiler"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotReady is returned when there is no image or the entry model is not loaded.
	ErrNotReady = errors.New("controller not ready")
	// ErrDetectionFailed is returned when a stage exhausts its attempts.
	ErrDetectionFailed = errors.New("detection failed")
	// ErrSuperseded is returned when a newer cascade or image replaced this one.
	ErrSuperseded = errors.New("cascade superseded")
	// ErrNoResult is logged for an attempt that produced no label.
	ErrNoResult = errors.New("no result")
)

const (
	// DefaultMaxAttempts is the number of attempts per stage.
	DefaultMaxAttempts = 3
	// DefaultRetryDelay is the wait between attempts.
	DefaultRetryDelay = time.Second
	// DefaultMaxDepth bounds the number of stages in one cascade.
	DefaultMaxDepth = 4
	// DefaultRootFailureLabel is the class label set when the entry stage fails.
	DefaultRootFailureLabel = "Crop Detection failed!"
	// DefaultChildFailureLabel is the sub label set when a routed stage fails.
	DefaultChildFailureLabel = "Disease Detection failed!"
)

// Models is the model lookup the controller runs against. *models.Registry
// satisfies it.
type Models interface {
	Get(name string) (*models.Descriptor, bool)
	Root() string
	Routes() models.RoutingTable
}

// Options configures a Controller. Zero values take the defaults, except RetryDelay:
// zero retries immediately.
type Options struct {
	MaxAttempts       int           `json:"max_attempts" yaml:"max_attempts"`
	RetryDelay        time.Duration `json:"retry_delay" yaml:"retry_delay"`
	MaxDepth          int           `json:"max_depth" yaml:"max_depth"`
	RootFailureLabel  string        `json:"root_failure_label" yaml:"root_failure_label"`
	ChildFailureLabel string        `json:"child_failure_label" yaml:"child_failure_label"`

	Resolver     *assets.Resolver     `json:"-" yaml:"-"`
	Preprocessor *images.Preprocessor `json:"-" yaml:"-"`
	Profiler     *profiler.Profiler   `json:"-" yaml:"-"`
	Logger       logrus.FieldLogger   `json:"-" yaml:"-"`
}

// DefaultOptions returns the options of an interactive session.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:       DefaultMaxAttempts,
		RetryDelay:        DefaultRetryDelay,
		MaxDepth:          DefaultMaxDepth,
		RootFailureLabel:  DefaultRootFailureLabel,
		ChildFailureLabel: DefaultChildFailureLabel,
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = d.MaxDepth
	}
	if o.RootFailureLabel == "" {
		o.RootFailureLabel = d.RootFailureLabel
	}
	if o.ChildFailureLabel == "" {
		o.ChildFailureLabel = d.ChildFailureLabel
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Preprocessor == nil {
		o.Preprocessor = images.NewPreprocessor(images.PreprocessorConfig{
			Resolver: o.Resolver,
			Profiler: o.Profiler,
			Logger:   o.Logger,
		})
	}
}

// source is the image a cascade runs on. data is decoded lazily and the decoded
// bitmap is shared by every stage of the cascade.
type source struct {
	data []byte
	img  image.Image
	buf  *images.Buffer
}

// Controller owns the display state of one session: the current image, the
// labels shown for it and the generation of the latest cascade. It is safe for
// concurrent use; the most recent cascade always wins.
type Controller struct {
	models Models
	opts   Options
	logger logrus.FieldLogger

	mu     sync.RWMutex
	state  State
	data   []byte
	img    image.Image
	cancel context.CancelFunc

	listenersMu  sync.RWMutex
	listeners    map[int]Listener
	nextListener int

	wg sync.WaitGroup
}

// New creates a controller.
//
// Arguments:
//   - m: The models to run.
//   - opts: The controller options.
//
// Returns:
//   - *Controller: An idle controller without an image.
func New(m Models, opts Options) *Controller {
	opts.applyDefaults()
	return &Controller{
		models:    m,
		opts:      opts,
		logger:    opts.Logger.WithField("component", "controller"),
		listeners: make(map[int]Listener),
	}
}

// Options returns the effective options.
func (c *Controller) Options() Options {
	return c.opts
}

// SetImage resolves ref and makes it the current image.
func (c *Controller) SetImage(ctx context.Context, ref string) error {
	if c.opts.Resolver == nil {
		return fmt.Errorf("set image %q: controller has no resolver", ref)
	}
	data, err := c.opts.Resolver.ReadAll(ctx, ref)
	if err != nil {
		return fmt.Errorf("set image %q: %w", ref, err)
	}
	c.SetImageBytes(data)
	return nil
}

// SetImageBytes makes an encoded image the current image. Any running cascade is
// superseded and the state returns to Idle.
func (c *Controller) SetImageBytes(data []byte) {
	c.replaceImage(data, nil)
}

// SetDecodedImage makes a bitmap, such as a camera frame, the current image.
func (c *Controller) SetDecodedImage(img image.Image) {
	c.replaceImage(nil, img)
}

func (c *Controller) replaceImage(data []byte, img image.Image) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data = data
	c.img = img
	c.resetLocked()
}

// HasImage reports whether an image is set.
func (c *Controller) HasImage() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasImageLocked()
}

func (c *Controller) hasImageLocked() bool {
	return len(c.data) > 0 || c.img != nil
}

// Reset supersedes any running cascade and clears the labels.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

func (c *Controller) resetLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.state = State{Phase: PhaseIdle, Generation: c.state.Generation + 1}
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.clone()
}

// Generation returns the generation of the current state.
func (c *Controller) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Generation
}

// Run runs a cascade from the root model and blocks until it ends.
//
// Arguments:
//   - ctx: Cancels the cascade, including a pending retry wait.
//
// Returns:
//   - State: The state the cascade produced.
//   - error: ErrNotReady, ErrDetectionFailed, ErrSuperseded or a context error.
func (c *Controller) Run(ctx context.Context) (State, error) {
	gen, runCtx, src, err := c.begin(ctx, c.models.Root(), false)
	if err != nil {
		return c.Snapshot(), err
	}
	return c.cascade(runCtx, gen, c.models.Root(), false, src)
}

// Override runs a cascade that starts at the named model instead of the root. The
// class label is preset to the model's title.
func (c *Controller) Override(ctx context.Context, model string) (State, error) {
	model = models.NormalizeName(model)
	gen, runCtx, src, err := c.begin(ctx, model, true)
	if err != nil {
		return c.Snapshot(), err
	}
	return c.cascade(runCtx, gen, model, true, src)
}

// Trigger starts a cascade from the root model on its own goroutine.
//
// Returns:
//   - uint64: The generation of the started cascade.
//   - error: ErrNotReady when the cascade could not start.
func (c *Controller) Trigger(ctx context.Context) (uint64, error) {
	return c.trigger(ctx, c.models.Root(), false)
}

// TriggerOverride starts an override cascade on its own goroutine.
func (c *Controller) TriggerOverride(ctx context.Context, model string) (uint64, error) {
	return c.trigger(ctx, models.NormalizeName(model), true)
}

func (c *Controller) trigger(ctx context.Context, model string, override bool) (uint64, error) {
	gen, runCtx, src, err := c.begin(ctx, model, override)
	if err != nil {
		return 0, err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := c.cascade(runCtx, gen, model, override, src); err != nil && !errors.Is(err, ErrSuperseded) {
			c.logger.WithError(err).WithField("generation", gen).Debug("triggered cascade ended")
		}
	}()
	return gen, nil
}

// Wait blocks until every triggered cascade has returned.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// begin checks the entry conditions and, if they hold, supersedes the running
// cascade and moves to Running(model, 1) under a new generation.
func (c *Controller) begin(ctx context.Context, model string, override bool) (uint64, context.Context, *source, error) {
	d, ok := c.models.Get(model)
	if !ok {
		return 0, nil, nil, fmt.Errorf("%w: unknown model %q", ErrNotReady, model)
	}
	if !d.Ready() {
		return 0, nil, nil, fmt.Errorf("%w: model %q is not loaded", ErrNotReady, model)
	}

	c.mu.Lock()
	if !c.hasImageLocked() {
		c.mu.Unlock()
		return 0, nil, nil, fmt.Errorf("%w: no image", ErrNotReady)
	}
	if c.cancel != nil {
		c.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	gen := c.state.Generation + 1
	c.state = State{
		Phase:      PhaseRunning,
		Generation: gen,
		Model:      model,
		Attempt:    1,
		Override:   override,
		StartedAt:  time.Now(),
	}
	if override {
		c.state.ClassLabel = d.Title
	}
	src := &source{data: c.data, img: c.img}
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"generation": gen,
		"model":      model,
		"override":   override,
	}).Debug("cascade started")

	c.publish(Event{Type: EventStarted, Generation: gen, Model: model, Attempt: 1, Message: RunningMessage})
	if override {
		c.publish(Event{Type: EventClassLabel, Generation: gen, Model: model, Label: d.Title, Message: d.Title})
	}
	return gen, runCtx, src, nil
}

// update applies fn to the state if gen is still current.
//
// Returns:
//   - State: A copy of the state after fn.
//   - bool: False if gen was superseded and fn was not applied.
func (c *Controller) update(gen uint64, fn func(*State)) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Generation != gen {
		return State{}, false
	}
	fn(&c.state)
	return c.state.clone(), true
}

func (c *Controller) current(gen uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Generation == gen
}

// finish releases the cascade context if it is still the current one.
func (c *Controller) finish(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Generation == gen && c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Controller) cascade(ctx context.Context, gen uint64, start string, override bool, src *source) (State, error) {
	defer c.finish(gen)
	defer c.opts.Profiler.StartOperation("cascade")()

	routes := c.models.Routes()
	visited := make(map[string]bool)
	model := start

	for depth := 0; ; depth++ {
		visited[model] = true
		entry := depth == 0 && !override

		stage, err := c.runStage(ctx, gen, model, src)
		if err != nil {
			return c.interrupted(gen, err)
		}

		st, ok := c.update(gen, func(s *State) { s.Stages = append(s.Stages, stage) })
		if !ok {
			return st, ErrSuperseded
		}

		if stage.Label == "" {
			return c.fail(gen, model, entry)
		}

		child, routed := routes.Lookup(stage.Label)
		if routed && !visited[child] && depth+1 < c.opts.MaxDepth {
			title := labels.Title(stage.Label)
			st, ok = c.update(gen, func(s *State) {
				s.Stages[len(s.Stages)-1].Routed = true
				s.ClassLabel = title
				s.Model = child
				s.Attempt = 1
			})
			if !ok {
				return st, ErrSuperseded
			}
			c.logger.WithFields(logrus.Fields{
				"generation": gen,
				"model":      model,
				"label":      stage.Label,
				"child":      child,
			}).Debug("routing to child model")
			c.publish(Event{Type: EventClassLabel, Generation: gen, Model: model, Label: title, Message: title})
			model = child
			continue
		}

		title := labels.Title(stage.Label)
		st, ok = c.update(gen, func(s *State) {
			s.Phase = PhaseTerminal
			s.SubLabel = title
			s.Label = stage.Label
			s.FinishedAt = time.Now()
		})
		if !ok {
			return st, ErrSuperseded
		}
		c.logger.WithFields(logrus.Fields{
			"generation":  gen,
			"model":       model,
			"class_label": st.ClassLabel,
			"sub_label":   st.SubLabel,
		}).Info("detection complete")
		c.publish(Event{Type: EventSubLabel, Generation: gen, Model: model, Label: title, Message: title})
		return st, nil
	}
}

func (c *Controller) interrupted(gen uint64, err error) (State, error) {
	if !c.current(gen) {
		return State{}, ErrSuperseded
	}
	st, ok := c.update(gen, func(s *State) {
		s.Phase = PhaseIdle
		s.FinishedAt = time.Now()
	})
	if !ok {
		return State{}, ErrSuperseded
	}
	return st, err
}

func (c *Controller) fail(gen uint64, model string, entry bool) (State, error) {
	label := c.opts.ChildFailureLabel
	if entry {
		label = c.opts.RootFailureLabel
	}
	st, ok := c.update(gen, func(s *State) {
		s.Phase = PhaseFailed
		if entry {
			s.ClassLabel = label
		} else {
			s.SubLabel = label
		}
		s.FinishedAt = time.Now()
	})
	if !ok {
		return st, ErrSuperseded
	}
	c.logger.WithFields(logrus.Fields{
		"generation": gen,
		"model":      model,
		"attempts":   c.opts.MaxAttempts,
	}).Warn(label)
	c.publish(Event{Type: EventFailed, Generation: gen, Model: model, Attempt: c.opts.MaxAttempts, Label: label, Message: label})
	return st, fmt.Errorf("%w: model %q", ErrDetectionFailed, model)
}

// runStage runs up to MaxAttempts attempts of one model. A stage without a label
// returns a result with an empty Label; err is only set when ctx ended.
func (c *Controller) runStage(ctx context.Context, gen uint64, model string, src *source) (StageResult, error) {
	stage := StageResult{Model: model, Class: postprocess.NoClass}
	start := time.Now()

	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if _, ok := c.update(gen, func(s *State) {
			s.Model = model
			s.Attempt = attempt
		}); !ok {
			return stage, ErrSuperseded
		}
		stage.Attempts = attempt

		res, label, err := c.attempt(ctx, model, src)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stage, ctxErr
		}
		log := c.logger.WithFields(logrus.Fields{
			"generation": gen,
			"model":      model,
			"attempt":    attempt,
		})
		if err == nil && label != "" {
			stage.Class = res.Class
			stage.Score = res.Score
			stage.Label = label
			stage.Duration = time.Since(start)
			c.opts.Profiler.RecordMetric("score."+model, float64(res.Score))
			log.WithFields(logrus.Fields{"label": label, "score": res.Score}).Debug("attempt produced a label")
			return stage, nil
		}
		if err == nil {
			err = ErrNoResult
		}
		log.WithError(err).Debug("attempt produced no label")

		if attempt < c.opts.MaxAttempts {
			c.publish(Event{Type: EventRetrying, Generation: gen, Model: model, Attempt: attempt + 1, Message: RetryMessage(attempt)})
			if err := wait(ctx, c.opts.RetryDelay); err != nil {
				return stage, err
			}
		}
	}
	stage.Duration = time.Since(start)
	return stage, nil
}

// attempt preprocesses when the buffer does not match the model, invokes it and
// looks up the label. An empty label with a nil error means no result.
func (c *Controller) attempt(ctx context.Context, model string, src *source) (postprocess.Interpretation, string, error) {
	none := postprocess.Interpretation{Class: postprocess.NoClass}

	d, ok := c.models.Get(model)
	if !ok {
		return none, "", fmt.Errorf("unknown model %q", model)
	}
	inv := d.Invoker()
	if inv == nil || d.Catalog == nil || !d.Catalog.Loaded() {
		return none, "", fmt.Errorf("model %q is not loaded", model)
	}

	spec := inv.Spec()
	if !src.buf.Matches(spec) {
		buf, err := c.preprocess(src, spec)
		if err != nil {
			return none, "", err
		}
		src.buf = buf
	}

	done := c.opts.Profiler.StartOperation("invoke")
	out, err := inv.Invoke(ctx, src.buf)
	done()
	if err != nil {
		return none, "", fmt.Errorf("invoke %q: %w", model, err)
	}

	done = c.opts.Profiler.StartOperation("interpret")
	res, err := postprocess.Interpret(out)
	done()
	if err != nil {
		return none, "", fmt.Errorf("interpret %q: %w", model, err)
	}
	if !res.HasClass() {
		return res, "", nil
	}

	label, err := d.Catalog.Label(res.Class)
	if err != nil {
		return res, "", fmt.Errorf("label %q: %w", model, err)
	}
	return res, label, nil
}

func (c *Controller) preprocess(src *source, spec images.Spec) (*images.Buffer, error) {
	if src.img == nil {
		img, _, err := images.Decode(src.data)
		if err != nil {
			return nil, err
		}
		src.img = img
	}
	return c.opts.Preprocessor.PreprocessImage(src.img, spec)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
