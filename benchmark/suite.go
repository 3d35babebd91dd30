package benchmark

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	"github.com/nvr-ai/go-cropcheck/controller"
	"github.com/nvr-ai/go-cropcheck/images"
	"github.com/nvr-ai/go-cropcheck/profiler"
	"github.com/nvr-ai/go-cropcheck/util"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrEmptyCorpus is returned when a scenario runs before any image is loaded.
var ErrEmptyCorpus = errors.New("benchmark corpus is empty")

// SuiteConfig represents the arguments for creating a new benchmark suite.
type SuiteConfig struct {
	// Models are the loaded models the cascades run against.
	Models controller.Models
	// Options are the cascade options. Each scenario gets its own profiler.
	Options controller.Options
	// Concurrency is the number of cascades run in parallel. Defaults to 1.
	Concurrency int
	// OutputDir receives SaveResults files.
	OutputDir string
	Logger    logrus.FieldLogger
}

type corpusImage struct {
	name string
	img  image.Image
}

// Suite manages and executes benchmark scenarios
type Suite struct {
	models      controller.Models
	opts        controller.Options
	concurrency int
	outputDir   string
	logger      logrus.FieldLogger

	mu        sync.RWMutex
	corpus    []corpusImage
	scenarios []Scenario
	results   []PerformanceMetrics
}

// NewSuite creates a new benchmark suite.
//
// Arguments:
//   - cfg: The models, cascade options and output location.
//
// Returns:
//   - *Suite: The benchmark suite.
func NewSuite(cfg SuiteConfig) *Suite {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Suite{
		models:      cfg.Models,
		opts:        cfg.Options,
		concurrency: cfg.Concurrency,
		outputDir:   cfg.OutputDir,
		logger:      logger.WithField("component", "benchmark"),
		scenarios:   make([]Scenario, 0),
		results:     make([]PerformanceMetrics, 0),
	}
}

// LoadImages loads and decodes the corpus from a file or directory. Files that do
// not decode are skipped.
func (bs *Suite) LoadImages(path string) error {
	files, err := util.LoadImageFiles(path)
	if err != nil {
		return fmt.Errorf("load corpus: %w", err)
	}

	loaded := 0
	for _, f := range files {
		img, _, err := images.Decode(f.Data)
		if err != nil {
			bs.logger.WithError(err).WithField("file", f.Path).Warn("skipping corpus image")
			continue
		}
		bs.AddImage(f.Name(), img)
		loaded++
	}
	if loaded == 0 {
		return fmt.Errorf("%w: nothing decodable in %s", ErrEmptyCorpus, path)
	}
	return nil
}

// AddImage adds a decoded image to the corpus.
func (bs *Suite) AddImage(name string, img image.Image) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.corpus = append(bs.corpus, corpusImage{name: name, img: img})
}

// AddScenario adds a test scenario to the benchmark suite
func (bs *Suite) AddScenario(scenario Scenario) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.scenarios = append(bs.scenarios, scenario)
}

// Scenarios returns the queued scenarios.
func (bs *Suite) Scenarios() []Scenario {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	out := make([]Scenario, len(bs.scenarios))
	copy(out, bs.scenarios)
	return out
}

// prepare renders every corpus image at the scenario's resolution and encodes it
// in the scenario's format, as a camera would deliver it.
func (bs *Suite) prepare(scenario Scenario) ([][]byte, error) {
	bs.mu.RLock()
	corpus := make([]corpusImage, len(bs.corpus))
	copy(corpus, bs.corpus)
	bs.mu.RUnlock()

	if len(corpus) == 0 {
		return nil, ErrEmptyCorpus
	}

	w, h := scenario.Resolution.Pixels.Width, scenario.Resolution.Pixels.Height
	out := make([][]byte, 0, len(corpus))
	for _, c := range corpus {
		fitted := imaging.Fill(c.img, w, h, imaging.Center, imaging.Lanczos)
		data, err := images.Encode(fitted, scenario.ImageFormat)
		if err != nil {
			return nil, fmt.Errorf("prepare %s: %w", c.name, err)
		}
		out = append(out, data)
	}
	return out, nil
}

// tally accumulates the outcomes of a scenario's cascades.
type tally struct {
	mu       sync.Mutex
	terminal int
	failed   int
	attempts int
	sum      time.Duration
	min      time.Duration
	max      time.Duration
	labels   map[string]int
}

func (t *tally) add(st controller.State, err error, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err == nil {
		t.terminal++
		t.labels[st.Label]++
	} else {
		t.failed++
	}
	t.attempts += st.Attempts()
	t.sum += latency
	if t.min == 0 || latency < t.min {
		t.min = latency
	}
	if latency > t.max {
		t.max = latency
	}
}

// RunScenario executes a single benchmark scenario. Cascades that end in detection
// failure are counted, not returned; a model that is not ready aborts the
// scenario.
func (bs *Suite) RunScenario(ctx context.Context, scenario Scenario) (*PerformanceMetrics, error) {
	if err := scenario.Validate(); err != nil {
		return nil, err
	}

	metrics := &PerformanceMetrics{
		Scenario:  scenario,
		Timestamp: time.Now(),
	}

	prepStart := time.Now()
	inputs, err := bs.prepare(scenario)
	if err != nil {
		return nil, err
	}
	metrics.PrepareDuration = time.Since(prepStart)

	prof := profiler.New(profiler.Options{Logger: bs.logger})
	opts := bs.opts
	opts.Profiler = prof
	opts.Preprocessor = nil

	workers := min(bs.concurrency, scenario.Iterations)
	ctrls := make([]*controller.Controller, workers)
	for i := range ctrls {
		ctrls[i] = controller.New(bs.models, opts)
	}

	run := func(ctx context.Context, ctrl *controller.Controller, data []byte) (controller.State, error) {
		ctrl.SetImageBytes(data)
		if scenario.Model == "" {
			return ctrl.Run(ctx)
		}
		return ctrl.Override(ctx, scenario.Model)
	}

	for i := 0; i < scenario.WarmupRuns; i++ {
		if _, err := run(ctx, ctrls[0], inputs[i%len(inputs)]); err != nil {
			if errors.Is(err, controller.ErrNotReady) || ctx.Err() != nil {
				return nil, fmt.Errorf("scenario %s warmup: %w", scenario.Name, err)
			}
		}
	}
	prof.Reset()

	var startMem runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&startMem)

	t := &tally{labels: make(map[string]int)}
	var next atomic.Int64
	g, gctx := errgroup.WithContext(ctx)

	startTime := time.Now()
	for _, ctrl := range ctrls {
		g.Go(func() error {
			for {
				i := int(next.Add(1)) - 1
				if i >= scenario.Iterations {
					return nil
				}
				began := time.Now()
				st, err := run(gctx, ctrl, inputs[i%len(inputs)])
				latency := time.Since(began)
				if err != nil && !errors.Is(err, controller.ErrDetectionFailed) {
					return fmt.Errorf("scenario %s iteration %d: %w", scenario.Name, i, err)
				}
				t.add(st, err, latency)
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	totalDuration := time.Since(startTime)

	var endMem runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&endMem)

	runs := t.terminal + t.failed
	metrics.TotalDuration = totalDuration
	metrics.ImagesPerSecond = float64(runs) / totalDuration.Seconds()
	metrics.AvgLatency = t.sum / time.Duration(max(runs, 1))
	metrics.MinLatency = t.min
	metrics.MaxLatency = t.max
	metrics.Terminal = t.terminal
	metrics.Failed = t.failed
	metrics.ErrorRate = float64(t.failed) / float64(max(runs, 1))
	metrics.AvgAttempts = float64(t.attempts) / float64(max(runs, 1))
	metrics.Labels = t.labels
	metrics.Stages = prof.Stats().Operations

	metrics.MemoryStats = MemoryMetrics{
		AllocBytes:      endMem.Alloc,
		TotalAllocBytes: endMem.TotalAlloc - startMem.TotalAlloc,
		SysBytes:        endMem.Sys,
		NumGC:           endMem.NumGC - startMem.NumGC,
		HeapAllocBytes:  endMem.HeapAlloc,
		HeapSysBytes:    endMem.HeapSys,
	}

	metrics.CPUStats = CPUMetrics{
		NumCPU:     runtime.NumCPU(),
		GOMAXPROCS: runtime.GOMAXPROCS(0),
	}

	return metrics, nil
}

// RunAllScenarios executes all configured benchmark scenarios. A failing scenario
// is logged and skipped; a cancelled context stops the run.
func (bs *Suite) RunAllScenarios(ctx context.Context) error {
	for _, scenario := range bs.Scenarios() {
		metrics, err := bs.RunScenario(ctx, scenario)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			bs.logger.WithError(err).WithField("scenario", scenario.Name).Error("scenario failed")
			continue
		}

		bs.mu.Lock()
		bs.results = append(bs.results, *metrics)
		bs.mu.Unlock()

		bs.logger.WithFields(logrus.Fields{
			"scenario":   scenario.Name,
			"ips":        fmt.Sprintf("%.2f", metrics.ImagesPerSecond),
			"avg":        metrics.AvgLatency,
			"error_rate": metrics.ErrorRate,
		}).Info("scenario completed")
	}

	return nil
}

// SaveResults persists benchmark results to filesystem
//
// Returns:
//   - string: The JSON results file.
//   - string: The CSV summary file.
//   - error: A directory, encoding or write error.
func (bs *Suite) SaveResults() (string, string, error) {
	results := bs.GetResults()

	if err := os.MkdirAll(bs.outputDir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create output directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	resultsFile := filepath.Join(bs.outputDir, fmt.Sprintf("benchmark_results_%s.json", timestamp))

	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal results: %w", err)
	}

	if err := os.WriteFile(resultsFile, data, 0o644); err != nil {
		return "", "", fmt.Errorf("failed to write results file: %w", err)
	}

	summaryFile := filepath.Join(bs.outputDir, fmt.Sprintf("benchmark_summary_%s.csv", timestamp))
	if err := saveSummaryCSV(summaryFile, results); err != nil {
		return "", "", fmt.Errorf("failed to save summary CSV: %w", err)
	}

	return resultsFile, summaryFile, nil
}

var summaryHeader = []string{
	"Scenario", "Target", "Resolution", "Format", "Images_Per_Second",
	"Avg_Latency_ms", "Preprocess_ms", "Invoke_ms", "Attempts", "Error_Rate", "Alloc_MB",
}

func saveSummaryCSV(filename string, results []PerformanceMetrics) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write(summaryHeader); err != nil {
		return err
	}

	ms := func(d time.Duration) string {
		return strconv.FormatFloat(float64(d.Nanoseconds())/1e6, 'f', 3, 64)
	}
	for _, r := range results {
		row := []string{
			r.Scenario.Name,
			r.Scenario.Target(),
			fmt.Sprintf("%dx%d", r.Scenario.Resolution.Pixels.Width, r.Scenario.Resolution.Pixels.Height),
			string(r.Scenario.ImageFormat),
			strconv.FormatFloat(r.ImagesPerSecond, 'f', 2, 64),
			ms(r.AvgLatency),
			ms(r.StageAvg("resize")),
			ms(r.StageAvg("invoke")),
			strconv.FormatFloat(r.AvgAttempts, 'f', 2, 64),
			strconv.FormatFloat(r.ErrorRate, 'f', 4, 64),
			strconv.FormatFloat(float64(r.MemoryStats.AllocBytes)/(1024*1024), 'f', 2, 64),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}

	w.Flush()
	return w.Error()
}

// GetResults returns all benchmark results
func (bs *Suite) GetResults() []PerformanceMetrics {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	results := make([]PerformanceMetrics, len(bs.results))
	copy(results, bs.results)
	return results
}
