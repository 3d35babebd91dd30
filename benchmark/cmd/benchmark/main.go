package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nvr-ai/go-cropcheck/app"
	"github.com/nvr-ai/go-cropcheck/benchmark"
	"github.com/nvr-ai/go-cropcheck/config"
	"github.com/nvr-ai/go-cropcheck/images"
	"github.com/sirupsen/logrus"
)

func main() {
	var (
		configFile    = flag.String("config", "cropcheck.yaml", "Path to the cropcheck configuration file")
		scenarioFile  = flag.String("scenarios", "", "Path to a JSON or YAML scenario set")
		outputDir     = flag.String("output", "./benchmark_results", "Output directory for results")
		testImages    = flag.String("images", "", "Path to test images directory or file")
		overrides     = flag.String("models", "", "Comma-separated models to also benchmark as overrides")
		quick         = flag.Bool("quick", false, "Run quick benchmark scenarios")
		comprehensive = flag.Bool("comprehensive", false, "Run comprehensive benchmark scenarios")
		resolutions   = flag.Bool("resolutions", false, "Compare different source resolutions")
		formats       = flag.Bool("formats", false, "Compare different source image formats")
		concurrency   = flag.Int("concurrency", 1, "Cascades run in parallel per scenario")
		retryDelay    = flag.Duration("retry-delay", 0, "Delay between attempts of a failing stage")
		timeout       = flag.Duration("timeout", 30*time.Minute, "Benchmark timeout duration")
	)
	flag.Parse()

	if *testImages == "" {
		fmt.Fprintln(os.Stderr, "test images path is required (-images)")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	code := run(ctx, options{
		configFile:    *configFile,
		scenarioFile:  *scenarioFile,
		outputDir:     *outputDir,
		testImages:    *testImages,
		overrides:     splitList(*overrides),
		quick:         *quick,
		comprehensive: *comprehensive,
		resolutions:   *resolutions,
		formats:       *formats,
		concurrency:   *concurrency,
		retryDelay:    *retryDelay,
	})
	cancel()
	stop()
	os.Exit(code)
}

type options struct {
	configFile    string
	scenarioFile  string
	outputDir     string
	testImages    string
	overrides     []string
	quick         bool
	comprehensive bool
	resolutions   bool
	formats       bool
	concurrency   int
	retryDelay    time.Duration
}

func run(ctx context.Context, opts options) int {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	cfg.History.DSN = ""
	logger := cfg.Log.NewLogger()

	c, err := app.Build(ctx, cfg, app.Options{Logger: logger})
	if err != nil {
		logger.WithError(err).Error("failed to build components")
		return 1
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.WithError(err).Warn("close failed")
		}
	}()

	if err := c.Load(ctx); err != nil {
		if ctx.Err() != nil {
			return 1
		}
		// scenarios on unloaded models are skipped
		logger.WithError(err).Warn("some models did not load")
	}

	cascade := c.ControllerOptions()
	cascade.RetryDelay = opts.retryDelay

	suite := benchmark.NewSuite(benchmark.SuiteConfig{
		Models:      c.Registry,
		Options:     cascade,
		Concurrency: opts.concurrency,
		OutputDir:   opts.outputDir,
		Logger:      logger,
	})
	if err := suite.LoadImages(opts.testImages); err != nil {
		logger.WithError(err).Error("failed to load test images")
		return 1
	}

	if err := addScenarios(suite, opts, logger); err != nil {
		logger.WithError(err).Error("failed to load scenarios")
		return 1
	}

	logger.Info("starting benchmark execution")
	start := time.Now()
	if err := suite.RunAllScenarios(ctx); err != nil {
		logger.WithError(err).Error("benchmark execution failed")
		return 1
	}
	logger.WithField("duration", time.Since(start)).Info("benchmark completed")

	resultsFile, summaryFile, err := suite.SaveResults()
	if err != nil {
		logger.WithError(err).Error("failed to save results")
		return 1
	}

	results := suite.GetResults()
	fmt.Printf("\n=== BENCHMARK RESULTS SUMMARY ===\n")
	fmt.Printf("Total scenarios: %d\n", len(results))
	fmt.Printf("Results saved to: %s\n", resultsFile)
	fmt.Printf("Summary saved to: %s\n", summaryFile)

	var bestIPS float64
	var bestScenario string
	for _, result := range results {
		if result.ImagesPerSecond > bestIPS {
			bestIPS = result.ImagesPerSecond
			bestScenario = result.Scenario.Name
		}
		fmt.Printf("  %s: %.2f img/s, avg %v, %.0f%% failed (%.2f MB memory)\n",
			result.Scenario.Name,
			result.ImagesPerSecond,
			result.AvgLatency.Round(time.Microsecond),
			100*result.ErrorRate,
			float64(result.MemoryStats.AllocBytes)/(1024*1024))
	}

	if bestScenario != "" {
		fmt.Printf("\nBest performing scenario: %s (%.2f img/s)\n", bestScenario, bestIPS)
	}
	return 0
}

func addScenarios(suite *benchmark.Suite, opts options, logger logrus.FieldLogger) error {
	if opts.scenarioFile != "" {
		set, err := benchmark.LoadScenarioSet(opts.scenarioFile)
		if err != nil {
			return err
		}
		for _, scenario := range set.Scenarios {
			suite.AddScenario(scenario)
		}
		logger.WithField("count", len(set.Scenarios)).Infof("loaded scenarios from %s", opts.scenarioFile)
		return nil
	}

	predefined := &benchmark.PredefinedScenarios{}
	var sets []*benchmark.ScenarioSet

	if opts.quick || (!opts.comprehensive && !opts.resolutions && !opts.formats) {
		sets = append(sets, predefined.GetQuickScenarios(opts.overrides))
	}
	if opts.comprehensive {
		sets = append(sets, predefined.GetComprehensiveScenarios(opts.overrides))
	}
	for _, model := range append([]string{""}, opts.overrides...) {
		if opts.resolutions {
			sets = append(sets, predefined.GetResolutionComparisonScenarios(model))
		}
		if opts.formats {
			res, _ := images.GetResolutionByType(images.ResolutionTypeFHD)
			sets = append(sets, predefined.GetFormatComparisonScenarios(model, res))
		}
	}

	for _, set := range sets {
		for _, scenario := range set.Scenarios {
			suite.AddScenario(scenario)
		}
		logger.WithField("count", len(set.Scenarios)).Infof("added %s", set.Name)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", filepath.Base(os.Args[0]))
		fmt.Fprintf(os.Stderr, "Benchmark tool for crop detection cascades.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -images ./photos -quick\n", filepath.Base(os.Args[0]))
		fmt.Fprintf(os.Stderr, "  %s -images ./photos -models beans,maize -resolutions -formats\n", filepath.Base(os.Args[0]))
		fmt.Fprintf(os.Stderr, "  %s -images ./photos -scenarios ./scenarios.yaml\n", filepath.Base(os.Args[0]))
	}
}
