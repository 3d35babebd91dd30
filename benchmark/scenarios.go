package benchmark

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nvr-ai/go-cropcheck/images"
	"gopkg.in/yaml.v3"
)

// Scenario defines a specific test configuration. An empty Model runs the full
// cascade from the root model; a named Model runs it as an override.
type Scenario struct {
	Name        string             `json:"name"         yaml:"name"`
	Model       string             `json:"model"        yaml:"model,omitempty"`
	Resolution  images.Resolution  `json:"resolution"   yaml:"resolution"`
	ImageFormat images.ImageFormat `json:"image_format" yaml:"image_format"`
	Iterations  int                `json:"iterations"   yaml:"iterations"`
	WarmupRuns  int                `json:"warmup_runs"  yaml:"warmup_runs"`
}

// Target returns the model the scenario starts at, "root" for the full cascade.
func (s Scenario) Target() string {
	if s.Model == "" {
		return "root"
	}
	return s.Model
}

// Validate checks a scenario before it runs.
func (s Scenario) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("scenario has no name")
	}
	if s.Resolution.Pixels.Width <= 0 || s.Resolution.Pixels.Height <= 0 {
		return fmt.Errorf("scenario %s: invalid resolution %dx%d",
			s.Name, s.Resolution.Pixels.Width, s.Resolution.Pixels.Height)
	}
	if s.Iterations <= 0 {
		return fmt.Errorf("scenario %s: iterations must be positive", s.Name)
	}
	if s.WarmupRuns < 0 {
		return fmt.Errorf("scenario %s: negative warmup runs", s.Name)
	}
	switch s.ImageFormat {
	case images.FormatJPEG, images.FormatPNG, images.FormatBMP, images.FormatTIFF, images.FormatGIF:
	default:
		return fmt.Errorf("scenario %s: unsupported image format %q", s.Name, s.ImageFormat)
	}
	return nil
}

// ScenarioBuilder helps build test scenarios with fluent API
type ScenarioBuilder struct {
	scenario Scenario
}

// NewScenarioBuilder creates a new scenario builder
func NewScenarioBuilder(name string) *ScenarioBuilder {
	return &ScenarioBuilder{
		scenario: Scenario{
			Name:        name,
			Resolution:  images.NewResolution(1280, 720),
			ImageFormat: images.FormatJPEG,
			Iterations:  100,
			WarmupRuns:  10,
		},
	}
}

// WithModel runs the scenario as an override of the named model.
func (sb *ScenarioBuilder) WithModel(model string) *ScenarioBuilder {
	sb.scenario.Model = model
	return sb
}

// WithResolution sets the source image resolution
func (sb *ScenarioBuilder) WithResolution(res images.Resolution) *ScenarioBuilder {
	sb.scenario.Resolution = res
	return sb
}

// WithImageFormat sets the source image encoding
func (sb *ScenarioBuilder) WithImageFormat(format images.ImageFormat) *ScenarioBuilder {
	sb.scenario.ImageFormat = format
	return sb
}

// WithIterations sets the number of test iterations
func (sb *ScenarioBuilder) WithIterations(iterations int) *ScenarioBuilder {
	sb.scenario.Iterations = iterations
	return sb
}

// WithWarmupRuns sets the number of warmup runs
func (sb *ScenarioBuilder) WithWarmupRuns(warmups int) *ScenarioBuilder {
	sb.scenario.WarmupRuns = warmups
	return sb
}

// Build returns the configured test scenario
func (sb *ScenarioBuilder) Build() Scenario {
	return sb.scenario
}

// ScenarioSet represents a collection of related test scenarios
type ScenarioSet struct {
	Name        string     `json:"name"        yaml:"name"`
	Description string     `json:"description" yaml:"description"`
	Scenarios   []Scenario `json:"scenarios"   yaml:"scenarios"`
}

// EncodableFormats lists the source formats a scenario can use.
var EncodableFormats = []images.ImageFormat{
	images.FormatJPEG,
	images.FormatPNG,
	images.FormatBMP,
	images.FormatTIFF,
}

// QuickResolutions are the source sizes of a quick run.
var QuickResolutions = []images.ResolutionType{
	images.ResolutionTypeVGA,
	images.ResolutionTypeFHD,
}

func scenarioName(prefix, target string, res images.Resolution, format images.ImageFormat) string {
	return fmt.Sprintf("%s_%s_%dx%d_%s", prefix, target, res.Pixels.Width, res.Pixels.Height, format)
}

// PredefinedScenarios contains common benchmark scenario sets. Model names are
// cascade entry points; "" is the root.
type PredefinedScenarios struct{}

// GetQuickScenarios returns a smaller set for quick testing
func (ps *PredefinedScenarios) GetQuickScenarios(models []string) *ScenarioSet {
	scenarios := make([]Scenario, 0)

	for _, model := range withRoot(models) {
		for _, t := range QuickResolutions {
			res, _ := images.GetResolutionByType(t)
			b := NewScenarioBuilder("").
				WithModel(model).
				WithResolution(res).
				WithImageFormat(images.FormatJPEG).
				WithIterations(20).
				WithWarmupRuns(2)
			sc := b.Build()
			sc.Name = scenarioName("quick", sc.Target(), res, sc.ImageFormat)
			scenarios = append(scenarios, sc)
		}
	}

	return &ScenarioSet{
		Name:        "Quick Performance Test",
		Description: "Full cascade and overrides at two source resolutions",
		Scenarios:   scenarios,
	}
}

// GetComprehensiveScenarios returns every combination of model, resolution and
// format.
func (ps *PredefinedScenarios) GetComprehensiveScenarios(models []string) *ScenarioSet {
	scenarios := make([]Scenario, 0)

	for _, model := range withRoot(models) {
		for _, res := range images.GetAllResolutions() {
			for _, format := range EncodableFormats {
				sc := NewScenarioBuilder("").
					WithModel(model).
					WithResolution(res).
					WithImageFormat(format).
					Build()
				sc.Name = scenarioName("full", sc.Target(), res, format)
				scenarios = append(scenarios, sc)
			}
		}
	}

	return &ScenarioSet{
		Name:        "Comprehensive Performance Test",
		Description: "Tests all combinations of models, resolutions, and image formats",
		Scenarios:   scenarios,
	}
}

// GetResolutionComparisonScenarios tests every source resolution with the same
// entry point.
func (ps *PredefinedScenarios) GetResolutionComparisonScenarios(model string) *ScenarioSet {
	scenarios := make([]Scenario, 0)

	for _, res := range images.GetAllResolutions() {
		sc := NewScenarioBuilder("").
			WithModel(model).
			WithResolution(res).
			Build()
		sc.Name = scenarioName("resolution", sc.Target(), res, sc.ImageFormat)
		scenarios = append(scenarios, sc)
	}

	target := (&Scenario{Model: model}).Target()
	return &ScenarioSet{
		Name:        fmt.Sprintf("Resolution Comparison - %s", target),
		Description: fmt.Sprintf("Compares source resolutions for the %s cascade", target),
		Scenarios:   scenarios,
	}
}

// GetFormatComparisonScenarios tests every encodable format at one resolution.
func (ps *PredefinedScenarios) GetFormatComparisonScenarios(model string, res images.Resolution) *ScenarioSet {
	scenarios := make([]Scenario, 0)

	for _, format := range EncodableFormats {
		sc := NewScenarioBuilder("").
			WithModel(model).
			WithResolution(res).
			WithImageFormat(format).
			Build()
		sc.Name = scenarioName("format", sc.Target(), res, format)
		scenarios = append(scenarios, sc)
	}

	target := (&Scenario{Model: model}).Target()
	return &ScenarioSet{
		Name:        fmt.Sprintf("Format Comparison - %s @ %s", target, res.Name),
		Description: fmt.Sprintf("Compares source formats for the %s cascade at %s", target, res.Name),
		Scenarios:   scenarios,
	}
}

func withRoot(models []string) []string {
	out := []string{""}
	for _, m := range models {
		if m != "" {
			out = append(out, m)
		}
	}
	return out
}

// SaveScenarioSet saves a scenario set as JSON or, for a .yaml or .yml file, YAML.
func SaveScenarioSet(scenarioSet *ScenarioSet, filename string) error {
	var (
		data []byte
		err  error
	)
	if isYAML(filename) {
		data, err = yaml.Marshal(scenarioSet)
	} else {
		data, err = json.MarshalIndent(scenarioSet, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal scenario set: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write scenario file: %w", err)
	}

	return nil
}

// LoadScenarioSet loads a scenario set saved by SaveScenarioSet and validates
// every scenario.
func LoadScenarioSet(filename string) (*ScenarioSet, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenarioSet ScenarioSet
	if isYAML(filename) {
		err = yaml.Unmarshal(data, &scenarioSet)
	} else {
		err = json.Unmarshal(data, &scenarioSet)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal scenario set: %w", err)
	}

	for _, sc := range scenarioSet.Scenarios {
		if err := sc.Validate(); err != nil {
			return nil, err
		}
	}
	return &scenarioSet, nil
}

func isYAML(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
