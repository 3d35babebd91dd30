// Package config - Runtime configuration for the cropcheck binaries: a YAML file,
// an optional .env file and CROPCHECK_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/nvr-ai/go-cropcheck/controller"
	"github.com/nvr-ai/go-cropcheck/inference/providers"
	"github.com/nvr-ai/go-cropcheck/models"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CROPCHECK_"

// Config holds the configuration of a cropcheck process.
type Config struct {
	Log       LogConfig        `json:"log"       yaml:"log"`
	Assets    AssetsConfig     `json:"assets"    yaml:"assets"`
	Providers providers.Config `json:"providers" yaml:"providers"`
	Models    models.Config    `json:"models"    yaml:"models"`
	Input     InputConfig      `json:"input"     yaml:"input"`
	Cascade   CascadeConfig    `json:"cascade"   yaml:"cascade"`
	Server    ServerConfig     `json:"server"    yaml:"server"`
	History   HistoryConfig    `json:"history"   yaml:"history"`
	Profile   ProfileConfig    `json:"profile"   yaml:"profile"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	// Level is a logrus level name.
	Level string `json:"level" yaml:"level"`
	// Format is "text" or "json".
	Format string `json:"format" yaml:"format"`
}

// AssetsConfig locates model and label resources.
type AssetsConfig struct {
	// BaseDir resolves relative paths.
	BaseDir string `json:"base_dir" yaml:"base_dir"`
}

// InputConfig is the input size used for models with dynamic dimensions.
type InputConfig struct {
	Width  int `json:"width"  yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// CascadeConfig tunes the cascade controller.
type CascadeConfig struct {
	MaxAttempts       int           `json:"max_attempts"        yaml:"max_attempts"`
	RetryDelay        time.Duration `json:"retry_delay"         yaml:"retry_delay"`
	MaxDepth          int           `json:"max_depth"           yaml:"max_depth"`
	RootFailureLabel  string        `json:"root_failure_label"  yaml:"root_failure_label"`
	ChildFailureLabel string        `json:"child_failure_label" yaml:"child_failure_label"`
}

// Options returns the controller options the cascade config describes.
func (c CascadeConfig) Options() controller.Options {
	return controller.Options{
		MaxAttempts:       c.MaxAttempts,
		RetryDelay:        c.RetryDelay,
		MaxDepth:          c.MaxDepth,
		RootFailureLabel:  c.RootFailureLabel,
		ChildFailureLabel: c.ChildFailureLabel,
	}
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Addr is the listen address.
	Addr string `json:"addr" yaml:"addr"`
	// BodyLimit is the maximum upload size in bytes.
	BodyLimit int `json:"body_limit" yaml:"body_limit"`
	// RequestTimeout bounds one cascade.
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
}

// HistoryConfig configures the optional detection history store.
type HistoryConfig struct {
	// DSN is a Postgres connection string. Empty disables the history.
	DSN string `json:"dsn" yaml:"dsn"`
	// AutoMigrate creates or updates the table on start.
	AutoMigrate bool `json:"auto_migrate" yaml:"auto_migrate"`
}

// Enabled reports whether a DSN is configured.
func (h HistoryConfig) Enabled() bool {
	return strings.TrimSpace(h.DSN) != ""
}

// ProfileConfig configures the stage profiler.
type ProfileConfig struct {
	// Enabled turns on periodic profiler reports.
	Enabled bool `json:"enabled" yaml:"enabled"`
	// ReportInterval is the period between reports.
	ReportInterval time.Duration `json:"report_interval" yaml:"report_interval"`
}

// DefaultModels returns the root "auto" model and the four crop models it routes to.
func DefaultModels() models.Config {
	cfg := models.Config{
		Root:   "auto",
		Routes: map[string]string{},
	}
	for _, name := range []string{"auto", "beans", "cassava", "maize", "tomato"} {
		cfg.Models = append(cfg.Models, models.ModelConfig{
			Name:   name,
			Path:   "models/" + name + ".onnx",
			Labels: "models/" + name + ".txt",
		})
		if name != "auto" {
			cfg.Routes[name] = name
		}
	}
	return cfg
}

// DefaultConfig returns a Config populated with standard defaults.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Providers: providers.DefaultConfig(),
		Models:    DefaultModels(),
		Input: InputConfig{
			Width:  320,
			Height: 320,
		},
		Cascade: CascadeConfig{
			MaxAttempts:       controller.DefaultMaxAttempts,
			RetryDelay:        controller.DefaultRetryDelay,
			MaxDepth:          controller.DefaultMaxDepth,
			RootFailureLabel:  controller.DefaultRootFailureLabel,
			ChildFailureLabel: controller.DefaultChildFailureLabel,
		},
		Server: ServerConfig{
			Addr:           ":8088",
			BodyLimit:      16 << 20,
			RequestTimeout: 30 * time.Second,
		},
		History: HistoryConfig{
			AutoMigrate: true,
		},
		Profile: ProfileConfig{
			ReportInterval: 30 * time.Second,
		},
	}
}

// Validate clamps/normalizes values to safe ranges and checks the model and provider
// sections.
func (c *Config) Validate() error {
	d := DefaultConfig()

	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text":
		c.Log.Format = "text"
	case "json":
		c.Log.Format = "json"
	default:
		return fmt.Errorf("log format %q: want text or json", c.Log.Format)
	}

	if c.Input.Width <= 0 {
		c.Input.Width = d.Input.Width
	}
	if c.Input.Height <= 0 {
		c.Input.Height = d.Input.Height
	}
	if c.Cascade.MaxAttempts <= 0 {
		c.Cascade.MaxAttempts = d.Cascade.MaxAttempts
	}
	if c.Cascade.RetryDelay < 0 {
		c.Cascade.RetryDelay = d.Cascade.RetryDelay
	}
	if c.Cascade.MaxDepth <= 0 {
		c.Cascade.MaxDepth = d.Cascade.MaxDepth
	}
	if c.Cascade.RootFailureLabel == "" {
		c.Cascade.RootFailureLabel = d.Cascade.RootFailureLabel
	}
	if c.Cascade.ChildFailureLabel == "" {
		c.Cascade.ChildFailureLabel = d.Cascade.ChildFailureLabel
	}
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.BodyLimit <= 0 {
		c.Server.BodyLimit = d.Server.BodyLimit
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = d.Server.RequestTimeout
	}
	if c.Profile.ReportInterval <= 0 {
		c.Profile.ReportInterval = d.Profile.ReportInterval
	}
	if c.Providers.LibraryPath == "" {
		c.Providers.LibraryPath = providers.SharedLibPath()
	}

	if err := c.Providers.Validate(); err != nil {
		return fmt.Errorf("providers: %w", err)
	}
	if err := c.Models.Validate(); err != nil {
		return fmt.Errorf("models: %w", err)
	}
	return nil
}

// Load reads the configuration. The .env file in the working directory, if any, is
// loaded into the environment first; then the YAML file at path, if it exists, is
// decoded over the defaults; then CROPCHECK_* variables override both.
//
// Arguments:
//   - path: The YAML file. Empty or missing means defaults.
//
// Returns:
//   - *Config: The validated configuration.
//   - error: A read, decode, override or validation error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %q: %w", path, err)
		default:
			if err := cfg.Decode(data); err != nil {
				return nil, fmt.Errorf("decode config %q: %w", path, err)
			}
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode decodes YAML over the current values. Unknown keys are rejected. A routes
// mapping replaces the current routes instead of merging into them.
func (c *Config) Decode(data []byte) error {
	routes := c.Models.Routes
	c.Models.Routes = nil

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	err := dec.Decode(c)
	if c.Models.Routes == nil {
		c.Models.Routes = routes
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Save writes the configuration to path in YAML format.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ApplyEnv overrides values from CROPCHECK_* variables read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		if v, ok := lookup(EnvPrefix + key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = d
		}
		return nil
	}
	flag := func(key string, dst *bool) error {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = b
		}
		return nil
	}

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("ASSETS_DIR", &c.Assets.BaseDir)
	str("ORT_LIBRARY", &c.Providers.LibraryPath)
	str("ROOT_MODEL", &c.Models.Root)
	str("SERVER_ADDR", &c.Server.Addr)
	str("HISTORY_DSN", &c.History.DSN)

	if v, ok := lookup(EnvPrefix + "EXECUTION_PROVIDER"); ok {
		b, err := providers.ParseBackend(v)
		if err != nil {
			return fmt.Errorf("%sEXECUTION_PROVIDER: %w", EnvPrefix, err)
		}
		c.Providers.Backend = b
	}

	for _, err := range []error{
		num("INPUT_WIDTH", &c.Input.Width),
		num("INPUT_HEIGHT", &c.Input.Height),
		num("MAX_ATTEMPTS", &c.Cascade.MaxAttempts),
		num("MAX_DEPTH", &c.Cascade.MaxDepth),
		dur("RETRY_DELAY", &c.Cascade.RetryDelay),
		dur("REQUEST_TIMEOUT", &c.Server.RequestTimeout),
		flag("PROFILE", &c.Profile.Enabled),
		flag("HISTORY_AUTO_MIGRATE", &c.History.AutoMigrate),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

// NewLogger builds a logger from the log section.
func (c LogConfig) NewLogger() *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(c.Level); err == nil {
		logger.SetLevel(level)
	}
	if strings.EqualFold(c.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}
