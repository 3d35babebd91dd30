// Package app - Assembly of the components a cropcheck binary needs from its
// configuration.
package app

import (
	"context"
	"fmt"
	"io/fs"

	"github.com/nvr-ai/go-cropcheck/assets"
	"github.com/nvr-ai/go-cropcheck/config"
	"github.com/nvr-ai/go-cropcheck/controller"
	"github.com/nvr-ai/go-cropcheck/history"
	"github.com/nvr-ai/go-cropcheck/images"
	"github.com/nvr-ai/go-cropcheck/inference"
	"github.com/nvr-ai/go-cropcheck/inference/providers"
	"github.com/nvr-ai/go-cropcheck/models"
	"github.com/nvr-ai/go-cropcheck/profiler"
	"github.com/sirupsen/logrus"
)

// Options customizes Build.
type Options struct {
	// Logger defaults to one built from the config's log section.
	Logger *logrus.Logger
	// AssetFS serves asset:// references.
	AssetFS fs.FS
	// Opener loads models. Defaults to ONNX Runtime.
	Opener models.Opener
}

// Container holds the shared components of a process.
type Container struct {
	Config       *config.Config
	Logger       *logrus.Logger
	Resolver     *assets.Resolver
	Profiler     *profiler.Profiler
	Preprocessor *images.Preprocessor
	Registry     *models.Registry
	// History is nil when no DSN is configured.
	History *history.Store

	usesONNX bool
}

// Build constructs all components. Models are not loaded until Start or Load.
//
// Arguments:
//   - ctx: Bounds the history migration.
//   - cfg: A validated configuration.
//   - opts: Optional overrides.
//
// Returns:
//   - *Container: The components.
//   - error: A model configuration or history connection error.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*Container, error) {
	c := &Container{Config: cfg, Logger: opts.Logger}
	if c.Logger == nil {
		c.Logger = cfg.Log.NewLogger()
	}

	c.Resolver = assets.NewResolver(cfg.Assets.BaseDir, opts.AssetFS)
	c.Profiler = profiler.New(profiler.Options{
		ReportInterval: cfg.Profile.ReportInterval,
		Logger:         c.Logger,
	})
	c.Preprocessor = images.NewPreprocessor(images.PreprocessorConfig{
		Resolver: c.Resolver,
		Profiler: c.Profiler,
		Logger:   c.Logger,
	})

	opener := opts.Opener
	if opener == nil {
		c.usesONNX = true
		opener = models.ONNXOpener(c.Resolver, inference.ONNXOptions{
			Providers:      cfg.Providers,
			FallbackWidth:  cfg.Input.Width,
			FallbackHeight: cfg.Input.Height,
			Profiler:       c.Profiler,
			Logger:         c.Logger,
		})
	}

	reg, err := models.NewRegistry(cfg.Models, opener, c.Resolver, c.Logger)
	if err != nil {
		return nil, err
	}
	c.Registry = reg

	if cfg.History.Enabled() {
		store, err := history.Open(cfg.History.DSN, c.Logger)
		if err != nil {
			return nil, err
		}
		if cfg.History.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("migrate history: %w", err)
			}
		}
		c.History = store
	}

	return c, nil
}

// Start loads the models in the background and starts periodic profiler reports
// when enabled.
func (c *Container) Start(ctx context.Context) {
	c.Registry.Start(ctx)
	if c.Config.Profile.Enabled {
		c.Profiler.Start(ctx)
	}
}

// Load loads every model and waits for it.
func (c *Container) Load(ctx context.Context) error {
	return c.Registry.Load(ctx)
}

// ControllerOptions returns the cascade options wired to the shared components.
func (c *Container) ControllerOptions() controller.Options {
	opts := c.Config.Cascade.Options()
	opts.Resolver = c.Resolver
	opts.Preprocessor = c.Preprocessor
	opts.Profiler = c.Profiler
	opts.Logger = c.Logger
	return opts
}

// NewController creates a controller for one session.
func (c *Container) NewController() *controller.Controller {
	return controller.New(c.Registry, c.ControllerOptions())
}

// Close stops reporting, closes the models and the history, and releases the
// runtime environment.
func (c *Container) Close() error {
	c.Profiler.Stop()

	var firstErr error
	if err := c.Registry.Close(); err != nil {
		firstErr = err
	}
	if c.History != nil {
		if err := c.History.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.usesONNX {
		if err := providers.DestroyEnvironment(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
