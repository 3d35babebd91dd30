// Command server serves the cropcheck HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nvr-ai/go-cropcheck/api"
	"github.com/nvr-ai/go-cropcheck/app"
	"github.com/nvr-ai/go-cropcheck/config"
	"github.com/sirupsen/logrus"
)

func main() {
	var (
		configPath string
		addr       string
	)
	flag.StringVar(&configPath, "config", "cropcheck.yaml", "Path to the YAML configuration")
	flag.StringVar(&addr, "addr", "", "Listen address, overrides server.addr")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := app.Build(ctx, cfg, app.Options{})
	if err != nil {
		logrus.WithError(err).Fatal("startup failed")
	}
	// Models load in the background; /api/v1/health reports 503 until the root is ready.
	c.Start(ctx)

	var hist api.History
	if c.History != nil {
		hist = c.History
	}
	srv := api.New(api.Config{
		Registry:       c.Registry,
		Cascade:        c.ControllerOptions(),
		History:        hist,
		Profiler:       c.Profiler,
		BodyLimit:      cfg.Server.BodyLimit,
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         c.Logger,
	})

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Listen(cfg.Server.Addr)
	}()

	select {
	case err := <-errc:
		if err != nil {
			c.Logger.WithError(err).Error("server stopped")
		}
	case <-ctx.Done():
		c.Logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			c.Logger.WithError(err).Warn("shutdown")
		}
		cancel()
	}

	if err := c.Close(); err != nil {
		c.Logger.WithError(err).Warn("close")
	}
}
