// Command cropcheck classifies one image: the root model names the crop and, when
// the crop has a disease model, that model names the disease.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nvr-ai/go-cropcheck/app"
	"github.com/nvr-ai/go-cropcheck/config"
	"github.com/nvr-ai/go-cropcheck/controller"
	"github.com/nvr-ai/go-cropcheck/history"
	"github.com/sirupsen/logrus"
)

func main() {
	var (
		configPath string
		imageRef   string
		model      string
		profile    bool
		asJSON     bool
		save       bool
	)
	flag.StringVar(&configPath, "config", "cropcheck.yaml", "Path to the YAML configuration")
	flag.StringVar(&imageRef, "image", "", "Image path, file://, asset:// or http(s):// reference")
	flag.StringVar(&model, "model", "", "Start at this model instead of the root (e.g. beans)")
	flag.BoolVar(&profile, "profile", false, "Print per-stage timings after the run")
	flag.BoolVar(&asJSON, "json", false, "Print the result as JSON")
	flag.BoolVar(&save, "save", false, "Save the result to the history database")
	flag.Parse()

	if imageRef == "" {
		fmt.Fprintln(os.Stderr, "usage: cropcheck -image photo.jpg [-config cropcheck.yaml] [-model beans] [-profile]")
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	if !save {
		cfg.History.DSN = ""
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, cfg, imageRef, model, profile, asJSON)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, cfg *config.Config, imageRef, model string, profile, asJSON bool) int {
	c, err := app.Build(ctx, cfg, app.Options{})
	if err != nil {
		logrus.WithError(err).Error("startup failed")
		return 1
	}
	defer func() {
		if err := c.Close(); err != nil {
			c.Logger.WithError(err).Warn("shutdown")
		}
	}()
	logger := c.Logger

	if err := c.Load(ctx); err != nil {
		logger.WithError(err).Warn("some models are unavailable")
	}

	ctrl := c.NewController()
	ctrl.Subscribe(func(ev controller.Event) {
		logger.WithFields(logrus.Fields{
			"model":   ev.Model,
			"attempt": ev.Attempt,
		}).Info(ev.Message)
	})

	if err := ctrl.SetImage(ctx, imageRef); err != nil {
		logger.WithError(err).Error("cannot read image")
		return 1
	}

	var st controller.State
	if model != "" {
		st, err = ctrl.Override(ctx, model)
	} else {
		st, err = ctrl.Run(ctx)
	}

	code := 0
	switch {
	case err == nil:
	case errors.Is(err, controller.ErrDetectionFailed):
		code = 3
	default:
		logger.WithError(err).Error("detection did not run")
		return 1
	}

	if c.History != nil {
		if rec, err := history.FromState(st, imageRef); err != nil {
			logger.WithError(err).Warn("result not saved")
		} else if err := c.History.Create(ctx, rec); err != nil {
			logger.WithError(err).Warn("result not saved")
		} else {
			logger.WithField("id", rec.ID).Info("result saved")
		}
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(st); err != nil {
			logger.WithError(err).Error("encode result")
			return 1
		}
	} else {
		fmt.Printf("Crop:    %s\n", st.ClassLabel)
		fmt.Printf("Disease: %s\n", st.SubLabel)
		for _, stage := range st.Stages {
			fmt.Printf("  %-8s label=%-20q score=%.3f attempts=%d %v\n",
				stage.Model, stage.Label, stage.Score, stage.Attempts, stage.Duration)
		}
	}

	if profile {
		c.Profiler.Report()
	}
	return code
}
