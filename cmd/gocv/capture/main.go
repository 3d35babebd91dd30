// Command capture grabs frames from a camera or a video file with gocv and
// classifies them. With -every it keeps classifying the latest frame, and with
// -on-change only frames showing a new scene; a newer frame always supersedes a
// cascade still running on an older one.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/color"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nvr-ai/go-cropcheck/app"
	"github.com/nvr-ai/go-cropcheck/config"
	"github.com/nvr-ai/go-cropcheck/controller"
	"github.com/nvr-ai/go-cropcheck/images/scene"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// supportedVideoExtensions lists the video containers accepted by -video.
var supportedVideoExtensions = []string{".mp4", ".avi", ".mov"}

// InputType represents the kind of frame source.
type InputType int

const (
	// InputCamera reads from a capture device.
	InputCamera InputType = iota
	// InputVideo reads from a video file.
	InputVideo
)

// InputConfig holds the frame source.
type InputConfig struct {
	Type     InputType
	Path     string
	DeviceID int
}

func main() {
	var (
		configPath string
		deviceID   int
		videoPath  string
		model      string
		every      time.Duration
		showWindow bool
		saveFrame  string
		onChange   bool
		minArea    float64
	)
	flag.StringVar(&configPath, "config", "cropcheck.yaml", "Path to the YAML configuration")
	flag.IntVar(&deviceID, "device", 0, "Video capture device ID")
	flag.StringVar(&videoPath, "video", "", "Path to a video file (.mp4, .avi, .mov) instead of a camera")
	flag.StringVar(&model, "model", "", "Start at this model instead of the root (e.g. beans)")
	flag.DurationVar(&every, "every", 0, "Classify a new frame at this interval; zero classifies one frame")
	flag.BoolVar(&showWindow, "show-window", false, "Show the frames with the current labels")
	flag.StringVar(&saveFrame, "save-frame", "", "Write the classified frame to this JPEG file")
	flag.BoolVar(&onChange, "on-change", false, "Keep classifying, but only frames that show a new scene")
	flag.Float64Var(&minArea, "min-area", scene.DefaultOptions().MinArea, "Changed area in pixels that counts as a new scene")
	flag.Parse()

	input, err := validateInputFlags(deviceID, videoPath)
	if err != nil {
		logrus.WithError(err).Fatal("invalid input")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, cfg, input, runOptions{
		model:      model,
		every:      every,
		showWindow: showWindow,
		saveFrame:  saveFrame,
		onChange:   onChange,
		minArea:    minArea,
	})
	stop()
	os.Exit(code)
}

func validateInputFlags(deviceID int, videoPath string) (InputConfig, error) {
	if videoPath == "" {
		if deviceID < 0 {
			return InputConfig{}, fmt.Errorf("invalid device ID %d", deviceID)
		}
		return InputConfig{Type: InputCamera, DeviceID: deviceID}, nil
	}
	if _, err := os.Stat(videoPath); err != nil {
		return InputConfig{}, fmt.Errorf("video file: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(videoPath))
	for _, supported := range supportedVideoExtensions {
		if ext == supported {
			return InputConfig{Type: InputVideo, Path: videoPath}, nil
		}
	}
	return InputConfig{}, fmt.Errorf("unsupported video format %q, want one of %v", ext, supportedVideoExtensions)
}

func openCapture(input InputConfig) (*gocv.VideoCapture, error) {
	if input.Type == InputVideo {
		return gocv.OpenVideoCapture(input.Path)
	}
	return gocv.OpenVideoCapture(input.DeviceID)
}

type runOptions struct {
	model      string
	every      time.Duration
	showWindow bool
	saveFrame  string
	onChange   bool
	minArea    float64
}

// due reports whether the current frame should be classified.
func (o runOptions) due(last time.Time, changed bool) bool {
	if last.IsZero() {
		return true
	}
	if o.every > 0 && time.Since(last) < o.every {
		return false
	}
	if o.onChange {
		return changed
	}
	return o.every > 0
}

// continuous reports whether capture keeps running after the first frame.
func (o runOptions) continuous() bool {
	return o.every > 0 || o.onChange
}

func run(ctx context.Context, cfg *config.Config, input InputConfig, opts runOptions) int {
	model := opts.model
	c, err := app.Build(ctx, cfg, app.Options{})
	if err != nil {
		logrus.WithError(err).Error("startup failed")
		return 1
	}
	defer c.Close()
	logger := c.Logger

	if err := c.Load(ctx); err != nil {
		logger.WithError(err).Warn("some models are unavailable")
	}

	capture, err := openCapture(input)
	if err != nil {
		logger.WithError(err).Error("cannot open capture")
		return 1
	}
	defer capture.Close()

	var detector *scene.Detector
	if opts.onChange {
		detector = scene.NewDetector(scene.Options{MinArea: opts.minArea})
		defer detector.Close()
	}

	var window *gocv.Window
	if opts.showWindow {
		window = gocv.NewWindow("cropcheck")
		defer window.Close()
	}

	frame := gocv.NewMat()
	defer frame.Close()

	ctrl := c.NewController()
	ctrl.Subscribe(func(ev controller.Event) {
		logger.WithFields(logrus.Fields{
			"generation": ev.Generation,
			"model":      ev.Model,
		}).Info(ev.Message)
	})

	classify := func() error {
		img, err := frame.ToImage()
		if err != nil {
			return fmt.Errorf("convert frame: %w", err)
		}
		ctrl.SetDecodedImage(img)
		if model != "" {
			_, err = ctrl.TriggerOverride(ctx, model)
		} else {
			_, err = ctrl.Trigger(ctx)
		}
		return err
	}

	var last time.Time
	for {
		if ctx.Err() != nil {
			break
		}
		if ok := capture.Read(&frame); !ok {
			logger.Warn("no more frames")
			break
		}
		if frame.Empty() {
			continue
		}

		changed := false
		if detector != nil {
			if changed, err = detector.Changed(frame); err != nil {
				logger.WithError(err).Warn("scene detection failed")
			}
		}

		if opts.due(last, changed) {
			if err := classify(); err != nil {
				logger.WithError(err).Error("cannot classify frame")
				if errors.Is(err, controller.ErrNotReady) {
					return 1
				}
			}
			last = time.Now()
			if opts.saveFrame != "" {
				if err := writeJPEG(opts.saveFrame, frame); err != nil {
					logger.WithError(err).Warn("frame not saved")
				}
			}
		}

		if window != nil {
			drawLabels(&frame, ctrl.Snapshot())
			window.IMShow(frame)
			if window.WaitKey(1) == 27 {
				break
			}
		}

		if !opts.continuous() {
			ctrl.Wait()
			break
		}
	}
	ctrl.Wait()

	st := ctrl.Snapshot()
	fmt.Printf("Crop:    %s\n", st.ClassLabel)
	fmt.Printf("Disease: %s\n", st.SubLabel)
	if st.Phase == controller.PhaseFailed {
		return 3
	}
	return 0
}

func drawLabels(frame *gocv.Mat, st controller.State) {
	green := color.RGBA{G: 255, A: 255}
	lines := []string{st.ClassLabel, st.SubLabel}
	if st.Phase == controller.PhaseRunning {
		lines = append(lines, fmt.Sprintf("%s #%d", st.Model, st.Attempt))
	}
	for i, line := range lines {
		if line == "" {
			continue
		}
		gocv.PutText(frame, line, image.Pt(10, 30+30*i), gocv.FontHersheyPlain, 1.6, green, 2)
	}
}

func writeJPEG(path string, frame gocv.Mat) error {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, frame)
	if err != nil {
		return err
	}
	defer buf.Close()
	return os.WriteFile(path, buf.GetBytes(), 0o644)
}
