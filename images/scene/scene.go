// Package scene - Detection of scene changes in a live frame stream using OpenCV
// (via gocv), so a camera pointed at one plant is classified once rather than on
// every frame.
//
// Pipeline:
//
//	frame -> checksum (drop repeated frames)
//	      -> MOG2 background subtraction
//	      -> binary threshold
//	      -> dilation
//	      -> external contours -> any contour >= MinArea means change
//
// Close must be called to release native resources.
package scene

import (
	"crypto/md5"
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// Options configures a Detector.
type Options struct {
	// Threshold is the foreground intensity cut-off. Defaults to 25.
	Threshold float32
	// MinArea is the contour area in pixels that counts as a change. Defaults to 5000.
	MinArea float64
	// KernelSize is the side of the dilation kernel. Defaults to 3.
	KernelSize int
}

// DefaultOptions returns the options used for a handheld phone camera.
func DefaultOptions() Options {
	return Options{Threshold: 25, MinArea: 5000, KernelSize: 3}
}

// Detector is stateful across frames and not safe for concurrent use.
type Detector struct {
	opts      Options
	delta     gocv.Mat
	threshold gocv.Mat
	kernel    gocv.Mat
	mog2      gocv.BackgroundSubtractorMOG2
	last      string
}

// NewDetector creates a detector with a fresh background model.
func NewDetector(opts Options) *Detector {
	d := DefaultOptions()
	if opts.Threshold <= 0 {
		opts.Threshold = d.Threshold
	}
	if opts.MinArea <= 0 {
		opts.MinArea = d.MinArea
	}
	if opts.KernelSize <= 0 {
		opts.KernelSize = d.KernelSize
	}
	return &Detector{
		opts:      opts,
		delta:     gocv.NewMat(),
		threshold: gocv.NewMat(),
		kernel:    gocv.GetStructuringElement(gocv.MorphRect, image.Pt(opts.KernelSize, opts.KernelSize)),
		mog2:      gocv.NewBackgroundSubtractorMOG2(),
	}
}

// Changed feeds frame to the background model and reports whether it differs from
// the scene seen so far. The first frame always counts as a change.
//
// Arguments:
//   - frame: A BGR frame.
//
// Returns:
//   - bool: True when the frame shows a new scene.
//   - error: An OpenCV error.
func (d *Detector) Changed(frame gocv.Mat) (bool, error) {
	if frame.Empty() {
		return false, nil
	}

	sum := Checksum(frame)
	first := d.last == ""
	if sum == d.last {
		return false, nil
	}
	d.last = sum

	contours, err := d.segment(frame)
	if err != nil {
		return false, err
	}
	defer contours.Close()

	return first || HasArea(contours, d.opts.MinArea), nil
}

func (d *Detector) segment(frame gocv.Mat) (gocv.PointsVector, error) {
	if err := d.mog2.Apply(frame, &d.delta); err != nil {
		return gocv.PointsVector{}, fmt.Errorf("background subtraction: %w", err)
	}
	gocv.Threshold(d.delta, &d.threshold, d.opts.Threshold, 255, gocv.ThresholdBinary)
	if err := gocv.Dilate(d.threshold, &d.threshold, d.kernel); err != nil {
		return gocv.PointsVector{}, fmt.Errorf("dilate: %w", err)
	}
	return gocv.FindContours(d.threshold, gocv.RetrievalExternal, gocv.ChainApproxSimple), nil
}

// HasArea reports whether any contour covers at least minArea pixels.
func HasArea(contours gocv.PointsVector, minArea float64) bool {
	for i := 0; i < contours.Size(); i++ {
		if gocv.ContourArea(contours.At(i)) >= minArea {
			return true
		}
	}
	return false
}

// Checksum returns the hex MD5 of a Mat's pixel data, "empty" for an empty Mat.
func Checksum(mat gocv.Mat) string {
	if mat.Empty() {
		return "empty"
	}
	data, err := mat.DataPtrUint8()
	if err != nil {
		return "unreadable"
	}
	return fmt.Sprintf("%x", md5.Sum(data))
}

// Close releases the native resources.
func (d *Detector) Close() {
	d.delta.Close()
	d.threshold.Close()
	d.kernel.Close()
	d.mog2.Close()
}
