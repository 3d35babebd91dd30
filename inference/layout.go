package inference

import (
	"strings"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// TensorLayout is the dimension order of a 4D image input.
type TensorLayout int

const (
	// LayoutNHWC is [batch, height, width, channels], the interleaved buffer order.
	LayoutNHWC TensorLayout = iota
	// LayoutNCHW is [batch, channels, height, width].
	LayoutNCHW
)

// String returns the layout name.
func (l TensorLayout) String() string {
	if l == LayoutNCHW {
		return "nchw"
	}
	return "nhwc"
}

// ParseTensorLayout parses "nhwc" or "nchw" (case-insensitive).
func ParseTensorLayout(s string) (TensorLayout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "nhwc":
		return LayoutNHWC, nil
	case "nchw":
		return LayoutNCHW, nil
	default:
		return 0, errors.Errorf("unknown tensor layout %q", s)
	}
}

// InputGeometry is the spatial part of a model's declared input.
type InputGeometry struct {
	Layout TensorLayout
	Width  int
	Height int
}

// Shape returns the 4D input shape for the geometry.
func (g InputGeometry) Shape() []int64 {
	if g.Layout == LayoutNCHW {
		return []int64{1, 3, int64(g.Height), int64(g.Width)}
	}
	return []int64{1, int64(g.Height), int64(g.Width), 3}
}

// DetectGeometry reads a declared input shape. The layout is whichever of axis 1
// or axis 3 holds 3 channels. Dynamic (non-positive) spatial dimensions are taken
// from fallbackW and fallbackH.
//
// Arguments:
//   - dims: The declared input dimensions.
//   - fallbackW: The width used for a dynamic width.
//   - fallbackH: The height used for a dynamic height.
//
// Returns:
//   - InputGeometry: The layout and input size.
//   - error: ErrUnsupportedInput if the shape is not a 4D three-channel image.
func DetectGeometry(dims []int64, fallbackW, fallbackH int) (InputGeometry, error) {
	if len(dims) != 4 {
		return InputGeometry{}, errors.Wrapf(ErrUnsupportedInput, "expected 4D input, got %dD %v", len(dims), dims)
	}

	var g InputGeometry
	var h, w int64
	switch {
	case dims[3] == 3:
		g.Layout = LayoutNHWC
		h, w = dims[1], dims[2]
	case dims[1] == 3:
		g.Layout = LayoutNCHW
		h, w = dims[2], dims[3]
	default:
		return InputGeometry{}, errors.Wrapf(ErrUnsupportedInput, "no 3-channel axis in %v", dims)
	}

	g.Width, g.Height = int(w), int(h)
	if w <= 0 {
		g.Width = fallbackW
	}
	if h <= 0 {
		g.Height = fallbackH
	}
	if g.Width <= 0 || g.Height <= 0 {
		return InputGeometry{}, errors.Wrapf(ErrUnsupportedInput, "dynamic input size %v without a fallback", dims)
	}
	return g, nil
}

// ToCHW reorders an interleaved height×width×channels slice into planar
// channels×height×width order. The source slice is left untouched.
//
// Arguments:
//   - data: The interleaved data.
//   - h: The height.
//   - w: The width.
//   - c: The number of channels.
//
// Returns:
//   - []T: The planar data.
//   - error: An error if the data length does not match the shape.
func ToCHW[T float32 | uint8](data []T, h, w, c int) ([]T, error) {
	if len(data) != h*w*c {
		return nil, errors.Errorf("%d elements do not fit %dx%dx%d", len(data), h, w, c)
	}

	backing := make([]T, len(data))
	copy(backing, data)

	t := tensor.New(tensor.WithShape(h, w, c), tensor.WithBacking(backing))
	if err := t.T(2, 0, 1); err != nil {
		return nil, errors.Wrap(err, "transpose hwc to chw")
	}
	if err := t.Transpose(); err != nil {
		return nil, errors.Wrap(err, "materialize chw")
	}

	out, ok := t.Data().([]T)
	if !ok {
		return nil, errors.Errorf("unexpected tensor backing %T", t.Data())
	}
	return out, nil
}
