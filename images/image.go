// Package images - Image buffers and the preprocessing pipeline that turns a source
// image into a model input tensor.
package images

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// DType is the element type of a buffer.
type DType int

const (
	// DTypeUint8 holds raw 0-255 pixel values.
	DTypeUint8 DType = iota
	// DTypeFloat32 holds pixel values normalized to [0, 1].
	DTypeFloat32
)

// String returns the lowercase name of the element type.
func (d DType) String() string {
	switch d {
	case DTypeUint8:
		return "uint8"
	case DTypeFloat32:
		return "float32"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// MarshalText encodes the element type by name.
func (d DType) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText decodes an element type name, see ParseDType.
func (d *DType) UnmarshalText(text []byte) error {
	parsed, err := ParseDType(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDType parses "uint8" or "float32" (case-insensitive).
//
// Arguments:
//   - s: The element type name.
//
// Returns:
//   - DType: The parsed element type.
//   - error: An error if the name is unknown.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "uint8", "u8", "int":
		return DTypeUint8, nil
	case "float32", "f32", "float":
		return DTypeFloat32, nil
	default:
		return 0, fmt.Errorf("unknown dtype %q", s)
	}
}

// Layout is the interleaved channel order of a buffer.
type Layout int

const (
	// LayoutRGB is three channels without alpha.
	LayoutRGB Layout = iota
	// LayoutRGBA is four channels with alpha last.
	LayoutRGBA
	// LayoutARGB is four channels with alpha first.
	LayoutARGB
)

// Channels returns the number of interleaved channels of the layout.
func (l Layout) Channels() int {
	if l == LayoutRGB {
		return 3
	}
	return 4
}

// String returns the layout name.
func (l Layout) String() string {
	switch l {
	case LayoutRGB:
		return "rgb"
	case LayoutRGBA:
		return "rgba"
	case LayoutARGB:
		return "argb"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

// Spec is the input contract a model declares: size and element type of a
// three-channel tensor.
type Spec struct {
	// The width of the model input.
	Width int `json:"width" yaml:"width"`
	// The height of the model input.
	Height int `json:"height" yaml:"height"`
	// The element type of the model input.
	DType DType `json:"dtype" yaml:"dtype"`
}

// Validate checks that the spec describes a non-empty tensor.
func (s Spec) Validate() error {
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("invalid dimensions: width=%d, height=%d", s.Width, s.Height)
	}
	if s.DType != DTypeUint8 && s.DType != DTypeFloat32 {
		return fmt.Errorf("invalid dtype %s", s.DType)
	}
	return nil
}

// String formats the spec as WxH/dtype.
func (s Spec) String() string {
	return fmt.Sprintf("%dx%d/%s", s.Width, s.Height, s.DType)
}

// Buffer is a raw, interleaved (HWC) pixel array. Exactly one of U8 and F32 is
// populated, selected by DType.
type Buffer struct {
	Width  int
	Height int
	Layout Layout
	DType  DType
	U8     []uint8
	F32    []float32
}

// Channels returns the number of interleaved channels.
func (b *Buffer) Channels() int {
	return b.Layout.Channels()
}

// Len returns the number of elements held by the populated slice.
func (b *Buffer) Len() int {
	if b.DType == DTypeFloat32 {
		return len(b.F32)
	}
	return len(b.U8)
}

// Validate checks len == width × height × channels.
//
// Returns:
//   - error: ErrChannelData wrapped with the mismatch, or nil.
func (b *Buffer) Validate() error {
	if b == nil {
		return errors.Wrap(ErrChannelData, "nil buffer")
	}
	want := b.Width * b.Height * b.Channels()
	if got := b.Len(); got != want {
		return errors.Wrapf(ErrChannelData, "%dx%dx%d buffer holds %d elements, want %d",
			b.Width, b.Height, b.Channels(), got, want)
	}
	return nil
}

// Matches reports whether the buffer satisfies spec exactly: three channels, same
// size and element type.
func (b *Buffer) Matches(spec Spec) bool {
	return b != nil &&
		b.Layout == LayoutRGB &&
		b.Width == spec.Width &&
		b.Height == spec.Height &&
		b.DType == spec.DType &&
		b.Validate() == nil
}

// Spec returns the contract this buffer satisfies.
func (b *Buffer) Spec() Spec {
	return Spec{Width: b.Width, Height: b.Height, DType: b.DType}
}
