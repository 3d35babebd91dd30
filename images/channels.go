package images

import (
	"image"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// Pixels reads img into a four-channel uint8 buffer with alpha last.
//
// Arguments:
//   - img: The bitmap to read.
//
// Returns:
//   - *Buffer: A LayoutRGBA buffer of the image's size.
func Pixels(img image.Image) *Buffer {
	nrgba, ok := img.(*image.NRGBA)
	if !ok || nrgba.Rect.Min != (image.Point{}) || nrgba.Stride != 4*nrgba.Rect.Dx() {
		nrgba = imaging.Clone(img)
	}

	return &Buffer{
		Width:  nrgba.Rect.Dx(),
		Height: nrgba.Rect.Dy(),
		Layout: LayoutRGBA,
		DType:  DTypeUint8,
		U8:     nrgba.Pix,
	}
}

// StripAlpha removes the alpha component of every 4-element group, dropping the
// leading element for LayoutARGB and the trailing one for LayoutRGBA.
//
// Arguments:
//   - buf: A four-channel buffer.
//
// Returns:
//   - *Buffer: A new LayoutRGB buffer with the same element type.
//   - error: ErrChannelData if the layout has no alpha channel or the data length
//     is not a multiple of 4.
func StripAlpha(buf *Buffer) (*Buffer, error) {
	if buf == nil {
		return nil, errors.Wrap(ErrChannelData, "nil buffer")
	}

	var skip int
	switch buf.Layout {
	case LayoutARGB:
		skip = 0
	case LayoutRGBA:
		skip = 3
	default:
		return nil, errors.Wrapf(ErrChannelData, "layout %s has no alpha channel", buf.Layout)
	}

	if buf.Len()%4 != 0 {
		return nil, errors.Wrapf(ErrChannelData, "length %d is not a multiple of 4", buf.Len())
	}

	out := &Buffer{
		Width:  buf.Width,
		Height: buf.Height,
		Layout: LayoutRGB,
		DType:  buf.DType,
	}
	if buf.DType == DTypeFloat32 {
		out.F32 = dropEvery4(buf.F32, skip)
	} else {
		out.U8 = dropEvery4(buf.U8, skip)
	}
	return out, nil
}

func dropEvery4[T uint8 | float32](src []T, skip int) []T {
	dst := make([]T, 0, len(src)/4*3)
	for i := 0; i < len(src); i += 4 {
		for j := 0; j < 4; j++ {
			if j != skip {
				dst = append(dst, src[i+j])
			}
		}
	}
	return dst
}
