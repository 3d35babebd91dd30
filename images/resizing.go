package images

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// CoverFit scales img uniformly so that it fully covers a width×height box and
// crops the overflow around the centre. The aspect ratio is preserved and no
// padding is ever added. The crop is taken in source coordinates first, so the
// only bitmap allocated at target scale is the width×height result.
//
// Arguments:
//   - img: The source bitmap.
//   - width: The target width.
//   - height: The target height.
//   - interp: The interpolation used for scaling.
//
// Returns:
//   - *image.NRGBA: A width×height bitmap with origin (0, 0).
//   - error: ErrResize if the source or the target box is empty.
func CoverFit(img image.Image, width, height int, interp resize.InterpolationFunction) (*image.NRGBA, error) {
	if img == nil {
		return nil, errors.Wrap(ErrResize, "nil image")
	}
	if width <= 0 || height <= 0 {
		return nil, errors.Wrapf(ErrResize, "invalid target %dx%d", width, height)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, errors.Wrapf(ErrResize, "empty source %dx%d", b.Dx(), b.Dy())
	}

	cropped := imaging.Crop(img, CoverCrop(b, width, height))
	if cropped.Bounds().Dx() == width && cropped.Bounds().Dy() == height {
		return cropped, nil
	}
	return imaging.Clone(resize.Resize(uint(width), uint(height), cropped, interp)), nil
}

// CoverCrop returns the centred region of src that, scaled by the cover factor,
// fills a dstW×dstH box exactly.
func CoverCrop(src image.Rectangle, dstW, dstH int) image.Rectangle {
	srcW, srcH := src.Dx(), src.Dy()
	scale := coverScale(srcW, srcH, dstW, dstH)
	w := clamp(int(math.Round(float64(dstW)/scale)), 1, srcW)
	h := clamp(int(math.Round(float64(dstH)/scale)), 1, srcH)
	x := src.Min.X + (srcW-w)/2
	y := src.Min.Y + (srcH-h)/2
	return image.Rect(x, y, x+w, y+h)
}

// CoverSize returns the dimensions of srcW×srcH scaled by the smallest uniform
// factor that covers dstW×dstH. Both results are at least the target size.
func CoverSize(srcW, srcH, dstW, dstH int) (int, int) {
	scale := coverScale(srcW, srcH, dstW, dstH)
	w := max(dstW, int(math.Round(float64(srcW)*scale)))
	h := max(dstH, int(math.Round(float64(srcH)*scale)))
	return w, h
}

func coverScale(srcW, srcH, dstW, dstH int) float64 {
	return math.Max(float64(dstW)/float64(srcW), float64(dstH)/float64(srcH))
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
