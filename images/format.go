package images

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ImageFormat represents supported image formats.
type ImageFormat string

const (
	// FormatJPEG is the JPEG image format.
	FormatJPEG ImageFormat = "jpeg"
	// FormatPNG is the PNG image format.
	FormatPNG ImageFormat = "png"
	// FormatGIF is the GIF image format.
	FormatGIF ImageFormat = "gif"
	// FormatBMP is the BMP image format.
	FormatBMP ImageFormat = "bmp"
	// FormatTIFF is the TIFF image format.
	FormatTIFF ImageFormat = "tiff"
	// FormatWebP is the WebP image format.
	FormatWebP ImageFormat = "webp"
)

var (
	// ErrEmptySource is returned when there are no bytes to decode.
	ErrEmptySource = errors.New("empty image data")
	// ErrDecode is returned when the source cannot be decoded into a bitmap.
	ErrDecode = errors.New("image decode failed")
	// ErrResize is returned when the bitmap cannot be fitted to the target box.
	ErrResize = errors.New("image resize failed")
	// ErrChannelData is returned for pixel data that does not fit its declared layout.
	ErrChannelData = errors.New("invalid channel data")
)

// MaxPixels is the largest canvas Decode accepts, comfortably above a 48MP
// phone photo.
const MaxPixels = 64 << 20

// Decode decodes an encoded image, applying its EXIF orientation so photos taken
// in portrait come out upright. Images whose header declares more than MaxPixels
// are rejected before any pixel data is allocated.
//
// Arguments:
//   - data: The encoded image bytes.
//
// Returns:
//   - image.Image: The decoded bitmap.
//   - ImageFormat: The detected format.
//   - error: ErrEmptySource or ErrDecode wrapped with the cause.
func Decode(data []byte) (image.Image, ImageFormat, error) {
	return DecodeLimit(data, MaxPixels)
}

// DecodeLimit is Decode with an explicit pixel cap. A cap <= 0 disables it.
func DecodeLimit(data []byte, maxPixels int64) (image.Image, ImageFormat, error) {
	if len(data) == 0 {
		return nil, "", ErrEmptySource
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", errors.Wrapf(ErrDecode, "read header: %v", err)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); maxPixels > 0 && pixels > maxPixels {
		return nil, ImageFormat(format), errors.Wrapf(ErrDecode,
			"%dx%d %s exceeds %d pixels", cfg.Width, cfg.Height, format, maxPixels)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, ImageFormat(format), errors.Wrapf(ErrDecode, "decode %s: %v", format, err)
	}
	return img, ImageFormat(format), nil
}

// Encode encodes img in the given format. WebP is decode-only.
//
// Arguments:
//   - img: The bitmap to encode.
//   - format: The target format.
//
// Returns:
//   - []byte: The encoded image.
//   - error: An unsupported format or encoder error.
func Encode(img image.Image, format ImageFormat) ([]byte, error) {
	f, err := imaging.FormatFromExtension(string(format))
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", format)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, f, imaging.JPEGQuality(90)); err != nil {
		return nil, errors.Wrapf(err, "encode %s", format)
	}
	return buf.Bytes(), nil
}
