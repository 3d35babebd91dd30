package images

import (
	"github.com/chewxy/math32"
)

// ToFloat32 converts a uint8 buffer to float32 normalized to [0, 1]. A buffer that
// is already float32 is returned as is.
func ToFloat32(buf *Buffer) *Buffer {
	if buf == nil || buf.DType == DTypeFloat32 {
		return buf
	}

	out := make([]float32, len(buf.U8))
	for i, v := range buf.U8 {
		out[i] = float32(v) / 255
	}
	return &Buffer{
		Width:  buf.Width,
		Height: buf.Height,
		Layout: buf.Layout,
		DType:  DTypeFloat32,
		F32:    out,
	}
}

// ToUint8 converts a float32 buffer to uint8 by multiplying by 255 and truncating.
// Values outside [0, 1] are clamped. A buffer that is already uint8 is returned
// as is.
func ToUint8(buf *Buffer) *Buffer {
	if buf == nil || buf.DType == DTypeUint8 {
		return buf
	}

	out := make([]uint8, len(buf.F32))
	for i, v := range buf.F32 {
		out[i] = floatToUint8(v)
	}
	return &Buffer{
		Width:  buf.Width,
		Height: buf.Height,
		Layout: buf.Layout,
		DType:  DTypeUint8,
		U8:     out,
	}
}

// Convert returns buf with the requested element type, converting only when the
// current type differs.
func Convert(buf *Buffer, dtype DType) *Buffer {
	if dtype == DTypeFloat32 {
		return ToFloat32(buf)
	}
	return ToUint8(buf)
}

func floatToUint8(v float32) uint8 {
	if math32.IsNaN(v) {
		return 0
	}
	return uint8(math32.Floor(math32.Min(math32.Max(v*255, 0), 255)))
}
