package scene

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func solidFrame(t *testing.T, c color.RGBA) gocv.Mat {
	t.Helper()
	mat := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(float64(c.B), float64(c.G), float64(c.R), 0), 240, 320, gocv.MatTypeCV8UC3)
	t.Cleanup(func() { mat.Close() })
	return mat
}

func TestChecksum(t *testing.T) {
	a := solidFrame(t, color.RGBA{G: 200})
	b := solidFrame(t, color.RGBA{G: 200})
	c := solidFrame(t, color.RGBA{R: 200})

	assert.Equal(t, Checksum(a), Checksum(b))
	assert.NotEqual(t, Checksum(a), Checksum(c))

	empty := gocv.NewMat()
	defer empty.Close()
	assert.Equal(t, "empty", Checksum(empty))
}

func TestChanged(t *testing.T) {
	d := NewDetector(Options{MinArea: 1000})
	defer d.Close()

	green := solidFrame(t, color.RGBA{G: 200})
	changed, err := d.Changed(green)
	require.NoError(t, err)
	assert.True(t, changed, "first frame")

	changed, err = d.Changed(green)
	require.NoError(t, err)
	assert.False(t, changed, "repeated frame")

	moved := solidFrame(t, color.RGBA{G: 200})
	gocv.Rectangle(&moved, image.Rect(40, 40, 280, 200), color.RGBA{R: 255, A: 255}, -1)
	changed, err = d.Changed(moved)
	require.NoError(t, err)
	assert.True(t, changed, "large new object")

	empty := gocv.NewMat()
	defer empty.Close()
	changed, err = d.Changed(empty)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestDefaults(t *testing.T) {
	d := NewDetector(Options{})
	defer d.Close()
	assert.Equal(t, DefaultOptions(), d.opts)
}
