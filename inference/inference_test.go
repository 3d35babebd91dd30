package inference

import (
	"context"
	"os"
	"testing"

	"github.com/nvr-ai/go-cropcheck/images"
	"github.com/nvr-ai/go-cropcheck/inference/providers"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindForOutputs(t *testing.T) {
	tests := []struct {
		n       int
		want    OutputKind
		wantErr bool
	}{
		{1, KindClassification, false},
		{4, KindDetection, false},
		{0, 0, true},
		{2, 0, true},
		{3, 0, true},
	}

	for _, tt := range tests {
		got, err := KindForOutputs(tt.n)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrUnsupportedOutputs, "n=%d", tt.n)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestDetectGeometry(t *testing.T) {
	tests := []struct {
		name    string
		dims    []int64
		want    InputGeometry
		wantErr bool
	}{
		{"nhwc", []int64{1, 224, 320, 3}, InputGeometry{LayoutNHWC, 320, 224}, false},
		{"nchw", []int64{1, 3, 224, 320}, InputGeometry{LayoutNCHW, 320, 224}, false},
		{"dynamic nchw", []int64{-1, 3, -1, -1}, InputGeometry{LayoutNCHW, 320, 320}, false},
		{"grayscale", []int64{1, 1, 28, 28}, InputGeometry{}, true},
		{"3d", []int64{224, 224, 3}, InputGeometry{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectGeometry(tt.dims, 320, 320)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := DetectGeometry([]int64{1, -1, -1, 3}, 0, 0)
	assert.ErrorIs(t, err, ErrUnsupportedInput)
}

func TestGeometryShape(t *testing.T) {
	assert.Equal(t, []int64{1, 2, 4, 3}, InputGeometry{LayoutNHWC, 4, 2}.Shape())
	assert.Equal(t, []int64{1, 3, 2, 4}, InputGeometry{LayoutNCHW, 4, 2}.Shape())
}

func TestToCHW(t *testing.T) {
	// 1x2 image, RGB pixels (1,2,3) and (4,5,6).
	hwc := []float32{1, 2, 3, 4, 5, 6}
	chw, err := ToCHW(hwc, 1, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, chw)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, hwc)

	u8, err := ToCHW([]uint8{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, 2, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint8{1, 4, 7, 10, 2, 5, 8, 11, 3, 6, 9, 12}, u8)

	_, err = ToCHW([]uint8{1, 2}, 1, 1, 3)
	assert.Error(t, err)
}

func TestParseTensorLayout(t *testing.T) {
	l, err := ParseTensorLayout("NCHW")
	require.NoError(t, err)
	assert.Equal(t, LayoutNCHW, l)
	_, err = ParseTensorLayout("chwn")
	assert.Error(t, err)
}

func TestCheckInput(t *testing.T) {
	spec := images.Spec{Width: 2, Height: 2, DType: images.DTypeFloat32}

	ok := &images.Buffer{Width: 2, Height: 2, Layout: images.LayoutRGB, DType: images.DTypeFloat32, F32: make([]float32, 12)}
	assert.NoError(t, CheckInput(spec, ok))

	wrongType := &images.Buffer{Width: 2, Height: 2, Layout: images.LayoutRGB, U8: make([]uint8, 12)}
	assert.ErrorIs(t, CheckInput(spec, wrongType), ErrContractViolation)

	withAlpha := &images.Buffer{Width: 2, Height: 2, Layout: images.LayoutRGBA, DType: images.DTypeFloat32, F32: make([]float32, 16)}
	assert.ErrorIs(t, CheckInput(spec, withAlpha), ErrContractViolation)

	assert.ErrorIs(t, CheckInput(spec, nil), ErrContractViolation)
}

func TestFuncInvoker(t *testing.T) {
	spec := images.Spec{Width: 1, Height: 1, DType: images.DTypeUint8}
	calls := 0
	inv := &Func{
		InputSpec:  spec,
		OutputKind: KindClassification,
		Fn: func(context.Context, *images.Buffer) (Output, error) {
			calls++
			return &Classification{Scores: []float32{0.1, 0.9}}, nil
		},
	}

	input := &images.Buffer{Width: 1, Height: 1, Layout: images.LayoutRGB, U8: []uint8{1, 2, 3}}
	out, err := inv.Invoke(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, KindClassification, out.Kind())
	assert.Equal(t, []float32{0.1, 0.9}, out.(*Classification).Scores)

	_, err = inv.Invoke(context.Background(), &images.Buffer{Width: 2, Height: 1, Layout: images.LayoutRGB, U8: make([]uint8, 6)})
	assert.ErrorIs(t, err, ErrContractViolation)
	assert.Equal(t, 1, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = inv.Invoke(ctx, input)
	assert.ErrorIs(t, err, context.Canceled)

	inv.OutputKind = KindDetection
	_, err = inv.Invoke(context.Background(), input)
	assert.ErrorIs(t, err, ErrUnsupportedOutputs)
	assert.NoError(t, inv.Close())
}

// TestONNXInvoker runs against a real model when CROPCHECK_ONNX_LIB and
// CROPCHECK_TEST_MODEL are set.
func TestONNXInvoker(t *testing.T) {
	lib, model := os.Getenv("CROPCHECK_ONNX_LIB"), os.Getenv("CROPCHECK_TEST_MODEL")
	if lib == "" || model == "" {
		t.Skip("CROPCHECK_ONNX_LIB and CROPCHECK_TEST_MODEL not set")
	}

	logger, _ := test.NewNullLogger()
	cfg := providers.DefaultConfig()
	cfg.LibraryPath = lib

	inv, err := NewONNXInvoker(model, ONNXOptions{Providers: cfg, FallbackWidth: 320, FallbackHeight: 320, Logger: logger})
	require.NoError(t, err)
	defer inv.Close()

	spec := inv.Spec()
	input := &images.Buffer{Width: spec.Width, Height: spec.Height, Layout: images.LayoutRGB, DType: spec.DType}
	if spec.DType == images.DTypeFloat32 {
		input.F32 = make([]float32, spec.Width*spec.Height*3)
	} else {
		input.U8 = make([]uint8, spec.Width*spec.Height*3)
	}

	out, err := inv.Invoke(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, inv.Kind(), out.Kind())
	assert.Equal(t, inv.Kind(), inv.Describe().Kind)

	require.NoError(t, inv.Close())
	_, err = inv.Invoke(context.Background(), input)
	assert.ErrorIs(t, err, ErrClosed)
}
