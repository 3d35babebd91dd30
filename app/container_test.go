package app

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/nvr-ai/go-cropcheck/config"
	"github.com/nvr-ai/go-cropcheck/images"
	"github.com/nvr-ai/go-cropcheck/inference"
	"github.com/nvr-ai/go-cropcheck/models"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Cascade.RetryDelay = time.Millisecond
	cfg.Models = models.Config{
		Root: "auto",
		Models: []models.ModelConfig{
			{Name: "auto", Path: "auto.onnx", Labels: "asset://auto.txt"},
			{Name: "beans", Path: "beans.onnx", Labels: "asset://beans.txt"},
		},
		Routes: map[string]string{"beans": "beans"},
	}
	return cfg
}

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"auto.txt":  {Data: []byte("beans\nother\n")},
		"beans.txt": {Data: []byte("bean_rust\nhealthy\n")},
	}
}

func writePNG(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 20, 10))))
	path := filepath.Join(t.TempDir(), "leaf.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestBuildWithOpener(t *testing.T) {
	logger, _ := test.NewNullLogger()
	opener := func(context.Context, models.ModelConfig) (inference.Invoker, error) {
		return &inference.Func{
			InputSpec:  images.Spec{Width: 8, Height: 8, DType: images.DTypeUint8},
			OutputKind: inference.KindClassification,
			Fn: func(context.Context, *images.Buffer) (inference.Output, error) {
				return &inference.Classification{Scores: []float32{1, 0}}, nil
			},
		}, nil
	}

	c, err := Build(context.Background(), testConfig(), Options{Logger: logger, AssetFS: testFS(), Opener: opener})
	require.NoError(t, err)
	defer c.Close()
	assert.Nil(t, c.History)

	require.NoError(t, c.Load(context.Background()))

	ctrl := c.NewController()
	require.NoError(t, ctrl.SetImage(context.Background(), writePNG(t)))

	st, err := ctrl.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Beans", st.ClassLabel)
	assert.Equal(t, "Bean Rust", st.SubLabel)
	assert.NotEmpty(t, c.Profiler.Stats().Operations)
}

func TestLoadWithoutRuntimeLibrary(t *testing.T) {
	logger, _ := test.NewNullLogger()
	cfg := testConfig()
	cfg.Providers.LibraryPath = filepath.Join(t.TempDir(), "missing.so")

	c, err := Build(context.Background(), cfg, Options{Logger: logger, AssetFS: testFS()})
	require.NoError(t, err)

	err = c.Load(context.Background())
	require.Error(t, err)
	for _, info := range c.Registry.Describe() {
		assert.False(t, info.Ready)
		assert.Contains(t, info.Error, "ONNX Runtime library not found")
	}
	assert.NoError(t, c.Close())
}

func TestBuildInvalidModels(t *testing.T) {
	cfg := testConfig()
	cfg.Models.Root = "wheat"
	logger, _ := test.NewNullLogger()
	_, err := Build(context.Background(), cfg, Options{Logger: logger})
	assert.Error(t, err)
}
