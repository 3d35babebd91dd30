package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/uuid"
	"github.com/nvr-ai/go-cropcheck/assets"
	"github.com/nvr-ai/go-cropcheck/controller"
	"github.com/nvr-ai/go-cropcheck/history"
	"github.com/nvr-ai/go-cropcheck/images"
	"github.com/nvr-ai/go-cropcheck/inference"
	"github.com/nvr-ai/go-cropcheck/models"
	"github.com/nvr-ai/go-cropcheck/profiler"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var scoresByModel = map[string][]float32{
	"auto":  {0.8, 0.1, 0.1},
	"beans": {0.1, 0.2, 0.7},
}

func classifier(scores []float32) inference.Invoker {
	return &inference.Func{
		InputSpec:  images.Spec{Width: 32, Height: 32, DType: images.DTypeFloat32},
		OutputKind: inference.KindClassification,
		Fn: func(context.Context, *images.Buffer) (inference.Output, error) {
			return &inference.Classification{Scores: scores}, nil
		},
	}
}

func newRegistry(t *testing.T, failRoot bool) *models.Registry {
	t.Helper()
	logger, _ := test.NewNullLogger()
	resolver := assets.NewResolver("", fstest.MapFS{
		"auto.txt":  {Data: []byte("beans\nmaize\nunknown\n")},
		"beans.txt": {Data: []byte("angular_leaf_spot\nbean_rust\nhealthy\n")},
	})
	cfg := models.Config{
		Root: "auto",
		Models: []models.ModelConfig{
			{Name: "auto", Path: "auto.onnx", Labels: "asset://auto.txt"},
			{Name: "beans", Path: "beans.onnx", Labels: "asset://beans.txt"},
		},
		Routes: map[string]string{"beans": "beans"},
	}
	opener := func(_ context.Context, mc models.ModelConfig) (inference.Invoker, error) {
		if failRoot && mc.Name == "auto" {
			return nil, errors.New("no such file")
		}
		return classifier(scoresByModel[mc.Name]), nil
	}
	reg, err := models.NewRegistry(cfg, opener, resolver, logger)
	require.NoError(t, err)
	_ = reg.Load(context.Background())
	return reg
}

type memHistory struct {
	mu   sync.Mutex
	recs map[string]*history.Record
}

func (m *memHistory) Create(_ context.Context, rec *history.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.ID.String()] = rec
	return nil
}

func (m *memHistory) FindByID(_ context.Context, id string) (*history.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", history.ErrNotFound, id)
	}
	return rec, nil
}

func (m *memHistory) FindAll(context.Context, history.Pagination) ([]history.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]history.Record, 0, len(m.recs))
	for _, rec := range m.recs {
		out = append(out, *rec)
	}
	return out, nil
}

func newServer(t *testing.T, reg Registry, hist History) *Server {
	t.Helper()
	logger, _ := test.NewNullLogger()
	opts := controller.DefaultOptions()
	opts.RetryDelay = time.Millisecond
	return New(Config{
		Registry: reg,
		Cascade:  opts,
		History:  hist,
		Logger:   logger,
	})
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 48, 36))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	img.SetNRGBA(0, 0, color.NRGBA{A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func uploadRequest(t *testing.T, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if data != nil {
		part, err := w.CreateFormFile("file", "leaf.png")
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/check-crop", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return out
}

func TestHealth(t *testing.T) {
	s := newServer(t, newRegistry(t, false), nil)
	resp, err := s.App().Test(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]any](t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(2), body["models_ready"])
}

func TestHealthRootNotLoaded(t *testing.T) {
	s := newServer(t, newRegistry(t, true), nil)
	resp, err := s.App().Test(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestModels(t *testing.T) {
	s := newServer(t, newRegistry(t, false), nil)
	resp, err := s.App().Test(httptest.NewRequest(http.MethodGet, "/api/v1/models", nil), -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[ModelsResponse](t, resp)
	assert.Equal(t, "auto", body.Root)
	assert.Equal(t, []string{"beans"}, body.Overrides)
	require.Len(t, body.Models, 2)
	assert.Equal(t, "Beans", body.Models[1].Title)
	assert.Equal(t, "32x32/float32", body.Models[0].Input)
}

func TestCheckCrop(t *testing.T) {
	hist := &memHistory{recs: map[string]*history.Record{}}
	s := newServer(t, newRegistry(t, false), hist)

	resp, err := s.App().Test(uploadRequest(t, pngBytes(t), nil), -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[CheckCropResponse](t, resp)
	assert.Equal(t, controller.PhaseTerminal, body.State)
	assert.Equal(t, "Beans", body.ClassLabel)
	assert.Equal(t, "Healthy", body.SubLabel)
	assert.Equal(t, 2, body.Attempts)
	assert.Len(t, body.Stages, 2)
	assert.True(t, body.Saved)

	rec, err := hist.FindByID(context.Background(), body.AnalysisID)
	require.NoError(t, err)
	assert.Equal(t, "leaf.png", rec.Source)

	resp, err = s.App().Test(httptest.NewRequest(http.MethodGet, "/api/v1/detections/"+body.AnalysisID, nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = s.App().Test(httptest.NewRequest(http.MethodGet, "/api/v1/detections", nil), -1)
	require.NoError(t, err)
	list := decode[[]history.Record](t, resp)
	assert.Len(t, list, 1)
}

func TestCheckCropOverride(t *testing.T) {
	s := newServer(t, newRegistry(t, false), nil)

	resp, err := s.App().Test(uploadRequest(t, pngBytes(t), map[string]string{"model": "Beans"}), -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[CheckCropResponse](t, resp)
	assert.True(t, body.Override)
	assert.Equal(t, "Beans", body.ClassLabel)
	assert.Equal(t, "Healthy", body.SubLabel)
	assert.Len(t, body.Stages, 1)
	assert.False(t, body.Saved)
	_, err = uuid.Parse(body.AnalysisID)
	assert.NoError(t, err)
}

func TestCheckCropErrors(t *testing.T) {
	s := newServer(t, newRegistry(t, false), nil)

	resp, err := s.App().Test(uploadRequest(t, nil, nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = s.App().Test(uploadRequest(t, pngBytes(t), map[string]string{"model": "wheat"}), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	notReady := newServer(t, newRegistry(t, true), nil)
	resp, err = notReady.App().Test(uploadRequest(t, pngBytes(t), nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCheckCropUndecodableImage(t *testing.T) {
	s := newServer(t, newRegistry(t, false), nil)

	resp, err := s.App().Test(uploadRequest(t, []byte("not an image"), nil), -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[CheckCropResponse](t, resp)
	assert.Equal(t, controller.PhaseFailed, body.State)
	assert.Equal(t, controller.DefaultRootFailureLabel, body.ClassLabel)
	assert.Equal(t, 3, body.Attempts)
}

func TestDetectionsDisabledAndInvalid(t *testing.T) {
	s := newServer(t, newRegistry(t, false), nil)
	resp, err := s.App().Test(httptest.NewRequest(http.MethodGet, "/api/v1/detections", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	withHistory := newServer(t, newRegistry(t, false), &memHistory{recs: map[string]*history.Record{}})
	resp, err = withHistory.App().Test(httptest.NewRequest(http.MethodGet, "/api/v1/detections/nope", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = withHistory.App().Test(httptest.NewRequest(http.MethodGet, "/api/v1/detections/"+uuid.NewString(), nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProfile(t *testing.T) {
	s := newServer(t, newRegistry(t, false), nil)
	resp, err := s.App().Test(httptest.NewRequest(http.MethodGet, "/api/v1/profile", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	logger, _ := test.NewNullLogger()
	prof := profiler.New(profiler.Options{Logger: logger})
	s = New(Config{Registry: newRegistry(t, false), Profiler: prof, Logger: logger})
	_, err = s.App().Test(uploadRequest(t, pngBytes(t), nil), -1)
	require.NoError(t, err)

	resp, err = s.App().Test(httptest.NewRequest(http.MethodGet, "/api/v1/profile", nil), -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[profiler.Stats](t, resp)
	names := make([]string, 0, len(stats.Operations))
	for _, op := range stats.Operations {
		names = append(names, op.Name)
	}
	assert.Contains(t, names, "invoke")
	assert.Contains(t, names, "resize")
}
