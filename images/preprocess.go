package images

import (
	"context"
	"image"

	"github.com/nfnt/resize"
	"github.com/nvr-ai/go-cropcheck/assets"
	"github.com/nvr-ai/go-cropcheck/profiler"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// PreprocessorConfig configures a Preprocessor.
type PreprocessorConfig struct {
	// Resolver turns image references into bytes. Required by Preprocess only.
	Resolver *assets.Resolver
	// Interpolation used by the cover fit. The zero value is nearest-neighbour.
	Interpolation resize.InterpolationFunction
	// Profiler receives per-stage timings. May be nil.
	Profiler *profiler.Profiler
	// Logger defaults to the logrus standard logger.
	Logger logrus.FieldLogger
}

// Preprocessor converts a source image into a buffer satisfying a model's input
// Spec: decode, cover fit, strip alpha, convert element type. It holds no per-call
// state and is safe for concurrent use.
type Preprocessor struct {
	resolver *assets.Resolver
	interp   resize.InterpolationFunction
	prof     *profiler.Profiler
	logger   logrus.FieldLogger
}

// NewPreprocessor creates a preprocessor.
//
// Arguments:
//   - cfg: The preprocessor configuration.
//
// Returns:
//   - *Preprocessor: The preprocessor.
func NewPreprocessor(cfg PreprocessorConfig) *Preprocessor {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Preprocessor{
		resolver: cfg.Resolver,
		interp:   cfg.Interpolation,
		prof:     cfg.Profiler,
		logger:   cfg.Logger.WithField("component", "preprocess"),
	}
}

// Preprocess resolves ref and preprocesses the image it names.
//
// Arguments:
//   - ctx: Bounds the fetch of remote references.
//   - ref: A path, file://, asset:// or http(s):// reference.
//   - spec: The model input contract.
//
// Returns:
//   - *Buffer: A LayoutRGB buffer of spec.Width × spec.Height × 3 elements.
//   - error: A wrapped resolve, decode, resize or channel error.
func (p *Preprocessor) Preprocess(ctx context.Context, ref string, spec Spec) (*Buffer, error) {
	if p.resolver == nil {
		return nil, errors.New("preprocessor has no resolver")
	}

	done := p.prof.StartOperation("fetch")
	data, err := p.resolver.ReadAll(ctx, ref)
	done()
	if err != nil {
		return nil, errors.Wrapf(err, "resolve image %q", ref)
	}

	return p.PreprocessBytes(data, spec)
}

// PreprocessBytes decodes and preprocesses an encoded image.
func (p *Preprocessor) PreprocessBytes(data []byte, spec Spec) (*Buffer, error) {
	done := p.prof.StartOperation("decode")
	img, format, err := Decode(data)
	done()
	if err != nil {
		return nil, err
	}

	p.logger.WithFields(logrus.Fields{
		"format": format,
		"width":  img.Bounds().Dx(),
		"height": img.Bounds().Dy(),
	}).Debug("decoded image")

	return p.PreprocessImage(img, spec)
}

// PreprocessImage preprocesses an already decoded bitmap.
func (p *Preprocessor) PreprocessImage(img image.Image, spec Spec) (*Buffer, error) {
	if err := spec.Validate(); err != nil {
		return nil, errors.Wrap(err, "input spec")
	}

	done := p.prof.StartOperation("resize")
	fitted, err := CoverFit(img, spec.Width, spec.Height, p.interp)
	done()
	if err != nil {
		return nil, err
	}

	done = p.prof.StartOperation("strip_alpha")
	rgb, err := StripAlpha(Pixels(fitted))
	done()
	if err != nil {
		return nil, err
	}

	done = p.prof.StartOperation("convert")
	out := Convert(rgb, spec.DType)
	done()

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}
