// Package inference - The model boundary: an Invoker hands a preprocessed buffer to a
// loaded model and returns its raw outputs, classified once at load time as either a
// classification or a detection bundle.
package inference

import (
	"context"
	"fmt"

	"github.com/nvr-ai/go-cropcheck/images"
	"github.com/pkg/errors"
)

var (
	// ErrContractViolation is returned when an input buffer does not match the
	// model's declared input exactly. No coercion is attempted.
	ErrContractViolation = errors.New("input does not match model contract")
	// ErrUnsupportedOutputs is returned for models whose output count is neither 1
	// (classification) nor 4 (detection).
	ErrUnsupportedOutputs = errors.New("unsupported model outputs")
	// ErrUnsupportedInput is returned for models whose input is not a single
	// three-channel uint8 or float32 image.
	ErrUnsupportedInput = errors.New("unsupported model input")
	// ErrClosed is returned when invoking a closed model.
	ErrClosed = errors.New("invoker closed")
)

// OutputKind is the shape of a model's outputs, fixed when the model is loaded.
type OutputKind int

const (
	// KindClassification is a single per-class score vector.
	KindClassification OutputKind = iota + 1
	// KindDetection is four parallel outputs: boxes, classes, scores, count.
	KindDetection
)

// String returns the kind name.
func (k OutputKind) String() string {
	switch k {
	case KindClassification:
		return "classification"
	case KindDetection:
		return "detection"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText encodes the kind by name.
func (k OutputKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// KindForOutputs decides the output kind from a model's output count.
//
// Arguments:
//   - n: The number of model outputs.
//
// Returns:
//   - OutputKind: KindClassification for 1, KindDetection for 4.
//   - error: ErrUnsupportedOutputs otherwise.
func KindForOutputs(n int) (OutputKind, error) {
	switch n {
	case 1:
		return KindClassification, nil
	case 4:
		return KindDetection, nil
	default:
		return 0, errors.Wrapf(ErrUnsupportedOutputs, "%d outputs", n)
	}
}

// Output is the raw result of one invocation: *Classification or *Detection.
type Output interface {
	Kind() OutputKind
}

// Classification holds a per-class score vector.
type Classification struct {
	Scores []float32
}

// Kind returns KindClassification.
func (*Classification) Kind() OutputKind { return KindClassification }

// Detection holds the four parallel detection outputs in model order.
type Detection struct {
	// Boxes holds 4 coordinates per detection.
	Boxes []float32
	// Classes holds one class index per detection.
	Classes []float32
	// Scores holds one confidence per detection.
	Scores []float32
	// Count is the number of detections the model reports.
	Count []float32
}

// Kind returns KindDetection.
func (*Detection) Kind() OutputKind { return KindDetection }

// Invoker runs one loaded model. Implementations are safe for concurrent use.
type Invoker interface {
	// Spec returns the input contract the model declares.
	Spec() images.Spec
	// Kind returns the output kind decided at load time.
	Kind() OutputKind
	// Invoke runs the model on input, which must satisfy Spec exactly.
	Invoke(ctx context.Context, input *images.Buffer) (Output, error)
	// Close releases the model.
	Close() error
}

// CheckInput verifies input against spec.
//
// Returns:
//   - error: ErrContractViolation describing the mismatch, or nil.
func CheckInput(spec images.Spec, input *images.Buffer) error {
	if input == nil {
		return errors.Wrap(ErrContractViolation, "nil input")
	}
	if !input.Matches(spec) {
		return errors.Wrapf(ErrContractViolation, "got %s/%s with %d elements, model expects %s/rgb",
			input.Spec(), input.Layout, input.Len(), spec)
	}
	return nil
}

// Func adapts a function to the Invoker interface. It is used for models served
// outside ONNX Runtime and in tests.
type Func struct {
	InputSpec  images.Spec
	OutputKind OutputKind
	Fn         func(ctx context.Context, input *images.Buffer) (Output, error)
}

// Spec returns InputSpec.
func (f *Func) Spec() images.Spec { return f.InputSpec }

// Kind returns OutputKind.
func (f *Func) Kind() OutputKind { return f.OutputKind }

// Invoke checks the input contract and calls Fn.
func (f *Func) Invoke(ctx context.Context, input *images.Buffer) (Output, error) {
	if err := CheckInput(f.InputSpec, input); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := f.Fn(ctx, input)
	if err != nil {
		return nil, err
	}
	if out == nil || out.Kind() != f.OutputKind {
		return nil, errors.Wrapf(ErrUnsupportedOutputs, "model declared %s outputs", f.OutputKind)
	}
	return out, nil
}

// Close is a no-op.
func (f *Func) Close() error { return nil }
