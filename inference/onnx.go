package inference

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nvr-ai/go-cropcheck/images"
	"github.com/nvr-ai/go-cropcheck/inference/providers"
	"github.com/nvr-ai/go-cropcheck/profiler"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

// ONNXOptions configures an ONNXInvoker.
type ONNXOptions struct {
	// Providers selects the shared library and execution provider.
	Providers providers.Config
	// FallbackWidth is used when the model declares a dynamic width.
	FallbackWidth int
	// FallbackHeight is used when the model declares a dynamic height.
	FallbackHeight int
	// Profiler receives inference timings. May be nil.
	Profiler *profiler.Profiler
	// Logger defaults to the logrus standard logger.
	Logger logrus.FieldLogger
}

// ModelInfo describes a loaded model's inputs and outputs.
type ModelInfo struct {
	Path      string      `json:"path"`
	InputName string      `json:"input_name"`
	Layout    string      `json:"layout"`
	Spec      images.Spec `json:"spec"`
	Outputs   []string    `json:"outputs"`
	Kind      OutputKind  `json:"kind"`
}

// ONNXInvoker runs an ONNX model through ONNX Runtime. The input contract and the
// output kind are read from the model when it is opened.
type ONNXInvoker struct {
	path     string
	input    ort.InputOutputInfo
	outputs  []ort.InputOutputInfo
	geometry InputGeometry
	spec     images.Spec
	kind     OutputKind
	prof     *profiler.Profiler
	logger   logrus.FieldLogger

	mu      sync.RWMutex
	session *ort.DynamicAdvancedSession
}

// NewONNXInvoker opens the model at path.
//
// Arguments:
//   - path: The path to the ONNX model file.
//   - opts: The invoker options.
//
// Returns:
//   - *ONNXInvoker: The opened model.
//   - error: An error if the runtime cannot be initialized, or the model's inputs
//     or outputs are unsupported.
func NewONNXInvoker(path string, opts ONNXOptions) (*ONNXInvoker, error) {
	return openONNX(path, opts,
		func() ([]ort.InputOutputInfo, []ort.InputOutputInfo, error) {
			return ort.GetInputOutputInfo(path)
		},
		func(in string, out []string, o *ort.SessionOptions) (*ort.DynamicAdvancedSession, error) {
			return ort.NewDynamicAdvancedSession(path, []string{in}, out, o)
		})
}

// NewONNXInvokerFromData opens a model held in memory, e.g. one fetched through an
// assets.Resolver.
//
// Arguments:
//   - name: The model name used in logs and Describe.
//   - data: The serialized ONNX model.
//   - opts: The invoker options.
//
// Returns:
//   - *ONNXInvoker: The opened model.
//   - error: See NewONNXInvoker.
func NewONNXInvokerFromData(name string, data []byte, opts ONNXOptions) (*ONNXInvoker, error) {
	return openONNX(name, opts,
		func() ([]ort.InputOutputInfo, []ort.InputOutputInfo, error) {
			return ort.GetInputOutputInfoWithONNXData(data)
		},
		func(in string, out []string, o *ort.SessionOptions) (*ort.DynamicAdvancedSession, error) {
			return ort.NewDynamicAdvancedSessionWithONNXData(data, []string{in}, out, o)
		})
}

type (
	ioInfoFunc     func() ([]ort.InputOutputInfo, []ort.InputOutputInfo, error)
	newSessionFunc func(input string, outputs []string, options *ort.SessionOptions) (*ort.DynamicAdvancedSession, error)
)

func openONNX(path string, opts ONNXOptions, ioInfo ioInfoFunc, newSession newSessionFunc) (*ONNXInvoker, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	logger := opts.Logger.WithField("model", filepath.Base(path))

	if err := providers.InitializeEnvironment(opts.Providers.LibraryPath, opts.Logger); err != nil {
		return nil, err
	}

	inputs, outputs, err := ioInfo()
	if err != nil {
		return nil, errors.Wrapf(err, "read io info of %q", path)
	}
	if len(inputs) != 1 {
		return nil, errors.Wrapf(ErrUnsupportedInput, "%d inputs", len(inputs))
	}

	kind, err := KindForOutputs(len(outputs))
	if err != nil {
		return nil, err
	}

	input := inputs[0]
	geometry, err := DetectGeometry(input.Dimensions, opts.FallbackWidth, opts.FallbackHeight)
	if err != nil {
		return nil, err
	}
	dtype, err := dtypeOf(input.DataType)
	if err != nil {
		return nil, err
	}

	options, err := providers.SessionOptions(opts.Providers)
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	outputNames := make([]string, len(outputs))
	for i, o := range outputs {
		outputNames[i] = o.Name
	}

	session, err := newSession(input.Name, outputNames, options)
	if err != nil {
		return nil, errors.Wrapf(err, "create session for %q", path)
	}

	inv := &ONNXInvoker{
		path:     path,
		input:    input,
		outputs:  outputs,
		geometry: geometry,
		spec:     images.Spec{Width: geometry.Width, Height: geometry.Height, DType: dtype},
		kind:     kind,
		prof:     opts.Profiler,
		logger:   logger,
		session:  session,
	}

	logger.WithFields(logrus.Fields{
		"input":   input.Name,
		"layout":  geometry.Layout,
		"spec":    inv.spec,
		"outputs": strings.Join(outputNames, ","),
		"kind":    kind,
		"backend": opts.Providers.Backend,
	}).Info("model loaded")

	return inv, nil
}

// Spec returns the declared input contract.
func (m *ONNXInvoker) Spec() images.Spec { return m.spec }

// Kind returns the output kind decided at load time.
func (m *ONNXInvoker) Kind() OutputKind { return m.kind }

// Describe returns the model's input and output description.
func (m *ONNXInvoker) Describe() ModelInfo {
	names := make([]string, len(m.outputs))
	for i, o := range m.outputs {
		names[i] = o.Name
	}
	return ModelInfo{
		Path:      m.path,
		InputName: m.input.Name,
		Layout:    m.geometry.Layout.String(),
		Spec:      m.spec,
		Outputs:   names,
		Kind:      m.kind,
	}
}

// Invoke runs the model.
//
// Arguments:
//   - ctx: Checked before the run. A started run is not interrupted.
//   - input: A buffer matching Spec exactly.
//
// Returns:
//   - Output: *Classification or *Detection, per Kind.
//   - error: ErrContractViolation, ErrClosed or a runtime error.
func (m *ONNXInvoker) Invoke(ctx context.Context, input *images.Buffer) (Output, error) {
	if err := CheckInput(m.spec, input); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return nil, ErrClosed
	}

	in, err := m.inputTensor(input)
	if err != nil {
		return nil, err
	}
	defer in.Destroy()

	outs := make([]ort.Value, len(m.outputs))
	done := m.prof.StartOperation("infer")
	err = m.session.Run([]ort.Value{in}, outs)
	done()
	defer func() {
		for _, o := range outs {
			if o != nil {
				o.Destroy()
			}
		}
	}()
	if err != nil {
		return nil, errors.Wrap(err, "run session")
	}

	data := make([][]float32, len(outs))
	for i, o := range outs {
		if data[i], err = valueData(o); err != nil {
			return nil, errors.Wrapf(err, "output %q", m.outputs[i].Name)
		}
	}

	if m.kind == KindDetection {
		return &Detection{Boxes: data[0], Classes: data[1], Scores: data[2], Count: data[3]}, nil
	}
	return &Classification{Scores: data[0]}, nil
}

func (m *ONNXInvoker) inputTensor(input *images.Buffer) (ort.Value, error) {
	shape := ort.NewShape(m.geometry.Shape()...)
	if input.DType == images.DTypeFloat32 {
		return newInputTensor(shape, input.F32, m.geometry.Layout, input.Height, input.Width)
	}
	return newInputTensor(shape, input.U8, m.geometry.Layout, input.Height, input.Width)
}

func newInputTensor[T float32 | uint8](shape ort.Shape, data []T, layout TensorLayout, h, w int) (ort.Value, error) {
	if layout == LayoutNCHW {
		var err error
		if data, err = ToCHW(data, h, w, 3); err != nil {
			return nil, err
		}
	}
	t, err := ort.NewTensor(shape, data)
	if err != nil {
		return nil, errors.Wrap(err, "create input tensor")
	}
	return t, nil
}

// Close destroys the session. Further calls to Invoke return ErrClosed.
func (m *ONNXInvoker) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil
	}
	err := m.session.Destroy()
	m.session = nil
	m.logger.Debug("model closed")
	return errors.Wrap(err, "destroy session")
}

func dtypeOf(t ort.TensorElementDataType) (images.DType, error) {
	switch t {
	case ort.TensorElementDataTypeFloat:
		return images.DTypeFloat32, nil
	case ort.TensorElementDataTypeUint8:
		return images.DTypeUint8, nil
	default:
		return 0, errors.Wrapf(ErrUnsupportedInput, "input element type %v", t)
	}
}

// valueData widens a numeric output tensor to float32.
func valueData(v ort.Value) ([]float32, error) {
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		return t.GetData(), nil
	case *ort.Tensor[float64]:
		return widen(t.GetData()), nil
	case *ort.Tensor[int64]:
		return widen(t.GetData()), nil
	case *ort.Tensor[int32]:
		return widen(t.GetData()), nil
	case *ort.Tensor[uint8]:
		return widen(t.GetData()), nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedOutputs, "output type %T", v)
	}
}

func widen[T float64 | int64 | int32 | uint8](src []T) []float32 {
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = float32(v)
	}
	return out
}
