// Package providers - ONNX Runtime environment setup, session options and
// execution provider (EP) selection.
package providers

import (
	"fmt"
	"runtime"
	"strings"

	ort "github.com/yalue/onnxruntime_go"
)

// Backend names an ONNX Runtime execution provider.
type Backend string

const (
	// BackendCPU uses the default CPU execution provider.
	BackendCPU Backend = "cpu"
	// BackendCoreML uses Apple CoreML for macOS/iOS acceleration.
	BackendCoreML Backend = "coreml"
	// BackendCUDA uses NVIDIA CUDA for GPU acceleration.
	BackendCUDA Backend = "cuda"
	// BackendOpenVINO uses Intel OpenVINO for inference optimization.
	BackendOpenVINO Backend = "openvino"
)

// Backends lists every supported backend.
var Backends = []Backend{BackendCPU, BackendCoreML, BackendCUDA, BackendOpenVINO}

// ParseBackend parses a backend name (case-insensitive). An empty name is BackendCPU.
func ParseBackend(s string) (Backend, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return BackendCPU, nil
	}
	for _, b := range Backends {
		if string(b) == s {
			return b, nil
		}
	}
	return "", fmt.Errorf("unsupported execution provider: %q", s)
}

// Config selects the shared library, execution provider and threading of every
// session created by the process.
type Config struct {
	// Backend is the execution provider to append. CPU is always available as a fallback.
	Backend Backend `json:"backend" yaml:"backend"`
	// LibraryPath is the onnxruntime shared library. Empty means SharedLibPath().
	LibraryPath string `json:"library_path" yaml:"library_path"`
	// IntraOpThreads parallelizes work inside a node. Zero lets ORT decide.
	IntraOpThreads int `json:"intra_op_threads" yaml:"intra_op_threads"`
	// InterOpThreads parallelizes independent nodes. Zero lets ORT decide.
	InterOpThreads int `json:"inter_op_threads" yaml:"inter_op_threads"`
	// CoreML options, used when Backend is BackendCoreML.
	CoreML CoreMLOptions `json:"coreml" yaml:"coreml"`
	// CUDA options, used when Backend is BackendCUDA.
	CUDA CUDAOptions `json:"cuda" yaml:"cuda"`
	// OpenVINO options, used when Backend is BackendOpenVINO.
	OpenVINO OpenVINOOptions `json:"openvino" yaml:"openvino"`
}

// DefaultConfig returns a CPU configuration using the platform's default library path.
func DefaultConfig() Config {
	return Config{
		Backend:     BackendCPU,
		LibraryPath: SharedLibPath(),
	}
}

// Validate checks the backend name and thread counts.
func (c Config) Validate() error {
	if _, err := ParseBackend(string(c.Backend)); err != nil {
		return err
	}
	if c.IntraOpThreads < 0 || c.InterOpThreads < 0 {
		return fmt.Errorf("thread counts must be >= 0, got intra=%d inter=%d", c.IntraOpThreads, c.InterOpThreads)
	}
	return nil
}

// SharedLibPath returns the default path to the onnxruntime shared library for the
// current platform.
//
// Returns:
//   - string: The path to the shared library.
func SharedLibPath() string {
	switch runtime.GOOS {
	case "windows":
		return "./third_party/onnxruntime.dll"
	case "darwin":
		return "./third_party/libonnxruntime.dylib"
	default:
		if runtime.GOARCH == "arm64" {
			return "./third_party/onnxruntime_arm64.so"
		}
		return "./third_party/onnxruntime.so"
	}
}

// SessionOptions builds the ORT session options for cfg. The caller destroys them
// once the session has been created.
//
// Arguments:
//   - cfg: The provider configuration.
//
// Returns:
//   - *ort.SessionOptions: The configured options.
//   - error: An error if an option or the execution provider cannot be applied.
func SessionOptions(cfg Config) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating ORT session options: %w", err)
	}

	if err := applySessionOptions(options, cfg); err != nil {
		options.Destroy()
		return nil, err
	}
	return options, nil
}

func applySessionOptions(options *ort.SessionOptions, cfg Config) error {
	if err := options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
		return fmt.Errorf("error setting intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(cfg.InterOpThreads); err != nil {
		return fmt.Errorf("error setting inter-op threads: %w", err)
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		return fmt.Errorf("error setting graph optimization level: %w", err)
	}

	switch cfg.Backend {
	case BackendCPU, "":
	case BackendCoreML:
		if err := options.AppendExecutionProviderCoreML(cfg.CoreML.Flags()); err != nil {
			return fmt.Errorf("error enabling CoreML: %w", err)
		}
	case BackendCUDA:
		cuda, err := cfg.CUDA.ToNativeProviderOptions()
		if err != nil {
			return fmt.Errorf("error converting CUDA options: %w", err)
		}
		defer cuda.Destroy()
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return fmt.Errorf("error enabling CUDA: %w", err)
		}
	case BackendOpenVINO:
		if err := options.AppendExecutionProviderOpenVINO(cfg.OpenVINO.ToMap()); err != nil {
			return fmt.Errorf("error enabling OpenVINO: %w", err)
		}
	default:
		return fmt.Errorf("unsupported execution provider: %s", cfg.Backend)
	}
	return nil
}
