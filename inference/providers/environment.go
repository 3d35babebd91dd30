package providers

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

var envMu sync.Mutex

// InitializeEnvironment loads the onnxruntime shared library and prepares the
// native environment. It is required once per process; later calls are no-ops.
//
// Arguments:
//   - libPath: The shared library path. Empty means SharedLibPath().
//   - logger: The logger (may be nil).
//
// Returns:
//   - error: An error if the library is missing or fails to initialize.
func InitializeEnvironment(libPath string, logger logrus.FieldLogger) error {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libPath == "" {
		libPath = SharedLibPath()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	if _, err := os.Stat(libPath); err != nil {
		return fmt.Errorf("ONNX Runtime library not found at %s: %w", libPath, err)
	}

	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("error initializing ORT environment: %w", err)
	}

	logger.WithField("library", libPath).Info("onnxruntime environment initialized")
	return nil
}

// DestroyEnvironment releases the native environment if it was initialized.
func DestroyEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()

	if !ort.IsInitialized() {
		return nil
	}
	if err := ort.DestroyEnvironment(); err != nil {
		return fmt.Errorf("error destroying ORT environment: %w", err)
	}
	return nil
}
