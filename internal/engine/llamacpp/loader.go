// Package llamacpp loads GGUF models through llama.cpp. The real runtime is
// bound with yzma (purego, no CGO) and compiled only with the 'yzma' build
// tag; default builds get a stub whose loads fail as dependency-unavailable.
package llamacpp

import (
	"strings"

	"github.com/rs/zerolog"

	"llmnode/internal/engine"
)

// Loader is an engine.Loader for llama.cpp models.
type Loader struct {
	// LibPath is the directory holding the llama.cpp shared libraries.
	LibPath string
	Logger  zerolog.Logger
}

// Load opens a model file. Errors are *engine.LoadError or, when the runtime
// is missing, dependency-unavailable.
func (l *Loader) Load(path string, cfg engine.LoadConfig) (engine.Engine, error) {
	if strings.TrimSpace(path) == "" {
		return nil, &engine.LoadError{Path: path, Err: errEmptyPath}
	}
	if err := initRuntime(l.LibPath, l.Logger); err != nil {
		return nil, err
	}
	return load(path, cfg, l.Logger)
}

// Built reports whether the real runtime was compiled in.
func Built() bool { return built }
