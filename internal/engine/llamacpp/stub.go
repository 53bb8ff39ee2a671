//go:build !yzma

package llamacpp

import (
	"errors"

	"github.com/rs/zerolog"

	"llmnode/internal/engine"
)

const built = false

var errEmptyPath = errors.New("model path is empty")

func initRuntime(string, zerolog.Logger) error {
	return engine.ErrDependencyUnavailable("llama.cpp support not built (missing 'yzma' build tag)")
}

func load(string, engine.LoadConfig, zerolog.Logger) (engine.Engine, error) {
	return nil, engine.ErrDependencyUnavailable("llama.cpp support not built (missing 'yzma' build tag)")
}
