package engine

import (
	"errors"
	"fmt"
)

// LoadError reports a model file that could not be opened. It aborts the load
// and no session can be created against it.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load model %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// IsLoadError reports whether err is or wraps a LoadError.
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}

// ContextFullError reports that the context window cannot hold more tokens.
// It ends the current stream only.
type ContextFullError struct {
	ContextSize int
	Needed      int
}

func (e *ContextFullError) Error() string {
	return fmt.Sprintf("context window full: need %d tokens, window is %d", e.Needed, e.ContextSize)
}

// IsContextFull reports whether err is or wraps a ContextFullError.
func IsContextFull(err error) bool {
	var ce *ContextFullError
	return errors.As(err, &ce)
}

// TokenizationError reports input text the engine could not tokenize.
type TokenizationError struct {
	Text string
	Err  error
}

func (e *TokenizationError) Error() string {
	if e.Err == nil {
		return "tokenize failed"
	}
	return "tokenize failed: " + e.Err.Error()
}

func (e *TokenizationError) Unwrap() error { return e.Err }

// IsTokenization reports whether err is or wraps a TokenizationError.
func IsTokenization(err error) bool {
	var te *TokenizationError
	return errors.As(err, &te)
}

// EvalError reports a native evaluation failure.
type EvalError struct {
	NPast  int
	Tokens int
	Err    error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("evaluate %d tokens at %d: %v", e.Tokens, e.NPast, e.Err)
}

func (e *EvalError) Unwrap() error { return e.Err }

// IsEval reports whether err is or wraps an EvalError.
func IsEval(err error) bool {
	var ee *EvalError
	return errors.As(err, &ee)
}

// dependencyUnavailableError signals a runtime that was not compiled in or
// whose shared libraries are missing, so the HTTP layer can answer 503.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependency-unavailable error.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing runtime.
func IsDependencyUnavailable(err error) bool {
	var de dependencyUnavailableError
	return errors.As(err, &de)
}
