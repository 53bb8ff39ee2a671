package manager

import (
	"errors"

	"llmnode/internal/engine"
)

// tooBusyError signals queue timeout/overflow for 429 mapping.
type tooBusyError struct{ modelID string }

func (e tooBusyError) Error() string { return "too busy: " + e.modelID }

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool {
	var tb tooBusyError
	return errors.As(err, &tb)
}

// modelNotFoundError is returned when a requested model id is not present in the registry.
type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.id }

func ErrModelNotFound(id string) error { return modelNotFoundError{id: id} }

// IsModelNotFound reports whether the error indicates a missing model id.
func IsModelNotFound(err error) bool {
	var nf modelNotFoundError
	return errors.As(err, &nf)
}

// jobNotFoundError is returned by Cancel for unknown or finished jobs.
type jobNotFoundError struct{ id string }

func (e jobNotFoundError) Error() string { return "job not found: " + e.id }

// IsJobNotFound reports whether err names an unknown job.
func IsJobNotFound(err error) bool {
	var jf jobNotFoundError
	return errors.As(err, &jf)
}

// budgetExceededError reports that a model cannot fit the VRAM budget even
// after evicting every idle instance.
type budgetExceededError struct{ msg string }

func (e budgetExceededError) Error() string { return "vram budget exceeded: " + e.msg }

func ErrBudgetExceeded(msg string) error { return budgetExceededError{msg: msg} }

// IsBudgetExceeded reports whether err indicates an exhausted VRAM budget.
func IsBudgetExceeded(err error) bool {
	var be budgetExceededError
	return errors.As(err, &be)
}

// badRequestError marks a request the manager refuses to run as given, such
// as a session path outside the session directory.
type badRequestError struct{ msg string }

func (e badRequestError) Error() string { return e.msg }

// IsBadRequest reports whether err describes an invalid request.
func IsBadRequest(err error) bool {
	var br badRequestError
	return errors.As(err, &br)
}

// errInstanceStopped is returned to callers whose command was still queued
// when the instance shut down.
var errInstanceStopped = errors.New("model instance stopped")

// ErrDependencyUnavailable and IsDependencyUnavailable re-export the engine
// classification so callers only need this package.
func ErrDependencyUnavailable(msg string) error { return engine.ErrDependencyUnavailable(msg) }

func IsDependencyUnavailable(err error) bool { return engine.IsDependencyUnavailable(err) }
