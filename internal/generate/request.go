package generate

import (
	"fmt"

	"llmnode/internal/sampling"
)

// State is the lifecycle state of one generation.
type State int

const (
	StateCreated State = iota
	StatePromptFeeding
	StateGenerating
	StateCompleted
	StateCancelled
	StateError
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StatePromptFeeding:
		return "prompt_feeding"
	case StateGenerating:
		return "generating"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StopReason says why generation ended.
type StopReason string

const (
	StopEOS        StopReason = "eos"
	StopLength     StopReason = "length"
	StopSequence   StopReason = "stop"
	StopPromptOnly StopReason = "prompt_only"
	StopCancelled  StopReason = "cancelled"
	StopError      StopReason = "error"
)

// Request is one generation call. It is not modified by Run.
type Request struct {
	Prompt   string
	Sampling sampling.Config

	// FeedPrompt hides prompt tokens; when false they are echoed as tokens
	// while being evaluated.
	FeedPrompt bool
	// FeedPromptOnly evaluates the prompt and stops without sampling.
	FeedPromptOnly bool
	IgnoreEOS      bool
	// MaxTokens caps generated tokens; negative means until EOS, stop
	// sequence or a full context window.
	MaxTokens int
	Seed      *uint64

	LoadSession string
	SaveSession string
	// CreateSessionIfMissing permits a fresh session when LoadSession does
	// not exist. Any other load failure still fails the request.
	CreateSessionIfMissing bool
}

// Result summarizes a finished generation.
type Result struct {
	State           State
	StopReason      StopReason
	PromptTokens    int
	GeneratedTokens int
	// SessionCreated is set when LoadSession was missing and a fresh
	// session was started instead.
	SessionCreated bool
	// SessionSaved is set when SaveSession was written.
	SessionSaved bool
	Err          error
}
