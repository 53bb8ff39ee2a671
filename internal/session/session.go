// Package session holds the per-conversation state driven by the generation
// loop: the evaluated token history, the engine's KV-cache behind it, and the
// cancellation flag shared with the caller. Sessions can be persisted to and
// restored from snapshot files.
package session

import (
	"sync/atomic"

	"llmnode/internal/engine"
)

// CancelFlag is the only cancellation channel into a running generation. It
// is checked once per step. A nil flag is never set.
type CancelFlag struct{ v atomic.Bool }

// Cancel requests early termination.
func (f *CancelFlag) Cancel() {
	if f != nil {
		f.v.Store(true)
	}
}

// IsSet reports whether Cancel was called.
func (f *CancelFlag) IsSet() bool { return f != nil && f.v.Load() }

// Session binds an engine's KV-cache to the history of tokens evaluated into
// it. The engine is borrowed: the session never closes it, and no two
// sessions may use the same engine at once.
type Session struct {
	eng     engine.Engine
	history []engine.TokenID
	fresh   bool
	cancel  *CancelFlag
}

// New starts a fresh session, clearing the engine's KV-cache.
func New(eng engine.Engine, cancel *CancelFlag) (*Session, error) {
	if err := eng.Reset(); err != nil {
		return nil, err
	}
	if cancel == nil {
		cancel = &CancelFlag{}
	}
	return &Session{eng: eng, fresh: true, cancel: cancel}, nil
}

func (s *Session) Engine() engine.Engine { return s.eng }

// History returns the evaluated tokens. The slice must not be modified.
func (s *Session) History() []engine.TokenID { return s.history }

// NPast is the position the next evaluation starts at.
func (s *Session) NPast() int { return len(s.history) }

// Fresh reports whether nothing has been evaluated into this session yet.
func (s *Session) Fresh() bool { return s.fresh }

// Remaining is the number of tokens the context window can still take.
func (s *Session) Remaining() int { return s.eng.ContextSize() - len(s.history) }

func (s *Session) Cancel()         { s.cancel.Cancel() }
func (s *Session) Cancelled() bool { return s.cancel.IsSet() }

// Feed evaluates tokens in batches of at most batch tokens, appending each
// batch to the history once the engine accepted it. fed, when non-nil, runs
// after every batch.
func (s *Session) Feed(tokens []engine.TokenID, batch int, fed func([]engine.TokenID)) error {
	if need := len(s.history) + len(tokens); need > s.eng.ContextSize() {
		return &engine.ContextFullError{ContextSize: s.eng.ContextSize(), Needed: need}
	}
	if batch <= 0 {
		batch = len(tokens)
	}
	for start := 0; start < len(tokens); start += batch {
		end := min(start+batch, len(tokens))
		chunk := tokens[start:end]
		if err := s.eng.Evaluate(chunk, len(s.history)); err != nil {
			return err
		}
		s.history = append(s.history, chunk...)
		s.fresh = false
		if fed != nil {
			fed(chunk)
		}
	}
	return nil
}
