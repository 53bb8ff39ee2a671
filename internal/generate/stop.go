package generate

import "llmnode/internal/engine"

// stopMatcher tracks how much of the stop sequence the recent tokens match.
// Tokens that may still be part of a match are held back; the rest are
// released in order.
type stopMatcher struct {
	seq  []engine.TokenID
	held []engine.TokenID
}

// push feeds one token. It returns the tokens that can no longer belong to a
// match and whether the whole sequence just matched, in which case the held
// tail is discarded.
func (m *stopMatcher) push(t engine.TokenID) (release []engine.TokenID, matched bool) {
	if len(m.seq) == 0 {
		return []engine.TokenID{t}, false
	}
	m.held = append(m.held, t)
	for len(m.held) > 0 && !isPrefix(m.seq, m.held) {
		release = append(release, m.held[0])
		m.held = m.held[1:]
	}
	if len(m.held) == len(m.seq) {
		m.held = nil
		return release, true
	}
	return release, false
}

// drain releases every held token.
func (m *stopMatcher) drain() []engine.TokenID {
	out := m.held
	m.held = nil
	return out
}

func isPrefix(seq, p []engine.TokenID) bool {
	if len(p) > len(seq) {
		return false
	}
	for i := range p {
		if seq[i] != p[i] {
			return false
		}
	}
	return true
}
