package sampling

import "llmnode/internal/engine"

// ApplyPenalties rewrites logits in place from the recent history. Steps run
// in a fixed order: logit bias, repetition penalty, frequency and presence
// penalty, then the newline logit is put back when newlines are exempt.
// nCtx bounds the window; newline is the engine's newline token id.
func ApplyPenalties(logits []float32, history []engine.TokenID, cfg Config, nCtx int, newline engine.TokenID) {
	nlOK := newline >= 0 && int(newline) < len(logits)
	var nlLogit float32
	if nlOK {
		nlLogit = logits[newline]
	}

	for _, b := range cfg.LogitBias {
		if b.Token >= 0 && int(b.Token) < len(logits) {
			logits[b.Token] += b.Bias
		}
	}

	lastN := cfg.RepeatLastN
	if lastN < 0 {
		lastN = nCtx
	}
	lastN = min(lastN, len(history), nCtx)
	if lastN > 0 {
		window := history[len(history)-lastN:]
		counts := make(map[engine.TokenID]int, len(window))
		order := make([]engine.TokenID, 0, len(window))
		for _, t := range window {
			if t < 0 || int(t) >= len(logits) {
				continue
			}
			if counts[t] == 0 {
				order = append(order, t)
			}
			counts[t]++
		}
		if cfg.RepeatPenalty != 1 && cfg.RepeatPenalty > 0 {
			for _, t := range order {
				if logits[t] > 0 {
					logits[t] /= cfg.RepeatPenalty
				} else {
					logits[t] *= cfg.RepeatPenalty
				}
			}
		}
		if cfg.FrequencyPenalty != 0 || cfg.PresencePenalty != 0 {
			for _, t := range order {
				logits[t] -= float32(counts[t])*cfg.FrequencyPenalty + cfg.PresencePenalty
			}
		}
	}

	if !cfg.PenalizeNewline && nlOK {
		logits[newline] = nlLogit
	}
}
