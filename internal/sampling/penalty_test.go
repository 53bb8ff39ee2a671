package sampling

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmnode/internal/engine"
)

func neutral() Config {
	return Config{RepeatPenalty: 1, RepeatLastN: 64, PenalizeNewline: true}
}

func TestApplyPenalties_IdentityIsNoop(t *testing.T) {
	logits := []float32{1.5, -0.25, 0, 3, -7}
	want := append([]float32(nil), logits...)
	ApplyPenalties(logits, []engine.TokenID{0, 1, 1, 3, 4, 4, 4}, neutral(), 16, 2)
	assert.Equal(t, want, logits)
}

func TestApplyPenalties_EmptyHistory(t *testing.T) {
	cfg := neutral()
	cfg.RepeatPenalty = 1.3
	cfg.FrequencyPenalty = 0.5
	cfg.PresencePenalty = 0.5
	logits := []float32{1, 2, 3}
	ApplyPenalties(logits, nil, cfg, 16, 2)
	assert.Equal(t, []float32{1, 2, 3}, logits)
}

func TestApplyPenalties_RepetitionOncePerDistinctID(t *testing.T) {
	cfg := neutral()
	cfg.RepeatPenalty = 2
	logits := []float32{2, -2, 1, 0}
	ApplyPenalties(logits, []engine.TokenID{0, 0, 1}, cfg, 16, 3)
	assert.Equal(t, []float32{1, -4, 1, 0}, logits)
}

func TestApplyPenalties_FrequencyPresence(t *testing.T) {
	cfg := neutral()
	cfg.FrequencyPenalty = 0.5
	cfg.PresencePenalty = 1
	logits := make([]float32, 4)
	ApplyPenalties(logits, []engine.TokenID{1, 1, 2}, cfg, 16, 3)
	assert.Equal(t, []float32{0, -2, -1.5, 0}, logits)
}

func TestApplyPenalties_Window(t *testing.T) {
	cfg := neutral()
	cfg.PresencePenalty = 1

	cfg.RepeatLastN = 1
	logits := make([]float32, 3)
	ApplyPenalties(logits, []engine.TokenID{0, 1}, cfg, 16, 2)
	assert.Equal(t, []float32{0, -1, 0}, logits)

	// negative means the whole context, still bounded by the window size
	cfg.RepeatLastN = -1
	logits = make([]float32, 3)
	ApplyPenalties(logits, []engine.TokenID{0, 1, 2}, cfg, 2, 5)
	assert.Equal(t, []float32{0, -1, -1}, logits)

	cfg.RepeatLastN = 0
	logits = make([]float32, 3)
	ApplyPenalties(logits, []engine.TokenID{0, 1, 2}, cfg, 16, 5)
	assert.Equal(t, []float32{0, 0, 0}, logits)
}

func TestApplyPenalties_BiasBeforeRepetition(t *testing.T) {
	cfg := neutral()
	cfg.RepeatPenalty = 2
	cfg.LogitBias = []LogitBias{{Token: 0, Bias: 1}}
	logits := []float32{1}
	ApplyPenalties(logits, []engine.TokenID{0}, cfg, 16, -1)
	assert.Equal(t, []float32{1}, logits)
}

func TestApplyPenalties_NewlineRestore(t *testing.T) {
	cfg := neutral()
	cfg.RepeatPenalty = 2
	cfg.PresencePenalty = 1
	cfg.LogitBias = []LogitBias{{Token: 2, Bias: 5}}
	hist := []engine.TokenID{2, 1}

	cfg.PenalizeNewline = false
	logits := []float32{0, 4, 4}
	ApplyPenalties(logits, hist, cfg, 16, 2)
	assert.Equal(t, []float32{0, 1, 4}, logits)

	cfg.PenalizeNewline = true
	logits = []float32{0, 4, 4}
	ApplyPenalties(logits, hist, cfg, 16, 2)
	assert.Equal(t, []float32{0, 1, 3.5}, logits)
}

func TestApplyPenalties_IgnoresOutOfRange(t *testing.T) {
	cfg := neutral()
	cfg.PresencePenalty = 1
	cfg.LogitBias = []LogitBias{{Token: 99, Bias: 1}, {Token: 1, Bias: float32(math.Inf(-1))}}
	logits := []float32{0, 0}
	require.NotPanics(t, func() {
		ApplyPenalties(logits, []engine.TokenID{-1, 42}, cfg, 16, 7)
	})
	assert.Equal(t, float32(0), logits[0])
	assert.True(t, math.IsInf(float64(logits[1]), -1))
}
