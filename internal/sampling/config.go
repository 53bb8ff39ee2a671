// Package sampling turns a logits vector into the next token: the penalty
// engine rewrites logits from the recent history, then the sampler narrows
// and draws from the candidate distribution.
package sampling

import (
	"errors"
	"fmt"
	"runtime"

	"llmnode/internal/engine"
)

// MirostatMode selects the adaptive-perplexity sampler.
type MirostatMode int

const (
	MirostatOff MirostatMode = 0
	MirostatV1  MirostatMode = 1
	MirostatV2  MirostatMode = 2
)

func (m MirostatMode) String() string {
	switch m {
	case MirostatOff:
		return "off"
	case MirostatV1:
		return "v1"
	case MirostatV2:
		return "v2"
	default:
		return fmt.Sprintf("mirostat(%d)", int(m))
	}
}

// LogitBias adds Bias to the logit of Token before any penalty.
type LogitBias struct {
	Token engine.TokenID `json:"token" yaml:"token" toml:"token"`
	Bias  float32        `json:"bias" yaml:"bias" toml:"bias"`
}

// Config carries every knob of one generation's decoding.
type Config struct {
	Threads   int `json:"threads" yaml:"threads" toml:"threads"`
	BatchSize int `json:"batch_size" yaml:"batch_size" toml:"batch_size"`

	TopK        int     `json:"top_k" yaml:"top_k" toml:"top_k"`
	TopP        float32 `json:"top_p" yaml:"top_p" toml:"top_p"`
	TailFreeZ   float32 `json:"tfs_z" yaml:"tfs_z" toml:"tfs_z"`
	TypicalP    float32 `json:"typical_p" yaml:"typical_p" toml:"typical_p"`
	Temperature float32 `json:"temperature" yaml:"temperature" toml:"temperature"`

	RepeatPenalty    float32 `json:"repeat_penalty" yaml:"repeat_penalty" toml:"repeat_penalty"`
	RepeatLastN      int     `json:"repeat_last_n" yaml:"repeat_last_n" toml:"repeat_last_n"`
	FrequencyPenalty float32 `json:"frequency_penalty" yaml:"frequency_penalty" toml:"frequency_penalty"`
	PresencePenalty  float32 `json:"presence_penalty" yaml:"presence_penalty" toml:"presence_penalty"`
	PenalizeNewline  bool    `json:"penalize_newline" yaml:"penalize_newline" toml:"penalize_newline"`

	Mirostat    MirostatMode `json:"mirostat" yaml:"mirostat" toml:"mirostat"`
	MirostatTau float32      `json:"mirostat_tau" yaml:"mirostat_tau" toml:"mirostat_tau"`
	MirostatEta float32      `json:"mirostat_eta" yaml:"mirostat_eta" toml:"mirostat_eta"`

	LogitBias    []LogitBias `json:"logit_bias,omitempty" yaml:"logit_bias,omitempty" toml:"logit_bias,omitempty"`
	StopSequence string      `json:"stop_sequence,omitempty" yaml:"stop_sequence,omitempty" toml:"stop_sequence,omitempty"`
}

// Defaults returns the stock llama.cpp decoding settings.
func Defaults() Config {
	return Config{
		Threads:         runtime.NumCPU(),
		BatchSize:       8,
		TopK:            40,
		TopP:            0.95,
		TailFreeZ:       1.0,
		TypicalP:        1.0,
		Temperature:     0.8,
		RepeatPenalty:   1.1,
		RepeatLastN:     64,
		PenalizeNewline: true,
		Mirostat:        MirostatOff,
		MirostatTau:     5.0,
		MirostatEta:     0.1,
	}
}

// Validate rejects configurations the sampler cannot honor.
func (c Config) Validate() error {
	var errs []error
	if c.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("batch_size must be >= 0, got %d", c.BatchSize))
	}
	if c.Threads < 0 {
		errs = append(errs, fmt.Errorf("threads must be >= 0, got %d", c.Threads))
	}
	unit := []struct {
		name string
		v    float32
	}{{"top_p", c.TopP}, {"tfs_z", c.TailFreeZ}, {"typical_p", c.TypicalP}}
	for _, u := range unit {
		if u.v <= 0 || u.v > 1 {
			errs = append(errs, fmt.Errorf("%s must be in (0, 1], got %g", u.name, u.v))
		}
	}
	if c.RepeatPenalty <= 0 {
		errs = append(errs, fmt.Errorf("repeat_penalty must be > 0, got %g", c.RepeatPenalty))
	}
	switch c.Mirostat {
	case MirostatOff:
	case MirostatV1, MirostatV2:
		if c.MirostatTau <= 0 || c.MirostatEta <= 0 {
			errs = append(errs, errors.New("mirostat_tau and mirostat_eta must be > 0"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown mirostat mode %d", int(c.Mirostat)))
	}
	return errors.Join(errs...)
}

// CheckVocab reports bias entries outside a vocabulary of size n.
func (c Config) CheckVocab(n int) error {
	for _, b := range c.LogitBias {
		if b.Token < 0 || int(b.Token) >= n {
			return fmt.Errorf("logit_bias token %d outside vocabulary of %d", b.Token, n)
		}
	}
	return nil
}
