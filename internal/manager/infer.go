package manager

import (
	"context"
	"errors"

	"llmnode/internal/generate"
	"llmnode/internal/sampling"
	"llmnode/pkg/types"
)

// RequestFromInfer overlays the fields set in an API request on the sampling
// defaults. maxTokens applies when the request leaves max_tokens out.
func RequestFromInfer(defaults sampling.Config, maxTokens int, in types.InferRequest) generate.Request {
	cfg := defaults
	cfg.LogitBias = append([]sampling.LogitBias(nil), defaults.LogitBias...)
	set(&cfg.Temperature, in.Temperature)
	set(&cfg.TopK, in.TopK)
	set(&cfg.TopP, in.TopP)
	set(&cfg.TailFreeZ, in.TailFreeZ)
	set(&cfg.TypicalP, in.TypicalP)
	set(&cfg.RepeatPenalty, in.RepeatPenalty)
	set(&cfg.RepeatLastN, in.RepeatLastN)
	set(&cfg.FrequencyPenalty, in.FrequencyPenalty)
	set(&cfg.PresencePenalty, in.PresencePenalty)
	set(&cfg.PenalizeNewline, in.PenalizeNewline)
	set(&cfg.MirostatTau, in.MirostatTau)
	set(&cfg.MirostatEta, in.MirostatEta)
	set(&cfg.Threads, in.Threads)
	set(&cfg.BatchSize, in.BatchSize)
	if in.Mirostat != nil {
		cfg.Mirostat = sampling.MirostatMode(*in.Mirostat)
	}
	for _, b := range in.LogitBias {
		cfg.LogitBias = append(cfg.LogitBias, sampling.LogitBias{Token: b.Token, Bias: b.Bias})
	}
	if in.Stop != "" {
		cfg.StopSequence = in.Stop
	}
	req := generate.Request{
		Prompt:                 in.Prompt,
		Sampling:               cfg,
		FeedPrompt:             !in.EchoPrompt,
		FeedPromptOnly:         in.PromptOnly,
		IgnoreEOS:              in.IgnoreEOS,
		MaxTokens:              maxTokens,
		Seed:                   in.Seed,
		LoadSession:            in.LoadSession,
		SaveSession:            in.SaveSession,
		CreateSessionIfMissing: in.CreateSession,
	}
	if in.MaxTokens != nil {
		req.MaxTokens = *in.MaxTokens
	}
	return req
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// SubmitInfer translates an API request with the manager's defaults and
// queues it.
func (m *Manager) SubmitInfer(ctx context.Context, in types.InferRequest, sink generate.Sink) (*Job, error) {
	return m.Submit(ctx, in.Model, RequestFromInfer(m.DefaultSampling(), m.maxTokens, in), sink)
}

// Infer queues an API request and reports its stream as wire events. Token
// and error events are forwarded as they happen; the end event is emitted
// once the result is known and carries the stop reason and token usage.
// emit runs on the model's worker goroutine.
func (m *Manager) Infer(ctx context.Context, in types.InferRequest, emit func(types.InferenceEvent)) (string, error) {
	sink := func(ev generate.Event) {
		switch ev.Type {
		case generate.EventToken:
			emit(types.InferenceEvent{Type: string(ev.Type), Text: ev.Text, Final: ev.Final})
		case generate.EventError:
			emit(types.InferenceEvent{Type: string(ev.Type), Message: ev.Message})
		}
	}
	req := RequestFromInfer(m.DefaultSampling(), m.maxTokens, in)
	job, err := m.submit(ctx, in.Model, req, sink, func(res generate.Result) { emit(EndEvent(res)) })
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

// EndEvent renders a generation result as the closing wire event.
func EndEvent(res generate.Result) types.InferenceEvent {
	return types.InferenceEvent{
		Type:       string(generate.EventEnd),
		StopReason: string(res.StopReason),
		Usage: &types.Usage{
			PromptTokens:     res.PromptTokens,
			CompletionTokens: res.GeneratedTokens,
			TotalTokens:      res.PromptTokens + res.GeneratedTokens,
		},
	}
}

// Tokenize runs the model's tokenizer on its worker.
func (m *Manager) Tokenize(ctx context.Context, modelID, text string, addBOS bool) (types.TokenizeResponse, error) {
	inst, err := m.readyInstance(ctx, modelID)
	if err != nil {
		return types.TokenizeResponse{}, err
	}
	r, err := inst.call(ctx, command{kind: cmdTokenize, text: text, addBOS: addBOS})
	if err != nil {
		return types.TokenizeResponse{}, m.mapCallErr(inst.ID, err)
	}
	return types.TokenizeResponse{Tokens: r.tokens, Pieces: r.pieces}, nil
}

// Embed evaluates text on the model's worker and returns its embedding.
// It waits behind any queued generations and resets the context it uses.
func (m *Manager) Embed(ctx context.Context, modelID, text string) (types.EmbedResponse, error) {
	inst, err := m.readyInstance(ctx, modelID)
	if err != nil {
		return types.EmbedResponse{}, err
	}
	r, err := inst.call(ctx, command{kind: cmdEmbed, text: text})
	if err != nil {
		return types.EmbedResponse{}, m.mapCallErr(inst.ID, err)
	}
	return types.EmbedResponse{Embedding: r.embedding, Dimensions: len(r.embedding)}, nil
}

func (m *Manager) readyInstance(ctx context.Context, modelID string) (*Instance, error) {
	modelID, err := m.resolveModelID(modelID)
	if err != nil {
		return nil, err
	}
	if err := m.EnsureInstance(ctx, modelID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst := m.instances[modelID]
	if inst == nil {
		return nil, ErrModelNotFound(modelID)
	}
	if inst.State != StateReady {
		return nil, tooBusyError{modelID: modelID}
	}
	return inst, nil
}

func (m *Manager) mapCallErr(modelID string, err error) error {
	switch {
	case errors.Is(err, errInstanceStopped):
		return tooBusyError{modelID: modelID}
	case errors.Is(err, errNoEmbeddings):
		return badRequestError{msg: "model " + modelID + " does not produce embeddings (enable engine.embeddings)"}
	}
	return err
}
