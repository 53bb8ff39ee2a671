package generate

import (
	"context"
	"fmt"
	"math"
	"slices"
	"unicode/utf8"

	"llmnode/internal/engine"
	"llmnode/internal/sampling"
	"llmnode/internal/session"
)

// maxPendingText bounds how many bytes of an incomplete UTF-8 sequence are
// held back before being emitted as-is.
const maxPendingText = 16

// Run drives one generation against eng and reports every event to sink.
// It never panics and never returns before the stream's End was delivered.
// cancel may be shared with other goroutines; it is checked once per step,
// as is ctx.
func Run(ctx context.Context, eng engine.Engine, req Request, cancel *session.CancelFlag, sink Sink) (res Result) {
	if cancel == nil {
		cancel = &session.CancelFlag{}
	}
	r := &runner{ctx: ctx, eng: eng, req: req, cancel: cancel, out: &stream{sink: sink}}
	defer r.out.end()
	defer func() {
		if p := recover(); p != nil {
			r.fail(fmt.Errorf("generation aborted: %v", p))
		}
		res = r.res
	}()
	r.run()
	return r.res
}

type runner struct {
	ctx    context.Context
	eng    engine.Engine
	req    Request
	cancel *session.CancelFlag
	out    *stream
	sess   *session.Session
	res    Result
	// fed is set once prompt feeding started; sessions are only saved after.
	fed bool

	pendingText string
}

func (r *runner) cancelled() bool {
	return r.cancel.IsSet() || r.ctx.Err() != nil || r.out.broken
}

func (r *runner) run() {
	r.res.State = StateCreated
	if err := r.req.Sampling.Validate(); err != nil {
		r.fail(fmt.Errorf("invalid sampling config: %w", err))
		return
	}
	if err := r.req.Sampling.CheckVocab(r.eng.VocabSize()); err != nil {
		r.fail(fmt.Errorf("invalid sampling config: %w", err))
		return
	}
	if err := r.open(); err != nil {
		r.fail(err)
		return
	}
	if r.cancelled() {
		r.finish(StateCancelled, StopCancelled)
		return
	}

	r.res.State = StatePromptFeeding
	r.fed = true
	if err := r.feedPrompt(); err != nil {
		r.fail(err)
		return
	}
	if r.req.FeedPromptOnly {
		r.finish(StateCompleted, StopPromptOnly)
		return
	}

	r.res.State = StateGenerating
	r.generate()
}

func (r *runner) open() error {
	if ts, ok := r.eng.(engine.ThreadSetter); ok && r.req.Sampling.Threads > 0 {
		ts.SetThreads(r.req.Sampling.Threads)
	}
	if r.req.LoadSession == "" {
		s, err := session.New(r.eng, r.cancel)
		if err != nil {
			return fmt.Errorf("session reset failed: %w", err)
		}
		r.sess = s
		return nil
	}
	s, created, err := session.Open(r.req.LoadSession, r.eng, r.cancel, r.req.CreateSessionIfMissing)
	if err != nil {
		return err
	}
	r.sess = s
	r.res.SessionCreated = created
	return nil
}

func (r *runner) feedPrompt() error {
	prompt, err := r.eng.Tokenize(r.req.Prompt, r.sess.Fresh())
	if err != nil {
		if !engine.IsTokenization(err) {
			err = &engine.TokenizationError{Text: r.req.Prompt, Err: err}
		}
		return err
	}
	r.res.PromptTokens = len(prompt)
	// The prompt must leave room for at least one generated token.
	if need := r.sess.NPast() + len(prompt); need >= r.eng.ContextSize() {
		return &engine.ContextFullError{ContextSize: r.eng.ContextSize(), Needed: need + 1}
	}
	var fed func([]engine.TokenID)
	if !r.req.FeedPrompt && !r.req.FeedPromptOnly {
		fed = func(batch []engine.TokenID) {
			for _, t := range batch {
				r.emitToken(t)
			}
		}
	}
	return r.sess.Feed(prompt, r.req.Sampling.BatchSize, fed)
}

func (r *runner) generate() {
	cfg := r.req.Sampling
	eos := r.eng.EOS()
	if r.req.IgnoreEOS {
		cfg.LogitBias = append(slices.Clone(cfg.LogitBias), sampling.LogitBias{Token: eos, Bias: float32(math.Inf(-1))})
	}
	var stop stopMatcher
	if cfg.StopSequence != "" {
		seq, err := r.eng.Tokenize(cfg.StopSequence, false)
		if err != nil {
			r.fail(&engine.TokenizationError{Text: cfg.StopSequence, Err: err})
			return
		}
		stop.seq = seq
	}
	sampler := sampling.NewSampler(cfg, r.req.Seed)
	nCtx := r.eng.ContextSize()
	logits := make([]float32, r.eng.VocabSize())

	for {
		if r.cancelled() {
			r.release(stop.drain())
			r.finish(StateCancelled, StopCancelled)
			return
		}
		if r.req.MaxTokens >= 0 && r.res.GeneratedTokens >= r.req.MaxTokens {
			r.release(stop.drain())
			r.finish(StateCompleted, StopLength)
			return
		}

		copy(logits, r.eng.Logits())
		sampling.ApplyPenalties(logits, r.sess.History(), cfg, nCtx, r.eng.Newline())
		tok := sampler.Sample(logits)
		if tok == eos {
			r.release(stop.drain())
			r.finish(StateCompleted, StopEOS)
			return
		}
		r.res.GeneratedTokens++

		out, matched := stop.push(tok)
		r.release(out)
		if matched {
			r.finish(StateCompleted, StopSequence)
			return
		}
		if err := r.sess.Feed([]engine.TokenID{tok}, 1, nil); err != nil {
			r.fail(err)
			return
		}
	}
}

func (r *runner) release(toks []engine.TokenID) {
	for _, t := range toks {
		r.emitToken(t)
	}
}

// emitToken decodes a token and emits it, holding back pieces that end in
// the middle of a multi-byte character.
func (r *runner) emitToken(t engine.TokenID) {
	text, ok := r.eng.TokenToText(t)
	if !ok || text == "" {
		return
	}
	r.pendingText += text
	if utf8.ValidString(r.pendingText) || len(r.pendingText) > maxPendingText {
		r.out.token(r.pendingText)
		r.pendingText = ""
	}
}

func (r *runner) flushText() {
	if r.pendingText != "" {
		r.out.token(r.pendingText)
		r.pendingText = ""
	}
}

func (r *runner) finish(state State, reason StopReason) {
	r.flushText()
	r.res.State = state
	r.res.StopReason = reason
	r.out.finalToken()
	if r.req.SaveSession == "" || r.sess == nil || !r.fed {
		return
	}
	if err := session.Save(r.sess, r.req.SaveSession); err != nil {
		err = fmt.Errorf("session save failed: %w", err)
		r.res.Err = err
		r.out.error(err.Error())
		return
	}
	r.res.SessionSaved = true
}

func (r *runner) fail(err error) {
	r.res.State = StateError
	r.res.StopReason = StopError
	if r.res.Err == nil {
		r.res.Err = err
	}
	r.out.error(err.Error())
}
