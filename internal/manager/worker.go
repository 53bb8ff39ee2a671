package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"llmnode/internal/engine"
	"llmnode/internal/generate"
	"llmnode/internal/session"
)

type commandKind int

const (
	cmdGenerate commandKind = iota
	cmdTokenize
	cmdEmbed
)

func (k commandKind) String() string {
	switch k {
	case cmdGenerate:
		return "generate"
	case cmdTokenize:
		return "tokenize"
	case cmdEmbed:
		return "embed"
	default:
		return fmt.Sprintf("command(%d)", int(k))
	}
}

// command is one unit of work for an instance's worker.
type command struct {
	kind commandKind
	ctx  context.Context

	// tokenize / embed
	text   string
	addBOS bool
	reply  chan reply

	// generate
	job     *Job
	sink    generate.Sink
	release func()
}

type reply struct {
	tokens    []engine.TokenID
	pieces    []string
	embedding []float32
	err       error
}

// send queues cmd unless the instance is shutting down.
func (inst *Instance) send(ctx context.Context, cmd command) error {
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	if inst.stopping {
		return errInstanceStopped
	}
	select {
	case inst.cmdCh <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop ends the worker after the command it is running, rejects whatever is
// still queued and closes the engine. It returns the engine's Close error.
func (inst *Instance) stop() error {
	inst.mu.Lock()
	if !inst.stopping {
		inst.stopping = true
		close(inst.quit)
	}
	inst.mu.Unlock()
	<-inst.done
	return inst.closeErr
}

// call sends a synchronous command and waits for its reply.
func (inst *Instance) call(ctx context.Context, cmd command) (reply, error) {
	cmd.ctx = ctx
	cmd.reply = make(chan reply, 1)
	if err := inst.send(ctx, cmd); err != nil {
		return reply{}, err
	}
	select {
	case r := <-cmd.reply:
		return r, r.err
	case <-inst.done:
		// The worker may have answered just before exiting.
		select {
		case r := <-cmd.reply:
			return r, r.err
		default:
			return reply{}, errInstanceStopped
		}
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

func (m *Manager) runWorker(inst *Instance) {
	defer close(inst.done)
	log := m.log.With().Str("model", inst.ID).Logger()
	log.Debug().Str("event", "worker_start").Msg("worker started")
	for {
		select {
		case cmd := <-inst.cmdCh:
			m.handle(inst, cmd)
		case <-inst.quit:
			// stopping is set before quit closes, so nothing new arrives.
			for drained := false; !drained; {
				select {
				case cmd := <-inst.cmdCh:
					m.reject(cmd, errInstanceStopped)
				default:
					drained = true
				}
			}
			inst.closeErr = inst.eng.Close()
			log.Debug().Str("event", "worker_stop").Err(inst.closeErr).Msg("worker stopped")
			return
		}
	}
}

func (m *Manager) reject(cmd command, err error) {
	switch cmd.kind {
	case cmdGenerate:
		res := generate.Abort(cmd.sink, err)
		cmd.release()
		m.finishJob(cmd.job, res)
	default:
		cmd.reply <- reply{err: err}
	}
}

func (m *Manager) handle(inst *Instance, cmd command) {
	m.log.Trace().Str("model", inst.ID).Stringer("cmd", cmd.kind).Msg("command")
	switch cmd.kind {
	case cmdGenerate:
		m.runJob(inst, cmd)
	case cmdTokenize:
		cmd.reply <- safeReply(func() reply { return tokenize(inst.eng, cmd.text, cmd.addBOS) })
	case cmdEmbed:
		cmd.reply <- safeReply(func() reply { return embed(inst.eng, cmd.text) })
	}
}

func safeReply(f func() reply) (r reply) {
	defer func() {
		if p := recover(); p != nil {
			r = reply{err: fmt.Errorf("engine panic: %v", p)}
		}
	}()
	return f()
}

func tokenize(eng engine.Engine, text string, addBOS bool) reply {
	toks, err := eng.Tokenize(text, addBOS)
	if err != nil {
		return reply{err: err}
	}
	pieces := make([]string, len(toks))
	for i, t := range toks {
		pieces[i], _ = eng.TokenToText(t)
	}
	return reply{tokens: toks, pieces: pieces}
}

var errNoEmbeddings = errors.New("model produced no embeddings")

// embed evaluates text into a fresh session in one batch, so pooled
// embeddings cover the whole input, and reads the embedding vector.
func embed(eng engine.Engine, text string) reply {
	toks, err := eng.Tokenize(text, true)
	if err != nil {
		return reply{err: err}
	}
	s, err := session.New(eng, nil)
	if err != nil {
		return reply{err: err}
	}
	if err := s.Feed(toks, 0, nil); err != nil {
		return reply{err: err}
	}
	emb, ok := eng.Embeddings()
	if !ok {
		return reply{err: errNoEmbeddings}
	}
	return reply{embedding: emb}
}

func (m *Manager) runJob(inst *Instance, cmd command) {
	job := cmd.job
	inst.genCh <- struct{}{}
	inst.current.Store(job)
	job.markRunning()

	start := time.Now()
	res := generate.Run(cmd.ctx, inst.eng, job.Request, &job.cancel, cmd.sink)
	dur := time.Since(start)

	inst.current.Store(nil)
	<-inst.genCh
	cmd.release()
	m.mu.Lock()
	inst.LastUsed = time.Now()
	m.mu.Unlock()

	observeGeneration(job.Request, res, dur)
	ev := m.log.Info()
	if res.State == generate.StateError {
		ev = m.log.Warn().Err(res.Err)
	}
	ev.Str("event", "job_done").Str("model", inst.ID).Str("job", job.ID).
		Str("state", res.State.String()).Str("stop_reason", string(res.StopReason)).
		Int("prompt_tokens", res.PromptTokens).Int("generated_tokens", res.GeneratedTokens).
		Dur("dur", dur).Msg("generation finished")
	m.finishJob(job, res)
}
