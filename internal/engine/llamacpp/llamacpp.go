//go:build yzma

package llamacpp

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/hybridgroup/yzma/pkg/llama"
	"github.com/rs/zerolog"

	"llmnode/internal/engine"
)

const built = true

var errEmptyPath = errors.New("model path is empty")

var (
	initOnce sync.Once
	initErr  error
)

func initRuntime(libPath string, log zerolog.Logger) error {
	initOnce.Do(func() {
		if libPath == "" {
			libPath = "./lib/llama"
		}
		if abs, err := filepath.Abs(libPath); err == nil {
			libPath = abs
		}
		log.Info().Str("lib", libPath).Msg("loading llama.cpp libraries")
		if err := llama.Load(libPath); err != nil {
			initErr = engine.ErrDependencyUnavailable(fmt.Sprintf("load llama.cpp libraries from %s: %v", libPath, err))
			return
		}
		llama.Init()
		log.Info().Bool("gpu_offload", llama.SupportsGpuOffload()).Msg("llama.cpp backend ready")
	})
	return initErr
}

// Engine owns one llama.cpp model and a single-sequence context over it.
type Engine struct {
	mu      sync.Mutex
	path    string
	cfg     engine.LoadConfig
	model   llama.Model
	vocab   llama.Vocab
	lctx    llama.Context
	nVocab  int
	pos     int // -1 after SetState: the caller's nPast is trusted once
	logits  []float32
	threads int
	closed  bool
}

func load(path string, cfg engine.LoadConfig, log zerolog.Logger) (engine.Engine, error) {
	mp := llama.ModelDefaultParams()
	mp.NGpuLayers = int32(cfg.GPULayers)
	model, err := llama.ModelLoadFromFile(path, mp)
	if err != nil && cfg.GPULayers != 0 {
		log.Warn().Err(err).Str("path", path).Msg("gpu model load failed, retrying on cpu")
		mp.NGpuLayers = 0
		model, err = llama.ModelLoadFromFile(path, mp)
	}
	if err != nil {
		return nil, &engine.LoadError{Path: path, Err: err}
	}
	e := &Engine{path: path, cfg: cfg, model: model, vocab: llama.ModelGetVocab(model), threads: cfg.Threads}
	e.nVocab = int(llama.VocabNTokens(e.vocab))
	if err := e.newContext(); err != nil {
		llama.ModelFree(model)
		return nil, &engine.LoadError{Path: path, Err: err}
	}
	log.Info().Str("path", path).Str("desc", llama.ModelDesc(model)).Int("n_ctx", cfg.ContextSize).Int("n_vocab", e.nVocab).Msg("model loaded")
	return e, nil
}

func (e *Engine) newContext() error {
	cp := llama.ContextDefaultParams()
	cp.NCtx = uint32(e.cfg.ContextSize)
	if e.cfg.BatchSize > 0 {
		cp.NBatch = uint32(max(e.cfg.BatchSize, e.cfg.ContextSize))
	}
	if e.threads > 0 {
		cp.NThreads = int32(e.threads)
		cp.NThreadsBatch = int32(e.threads)
	}
	if e.cfg.Embeddings {
		cp.Embeddings = 1
	}
	lctx, err := llama.InitFromModel(e.model, cp)
	if err != nil {
		return fmt.Errorf("create context: %w", err)
	}
	if e.lctx != 0 {
		llama.Free(e.lctx)
	}
	e.lctx = lctx
	e.pos = 0
	e.logits = make([]float32, e.nVocab)
	return nil
}

func (e *Engine) Tokenize(text string, addBOS bool) (toks []engine.TokenID, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() {
		if p := recover(); p != nil {
			err = &engine.TokenizationError{Text: text, Err: fmt.Errorf("runtime panic: %v", p)}
		}
	}()
	out := llama.Tokenize(e.vocab, text, addBOS, false)
	if len(out) == 0 && text != "" {
		return nil, &engine.TokenizationError{Text: text, Err: errors.New("no tokens produced")}
	}
	toks = make([]engine.TokenID, len(out))
	for i, t := range out {
		toks[i] = engine.TokenID(t)
	}
	return toks, nil
}

func (e *Engine) TokenToText(id engine.TokenID) (string, bool) {
	if id < 0 || int(id) >= e.nVocab || llama.VocabIsEOG(e.vocab, llama.Token(id)) {
		return "", false
	}
	buf := make([]byte, 64)
	n := llama.TokenToPiece(e.vocab, llama.Token(id), buf, 0, false)
	if n < 0 {
		buf = make([]byte, -n)
		n = llama.TokenToPiece(e.vocab, llama.Token(id), buf, 0, false)
	}
	if n <= 0 {
		return "", false
	}
	return string(buf[:n]), true
}

func (e *Engine) Evaluate(tokens []engine.TokenID, nPast int) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fail := func(cause error) error { return &engine.EvalError{NPast: nPast, Tokens: len(tokens), Err: cause} }
	defer func() {
		if p := recover(); p != nil {
			err = fail(fmt.Errorf("runtime panic: %v", p))
		}
	}()
	if e.closed {
		return fail(errors.New("engine closed"))
	}
	if e.pos >= 0 && nPast != e.pos {
		return fail(fmt.Errorf("position mismatch: context is at %d", e.pos))
	}
	if nPast+len(tokens) > e.cfg.ContextSize {
		return &engine.ContextFullError{ContextSize: e.cfg.ContextSize, Needed: nPast + len(tokens)}
	}
	batch := make([]llama.Token, len(tokens))
	for i, t := range tokens {
		batch[i] = llama.Token(t)
	}
	if _, err := llama.Decode(e.lctx, llama.BatchGetOne(batch)); err != nil {
		return fail(err)
	}
	e.pos = nPast + len(tokens)
	return e.refreshLogits()
}

func (e *Engine) refreshLogits() error {
	l, err := llama.GetLogitsIth(e.lctx, -1, e.nVocab)
	if err != nil {
		return err
	}
	copy(e.logits, l)
	return nil
}

func (e *Engine) Logits() []float32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.logits
}

func (e *Engine) Embeddings() ([]float32, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.cfg.Embeddings || e.pos == 0 {
		return nil, false
	}
	emb, err := llama.GetEmbeddings(e.lctx, 1, int(llama.ModelNEmbd(e.model)))
	if err != nil {
		return nil, false
	}
	return append([]float32(nil), emb...), true
}

func (e *Engine) EOS() engine.TokenID     { return engine.TokenID(llama.VocabEOS(e.vocab)) }
func (e *Engine) Newline() engine.TokenID { return engine.TokenID(llama.VocabNL(e.vocab)) }
func (e *Engine) VocabSize() int          { return e.nVocab }
func (e *Engine) ContextSize() int        { return e.cfg.ContextSize }

func (e *Engine) State() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf := make([]byte, llama.StateGetSize(e.lctx))
	n := llama.StateGetData(e.lctx, buf)
	if int(n) != len(buf) {
		return nil, fmt.Errorf("state copy: got %d of %d bytes", n, len(buf))
	}
	return buf, nil
}

func (e *Engine) SetState(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n := llama.StateSetData(e.lctx, data); int(n) != len(data) {
		return fmt.Errorf("state restore: read %d of %d bytes", n, len(data))
	}
	e.pos = -1
	if err := e.refreshLogits(); err != nil {
		clear(e.logits)
	}
	return nil
}

// Layout leaves StateSize at 0: the llama.cpp state blob grows with the
// number of cached cells.
func (e *Engine) Layout() engine.Layout {
	return engine.Layout{
		Family:      "llama.cpp:" + llama.ModelDesc(e.model),
		ContextSize: e.cfg.ContextSize,
		VocabSize:   e.nVocab,
	}
}

// Reset recreates the context, which also applies a pending thread count.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("engine closed")
	}
	return e.newContext()
}

func (e *Engine) SetThreads(n int) {
	e.mu.Lock()
	e.threads = n
	e.mu.Unlock()
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	llama.Free(e.lctx)
	llama.ModelFree(e.model)
	return nil
}
