// Package enginetest provides a deterministic in-memory engine.Engine for
// tests. Its "KV-cache" is the evaluated token history and its logits are a
// pure function of that history, so sessions can be saved, restored and
// replayed exactly.
package enginetest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strings"
	"sync"

	"llmnode/internal/engine"
)

// Reserved ids of every test vocabulary.
const (
	BOS     engine.TokenID = 0
	EOS     engine.TokenID = 1
	Newline engine.TokenID = 2
)

// DefaultWords is the vocabulary used when Options.Words is empty.
var DefaultWords = []string{"Hello", "world", "A", "B", "X", "Y", "the", "cat", "sat", "on", "mat"}

// LogitsFunc computes next-token logits for an evaluated history.
type LogitsFunc func(history []engine.TokenID, vocab int) []float32

// Options configure a test engine.
type Options struct {
	Words       []string
	ContextSize int
	Logits      LogitsFunc
	// EvalErr, when set, is consulted before every evaluation.
	EvalErr func(nPast int, tokens []engine.TokenID) error
}

// Engine is a deterministic engine.Engine.
type Engine struct {
	mu      sync.Mutex
	vocab   []string
	index   map[string]engine.TokenID
	nCtx    int
	next    LogitsFunc
	evalErr func(nPast int, tokens []engine.TokenID) error

	history []engine.TokenID
	logits  []float32
	batches [][]engine.TokenID
	threads int
	closed  int
}

// New builds an engine. The vocabulary is BOS, EOS, "\n", then Words.
func New(opts Options) *Engine {
	words := opts.Words
	if len(words) == 0 {
		words = DefaultWords
	}
	e := &Engine{
		vocab:   append([]string{"<s>", "</s>", "\n"}, words...),
		index:   make(map[string]engine.TokenID),
		nCtx:    opts.ContextSize,
		next:    opts.Logits,
		evalErr: opts.EvalErr,
	}
	if e.nCtx <= 0 {
		e.nCtx = 64
	}
	if e.next == nil {
		e.next = Hashed(0)
	}
	for i, w := range e.vocab {
		e.index[w] = engine.TokenID(i)
	}
	e.logits = make([]float32, len(e.vocab))
	return e
}

// ID returns the token id of a vocabulary word and panics on unknown words.
func (e *Engine) ID(word string) engine.TokenID {
	id, ok := e.index[word]
	if !ok {
		panic("enginetest: unknown word " + word)
	}
	return id
}

// IDs maps several words to ids.
func (e *Engine) IDs(words ...string) []engine.TokenID {
	out := make([]engine.TokenID, len(words))
	for i, w := range words {
		out[i] = e.ID(w)
	}
	return out
}

// Chain makes generation deterministic: after words[i] the strongest logit
// is words[i+1], after the last word it is EOS. Any other history continues
// with words[0].
func (e *Engine) Chain(words ...string) *Engine {
	succ := make(map[engine.TokenID]engine.TokenID, len(words))
	for i, w := range words {
		if i+1 < len(words) {
			succ[e.ID(w)] = e.ID(words[i+1])
		} else {
			succ[e.ID(w)] = EOS
		}
	}
	first := e.ID(words[0])
	e.mu.Lock()
	e.next = func(history []engine.TokenID, vocab int) []float32 {
		out := make([]float32, vocab)
		want := first
		if len(history) > 0 {
			if s, ok := succ[history[len(history)-1]]; ok {
				want = s
			}
		}
		out[want] = 10
		return out
	}
	e.mu.Unlock()
	return e
}

// Hashed returns pseudo-random logits in [-4, 4) seeded by the history, so
// identical histories always produce identical logits.
func Hashed(salt uint64) LogitsFunc {
	return func(history []engine.TokenID, vocab int) []float32 {
		h := fnv.New64a()
		var buf [4]byte
		for _, t := range history {
			binary.LittleEndian.PutUint32(buf[:], uint32(t))
			_, _ = h.Write(buf[:])
		}
		rng := rand.New(rand.NewPCG(h.Sum64(), salt))
		out := make([]float32, vocab)
		for i := range out {
			out[i] = float32(rng.Float64()*8 - 4)
		}
		return out
	}
}

func (e *Engine) Tokenize(text string, addBOS bool) ([]engine.TokenID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []engine.TokenID
	if addBOS {
		out = append(out, BOS)
	}
	for _, w := range strings.Split(strings.ReplaceAll(text, "\n", " \n "), " ") {
		if w == "" {
			continue
		}
		id, ok := e.index[w]
		if !ok {
			return nil, &engine.TokenizationError{Text: text, Err: fmt.Errorf("unknown word %q", w)}
		}
		out = append(out, id)
	}
	return out, nil
}

func (e *Engine) TokenToText(id engine.TokenID) (string, bool) {
	if id < 0 || int(id) >= len(e.vocab) || id == BOS || id == EOS {
		return "", false
	}
	return e.vocab[id], true
}

func (e *Engine) Evaluate(tokens []engine.TokenID, nPast int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed > 0 {
		return &engine.EvalError{NPast: nPast, Tokens: len(tokens), Err: errors.New("engine closed")}
	}
	if e.evalErr != nil {
		if err := e.evalErr(nPast, tokens); err != nil {
			return &engine.EvalError{NPast: nPast, Tokens: len(tokens), Err: err}
		}
	}
	if nPast != len(e.history) {
		return &engine.EvalError{NPast: nPast, Tokens: len(tokens), Err: fmt.Errorf("position mismatch: cache holds %d", len(e.history))}
	}
	if nPast+len(tokens) > e.nCtx {
		return &engine.ContextFullError{ContextSize: e.nCtx, Needed: nPast + len(tokens)}
	}
	e.history = append(e.history, tokens...)
	e.batches = append(e.batches, append([]engine.TokenID(nil), tokens...))
	e.refresh()
	return nil
}

func (e *Engine) refresh() {
	l := e.next(append([]engine.TokenID(nil), e.history...), len(e.vocab))
	e.logits = make([]float32, len(e.vocab))
	copy(e.logits, l)
}

func (e *Engine) Logits() []float32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.logits
}

// Embeddings returns a 4-dimensional bag-of-ids vector of the cache.
func (e *Engine) Embeddings() ([]float32, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.history) == 0 {
		return nil, false
	}
	out := make([]float32, 4)
	for _, t := range e.history {
		out[int(t)%4]++
	}
	for i := range out {
		out[i] /= float32(len(e.history))
	}
	return out, true
}

func (e *Engine) EOS() engine.TokenID     { return EOS }
func (e *Engine) Newline() engine.TokenID { return Newline }
func (e *Engine) VocabSize() int          { return len(e.vocab) }
func (e *Engine) ContextSize() int        { return e.nCtx }

func (e *Engine) stateSize() int { return 4 + 4*e.nCtx }

func (e *Engine) State() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf := make([]byte, e.stateSize())
	binary.LittleEndian.PutUint32(buf, uint32(len(e.history)))
	for i, t := range e.history {
		binary.LittleEndian.PutUint32(buf[4+4*i:], uint32(t))
	}
	return buf, nil
}

func (e *Engine) SetState(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(data) != e.stateSize() {
		return fmt.Errorf("state size %d, want %d", len(data), e.stateSize())
	}
	n := int(binary.LittleEndian.Uint32(data))
	if n > e.nCtx {
		return fmt.Errorf("state holds %d tokens, window is %d", n, e.nCtx)
	}
	e.history = make([]engine.TokenID, n)
	for i := range e.history {
		e.history[i] = engine.TokenID(binary.LittleEndian.Uint32(data[4+4*i:]))
	}
	e.refresh()
	return nil
}

func (e *Engine) Layout() engine.Layout {
	return engine.Layout{Family: "enginetest", ContextSize: e.nCtx, VocabSize: len(e.vocab), StateSize: e.stateSize()}
}

func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = nil
	e.logits = make([]float32, len(e.vocab))
	return nil
}

func (e *Engine) SetThreads(n int) {
	e.mu.Lock()
	e.threads = n
	e.mu.Unlock()
}

func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed++
	e.mu.Unlock()
	return nil
}

// Cache returns a copy of the evaluated tokens.
func (e *Engine) Cache() []engine.TokenID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.TokenID(nil), e.history...)
}

// Batches returns every Evaluate call's tokens in order.
func (e *Engine) Batches() [][]engine.TokenID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]engine.TokenID(nil), e.batches...)
}

// Threads returns the last SetThreads value.
func (e *Engine) Threads() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.threads
}

// Closed reports how many times Close was called.
func (e *Engine) Closed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
