// Package engine defines the capability set the inference core consumes from
// a native model runtime. Concrete runtimes live in subpackages; the core only
// ever talks to the Engine interface.
package engine

// TokenID identifies a vocabulary entry.
type TokenID = int32

// Engine is an owning handle over one loaded model and its evaluation context
// (KV-cache and logits buffer). Implementations are not safe for concurrent
// use; callers must serialize access, which the manager does by giving every
// engine a dedicated worker goroutine.
type Engine interface {
	// Tokenize converts text into token ids, optionally prefixed with BOS.
	Tokenize(text string, addBOS bool) ([]TokenID, error)
	// TokenToText decodes a single token. ok is false for ids without a
	// textual piece.
	TokenToText(id TokenID) (text string, ok bool)
	// Evaluate feeds tokens at position nPast and refreshes the logits buffer.
	Evaluate(tokens []TokenID, nPast int) error
	// Logits returns the vocab-sized logits of the last evaluated position.
	// The slice is the engine's scratch buffer; callers may modify it in place
	// until the next Evaluate.
	Logits() []float32
	// Embeddings returns the embedding vector of the last evaluation, if the
	// runtime produces one.
	Embeddings() ([]float32, bool)

	EOS() TokenID
	Newline() TokenID
	VocabSize() int
	ContextSize() int

	// State copies the KV-cache memory out of the runtime.
	State() ([]byte, error)
	// SetState overwrites the KV-cache memory with a previous State.
	SetState(data []byte) error
	// Layout fingerprints the memory layout State produces.
	Layout() Layout
	// Reset drops all KV-cache content so the next Evaluate starts at 0.
	Reset() error

	// Close releases native resources. It is safe to call more than once;
	// only the first call frees anything.
	Close() error
}

// ThreadSetter is implemented by engines whose evaluation parallelism can be
// changed between requests.
type ThreadSetter interface {
	SetThreads(n int)
}

// Layout fingerprints the KV-cache memory layout of an engine. Snapshots may
// only be restored into an engine with an identical layout.
type Layout struct {
	Family      string `msgpack:"family" json:"family"`
	ContextSize int    `msgpack:"n_ctx" json:"n_ctx"`
	VocabSize   int    `msgpack:"n_vocab" json:"n_vocab"`
	// StateSize is the exact State length, or 0 when it varies.
	StateSize int `msgpack:"state_size" json:"state_size"`
}

// LoadConfig configures a model load.
type LoadConfig struct {
	ContextSize int
	BatchSize   int
	Threads     int
	// GPULayers: -1 offloads everything the runtime can, 0 is CPU only.
	GPULayers  int
	Embeddings bool
}

// Loader opens model files.
type Loader interface {
	Load(path string, cfg LoadConfig) (Engine, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(path string, cfg LoadConfig) (Engine, error)

func (f LoaderFunc) Load(path string, cfg LoadConfig) (Engine, error) { return f(path, cfg) }
