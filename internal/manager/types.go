package manager

import (
	"sync"
	"sync/atomic"
	"time"

	"llmnode/internal/engine"
)

// State represents lifecycle state of the manager/instances.
type State string

const (
	StateReady    State = "ready"
	StateLoading  State = "loading"
	StateDraining State = "draining"
	StateError    State = "error"
)

// ModelInfo is a minimal view of the current model.
type ModelInfo struct {
	ID     string
	Name   string
	Path   string
	Quant  string
	Family string
}

// Snapshot is a read-only projection of the manager state.
type Snapshot struct {
	State        State
	CurrentModel *ModelInfo
	Err          string
}

// Instance is one loaded model. Its worker goroutine is the only code that
// touches the engine.
type Instance struct {
	ID        string
	Path      string
	State     State
	LastUsed  time.Time
	EstVRAMMB int
	// ContextSize of the loaded engine; 0 while loading.
	ContextSize int

	// Queueing primitives
	genCh   chan struct{} // size 1: held while the worker runs a generation
	queueCh chan struct{} // buffered: admitted generations, queued or running

	cmdCh    chan command
	quit     chan struct{}
	done     chan struct{}
	mu       sync.RWMutex // guards stopping against concurrent sends
	stopping bool
	eng      engine.Engine
	closeErr error
	current  atomic.Pointer[Job]
}

func newInstance(id, path string, estMB, queueDepth int) *Instance {
	return &Instance{
		ID:        id,
		Path:      path,
		State:     StateLoading,
		LastUsed:  time.Now(),
		EstVRAMMB: estMB,
		genCh:     make(chan struct{}, 1),
		queueCh:   make(chan struct{}, queueDepth),
		cmdCh:     make(chan command, queueDepth+8),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}
