package enginetest

import (
	"sync"
	"time"

	"llmnode/internal/engine"
)

// Loader is an engine.Loader handing out test engines.
type Loader struct {
	// New builds the engine for a path; defaults to New(Options{ContextSize: cfg.ContextSize}).
	New   func(path string, cfg engine.LoadConfig) (*Engine, error)
	Delay time.Duration

	mu      sync.Mutex
	loads   []string
	engines []*Engine
}

func (l *Loader) Load(path string, cfg engine.LoadConfig) (engine.Engine, error) {
	if l.Delay > 0 {
		time.Sleep(l.Delay)
	}
	l.mu.Lock()
	l.loads = append(l.loads, path)
	l.mu.Unlock()
	var (
		e   *Engine
		err error
	)
	if l.New != nil {
		e, err = l.New(path, cfg)
	} else {
		e = New(Options{ContextSize: cfg.ContextSize})
	}
	if err != nil {
		return nil, &engine.LoadError{Path: path, Err: err}
	}
	l.mu.Lock()
	l.engines = append(l.engines, e)
	l.mu.Unlock()
	return e, nil
}

// Loads returns the paths passed to Load, in call order.
func (l *Loader) Loads() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.loads...)
}

// Engines returns every engine handed out.
func (l *Loader) Engines() []*Engine {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Engine(nil), l.engines...)
}
