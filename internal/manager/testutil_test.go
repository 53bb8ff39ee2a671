package manager

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"llmnode/internal/engine"
	"llmnode/internal/engine/enginetest"
	"llmnode/internal/generate"
	"llmnode/internal/sampling"
	"llmnode/pkg/types"
)

// createModelFile creates a file of approximately sizeMB megabytes and returns its path.
func createModelFile(t *testing.T, dir, name string, sizeMB int) string {
	t.Helper()
	if sizeMB <= 0 {
		sizeMB = 1
	}
	p := filepath.Join(dir, name)
	f, err := os.Create(p)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	defer f.Close()
	if err := f.Truncate(int64(sizeMB) * 1024 * 1024); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return p
}

// testCtx returns a context with a short timeout, canceled on test cleanup.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

// chainLoader hands out engines that deterministically generate
// "the cat sat" and then EOS after any prompt.
func chainLoader() *enginetest.Loader {
	return &enginetest.Loader{New: func(_ string, cfg engine.LoadConfig) (*enginetest.Engine, error) {
		return enginetest.New(enginetest.Options{ContextSize: cfg.ContextSize}).Chain("the", "cat", "sat"), nil
	}}
}

// newTestManager registers one 1MB model file per id and wires loader.
// The manager is closed on cleanup.
func newTestManager(t *testing.T, cfg ManagerConfig, loader engine.Loader, ids ...string) *Manager {
	t.Helper()
	dir := t.TempDir()
	for _, id := range ids {
		cfg.Registry = append(cfg.Registry, types.Model{ID: id, Path: createModelFile(t, dir, id+".gguf", 1)})
	}
	cfg.Loader = loader
	m := NewWithConfig(cfg)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func greedyRequest(prompt string) generate.Request {
	cfg := sampling.Defaults()
	cfg.Temperature = 0
	cfg.Threads = 1
	return generate.Request{Prompt: prompt, Sampling: cfg, FeedPrompt: true, MaxTokens: 16}
}

// collector records events; gate, when set, blocks the first event until
// closed so a job can be held on the worker.
type collector struct {
	mu      sync.Mutex
	events  []generate.Event
	gate    chan struct{}
	started chan struct{}
	once    sync.Once
}

func newGatedCollector() *collector {
	return &collector{gate: make(chan struct{}), started: make(chan struct{})}
}

func (c *collector) sink(ev generate.Event) {
	if c.gate != nil {
		c.once.Do(func() {
			close(c.started)
			<-c.gate
		})
	}
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, ev := range c.events {
		if ev.Type == generate.EventToken && !ev.Final {
			out = append(out, ev.Text)
		}
	}
	return out
}

func (c *collector) last() generate.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return generate.Event{}
	}
	return c.events[len(c.events)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
