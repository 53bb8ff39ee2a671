package manager

import (
	"context"
	"sync"
	"time"
)

// beginGeneration reserves a queue slot on the model's instance, waiting up
// to maxWait. The returned release frees the slot and may be called more
// than once. The single in-flight slot is taken later by the worker.
func (m *Manager) beginGeneration(ctx context.Context, modelID string) (*Instance, func(), error) {
	noop := func() {}
	m.mu.RLock()
	inst := m.instances[modelID]
	var state State
	if inst != nil {
		state = inst.State
	}
	m.mu.RUnlock()
	if inst == nil {
		return nil, noop, modelNotFoundError{id: modelID}
	}
	// Draining (or still loading) instances reject new work.
	if state != StateReady {
		return nil, noop, tooBusyError{modelID: modelID}
	}

	// Fast path: respect an already-canceled context
	if err := ctx.Err(); err != nil {
		return nil, noop, err
	}

	timer := time.NewTimer(m.maxWait)
	defer timer.Stop()
	select {
	case inst.queueCh <- struct{}{}:
	case <-ctx.Done():
		return nil, noop, ctx.Err()
	case <-timer.C:
		m.log.Warn().Str("event", "queue_timeout").Str("model", modelID).Dur("max_wait", m.maxWait).Msg("queue full")
		return nil, noop, tooBusyError{modelID: modelID}
	}

	m.mu.Lock()
	inst.LastUsed = time.Now()
	m.mu.Unlock()
	var once sync.Once
	return inst, func() { once.Do(func() { <-inst.queueCh }) }, nil
}
