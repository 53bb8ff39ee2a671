package manager

import (
	"time"
)

// Unload drains a model instance and removes it.
// - Sets the instance to draining so new work is rejected.
// - Waits up to drainTimeout for queued and running jobs to finish.
// - Cancels whatever is left, stops the worker and closes the engine.
func (m *Manager) Unload(modelID string) error {
	if modelID == "" {
		return ErrModelNotFound("(unspecified)")
	}
	m.mu.Lock()
	inst := m.instances[modelID]
	if inst == nil {
		m.mu.Unlock()
		return ErrModelNotFound(modelID)
	}
	if inst.State == StateLoading {
		m.mu.Unlock()
		return tooBusyError{modelID: modelID}
	}
	inst.State = StateDraining
	m.mu.Unlock()
	m.log.Info().Str("event", "unload_start").Str("model", modelID).Msg("draining instance")
	m.publish("unload_start", modelID, nil)

	deadline := time.Now().Add(m.drainTimeout)
	for {
		qlen := len(inst.queueCh)
		inflight := len(inst.genCh)
		if inflight == 0 && qlen == 0 {
			break
		}
		if time.Now().After(deadline) {
			n := m.cancelJobs(modelID)
			m.log.Warn().Str("event", "unload_timeout").Str("model", modelID).
				Int("inflight", inflight).Int("queue", qlen).Int("cancelled", n).Msg("drain timed out")
			m.publish("unload_timeout", modelID, map[string]any{"inflight": inflight, "queue": qlen, "cancelled": n})
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	closeErr := inst.stop()

	m.mu.Lock()
	if m.instances[modelID] == inst {
		m.usedEstMB -= inst.EstVRAMMB
		if m.usedEstMB < 0 {
			m.usedEstMB = 0
		}
		delete(m.instances, modelID)
	}
	if m.cur != nil && m.cur.ID == modelID {
		m.cur = nil
	}
	m.mu.Unlock()
	m.saveLRUMetadata()

	if closeErr != nil {
		m.log.Warn().Str("event", "unload_close_error").Str("model", modelID).Err(closeErr).Msg("engine close failed")
	}
	m.log.Info().Str("event", "unload_done").Str("model", modelID).Msg("instance unloaded")
	m.publish("unload_done", modelID, nil)
	return closeErr
}
