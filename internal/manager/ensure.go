package manager

import (
	"context"
	"time"

	"llmnode/internal/engine"
)

// EnsureInstance ensures a model instance is loaded, its worker is running
// and it is marked ready. Concurrent calls for the same model share one
// load. ctx bounds only the wait: a load in progress always completes.
func (m *Manager) EnsureInstance(ctx context.Context, modelID string) error {
	if modelID == "" {
		// If unspecified, use default if present; else no-op
		modelID = m.defaultModel
		if modelID == "" {
			return nil
		}
	}

	m.mu.Lock()
	inst, ok := m.instances[modelID]
	if ok && inst != nil {
		switch inst.State {
		case StateReady:
			inst.LastUsed = time.Now()
			m.mu.Unlock()
			return nil
		case StateDraining:
			m.mu.Unlock()
			return tooBusyError{modelID: modelID}
		}
	}
	m.mu.Unlock()

	ch := m.loads.DoChan(modelID, func() (any, error) {
		return nil, m.loadInstance(modelID)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loadInstance performs one load. Only one runs per model at a time.
func (m *Manager) loadInstance(modelID string) error {
	startTs := time.Now()
	log := m.log.With().Str("model", modelID).Logger()
	log.Info().Str("event", "ensure_start").Msg("loading model")
	m.publish("ensure_start", modelID, nil)

	m.mu.RLock()
	if inst := m.instances[modelID]; inst != nil && inst.State == StateReady {
		m.mu.RUnlock()
		return nil
	}
	m.mu.RUnlock()

	// Resolve model from registry
	mdl, ok := m.getModelByID(modelID)
	if !ok {
		log.Warn().Str("event", "ensure_model_not_found").Msg("model not in registry")
		m.publish("ensure_model_not_found", modelID, nil)
		return ErrModelNotFound(modelID)
	}
	if m.loader == nil {
		return ErrDependencyUnavailable("no engine loader configured")
	}
	reqMB := m.estimateVRAMMB(mdl)

	// Evict until it fits budget + margin, if budget configured
	if m.budgetMB > 0 {
		if err := m.evictUntilFits(reqMB); err != nil {
			log.Warn().Str("event", "ensure_budget_fail").Err(err).Msg("cannot fit model")
			m.publish("ensure_budget_fail", modelID, map[string]any{"error": err.Error()})
			return err
		}
	}

	inst := newInstance(modelID, mdl.Path, reqMB, m.maxQueueDepth)
	m.mu.Lock()
	m.instances[modelID] = inst
	m.usedEstMB += reqMB
	m.state = StateLoading
	m.err = ""
	m.mu.Unlock()

	eng, err := m.loader.Load(mdl.Path, m.loadCfg)
	if err != nil {
		if !engine.IsLoadError(err) && !engine.IsDependencyUnavailable(err) {
			err = &engine.LoadError{Path: mdl.Path, Err: err}
		}
		m.mu.Lock()
		if m.instances[modelID] == inst {
			delete(m.instances, modelID)
			m.usedEstMB -= reqMB
		}
		m.state = StateError
		m.err = err.Error()
		m.mu.Unlock()
		modelLoadsTotal.WithLabelValues("error").Inc()
		log.Error().Str("event", "ensure_load_error").Err(err).Msg("model load failed")
		m.publish("ensure_load_error", modelID, map[string]any{"error": err.Error()})
		return err
	}

	inst.eng = eng
	go m.runWorker(inst)

	m.mu.Lock()
	inst.State = StateReady
	inst.ContextSize = eng.ContextSize()
	inst.LastUsed = time.Now()
	m.cur = &ModelInfo{ID: mdl.ID, Name: mdl.Name, Path: mdl.Path, Quant: mdl.Quant, Family: mdl.Family}
	m.state = StateReady
	m.err = ""
	m.mu.Unlock()
	m.loadsTotal.Add(1)
	modelLoadsTotal.WithLabelValues("ok").Inc()
	m.saveLRUMetadata()

	dur := time.Since(startTs)
	log.Info().Str("event", "ensure_ready").Dur("dur", dur).Int("n_ctx", eng.ContextSize()).Msg("model ready")
	m.publish("ensure_ready", modelID, map[string]any{"dur_ms": int(dur / time.Millisecond)})
	return nil
}
