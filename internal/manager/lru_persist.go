package manager

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"time"

	"go.uber.org/multierr"

	"llmnode/internal/common/fsutil"
)

type lruRecord struct {
	LastUsedUnix int64 `json:"last_used_unix"`
	EstVRAMMB    int   `json:"est_vram_mb"`
}

func (m *Manager) loadLRUMetadata() {
	if m.lruPath == "" {
		return
	}
	b, err := os.ReadFile(m.lruPath)
	if err != nil {
		if !os.IsNotExist(err) {
			m.log.Warn().Str("event", "lru_load_error").Err(err).Msg("cannot read lru metadata")
		}
		return
	}
	var data map[string]lruRecord
	if err := json.Unmarshal(b, &data); err != nil {
		m.log.Warn().Str("event", "lru_load_error").Err(err).Msg("corrupt lru metadata ignored")
		return
	}
	m.lruMeta = data
}

// saveLRUMetadata merges loaded instances into the persisted records so
// models unloaded this run keep their history.
func (m *Manager) saveLRUMetadata() {
	if m.lruPath == "" {
		return
	}
	m.mu.Lock()
	if m.lruMeta == nil {
		m.lruMeta = make(map[string]lruRecord)
	}
	for id, inst := range m.instances {
		if inst.State == StateLoading {
			continue
		}
		m.lruMeta[id] = lruRecord{LastUsedUnix: inst.LastUsed.Unix(), EstVRAMMB: inst.EstVRAMMB}
	}
	snap := make(map[string]lruRecord, len(m.lruMeta))
	for id, rec := range m.lruMeta {
		snap[id] = rec
	}
	m.mu.Unlock()

	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return
	}
	if err := fsutil.WriteFileAtomic(m.lruPath, b, 0o644); err != nil {
		m.log.Warn().Str("event", "lru_save_error").Err(err).Msg("cannot persist lru metadata")
	}
}

// RecentModels returns up to n registry models ordered by persisted last
// use, most recent first.
func (m *Manager) RecentModels(n int) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type entry struct {
		id   string
		last int64
	}
	var recent []entry
	for _, mdl := range m.registry {
		if rec, ok := m.lruMeta[mdl.ID]; ok {
			recent = append(recent, entry{id: mdl.ID, last: rec.LastUsedUnix})
		}
	}
	sort.Slice(recent, func(i, j int) bool {
		if recent[i].last != recent[j].last {
			return recent[i].last > recent[j].last
		}
		return recent[i].id < recent[j].id
	})
	if n >= 0 && len(recent) > n {
		recent = recent[:n]
	}
	out := make([]string, len(recent))
	for i, e := range recent {
		out[i] = e.id
	}
	return out
}

// WarmStart loads the n most recently used models from the previous run.
// Failures are collected; models that loaded stay loaded.
func (m *Manager) WarmStart(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	var errs error
	for _, id := range m.RecentModels(n) {
		start := time.Now()
		if err := m.EnsureInstance(ctx, id); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		m.log.Info().Str("event", "warm_start").Str("model", id).Dur("dur", time.Since(start)).Msg("preloaded model")
	}
	return errs
}
