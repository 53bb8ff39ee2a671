package manager

import "fmt"

// evictUntilFits stops least recently used idle instances until requiredMB
// fits the budget plus margin. Instances that are loading, draining or have
// admitted work are never evicted.
func (m *Manager) evictUntilFits(requiredMB int) error {
	for {
		m.mu.Lock()
		if m.usedEstMB+requiredMB+m.marginMB <= m.budgetMB {
			m.mu.Unlock()
			return nil
		}
		var lru *Instance
		for _, inst := range m.instances {
			if inst.State != StateReady || len(inst.genCh) > 0 || len(inst.queueCh) > 0 {
				continue
			}
			if lru == nil || inst.LastUsed.Before(lru.LastUsed) {
				lru = inst
			}
		}
		if lru == nil {
			used := m.usedEstMB
			m.mu.Unlock()
			return ErrBudgetExceeded(fmt.Sprintf("need %d MB (+%d margin), %d of %d MB held by busy instances",
				requiredMB, m.marginMB, used, m.budgetMB))
		}
		delete(m.instances, lru.ID)
		m.usedEstMB -= lru.EstVRAMMB
		if m.cur != nil && m.cur.ID == lru.ID {
			m.cur = nil
		}
		m.mu.Unlock()

		if err := lru.stop(); err != nil {
			m.log.Warn().Str("event", "evict_close_error").Str("model", lru.ID).Err(err).Msg("engine close failed")
		}
		m.evictionsTotal.Add(1)
		modelEvictionsTotal.Inc()
		m.log.Info().Str("event", "evict").Str("model", lru.ID).Int("freed_mb", lru.EstVRAMMB).Msg("evicted idle instance")
		m.publish("evict", lru.ID, map[string]any{"freed_mb": lru.EstVRAMMB})
	}
}
