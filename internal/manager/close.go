package manager

import (
	"context"
	"sort"

	"go.uber.org/multierr"
)

// Close unloads every instance, draining each up to the drain timeout.
// ctx bounds the whole call; instances not yet unloaded when it ends are
// cancelled and stopped at once.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	var errs error
	for _, id := range ids {
		if ctx.Err() != nil {
			m.cancelJobs(id)
		}
		err := m.Unload(id)
		if IsModelNotFound(err) {
			continue
		}
		errs = multierr.Append(errs, err)
	}
	m.mu.Lock()
	m.state = StateDraining
	m.mu.Unlock()
	m.log.Info().Str("event", "manager_closed").Int("instances", len(ids)).Err(errs).Msg("manager closed")
	return errs
}
