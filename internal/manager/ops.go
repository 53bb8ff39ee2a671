package manager

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Switch starts loading modelID in the background and returns an operation
// ID. Unknown models fail synchronously; load errors surface through Status
// and the ensure_* events. The load is detached from ctx.
func (m *Manager) Switch(_ context.Context, modelID string) (string, error) {
	modelID, err := m.resolveModelID(modelID)
	if err != nil {
		return "", err
	}
	if _, ok := m.getModelByID(modelID); !ok {
		return "", ErrModelNotFound(modelID)
	}
	op := uuid.NewString()
	m.log.Info().Str("event", "switch_start").Str("model", modelID).Str("op", op).Msg("background load")
	m.publish("switch_start", modelID, map[string]any{"op": op})
	go func() {
		start := time.Now()
		err := m.EnsureInstance(context.Background(), modelID)
		fields := map[string]any{"op": op, "dur_ms": int(time.Since(start) / time.Millisecond)}
		if err != nil {
			fields["error"] = err.Error()
			m.publish("switch_error", modelID, fields)
			return
		}
		m.publish("switch_done", modelID, fields)
	}()
	return op, nil
}
