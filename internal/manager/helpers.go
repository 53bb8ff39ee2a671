package manager

import (
	"os"

	"llmnode/internal/common/fsutil"
	"llmnode/pkg/types"
)

// Helper: find model in registry by id.
func (m *Manager) getModelByID(id string) (types.Model, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, mdl := range m.registry {
		if mdl.ID == id {
			return mdl, true
		}
	}
	return types.Model{}, false
}

// Helper: estimate VRAM based on file size (MB). Returns 1 on error.
func (m *Manager) estimateVRAMMB(mdl types.Model) int {
	fi, err := os.Stat(mdl.Path)
	if err != nil {
		// If we cannot stat the file, return a conservative minimum of 1MB
		// to avoid bypassing budget checks due to an unknown size.
		return 1
	}
	mb := int(fi.Size() / (1024 * 1024))
	if mb <= 0 {
		mb = 1
	}
	return mb
}

// resolveModelID applies the default model to an empty id.
func (m *Manager) resolveModelID(id string) (string, error) {
	if id != "" {
		return id, nil
	}
	if m.defaultModel == "" {
		return "", modelNotFoundError{id: "(unspecified)"}
	}
	return m.defaultModel, nil
}

// sessionPath resolves a request's session path under the session directory.
func (m *Manager) sessionPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if m.sessionDir == "" {
		return "", badRequestError{msg: "session persistence is disabled (no session directory configured)"}
	}
	full, err := fsutil.WithinDir(m.sessionDir, p)
	if err != nil {
		return "", badRequestError{msg: err.Error()}
	}
	return full, nil
}
