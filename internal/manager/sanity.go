package manager

import (
	"os"
	"path/filepath"

	"llmnode/internal/common/fsutil"
)

// SanityReport describes startup checks of the runtime and filesystem.
type SanityReport struct {
	LoaderConfigured bool     `json:"loader_configured"`
	MissingModels    []string `json:"missing_models,omitempty"`
	SessionDir       string   `json:"session_dir,omitempty"`
	SessionDirOK     bool     `json:"session_dir_ok"`
	Error            string   `json:"error,omitempty"`
}

// OK reports whether every check passed.
func (r SanityReport) OK() bool {
	return r.LoaderConfigured && len(r.MissingModels) == 0 && (r.SessionDir == "" || r.SessionDirOK)
}

// SanityCheck verifies that an engine loader is configured, registry files
// exist and the session directory is writable. Manager state is untouched;
// the session directory is created if missing.
func (m *Manager) SanityCheck() SanityReport {
	r := SanityReport{LoaderConfigured: m.loader != nil, SessionDir: m.sessionDir}
	if !r.LoaderConfigured {
		r.Error = "no engine loader configured"
	}
	for _, mdl := range m.ListModels() {
		if !fsutil.PathExists(mdl.Path) {
			r.MissingModels = append(r.MissingModels, mdl.ID)
		}
	}
	if m.sessionDir != "" {
		if err := probeWritable(m.sessionDir); err != nil {
			if r.Error == "" {
				r.Error = err.Error()
			}
		} else {
			r.SessionDirOK = true
		}
	}
	return r
}

func probeWritable(dir string) error {
	dir, err := fsutil.ExpandHome(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(filepath.Clean(name))
}
