package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"llmnode/internal/common/fsutil"
	"llmnode/pkg/types"
)

// Scanner discovers models in a directory.
type Scanner interface {
	Scan(dir string) ([]types.Model, error)
}

// GGUFScanner lists *.gguf files. ID and Name are the file name including
// extension; Path is absolute.
type GGUFScanner struct{}

func NewGGUFScanner() *GGUFScanner { return &GGUFScanner{} }

var quantPattern = regexp.MustCompile(`(?i)(?:^|[._-])((?:I?Q[2-8](?:_[0-9A-Z]+)*)|F16|F32|BF16)(?:[._-]|$)`)

var families = []string{"llama", "mistral", "mixtral", "phi", "qwen", "gemma", "falcon", "gpt2", "starcoder", "mpt"}

func (s *GGUFScanner) Scan(dir string) ([]types.Model, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".gguf") {
			continue
		}
		mdl := types.Model{ID: name, Name: name, Path: filepath.Join(abs, name)}
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		if m := quantPattern.FindStringSubmatch(stem); m != nil {
			mdl.Quant = strings.ToUpper(m[1])
		}
		mdl.Family = guessFamily(stem)
		if fi, err := e.Info(); err == nil {
			mdl.SizeBytes = fi.Size()
		}
		models = append(models, mdl)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

func guessFamily(stem string) string {
	lower := strings.ToLower(stem)
	for _, f := range families {
		if strings.Contains(lower, f) {
			return f
		}
	}
	return ""
}

// LoadDir scans dir with a GGUFScanner.
func LoadDir(dir string) ([]types.Model, error) {
	return NewGGUFScanner().Scan(dir)
}
