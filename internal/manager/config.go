package manager

import (
	"time"

	"github.com/rs/zerolog"

	"llmnode/internal/engine"
	"llmnode/internal/sampling"
	"llmnode/pkg/types"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultMaxQueueDepth = 32
	defaultMaxWait       = 30 * time.Second
	defaultDrainTimeout  = 30 * time.Second
	defaultContextSize   = 2048
	defaultMaxTokens     = 256
)

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	Registry      []types.Model
	BudgetMB      int
	MarginMB      int
	DefaultModel  string
	MaxQueueDepth int
	MaxWait       time.Duration
	DrainTimeout  time.Duration

	// Loader opens model files. Without one every load fails as
	// dependency-unavailable.
	Loader engine.Loader
	Engine engine.LoadConfig
	// Sampling holds the defaults requests start from; nil uses
	// sampling.Defaults().
	Sampling *sampling.Config
	// MaxTokens applies when a request does not set one. Zero uses the
	// default; negative generates until EOS or a full window.
	MaxTokens int
	// SessionDir roots every load/save session path. Empty disables
	// session persistence.
	SessionDir string
	// LRUPath persists last-used metadata between runs.
	LRUPath string

	Logger    zerolog.Logger
	Publisher EventPublisher
}

// NewWithConfig constructs a Manager from ManagerConfig.
func NewWithConfig(cfg ManagerConfig) *Manager {
	m := &Manager{
		state:        StateLoading,
		registry:     cfg.Registry,
		budgetMB:     cfg.BudgetMB,
		marginMB:     cfg.MarginMB,
		defaultModel: cfg.DefaultModel,
		instances:    make(map[string]*Instance),
		jobs:         make(map[string]*Job),
		loader:       cfg.Loader,
		loadCfg:      cfg.Engine,
		sessionDir:   cfg.SessionDir,
		lruPath:      cfg.LRUPath,
		log:          cfg.Logger.With().Str("component", "manager").Logger(),
		publisher:    cfg.Publisher,
		startTime:    time.Now(),
	}
	// Apply defaults if unset
	m.maxQueueDepth = orDefault(cfg.MaxQueueDepth, defaultMaxQueueDepth)
	m.maxWait = orDefault(cfg.MaxWait, defaultMaxWait)
	m.drainTimeout = orDefault(cfg.DrainTimeout, defaultDrainTimeout)
	m.maxTokens = cfg.MaxTokens
	if m.maxTokens == 0 {
		m.maxTokens = defaultMaxTokens
	}
	m.loadCfg.ContextSize = orDefault(m.loadCfg.ContextSize, defaultContextSize)
	if cfg.Sampling != nil {
		m.sampling = *cfg.Sampling
	} else {
		m.sampling = sampling.Defaults()
	}
	if m.loadCfg.BatchSize <= 0 {
		m.loadCfg.BatchSize = m.sampling.BatchSize
	}
	if m.loadCfg.Threads <= 0 {
		m.loadCfg.Threads = m.sampling.Threads
	}
	if m.publisher == nil {
		m.publisher = noopPublisher{}
	}
	m.loadLRUMetadata()
	return m
}

func orDefault[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}
