// Package config reads the llmnode configuration file. Flags and LLMNODE_*
// environment variables are layered on top by the CLI.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"llmnode/internal/engine"
	"llmnode/internal/sampling"
)

// Config holds runtime parameters for the service.
type Config struct {
	Addr         string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir    string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	VRAMBudgetMB int    `json:"vram_budget_mb" yaml:"vram_budget_mb" toml:"vram_budget_mb"`
	VRAMMarginMB int    `json:"vram_margin_mb" yaml:"vram_margin_mb" toml:"vram_margin_mb"`
	DefaultModel string `json:"default_model" yaml:"default_model" toml:"default_model"`

	Engine   EngineConfig    `json:"engine" yaml:"engine" toml:"engine"`
	Sampling sampling.Config `json:"sampling" yaml:"sampling" toml:"sampling"`
	Server   ServerConfig    `json:"server" yaml:"server" toml:"server"`
	Sessions SessionsConfig  `json:"sessions" yaml:"sessions" toml:"sessions"`
	Logging  LoggingConfig   `json:"logging" yaml:"logging" toml:"logging"`
}

// EngineConfig is passed to the llama.cpp loader for every model.
type EngineConfig struct {
	// LibPath is the directory with the llama.cpp shared libraries.
	LibPath     string `json:"lib_path" yaml:"lib_path" toml:"lib_path"`
	ContextSize int    `json:"context_size" yaml:"context_size" toml:"context_size"`
	BatchSize   int    `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	Threads     int    `json:"threads" yaml:"threads" toml:"threads"`
	GPULayers   int    `json:"gpu_layers" yaml:"gpu_layers" toml:"gpu_layers"`
	Embeddings  bool   `json:"embeddings" yaml:"embeddings" toml:"embeddings"`
}

// ServerConfig covers admission, timeouts and HTTP limits.
type ServerConfig struct {
	MaxQueueDepth  int   `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	MaxWaitMS      int   `json:"max_wait_ms" yaml:"max_wait_ms" toml:"max_wait_ms"`
	DrainTimeoutMS int   `json:"drain_timeout_ms" yaml:"drain_timeout_ms" toml:"drain_timeout_ms"`
	InferTimeoutMS int   `json:"infer_timeout_ms" yaml:"infer_timeout_ms" toml:"infer_timeout_ms"`
	MaxBodyBytes   int64 `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	// MaxTokens applies when a request omits max_tokens; negative means
	// until EOS.
	MaxTokens int `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
	// WarmStart loads this many recently used models at startup.
	WarmStart int `json:"warm_start" yaml:"warm_start" toml:"warm_start"`

	CORSEnabled bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	CORSMethods []string `json:"cors_methods" yaml:"cors_methods" toml:"cors_methods"`
	CORSHeaders []string `json:"cors_headers" yaml:"cors_headers" toml:"cors_headers"`

	// RequestLog is the default per-request log level (off|error|info|debug).
	RequestLog string `json:"request_log" yaml:"request_log" toml:"request_log"`
}

// SessionsConfig locates snapshot files and manager metadata.
type SessionsConfig struct {
	Dir     string `json:"dir" yaml:"dir" toml:"dir"`
	LRUPath string `json:"lru_path" yaml:"lru_path" toml:"lru_path"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level"`
	Format string `json:"format" yaml:"format" toml:"format"`
	Quiet  bool   `json:"quiet" yaml:"quiet" toml:"quiet"`
}

// Defaults returns the configuration used when nothing is specified.
func Defaults() Config {
	return Config{
		Addr:      ":8080",
		ModelsDir: "~/models/llm",
		Engine: EngineConfig{
			ContextSize: 2048,
			BatchSize:   512,
			GPULayers:   -1,
		},
		Sampling: sampling.Defaults(),
		Server: ServerConfig{
			MaxQueueDepth:  32,
			MaxWaitMS:      30_000,
			DrainTimeoutMS: 30_000,
			MaxBodyBytes:   1 << 20,
			MaxTokens:      256,
			CORSMethods:    []string{"GET", "POST", "DELETE", "OPTIONS"},
			CORSHeaders:    []string{"Content-Type", "X-Log-Level"},
		},
		Sessions: SessionsConfig{Dir: "~/.llmnode/sessions"},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
	}
}

// ApplyDefaults fills zero values that have no useful meaning of their own.
// Fields where zero is meaningful (budget, infer timeout, warm start) are
// left alone.
func (c *Config) ApplyDefaults() {
	d := Defaults()
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = d.Addr
	}
	if strings.TrimSpace(c.ModelsDir) == "" {
		c.ModelsDir = d.ModelsDir
	}
	if c.Engine.ContextSize <= 0 {
		c.Engine.ContextSize = d.Engine.ContextSize
	}
	if c.Engine.BatchSize <= 0 {
		c.Engine.BatchSize = d.Engine.BatchSize
	}
	if c.Server.MaxQueueDepth <= 0 {
		c.Server.MaxQueueDepth = d.Server.MaxQueueDepth
	}
	if c.Server.MaxWaitMS <= 0 {
		c.Server.MaxWaitMS = d.Server.MaxWaitMS
	}
	if c.Server.DrainTimeoutMS <= 0 {
		c.Server.DrainTimeoutMS = d.Server.DrainTimeoutMS
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = d.Server.MaxBodyBytes
	}
	if c.Sampling.Threads == 0 {
		c.Sampling.Threads = d.Sampling.Threads
	}
	if c.Sampling.BatchSize == 0 {
		c.Sampling.BatchSize = d.Sampling.BatchSize
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.VRAMBudgetMB < 0 || c.VRAMMarginMB < 0 {
		errs = append(errs, errors.New("vram_budget_mb and vram_margin_mb must be >= 0"))
	}
	if c.Server.InferTimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("server.infer_timeout_ms must be >= 0, got %d", c.Server.InferTimeoutMS))
	}
	if c.Server.WarmStart < 0 {
		errs = append(errs, fmt.Errorf("server.warm_start must be >= 0, got %d", c.Server.WarmStart))
	}
	if err := c.Sampling.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("sampling: %w", err))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "console", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// LoadConfig converts the engine section for engine.Loader.
func (c Config) LoadConfig() engine.LoadConfig {
	return engine.LoadConfig{
		ContextSize: c.Engine.ContextSize,
		BatchSize:   c.Engine.BatchSize,
		Threads:     c.Engine.Threads,
		GPULayers:   c.Engine.GPULayers,
		Embeddings:  c.Engine.Embeddings,
	}
}

// MaxWait is how long a request waits for a queue slot.
func (c Config) MaxWait() time.Duration { return ms(c.Server.MaxWaitMS) }

// DrainTimeout bounds how long an unload waits for running jobs.
func (c Config) DrainTimeout() time.Duration { return ms(c.Server.DrainTimeoutMS) }

// InferTimeout bounds one /infer request; zero disables it.
func (c Config) InferTimeout() time.Duration { return ms(c.Server.InferTimeoutMS) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
