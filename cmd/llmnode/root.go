package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"llmnode/internal/config"
	"llmnode/internal/engine"
	"llmnode/internal/engine/llamacpp"
	"llmnode/internal/logging"
	"llmnode/internal/manager"
	"llmnode/internal/registry"
	"llmnode/internal/sampling"
)

// app carries state shared by every subcommand.
type app struct {
	v *viper.Viper
	// loader overrides the llama.cpp loader; tests set it.
	loader engine.Loader
}

func newApp() *app {
	v := viper.New()
	v.SetEnvPrefix("LLMNODE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return &app{v: v}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "llmnode",
		Short:         "Local LLM inference node: sessions, sampling and snapshots over llama.cpp",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.String("config", "", "config file (.yaml, .json or .toml)")
	pf.String("log-level", "", "log level: trace|debug|info|warn|error|off")
	pf.String("log-format", "", "log format: json|console")
	pf.BoolP("quiet", "q", false, "disable logging")
	pf.String("models-dir", "", "directory to scan for *.gguf model files")
	pf.String("default-model", "", "model id used when a request omits one")
	pf.String("session-dir", "", "directory holding session snapshots")
	pf.String("lib-path", "", "directory with the llama.cpp shared libraries")
	pf.Int("ctx-size", 0, "context window in tokens")
	pf.Int("gpu-layers", 0, "layers to offload to the GPU (-1 = all)")
	pf.Bool("embeddings", false, "load models with embeddings enabled")
	a.bindFlags(pf)

	root.AddCommand(a.serveCmd(), a.generateCmd(), a.tokenizeCmd(), a.embedCmd(), a.configCmd())
	return root
}

func (a *app) bindFlags(fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		_ = a.v.BindPFlag(f.Name, f)
	})
}

// config resolves the effective configuration: defaults, then the config
// file, then LLMNODE_* environment variables and explicit flags.
func (a *app) config() (config.Config, error) {
	cfg := config.Defaults()
	if path := a.v.GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}
	str := func(key string, dst *string) {
		if a.v.IsSet(key) {
			*dst = a.v.GetString(key)
		}
	}
	num := func(key string, dst *int) {
		if a.v.IsSet(key) {
			*dst = a.v.GetInt(key)
		}
	}
	flag := func(key string, dst *bool) {
		if a.v.IsSet(key) {
			*dst = a.v.GetBool(key)
		}
	}
	str("log-level", &cfg.Logging.Level)
	str("log-format", &cfg.Logging.Format)
	flag("quiet", &cfg.Logging.Quiet)
	str("models-dir", &cfg.ModelsDir)
	str("default-model", &cfg.DefaultModel)
	str("session-dir", &cfg.Sessions.Dir)
	str("lib-path", &cfg.Engine.LibPath)
	num("ctx-size", &cfg.Engine.ContextSize)
	num("gpu-layers", &cfg.Engine.GPULayers)
	flag("embeddings", &cfg.Engine.Embeddings)

	// serve-only keys; unset for other commands
	str("addr", &cfg.Addr)
	num("vram-budget-mb", &cfg.VRAMBudgetMB)
	num("vram-margin-mb", &cfg.VRAMMarginMB)
	num("max-queue-depth", &cfg.Server.MaxQueueDepth)
	num("max-wait-ms", &cfg.Server.MaxWaitMS)
	num("infer-timeout-ms", &cfg.Server.InferTimeoutMS)
	num("warm-start", &cfg.Server.WarmStart)
	str("request-log", &cfg.Server.RequestLog)
	if a.v.IsSet("cors-origins") {
		cfg.Server.CORSOrigins = splitCSV(a.v.GetString("cors-origins"))
		cfg.Server.CORSEnabled = len(cfg.Server.CORSOrigins) > 0
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (a *app) logger(cfg config.Config) (zerolog.Logger, error) {
	return logging.New(logging.Options{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Enabled: !cfg.Logging.Quiet,
		Writer:  os.Stderr,
	})
}

// newManager scans the models directory and builds the manager.
func (a *app) newManager(cfg config.Config, log zerolog.Logger) (*manager.Manager, error) {
	reg, err := registry.LoadDir(cfg.ModelsDir)
	if err != nil {
		return nil, fmt.Errorf("load models from %s: %w", cfg.ModelsDir, err)
	}
	loader := a.loader
	if loader == nil {
		loader = &llamacpp.Loader{LibPath: cfg.Engine.LibPath, Logger: log.With().Str("component", "llamacpp").Logger()}
	}
	defaults := cfg.Sampling
	defaults.LogitBias = append([]sampling.LogitBias(nil), cfg.Sampling.LogitBias...)
	return manager.NewWithConfig(manager.ManagerConfig{
		Registry:      reg,
		BudgetMB:      cfg.VRAMBudgetMB,
		MarginMB:      cfg.VRAMMarginMB,
		DefaultModel:  cfg.DefaultModel,
		MaxQueueDepth: cfg.Server.MaxQueueDepth,
		MaxWait:       cfg.MaxWait(),
		DrainTimeout:  cfg.DrainTimeout(),
		Loader:        loader,
		Engine:        cfg.LoadConfig(),
		Sampling:      &defaults,
		MaxTokens:     cfg.Server.MaxTokens,
		SessionDir:    cfg.Sessions.Dir,
		LRUPath:       cfg.Sessions.LRUPath,
		Logger:        log,
		Publisher:     manager.LogPublisher{Logger: log},
	}), nil
}

// splitCSV splits a comma-separated list, dropping blanks.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
