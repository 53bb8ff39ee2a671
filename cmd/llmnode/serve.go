package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"llmnode/internal/config"
	"llmnode/internal/httpapi"
)

const shutdownTimeout = 30 * time.Second

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Example: "  llmnode serve --models-dir ~/models/llm --addr :8080\n" +
			"  LLMNODE_VRAM_BUDGET_MB=8192 llmnode serve --config llmnode.yaml",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, cfg)
		},
	}
	f := cmd.Flags()
	f.String("addr", "", "HTTP listen address, e.g. :8080")
	f.Int("vram-budget-mb", 0, "VRAM budget in MB for all instances (0=unlimited)")
	f.Int("vram-margin-mb", 0, "Reserved VRAM margin in MB to keep free")
	f.Int("max-queue-depth", 0, "queued generations per model before 429")
	f.Int("max-wait-ms", 0, "how long a request waits for a queue slot")
	f.Int("infer-timeout-ms", 0, "bound on one /infer request (0 = none)")
	f.Int("warm-start", 0, "load this many recently used models at startup")
	f.String("cors-origins", "", "comma-separated allowed CORS origins (enables CORS)")
	f.String("request-log", "", "default per-request log level: off|error|info|debug")
	a.bindFlags(f)
	return cmd
}

// serve runs the HTTP server until ctx ends, then drains the manager.
func (a *app) serve(ctx context.Context, cfg config.Config) error {
	log, err := a.logger(cfg)
	if err != nil {
		return err
	}
	mgr, err := a.newManager(cfg, log)
	if err != nil {
		return err
	}
	if rep := mgr.SanityCheck(); !rep.OK() {
		log.Warn().Str("event", "sanity").Interface("report", rep).Msg("startup checks failed")
	}

	httpapi.SetLogger(log)
	httpapi.SetBaseContext(ctx)
	httpapi.SetMaxBodyBytes(cfg.Server.MaxBodyBytes)
	httpapi.SetInferTimeout(cfg.InferTimeout())
	httpapi.SetCORSOptions(cfg.Server.CORSEnabled, cfg.Server.CORSOrigins, cfg.Server.CORSMethods, cfg.Server.CORSHeaders)
	if cfg.Server.RequestLog != "" {
		httpapi.SetRequestLogLevel(cfg.Server.RequestLog)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(mgr),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("event", "listen").Str("addr", cfg.Addr).Str("models_dir", cfg.ModelsDir).
			Int("models", len(mgr.ListModels())).Msg("llmnode listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.Server.WarmStart > 0 {
		g.Go(func() error {
			if err := mgr.WarmStart(gctx, cfg.Server.WarmStart); err != nil {
				log.Warn().Str("event", "warm_start").Err(err).Msg("warm start incomplete")
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info().Str("event", "shutdown").Msg("shutting down")
		err := srv.Shutdown(shutdownCtx)
		return multierr.Append(err, mgr.Close(shutdownCtx))
	})
	return g.Wait()
}
