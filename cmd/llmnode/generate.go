package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"llmnode/internal/manager"
	"llmnode/pkg/types"
)

func (a *app) generateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Stream one generation to stdout",
		Example: "  llmnode generate -m tinyllama.Q4_K_M.gguf \"Write a haiku\"\n" +
			"  llmnode generate --load-session chat.snap --save-session chat.snap \"User: hi\"",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := inferRequestFromFlags(cmd, args)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT)
			defer stop()
			return a.withManager(func(mgr *manager.Manager) error {
				return runGenerate(ctx, cmd, mgr, req)
			})
		},
	}
	f := cmd.Flags()
	f.StringP("model", "m", "", "model id (file name in the models directory)")
	f.StringP("prompt", "p", "", "prompt text; positional arguments are used when empty")
	f.Int("max-tokens", 0, "new tokens to sample (0 = prompt only, -1 = until EOS)")
	f.Float32("temperature", 0, "sampling temperature (0 = greedy)")
	f.Int("top-k", 0, "top-k cutoff (<= 0 keeps all)")
	f.Float32("top-p", 0, "nucleus sampling p")
	f.Float32("tfs", 0, "tail-free sampling z (1 = off)")
	f.Float32("typical", 0, "locally typical sampling p (1 = off)")
	f.Float32("repeat-penalty", 0, "repetition penalty")
	f.Int("repeat-last-n", 0, "tokens considered for penalties (-1 = whole context)")
	f.Float32("frequency-penalty", 0, "frequency penalty")
	f.Float32("presence-penalty", 0, "presence penalty")
	f.Bool("penalize-nl", false, "apply penalties to the newline token")
	f.Int("mirostat", 0, "mirostat mode (0 = off, 1 = v1, 2 = v2)")
	f.Float32("mirostat-tau", 0, "mirostat target entropy")
	f.Float32("mirostat-eta", 0, "mirostat learning rate")
	f.Int("threads", 0, "threads used for evaluation")
	f.Uint64("seed", 0, "random seed")
	f.String("stop", "", "stop sequence (not emitted)")
	f.String("load-session", "", "snapshot to resume from")
	f.String("save-session", "", "snapshot to write at the end")
	f.Bool("create-session", false, "start fresh when --load-session does not exist")
	f.Bool("echo", false, "echo the prompt tokens")
	f.Bool("prompt-only", false, "evaluate the prompt and stop")
	f.Bool("ignore-eos", false, "never stop on end-of-sequence")
	f.Bool("stats", false, "print the stop reason and token usage to stderr")
	return cmd
}

// inferRequestFromFlags sets only the sampling fields given on the command
// line; the rest fall back to the configured defaults.
func inferRequestFromFlags(cmd *cobra.Command, args []string) (types.InferRequest, error) {
	f := cmd.Flags()
	var req types.InferRequest
	req.Model, _ = f.GetString("model")
	req.Prompt, _ = f.GetString("prompt")
	if req.Prompt == "" {
		req.Prompt = strings.Join(args, " ")
	}
	req.LoadSession, _ = f.GetString("load-session")
	req.SaveSession, _ = f.GetString("save-session")
	req.CreateSession, _ = f.GetBool("create-session")
	req.EchoPrompt, _ = f.GetBool("echo")
	req.PromptOnly, _ = f.GetBool("prompt-only")
	req.IgnoreEOS, _ = f.GetBool("ignore-eos")
	req.Stop, _ = f.GetString("stop")
	if req.Prompt == "" && req.LoadSession == "" {
		return req, errors.New("a prompt is required")
	}
	req.MaxTokens = changed(f, "max-tokens", f.GetInt)
	req.Temperature = changed(f, "temperature", f.GetFloat32)
	req.TopK = changed(f, "top-k", f.GetInt)
	req.TopP = changed(f, "top-p", f.GetFloat32)
	req.TailFreeZ = changed(f, "tfs", f.GetFloat32)
	req.TypicalP = changed(f, "typical", f.GetFloat32)
	req.RepeatPenalty = changed(f, "repeat-penalty", f.GetFloat32)
	req.RepeatLastN = changed(f, "repeat-last-n", f.GetInt)
	req.FrequencyPenalty = changed(f, "frequency-penalty", f.GetFloat32)
	req.PresencePenalty = changed(f, "presence-penalty", f.GetFloat32)
	req.PenalizeNewline = changed(f, "penalize-nl", f.GetBool)
	req.Mirostat = changed(f, "mirostat", f.GetInt)
	req.MirostatTau = changed(f, "mirostat-tau", f.GetFloat32)
	req.MirostatEta = changed(f, "mirostat-eta", f.GetFloat32)
	req.Threads = changed(f, "threads", f.GetInt)
	req.Seed = changed(f, "seed", f.GetUint64)
	return req, nil
}

// changed returns the flag's value only when it was given.
func changed[T any](f *pflag.FlagSet, name string, get func(string) (T, error)) *T {
	if !f.Changed(name) {
		return nil
	}
	v, err := get(name)
	if err != nil {
		return nil
	}
	return &v
}

func runGenerate(ctx context.Context, cmd *cobra.Command, mgr *manager.Manager, req types.InferRequest) error {
	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	end := make(chan types.InferenceEvent, 1)
	var failure string
	_, err := mgr.Infer(ctx, req, func(ev types.InferenceEvent) {
		switch ev.Type {
		case "token":
			fmt.Fprint(out, ev.Text)
		case "error":
			failure = ev.Message
		case "end":
			end <- ev
		}
	})
	if err != nil {
		return err
	}
	ev := <-end
	fmt.Fprintln(out)
	if stats, _ := cmd.Flags().GetBool("stats"); stats && ev.Usage != nil {
		fmt.Fprintf(errOut, "stop=%s prompt_tokens=%d completion_tokens=%d\n",
			ev.StopReason, ev.Usage.PromptTokens, ev.Usage.CompletionTokens)
	}
	if failure != "" {
		return errors.New(failure)
	}
	return nil
}

func (a *app) tokenizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokenize <text>",
		Short: "Print the tokens of text as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			model, _ := cmd.Flags().GetString("model")
			addBOS, _ := cmd.Flags().GetBool("add-bos")
			return a.withManager(func(mgr *manager.Manager) error {
				resp, err := mgr.Tokenize(cmd.Context(), model, strings.Join(args, " "), addBOS)
				if err != nil {
					return err
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
			})
		},
	}
	cmd.Flags().StringP("model", "m", "", "model id")
	cmd.Flags().Bool("add-bos", false, "prepend the beginning-of-sequence token")
	return cmd
}

func (a *app) embedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "embed <text>",
		Short: "Print the embedding of text as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			model, _ := cmd.Flags().GetString("model")
			return a.withManager(func(mgr *manager.Manager) error {
				resp, err := mgr.Embed(cmd.Context(), model, strings.Join(args, " "))
				if err != nil {
					return err
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
			})
		},
	}
	cmd.Flags().StringP("model", "m", "", "model id")
	return cmd
}

func (a *app) configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			return multierr.Append(enc.Encode(cfg), enc.Close())
		},
	}
}

// withManager builds a manager from the resolved config, runs f and drains
// the manager afterwards.
func (a *app) withManager(f func(*manager.Manager) error) (err error) {
	cfg, err := a.config()
	if err != nil {
		return err
	}
	log, err := a.logger(cfg)
	if err != nil {
		return err
	}
	mgr, err := a.newManager(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, mgr.Close(context.Background()))
	}()
	return f(mgr)
}
