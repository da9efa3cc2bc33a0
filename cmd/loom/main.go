package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/rparthas/loom/pkg/agent"
	"github.com/rparthas/loom/pkg/agent/tools"
	"github.com/rparthas/loom/pkg/bus"
	"github.com/rparthas/loom/pkg/llm"
	"github.com/rparthas/loom/pkg/sandbox"
	"github.com/rparthas/loom/pkg/transcript"

	// Register all LLM providers via their init() functions.
	_ "github.com/rparthas/loom/pkg/llm/providers"
)

func main() {
	// Credentials and base URLs may live in a local .env; absence is fine.
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// cliOptions are the flags shared by chat and run.
type cliOptions struct {
	workdir     string
	model       string
	system      string
	maxTokens   int
	maxTurns    int
	toolTimeout time.Duration
	budget      int
	noConfirm   bool
	autoApprove bool
	transcript  string
	verbose     bool
}

func (o *cliOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.workdir, "workdir", ".", "project root for all file operations")
	cmd.Flags().StringVar(&o.model, "model", "anthropic:claude-sonnet-4-6", "model (provider:model-id)")
	cmd.Flags().StringVar(&o.system, "system", defaultSystemPrompt, "system prompt")
	cmd.Flags().IntVar(&o.maxTokens, "max-tokens", 4096, "per-turn response token cap")
	cmd.Flags().IntVar(&o.maxTurns, "max-turns", 50, "model round-trips allowed per message")
	cmd.Flags().DurationVar(&o.toolTimeout, "tool-timeout", 2*time.Minute, "per-tool execution timeout")
	cmd.Flags().IntVar(&o.budget, "context-budget", 100_000, "estimated-token history budget (0 disables trimming)")
	cmd.Flags().BoolVar(&o.noConfirm, "no-confirm", false, "run destructive tools without asking")
	cmd.Flags().BoolVarP(&o.autoApprove, "yes", "y", false, "approve every tool request without prompting")
	cmd.Flags().StringVar(&o.transcript, "transcript", "", "append session events to this JSON-lines file")
	cmd.Flags().BoolVarP(&o.verbose, "verbose", "v", false, "debug logging")
}

const defaultSystemPrompt = `You are a coding assistant working inside the user's project directory.
Use the available tools to read, search, and modify files and to run commands.
Prefer small, verifiable steps and report what you changed.`

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "loom",
		Short: "loom is a terminal coding agent",
		Long: `Loom is an autonomous coding assistant for the terminal.

It streams model turns, executes the tools the model requests inside a
sandboxed project root, and asks before running anything destructive.`,
		SilenceUsage: true,
	}
	root.AddCommand(chatCmd())
	root.AddCommand(runCmd())
	return root
}

// ─── chat ─────────────────────────────────────────────────────────────────────

func chatCmd() *cobra.Command {
	opts := &cliOptions{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := buildSession(opts)
			if err != nil {
				return err
			}
			defer env.close()

			ctx := signalContext(cmd.Context(), env.loop)
			return runREPL(ctx, env)
		},
	}
	opts.register(cmd)
	return cmd
}

func runREPL(ctx context.Context, env *session) error {
	fmt.Fprintf(env.console.out, "loom %s (/clear resets, /usage shows tokens, /quit exits)\n", env.cfg.Model)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(env.console.out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/clear":
			env.loop.ClearHistory()
			continue
		case line == "/usage":
			u := env.loop.Usage()
			fmt.Fprintf(env.console.out, "input: %d tokens, output: %d tokens, history: %d messages\n",
				u.InputTokens, u.OutputTokens, env.loop.HistoryLen())
			continue
		}
		if err := env.loop.ProcessMessage(ctx, line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(env.console.out, "! %v\n", err)
		}
	}
}

// ─── run ──────────────────────────────────────────────────────────────────────

func runCmd() *cobra.Command {
	opts := &cliOptions{}
	cmd := &cobra.Command{
		Use:   "run <instruction>",
		Short: "Process a single instruction and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := buildSession(opts)
			if err != nil {
				return err
			}
			defer env.close()

			ctx := signalContext(cmd.Context(), env.loop)
			return env.loop.ProcessMessage(ctx, args[0])
		},
	}
	opts.register(cmd)
	return cmd
}

// ─── wiring ───────────────────────────────────────────────────────────────────

// session bundles everything one agent session needs torn down together.
type session struct {
	loop    *agent.Loop
	console *console
	log     *transcript.Writer
	cfg     agent.Config
}

func (s *session) close() {
	s.loop.Close()
	s.console.close()
	if s.log != nil {
		_ = s.log.Close()
	}
}

func buildSession(opts *cliOptions) (*session, error) {
	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	client, err := llm.NewClient(opts.model)
	if err != nil {
		return nil, err
	}
	sb, err := sandbox.New(opts.workdir)
	if err != nil {
		return nil, err
	}

	b := bus.New()
	cons := newConsole(os.Stdout, os.Stdin, b, opts.autoApprove)

	var logWriter *transcript.Writer
	if opts.transcript != "" {
		logWriter, err = transcript.New(opts.transcript, b, slog.Default())
		if err != nil {
			return nil, err
		}
	}

	loop := agent.New(client, tools.DefaultRegistry(sb), b, agent.Config{
		Model:              opts.model,
		System:             opts.system,
		MaxTokens:          opts.maxTokens,
		MaxTurns:           opts.maxTurns,
		ToolTimeout:        opts.toolTimeout,
		ConfirmDestructive: !opts.noConfirm,
		ContextBudget:      opts.budget,
	})

	return &session{loop: loop, console: cons, log: logWriter, cfg: agent.Config{Model: opts.model}}, nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM. The first
// signal also cancels the loop so a pending approval resolves as denied.
func signalContext(parent context.Context, loop *agent.Loop) context.Context {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-ch:
			fmt.Fprintln(os.Stderr, "\ninterrupted")
			loop.Cancel()
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
