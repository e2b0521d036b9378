// Package cmd is the runbox command-line interface.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/runbox/internal/config"
	"github.com/nextlevelbuilder/runbox/internal/engine"
	"github.com/nextlevelbuilder/runbox/internal/sandbox"
	"github.com/nextlevelbuilder/runbox/internal/session"
	"github.com/nextlevelbuilder/runbox/internal/store"
	"github.com/nextlevelbuilder/runbox/internal/tracing"
)

var (
	flagConfig       string
	flagAgent        string
	flagConversation string
	flagTimeout      int
	flagVerbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "runbox",
	Short: "runbox runs untrusted agent-generated code in a sandbox",
	Long: `runbox executes untrusted code snippets and shell commands inside
a kernel-namespace or container sandbox: writes confined to a per
conversation workspace, no network during execution, wall-clock
timeouts, and a success/failure verdict over the captured output.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if flagVerbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", defaultConfigPath(), "config file (json5)")
	rootCmd.PersistentFlags().StringVar(&flagAgent, "agent", "default", "agent identity owning the session")
	rootCmd.PersistentFlags().StringVar(&flagConversation, "conversation", "default", "conversation the session belongs to")
	rootCmd.PersistentFlags().IntVar(&flagTimeout, "timeout", 0, "wall clock budget in seconds (0 = config default)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(runCmd, shellCmd, doctorCmd, sessionsCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".runbox", "config.json5")
}

// app holds the wired application for one CLI invocation.
type app struct {
	cfg      *config.Config
	index    store.SessionIndex
	sessions *session.Registry
	selector *sandbox.Selector
	engine   *engine.Engine
	tracer   *tracing.Provider
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	var index store.SessionIndex
	if idx, err := store.OpenSQLite(filepath.Join(cfg.StateDir, "sessions.db")); err != nil {
		slog.Warn("session index unavailable, sessions will not survive restarts", "error", err)
	} else {
		index = idx
	}

	chain, err := sandbox.BuildChain(cfg.Backends, sandbox.DockerOptions{
		Image:     cfg.Docker.Image,
		MemoryMB:  cfg.Docker.MemoryMB,
		CPUs:      cfg.Docker.CPUs,
		PidsLimit: cfg.Docker.PidsLimit,
	})
	if err != nil {
		return nil, err
	}
	selector := sandbox.NewSelector(chain, cfg.AllowUnsandboxed)
	selector.OnWarning = func(msg string) {
		fmt.Fprintln(os.Stderr, "warning: "+msg)
	}

	tracer, err := tracing.Init(ctx, cfg.OTLPEndpoint)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
		tracer = nil
	}

	sessions := session.NewRegistry(cfg.StateDir, index)
	return &app{
		cfg:      cfg,
		index:    index,
		sessions: sessions,
		selector: selector,
		engine:   engine.New(cfg, sessions, selector),
		tracer:   tracer,
	}, nil
}

func (a *app) Close(ctx context.Context) {
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			slog.Warn("trace shutdown failed", "error", err)
		}
	}
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			slog.Warn("session index close failed", "error", err)
		}
	}
}

func (a *app) sessionKey() session.Key {
	return session.Key{AgentID: flagAgent, ConversationID: flagConversation}
}

func (a *app) timeout() time.Duration {
	if flagTimeout > 0 {
		return time.Duration(flagTimeout) * time.Second
	}
	return time.Duration(a.cfg.TimeoutSec) * time.Second
}

// report prints the result and maps it to the process exit code.
func report(res *engine.Result, streamed bool) error {
	if !streamed {
		fmt.Println(res.Output)
	}
	slog.Debug("execution finished",
		"backend", res.Backend, "exit_code", res.ExitCode,
		"timed_out", res.TimedOut, "duration", res.Duration)

	if res.TimedOut {
		return fmt.Errorf("execution timed out")
	}
	if !res.Success {
		return fmt.Errorf("execution failed")
	}
	return nil
}
