// Package engine orchestrates one sandboxed execution: stage the
// snippet into the session workspace, install inferred dependencies
// with the network open, run the code with the network closed, then
// classify the captured output. Install and run always share the same
// workspace and backend, so packages installed in the first phase are
// importable in the second.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/runbox/internal/classify"
	"github.com/nextlevelbuilder/runbox/internal/config"
	"github.com/nextlevelbuilder/runbox/internal/deps"
	"github.com/nextlevelbuilder/runbox/internal/sandbox"
	"github.com/nextlevelbuilder/runbox/internal/session"
	"github.com/nextlevelbuilder/runbox/internal/transcript"
)

// cwdMarker is the workspace-relative file the shell wrapper writes
// its final working directory into.
const cwdMarker = "cwd"

// eventLog is the workspace-relative secondary event log polled in
// streaming mode.
const eventLog = "events.jsonl"

// Result is the outcome of one execution.
type Result struct {
	Success   bool
	Output    string
	ExitCode  int
	TimedOut  bool
	Truncated bool
	Backend   string
	Matched   string // error signature that failed the run, if any
	Duration  time.Duration
}

// Sink receives incremental output during a streaming execution.
// Line carries the primary stdout/stderr channel; Event carries
// classified lines from the secondary event log. The two channels
// interleave best-effort.
type Sink interface {
	Line(line string)
	Event(ev transcript.Event)
}

// Engine executes untrusted snippets against the backend chain.
type Engine struct {
	cfg      *config.Config
	sessions *session.Registry
	selector *sandbox.Selector
	tracer   trace.Tracer
}

func New(cfg *config.Config, sessions *session.Registry, selector *sandbox.Selector) *Engine {
	return &Engine{
		cfg:      cfg,
		sessions: sessions,
		selector: selector,
		tracer:   otel.Tracer("runbox/engine"),
	}
}

// callSpec is one fully prepared execution.
type callSpec struct {
	kind     sandbox.Kind
	command  []string
	installs []deps.Directive
	timeout  time.Duration
	sink     Sink
}

// ExecuteCode stages code as a Python script in the session workspace
// and runs it. Markdown code fences are stripped first; dependencies
// inferred from the code are installed before the run.
func (e *Engine) ExecuteCode(ctx context.Context, key session.Key, code string, timeout time.Duration) (*Result, error) {
	return e.executeCode(ctx, key, code, timeout, nil)
}

// ExecuteCodeStream is ExecuteCode with incremental delivery to sink.
func (e *Engine) ExecuteCodeStream(ctx context.Context, key session.Key, code string, timeout time.Duration, sink Sink) (*Result, error) {
	return e.executeCode(ctx, key, code, timeout, sink)
}

func (e *Engine) executeCode(ctx context.Context, key session.Key, code string, timeout time.Duration, sink Sink) (*Result, error) {
	code = stripFences(code)

	sess, err := e.sessions.GetOrCreate(key)
	if err != nil {
		return nil, err
	}
	stateDir, err := sess.StateDir()
	if err != nil {
		return nil, err
	}

	name := "snippet-" + uuid.NewString()[:8] + ".py"
	staged := filepath.Join(stateDir, name)
	if err := os.WriteFile(staged, []byte(code), 0o700); err != nil {
		return nil, fmt.Errorf("stage snippet: %w", err)
	}
	defer os.Remove(staged)

	return e.execute(ctx, sess, callSpec{
		kind:     sandbox.KindCode,
		command:  []string{"python3", path.Join(sandbox.Root, session.StateDirName, name)},
		installs: deps.Resolve(code),
		timeout:  timeout,
		sink:     sink,
	})
}

// ExecuteShell runs a shell command line in the session workspace. A
// `cd` inside the command persists: the wrapper records the final
// working directory in a marker file the engine reads back into the
// session afterwards.
func (e *Engine) ExecuteShell(ctx context.Context, key session.Key, command string, timeout time.Duration) (*Result, error) {
	return e.executeShell(ctx, key, command, timeout, nil)
}

// ExecuteShellStream is ExecuteShell with incremental delivery to sink.
func (e *Engine) ExecuteShellStream(ctx context.Context, key session.Key, command string, timeout time.Duration, sink Sink) (*Result, error) {
	return e.executeShell(ctx, key, command, timeout, sink)
}

func (e *Engine) executeShell(ctx context.Context, key session.Key, command string, timeout time.Duration, sink Sink) (*Result, error) {
	sess, err := e.sessions.GetOrCreate(key)
	if err != nil {
		return nil, err
	}
	if _, err := sess.StateDir(); err != nil {
		return nil, err
	}

	// The exit status of the user command must survive the marker
	// write, and a command that calls exit simply skips the marker.
	wrapped := command + "\nstatus=$?\npwd > \"$RUNBOX_STATE/" + cwdMarker + "\"\nexit $status"

	res, err := e.execute(ctx, sess, callSpec{
		kind:    sandbox.KindShell,
		command: []string{"sh", "-c", wrapped},
		timeout: timeout,
		sink:    sink,
	})
	if err != nil {
		return nil, err
	}

	e.applyCwdMarker(sess)
	return res, nil
}

// applyCwdMarker reads the working-directory marker left by the shell
// wrapper, updates the session, and removes the marker. A missing
// marker (timeout, explicit exit) leaves the session cwd untouched.
func (e *Engine) applyCwdMarker(sess *session.Session) {
	marker := filepath.Join(sess.Workspace(), session.StateDirName, cwdMarker)
	data, err := os.ReadFile(marker)
	if err != nil {
		return
	}
	defer os.Remove(marker)

	cwd := strings.TrimSpace(string(data))
	if cwd == "" {
		return
	}
	// The direct backend reports a host path; map it back onto the
	// sandbox view before storing.
	if strings.HasPrefix(cwd, sess.Workspace()) {
		cwd = sandbox.Root + strings.TrimPrefix(cwd, sess.Workspace())
	}
	if err := sess.UpdateCwd(cwd); err != nil {
		slog.Warn("failed to persist working directory", "session", sess.Key().String(), "error", err)
	}
}

// execute runs the full install-then-run pipeline, retrying once
// against the next backend when the selected backend itself fails.
func (e *Engine) execute(ctx context.Context, sess *session.Session, spec callSpec) (*Result, error) {
	timeout := spec.timeout
	if timeout <= 0 {
		timeout = time.Duration(e.cfg.TimeoutSec) * time.Second
	}

	ctx, span := e.tracer.Start(ctx, "engine.run", trace.WithAttributes(
		attribute.String("session", sess.Key().String()),
		attribute.String("kind", string(spec.kind)),
	))
	defer span.End()

	backend, err := e.selector.Select(ctx, spec.kind)
	if err != nil {
		return nil, err
	}

	res, err := e.attempt(ctx, backend, sess, spec, timeout)
	if err != nil && errors.Is(err, sandbox.ErrBackendUnavailable) {
		slog.Warn("backend failed mid-call, retrying on next backend",
			"backend", backend.Name(), "error", err)
		next, selErr := e.selector.Reselect(ctx, spec.kind, backend.Name())
		if selErr != nil {
			return nil, err
		}
		res, err = e.attempt(ctx, next, sess, spec, timeout)
		backend = next
	}
	if err != nil {
		return nil, err
	}

	sess.BindBackend(backend.Name())
	e.sessions.Touch(sess)

	span.SetAttributes(
		attribute.String("backend", res.Backend),
		attribute.Int("exit_code", res.ExitCode),
		attribute.Bool("timed_out", res.TimedOut),
		attribute.Bool("success", res.Success),
	)
	return res, nil
}

// attempt performs install and run phases on one backend. The timeout
// is a single wall-clock budget covering both phases.
func (e *Engine) attempt(ctx context.Context, backend sandbox.Backend, sess *session.Session, spec callSpec, timeout time.Duration) (*Result, error) {
	if !backend.Supports(spec.kind) {
		return nil, sandbox.ErrUnsupportedMode
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()

	if err := e.installPhase(ctx, backend, sess, spec.installs); err != nil {
		return nil, err
	}

	out := newCappedBuffer(e.cfg.MaxOutputBytes)
	var w io.Writer = out
	var lw *lineWriter
	if spec.sink != nil {
		lw = newLineWriter(spec.sink.Line)
		w = io.MultiWriter(out, lw)
	}

	bd, err := sandbox.BuildBoundary(sandbox.Request{
		Kind:      spec.kind,
		Command:   spec.command,
		Workspace: sess.Workspace(),
		Workdir:   sess.Cwd(),
		Env:       map[string]string{"RUNBOX_STATE": path.Join(sandbox.Root, session.StateDirName)},
	}, e.cfg.EffectiveHostRoot())
	if err != nil {
		return nil, err
	}

	dctx, dspan := e.tracer.Start(ctx, "backend.dispatch", trace.WithAttributes(
		attribute.String("backend", backend.Name()),
	))

	var exit int
	if spec.sink != nil {
		exit, err = e.dispatchStreaming(dctx, backend, bd, w, sess, spec.sink)
	} else {
		exit, err = backend.Dispatch(dctx, bd, w, w)
	}
	dspan.End()

	if lw != nil {
		lw.Flush()
	}

	duration := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &Result{
				Success:   false,
				TimedOut:  true,
				ExitCode:  -1,
				Output:    out.String() + fmt.Sprintf("\nExecution timed out after %s.", timeout),
				Truncated: out.Truncated(),
				Backend:   backend.Name(),
				Duration:  duration,
			}, nil
		}
		return nil, err
	}

	output := out.String()
	if out.Truncated() {
		output += truncationMarker
	}
	verdict := classify.Classify(exit, output)

	return &Result{
		Success:   verdict.Success,
		Output:    verdict.Output,
		ExitCode:  exit,
		Truncated: out.Truncated(),
		Backend:   backend.Name(),
		Matched:   verdict.Matched,
		Duration:  duration,
	}, nil
}

// installPhase runs each install directive with the network open.
// Install failures are logged and skipped: the run phase surfaces a
// real ImportError if the package truly was needed, and guessing wrong
// about an import must not block execution.
func (e *Engine) installPhase(ctx context.Context, backend sandbox.Backend, sess *session.Session, installs []deps.Directive) error {
	if len(installs) == 0 {
		return nil
	}

	ctx, span := e.tracer.Start(ctx, "engine.install", trace.WithAttributes(
		attribute.Int("directives", len(installs)),
	))
	defer span.End()

	for _, d := range installs {
		bd, err := sandbox.BuildBoundary(sandbox.Request{
			Kind:      sandbox.KindShell,
			Command:   pipCommand(d.Args),
			Workspace: sess.Workspace(),
			Network:   true,
		}, e.cfg.EffectiveHostRoot())
		if err != nil {
			return err
		}

		out := newCappedBuffer(e.cfg.MaxOutputBytes)
		exit, err := backend.Dispatch(ctx, bd, out, out)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				// Out of budget; let the run phase report the miss.
				slog.Warn("dependency install ran out of time", "directive", d.String())
				return nil
			}
			return err
		}
		if exit != 0 {
			slog.Warn("dependency install failed, continuing",
				"directive", d.String(), "exit_code", exit,
				"output", tail(out.String(), 400))
			continue
		}
		slog.Info("dependency installed", "directive", d.String())
	}
	return nil
}

// pipCommand normalizes a pip directive into interpreter-module form
// with a user-level install target, which PYTHONUSERBASE redirects
// into the workspace.
func pipCommand(args []string) []string {
	cmd := []string{"python3", "-m", "pip"}
	rest := args
	if len(rest) > 0 && (rest[0] == "pip" || rest[0] == "pip3") {
		rest = rest[1:]
	}
	cmd = append(cmd, rest...)

	for _, a := range cmd {
		if a == "--user" {
			return cmd
		}
	}
	// Insert --user right after the install verb.
	out := make([]string, 0, len(cmd)+1)
	for _, a := range cmd {
		out = append(out, a)
		if a == "install" {
			out = append(out, "--user")
		}
	}
	return out
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
