package sandbox

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
)

// DirectBackend executes on the host with no isolation at all. It is
// the last link in the fallback chain and exists so a development
// machine without bwrap or Docker still works; every dispatch logs a
// warning naming the risk.
type DirectBackend struct{}

func NewDirectBackend() *DirectBackend { return &DirectBackend{} }

func (d *DirectBackend) Name() string { return "direct" }

func (d *DirectBackend) Trust() Trust { return TrustNone }

func (d *DirectBackend) Supports(kind Kind) bool {
	return kind == KindCode || kind == KindShell
}

// Probe always succeeds; running on the host needs nothing.
func (d *DirectBackend) Probe(ctx context.Context) error { return nil }

func (d *DirectBackend) Dispatch(ctx context.Context, bd *Boundary, stdout, stderr io.Writer) (int, error) {
	slog.Warn("executing UNSANDBOXED on the host; untrusted code has full user privileges",
		"workspace", bd.Workspace, "command", strings.Join(bd.Command, " "))

	// Sandbox-internal paths do not exist on the host; rewrite the
	// workspace root to the real workspace directory.
	cmd := make([]string, len(bd.Command))
	for i, a := range bd.Command {
		cmd[i] = rewriteToHost(a, bd.Workspace)
	}
	workdir := rewriteToHost(bd.Workdir, bd.Workspace)

	return runCommandDir(ctx, workdir, hostEnv(bd), stdout, stderr, cmd[0], cmd[1:]...)
}

// rewriteToHost maps a /workspace-rooted path onto the host workspace.
// Non-path arguments pass through untouched.
func rewriteToHost(arg, workspace string) string {
	if arg == Root {
		return workspace
	}
	if strings.HasPrefix(arg, Root+"/") {
		return filepath.Join(workspace, strings.TrimPrefix(arg, Root+"/"))
	}
	return arg
}

func hostEnv(bd *Boundary) []string {
	env := make([]string, 0, len(bd.Env))
	for _, k := range bd.envKeys() {
		v := bd.Env[k]
		// HOME and the Python state dirs must point at real paths.
		v = rewriteToHost(v, bd.Workspace)
		env = append(env, k+"="+v)
	}
	return env
}
