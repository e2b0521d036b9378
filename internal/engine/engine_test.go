package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/runbox/internal/config"
	"github.com/nextlevelbuilder/runbox/internal/sandbox"
	"github.com/nextlevelbuilder/runbox/internal/session"
)

// fakeBackend is a scriptable backend recording every boundary it is
// dispatched with.
type fakeBackend struct {
	name     string
	trust    sandbox.Trust
	dispatch func(ctx context.Context, bd *sandbox.Boundary, stdout, stderr io.Writer) (int, error)

	mu         sync.Mutex
	boundaries []*sandbox.Boundary
}

func (f *fakeBackend) Name() string                    { return f.name }
func (f *fakeBackend) Trust() sandbox.Trust            { return f.trust }
func (f *fakeBackend) Supports(k sandbox.Kind) bool    { return true }
func (f *fakeBackend) Probe(ctx context.Context) error { return nil }

func (f *fakeBackend) Dispatch(ctx context.Context, bd *sandbox.Boundary, stdout, stderr io.Writer) (int, error) {
	f.mu.Lock()
	f.boundaries = append(f.boundaries, bd)
	f.mu.Unlock()
	if f.dispatch == nil {
		return 0, nil
	}
	return f.dispatch(ctx, bd, stdout, stderr)
}

func (f *fakeBackend) recorded() []*sandbox.Boundary {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*sandbox.Boundary(nil), f.boundaries...)
}

func newTestEngine(t *testing.T, backends ...sandbox.Backend) (*Engine, *session.Registry) {
	t.Helper()
	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	cfg.Stream.EventPollMs = 10
	reg := session.NewRegistry(cfg.StateDir, nil)
	sel := sandbox.NewSelector(backends, true)
	return New(cfg, reg, sel), reg
}

func testKey(name string) session.Key {
	return session.Key{AgentID: "agent", ConversationID: name}
}

func TestExecuteCode_Success(t *testing.T) {
	fb := &fakeBackend{name: "fake", trust: sandbox.TrustNamespace,
		dispatch: func(ctx context.Context, bd *sandbox.Boundary, stdout, stderr io.Writer) (int, error) {
			fmt.Fprintln(stdout, "total: 42")
			return 0, nil
		}}
	e, _ := newTestEngine(t, fb)

	res, err := e.ExecuteCode(context.Background(), testKey("ok"), "print(42)", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Errorf("expected success, got %+v", res)
	}
	if !strings.Contains(res.Output, "total: 42") {
		t.Errorf("output = %q", res.Output)
	}
	if res.Backend != "fake" {
		t.Errorf("backend = %q", res.Backend)
	}
}

func TestExecuteCode_StagedScriptCleanedUp(t *testing.T) {
	fb := &fakeBackend{name: "fake", trust: sandbox.TrustNamespace}
	e, reg := newTestEngine(t, fb)
	key := testKey("cleanup")

	if _, err := e.ExecuteCode(context.Background(), key, "print(1)", time.Minute); err != nil {
		t.Fatal(err)
	}

	sess, err := reg.GetOrCreate(key)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(filepath.Join(sess.Workspace(), session.StateDirName))
	if err != nil {
		t.Fatal(err)
	}
	for _, ent := range entries {
		if strings.HasPrefix(ent.Name(), "snippet-") {
			t.Errorf("staged script left behind: %s", ent.Name())
		}
	}
}

func TestExecuteCode_InstallHasNetworkRunDoesNot(t *testing.T) {
	fb := &fakeBackend{name: "fake", trust: sandbox.TrustNamespace}
	e, _ := newTestEngine(t, fb)

	code := "import requests\nprint(requests.__version__)"
	if _, err := e.ExecuteCode(context.Background(), testKey("net"), code, time.Minute); err != nil {
		t.Fatal(err)
	}

	bds := fb.recorded()
	if len(bds) != 2 {
		t.Fatalf("expected install + run dispatches, got %d", len(bds))
	}
	install, run := bds[0], bds[1]
	if install.UnshareNet {
		t.Error("install dispatch must have network access")
	}
	if !strings.Contains(strings.Join(install.Command, " "), "pip install --user --no-input requests") {
		t.Errorf("install command = %v", install.Command)
	}
	if !run.UnshareNet {
		t.Error("run dispatch must never have network access")
	}
}

func TestExecuteCode_FailedInstallStillRuns(t *testing.T) {
	fb := &fakeBackend{name: "fake", trust: sandbox.TrustNamespace,
		dispatch: func(ctx context.Context, bd *sandbox.Boundary, stdout, stderr io.Writer) (int, error) {
			if !bd.UnshareNet { // install phase
				fmt.Fprintln(stderr, "ERROR: no matching distribution")
				return 1, nil
			}
			fmt.Fprintln(stdout, "ran anyway")
			return 0, nil
		}}
	e, _ := newTestEngine(t, fb)

	res, err := e.ExecuteCode(context.Background(), testKey("badinstall"), "import nosuchpkg12345", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Output, "ran anyway") {
		t.Errorf("run phase must execute despite install failure, output = %q", res.Output)
	}
}

func TestExecuteCode_FailureGetsGuidance(t *testing.T) {
	fb := &fakeBackend{name: "fake", trust: sandbox.TrustNamespace,
		dispatch: func(ctx context.Context, bd *sandbox.Boundary, stdout, stderr io.Writer) (int, error) {
			fmt.Fprintln(stderr, "Traceback (most recent call last):")
			fmt.Fprintln(stderr, "KeyError: 'total'")
			return 1, nil
		}}
	e, _ := newTestEngine(t, fb)

	res, err := e.ExecuteCode(context.Background(), testKey("fail"), "x['total']", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Error("expected failure")
	}
	if !strings.Contains(res.Output, "Before retrying") {
		t.Error("failed run must carry remediation guidance")
	}
}

func TestExecuteCode_Timeout(t *testing.T) {
	fb := &fakeBackend{name: "fake", trust: sandbox.TrustNamespace,
		dispatch: func(ctx context.Context, bd *sandbox.Boundary, stdout, stderr io.Writer) (int, error) {
			<-ctx.Done()
			return -1, ctx.Err()
		}}
	e, reg := newTestEngine(t, fb)
	key := testKey("slow")

	res, err := e.ExecuteCode(context.Background(), key, "while True: pass", 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if !res.TimedOut || res.Success {
		t.Errorf("expected timed-out failure, got %+v", res)
	}
	if !strings.Contains(res.Output, "timed out") {
		t.Errorf("output should note the timeout, got %q", res.Output)
	}

	// Timeout must not leak the staged script.
	sess, _ := reg.GetOrCreate(key)
	entries, _ := os.ReadDir(filepath.Join(sess.Workspace(), session.StateDirName))
	for _, ent := range entries {
		if strings.HasPrefix(ent.Name(), "snippet-") {
			t.Errorf("staged script left behind after timeout: %s", ent.Name())
		}
	}
}

func TestExecuteCode_RetriesNextBackendOnBackendFailure(t *testing.T) {
	dead := &fakeBackend{name: "dead", trust: sandbox.TrustNamespace,
		dispatch: func(ctx context.Context, bd *sandbox.Boundary, stdout, stderr io.Writer) (int, error) {
			return -1, fmt.Errorf("%w: daemon vanished", sandbox.ErrBackendUnavailable)
		}}
	alive := &fakeBackend{name: "alive", trust: sandbox.TrustContainer,
		dispatch: func(ctx context.Context, bd *sandbox.Boundary, stdout, stderr io.Writer) (int, error) {
			fmt.Fprintln(stdout, "recovered")
			return 0, nil
		}}
	e, _ := newTestEngine(t, dead, alive)

	res, err := e.ExecuteCode(context.Background(), testKey("retry"), "print(1)", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if res.Backend != "alive" {
		t.Errorf("backend = %q, want alive", res.Backend)
	}
	if !strings.Contains(res.Output, "recovered") {
		t.Errorf("output = %q", res.Output)
	}
}

func TestExecuteCode_NoBackendIsError(t *testing.T) {
	dead := &fakeBackend{name: "dead", trust: sandbox.TrustNamespace,
		dispatch: func(ctx context.Context, bd *sandbox.Boundary, stdout, stderr io.Writer) (int, error) {
			return -1, fmt.Errorf("%w: gone", sandbox.ErrBackendUnavailable)
		}}
	e, _ := newTestEngine(t, dead)

	_, err := e.ExecuteCode(context.Background(), testKey("nobackend"), "print(1)", time.Minute)
	if !errors.Is(err, sandbox.ErrBackendUnavailable) {
		t.Errorf("err = %v, want ErrBackendUnavailable", err)
	}
}

func TestExecuteShell_CdPersists(t *testing.T) {
	fb := &fakeBackend{name: "fake", trust: sandbox.TrustNamespace,
		dispatch: func(ctx context.Context, bd *sandbox.Boundary, stdout, stderr io.Writer) (int, error) {
			// Emulate the shell wrapper's marker write against the
			// workspace the boundary exposes at /workspace.
			dir := filepath.Join(bd.Workspace, session.StateDirName)
			if err := os.WriteFile(filepath.Join(dir, "cwd"), []byte("/workspace/proj\n"), 0o600); err != nil {
				return -1, err
			}
			return 0, nil
		}}
	e, reg := newTestEngine(t, fb)
	key := testKey("cd")

	if _, err := e.ExecuteShell(context.Background(), key, "mkdir proj && cd proj", time.Minute); err != nil {
		t.Fatal(err)
	}

	sess, _ := reg.GetOrCreate(key)
	if sess.Cwd() != "/workspace/proj" {
		t.Errorf("cwd = %q, want /workspace/proj", sess.Cwd())
	}

	// The marker is per-call scratch and must not survive.
	if _, err := os.Stat(filepath.Join(sess.Workspace(), session.StateDirName, "cwd")); !os.IsNotExist(err) {
		t.Error("cwd marker must be removed after the call")
	}

	// Next call dispatches from the updated directory.
	if _, err := e.ExecuteShell(context.Background(), key, "pwd", time.Minute); err != nil {
		t.Fatal(err)
	}
	bds := fb.recorded()
	if got := bds[len(bds)-1].Workdir; got != "/workspace/proj" {
		t.Errorf("second call workdir = %q, want /workspace/proj", got)
	}
}

func TestExecuteShell_WrapperPreservesExitStatus(t *testing.T) {
	fb := &fakeBackend{name: "fake", trust: sandbox.TrustNamespace}
	e, _ := newTestEngine(t, fb)

	if _, err := e.ExecuteShell(context.Background(), testKey("wrap"), "false", time.Minute); err != nil {
		t.Fatal(err)
	}

	script := fb.recorded()[0].Command[2]
	if !strings.Contains(script, "status=$?") || !strings.Contains(script, "exit $status") {
		t.Errorf("wrapper must preserve the user command's exit status:\n%s", script)
	}
	if !strings.Contains(script, `pwd > "$RUNBOX_STATE/cwd"`) {
		t.Errorf("wrapper must record the final working directory:\n%s", script)
	}
}

func TestExecuteCode_FenceStripping(t *testing.T) {
	fb := &fakeBackend{name: "fake", trust: sandbox.TrustNamespace}
	e, reg := newTestEngine(t, fb)
	key := testKey("fence")

	var staged string
	fb.dispatch = func(ctx context.Context, bd *sandbox.Boundary, stdout, stderr io.Writer) (int, error) {
		name := filepath.Base(bd.Command[len(bd.Command)-1])
		sess, _ := reg.GetOrCreate(key)
		data, err := os.ReadFile(filepath.Join(sess.Workspace(), session.StateDirName, name))
		if err != nil {
			return -1, err
		}
		staged = string(data)
		return 0, nil
	}

	input := "Here is the code:\n```python\nprint('hi')\n```\nHope it helps!"
	if _, err := e.ExecuteCode(context.Background(), key, input, time.Minute); err != nil {
		t.Fatal(err)
	}
	if staged != "print('hi')" {
		t.Errorf("staged snippet = %q, want fences and prose stripped", staged)
	}
}
