package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"os/exec"
)

// DockerOptions tunes the container backend.
type DockerOptions struct {
	Image     string
	MemoryMB  int
	CPUs      float64
	PidsLimit int
}

// DockerBackend runs each dispatch in a fresh throwaway container.
// Containers are never reused across calls; all persistent state lives
// in the workspace volume, so a crashed or pruned container loses
// nothing.
type DockerBackend struct {
	opts DockerOptions
}

func NewDockerBackend(opts DockerOptions) *DockerBackend {
	return &DockerBackend{opts: opts}
}

func (d *DockerBackend) Name() string { return "docker" }

func (d *DockerBackend) Trust() Trust { return TrustContainer }

func (d *DockerBackend) Supports(kind Kind) bool {
	return kind == KindCode || kind == KindShell
}

// Probe verifies that the Docker CLI and daemon are both reachable.
func (d *DockerBackend) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "info", "--format", "{{.ServerVersion}}").CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker not available: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// daemonExitCode is the docker CLI's own exit code, distinct from the
// containerized command's.
const daemonExitCode = 125

// daemonErrorSignatures mark a dispatch failure caused by the engine
// itself rather than by the sandboxed command. The CLI can outlive its
// daemon, so a passing probe does not rule these out mid-call.
var daemonErrorSignatures = []string{
	"Cannot connect to the Docker daemon",
	"error during connect",
	"Is the docker daemon running",
}

func (d *DockerBackend) Dispatch(ctx context.Context, bd *Boundary, stdout, stderr io.Writer) (int, error) {
	args := dockerArgs(d.opts, bd)

	tail := &errorTail{}
	exit, err := runCommand(ctx, stdout, io.MultiWriter(stderr, tail), "docker", args...)
	if err != nil {
		return exit, err
	}
	if exit == daemonExitCode && daemonUnavailable(tail.String()) {
		return exit, fmt.Errorf("%w: %s", ErrBackendUnavailable, strings.TrimSpace(tail.String()))
	}
	return exit, nil
}

func daemonUnavailable(stderr string) bool {
	for _, sig := range daemonErrorSignatures {
		if strings.Contains(stderr, sig) {
			return true
		}
	}
	return false
}

// errorTail keeps the leading bytes of stderr so daemon failures can
// be recognized after the fact. Writes always report full length; a
// short count would abort the surrounding MultiWriter.
type errorTail struct {
	buf bytes.Buffer
}

const errorTailMax = 4096

func (t *errorTail) Write(p []byte) (int, error) {
	if remaining := errorTailMax - t.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			t.buf.Write(p[:remaining])
		} else {
			t.buf.Write(p)
		}
	}
	return len(p), nil
}

func (t *errorTail) String() string { return t.buf.String() }

// dockerArgs translates a boundary into docker run argv. Only the
// workspace mount is passed through as a volume; the system read-only
// mounts come from the image itself.
func dockerArgs(opts DockerOptions, bd *Boundary) []string {
	args := []string{
		"run", "--rm",
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
	}

	if opts.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", opts.MemoryMB))
	}
	if opts.CPUs > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%.1f", opts.CPUs))
	}
	if opts.PidsLimit > 0 {
		args = append(args, "--pids-limit", fmt.Sprintf("%d", opts.PidsLimit))
	}

	if bd.UnshareNet {
		args = append(args, "--network", "none")
	}

	for _, m := range bd.Mounts {
		if m.Dest != Root {
			continue
		}
		args = append(args, "-v", fmt.Sprintf("%s:%s:%s", m.Source, m.Dest, m.Mode))
	}
	args = append(args, "-w", bd.Workdir)

	for _, k := range bd.envKeys() {
		args = append(args, "-e", k+"="+bd.Env[k])
	}

	args = append(args, opts.Image)
	args = append(args, bd.Command...)
	return args
}
