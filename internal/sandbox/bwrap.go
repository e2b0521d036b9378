package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// BwrapBackend sandboxes via bubblewrap's kernel namespaces. It needs
// no daemon and no image; the host's interpreter toolchain is exposed
// read-only and the workspace is the only writable path.
type BwrapBackend struct{}

func NewBwrapBackend() *BwrapBackend { return &BwrapBackend{} }

func (b *BwrapBackend) Name() string { return "bwrap" }

func (b *BwrapBackend) Trust() Trust { return TrustNamespace }

func (b *BwrapBackend) Supports(kind Kind) bool {
	return kind == KindCode || kind == KindShell
}

// Probe checks that the bwrap binary exists and answers.
func (b *BwrapBackend) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "bwrap", "--version").CombinedOutput()
	if err != nil {
		return fmt.Errorf("bwrap not available: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (b *BwrapBackend) Dispatch(ctx context.Context, bd *Boundary, stdout, stderr io.Writer) (int, error) {
	args := bwrapArgs(bd, os.Stat)
	return runCommand(ctx, stdout, stderr, "bwrap", args...)
}

// bwrapArgs translates a boundary into bubblewrap argv. stat is
// injectable so argv construction is testable without touching the
// host filesystem.
func bwrapArgs(bd *Boundary, stat func(string) (os.FileInfo, error)) []string {
	args := []string{
		"--die-with-parent",
		"--new-session",
		"--unshare-user",
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
	}

	if bd.UnsharePID {
		args = append(args, "--unshare-pid")
	}
	if bd.UnshareIPC {
		args = append(args, "--unshare-ipc")
	}
	if bd.UnshareUTS {
		args = append(args, "--unshare-uts")
	}
	if bd.UnshareNet {
		args = append(args, "--unshare-net")
	}

	for _, m := range bd.Mounts {
		if m.Optional {
			if _, err := stat(m.Source); err != nil {
				continue
			}
		}
		flag := "--bind"
		if m.Mode == ModeRO {
			flag = "--ro-bind"
		}
		args = append(args, flag, m.Source, m.Dest)
	}

	args = append(args, "--clearenv")
	for _, k := range bd.envKeys() {
		args = append(args, "--setenv", k, bd.Env[k])
	}

	args = append(args, "--chdir", bd.Workdir, "--")
	args = append(args, bd.Command...)
	return args
}
