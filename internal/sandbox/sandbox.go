// Package sandbox provides process isolation backends for running
// untrusted code. Backends are totally ordered by trust:
//
//   - bwrap: kernel-namespace sandbox via bubblewrap. No daemon,
//     strongest isolation, network is strictly on/off.
//   - docker: container engine. Needs a reachable daemon and a
//     prebuilt image; supports volume mounts and resource limits.
//   - direct: unsandboxed host execution. Last resort only; emits a
//     loud warning and should be disabled in production.
//
// A call must never fail solely because the preferred backend is
// absent when a lower-trust backend can still satisfy the request;
// the Selector probes the chain once per process and falls through on
// probe failure.
package sandbox

import (
	"context"
	"errors"
	"io"
)

// Root is the fixed path the session workspace is mounted at inside
// every sandbox, regardless of backend.
const Root = "/workspace"

// Kind is the execution mode of a request.
type Kind string

const (
	KindCode  Kind = "code"  // staged interpreter script
	KindShell Kind = "shell" // shell command line
)

// Trust ranks backends; higher is stronger isolation.
type Trust int

const (
	TrustNone      Trust = iota // direct host execution
	TrustContainer              // container engine
	TrustNamespace              // kernel namespace sandbox
)

func (t Trust) String() string {
	switch t {
	case TrustNamespace:
		return "namespace"
	case TrustContainer:
		return "container"
	case TrustNone:
		return "none"
	default:
		return "unknown"
	}
}

var (
	// ErrUnsupportedMode is returned when the selected backend cannot
	// express the requested execution kind.
	ErrUnsupportedMode = errors.New("backend does not support requested execution mode")

	// ErrNoBackend is returned when every backend in the chain is
	// unavailable and unsandboxed execution is disabled.
	ErrNoBackend = errors.New("no sandbox backend available")

	// ErrBackendUnavailable marks a dispatch failure caused by the
	// backend itself (daemon vanished, binary removed) rather than by
	// the sandboxed command. The engine retries such failures against
	// the next backend in the chain.
	ErrBackendUnavailable = errors.New("sandbox backend unavailable")
)

// Backend is a concrete isolation mechanism.
type Backend interface {
	Name() string
	Trust() Trust

	// Supports reports whether the backend can express the execution kind.
	Supports(kind Kind) bool

	// Probe checks that the backend is usable on this host. Probing is
	// idempotent and safe to repeat under races.
	Probe(ctx context.Context) error

	// Dispatch runs the boundary's command, streaming output to the
	// given writers, and returns the exit code. A non-zero exit is not
	// an error; errors wrapping ErrBackendUnavailable indicate the
	// backend itself failed.
	Dispatch(ctx context.Context, b *Boundary, stdout, stderr io.Writer) (int, error)
}
