package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Selector walks a backend chain in priority order, probing each
// backend at most once per process, and hands out the first usable
// one. A failed probe drops the backend to unusable for the life of
// the process; a dispatch-time ErrBackendUnavailable is retried by
// the engine via Reselect.
type Selector struct {
	chain            []Backend
	allowUnsandboxed bool

	// OnWarning receives a human-readable note when the selector has
	// to degrade below the preferred backend. Optional.
	OnWarning func(msg string)

	mu     sync.Mutex
	probed map[string]error // name -> probe result, nil means usable
}

// NewSelector builds a selector over chain. When allowUnsandboxed is
// false any TrustNone backend in the chain is skipped, making backend
// exhaustion a hard ErrNoBackend.
func NewSelector(chain []Backend, allowUnsandboxed bool) *Selector {
	return &Selector{
		chain:            chain,
		allowUnsandboxed: allowUnsandboxed,
		probed:           make(map[string]error),
	}
}

// Select returns the highest-priority usable backend for kind.
func (s *Selector) Select(ctx context.Context, kind Kind) (Backend, error) {
	return s.selectExcluding(ctx, kind, nil)
}

// Reselect returns the next usable backend after skipping the named
// ones. The engine calls this when a previously selected backend
// fails mid-dispatch.
func (s *Selector) Reselect(ctx context.Context, kind Kind, exclude ...string) (Backend, error) {
	skip := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		skip[name] = true
	}
	return s.selectExcluding(ctx, kind, skip)
}

func (s *Selector) selectExcluding(ctx context.Context, kind Kind, skip map[string]bool) (Backend, error) {
	degraded := false
	for _, b := range s.chain {
		if skip[b.Name()] {
			degraded = true
			continue
		}
		if !b.Supports(kind) {
			continue
		}
		if b.Trust() == TrustNone && !s.allowUnsandboxed {
			slog.Debug("unsandboxed backend disabled by configuration", "backend", b.Name())
			continue
		}

		if err := s.probe(ctx, b); err != nil {
			slog.Info("sandbox backend unavailable, falling through", "backend", b.Name(), "error", err)
			degraded = true
			continue
		}

		if degraded && s.OnWarning != nil {
			s.OnWarning(fmt.Sprintf("preferred sandbox unavailable, using %s backend (%s isolation)", b.Name(), b.Trust()))
		}
		if b.Trust() == TrustNone {
			slog.Warn("selected unsandboxed execution backend", "backend", b.Name())
		}
		return b, nil
	}
	return nil, ErrNoBackend
}

// probe runs the backend's probe once and caches the verdict.
func (s *Selector) probe(ctx context.Context, b Backend) error {
	s.mu.Lock()
	if err, ok := s.probed[b.Name()]; ok {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	err := b.Probe(ctx)

	s.mu.Lock()
	s.probed[b.Name()] = err
	s.mu.Unlock()
	return err
}

// Probes reports the cached probe verdict per configured backend,
// probing any backend not yet probed. Used by the doctor command.
func (s *Selector) Probes(ctx context.Context) map[string]error {
	out := make(map[string]error, len(s.chain))
	for _, b := range s.chain {
		out[b.Name()] = s.probe(ctx, b)
	}
	return out
}

// Chain returns the configured backends in priority order.
func (s *Selector) Chain() []Backend { return s.chain }

// BuildChain maps configured backend names onto constructed backends.
// Unknown names are an error so a config typo fails fast instead of
// silently shrinking the chain.
func BuildChain(names []string, docker DockerOptions) ([]Backend, error) {
	chain := make([]Backend, 0, len(names))
	for _, name := range names {
		switch name {
		case "bwrap":
			chain = append(chain, NewBwrapBackend())
		case "docker":
			chain = append(chain, NewDockerBackend(docker))
		case "direct":
			chain = append(chain, NewDirectBackend())
		default:
			return nil, fmt.Errorf("unknown sandbox backend %q", name)
		}
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("empty sandbox backend chain")
	}
	return chain, nil
}
