package sandbox

import (
	"fmt"
	"path"
	"sort"
)

// Mount modes.
const (
	ModeRO = "ro"
	ModeRW = "rw"
)

// Mount is a single bind mount inside the sandbox.
type Mount struct {
	Source string // host path
	Dest   string // sandbox path
	Mode   string // ModeRO or ModeRW
	// Optional mounts are skipped when the source does not exist on
	// the host instead of failing the dispatch.
	Optional bool
}

// Request describes one execution the engine wants to perform. It is
// backend-agnostic; BuildBoundary turns it into a Boundary.
type Request struct {
	Kind      Kind
	Command   []string // argv to run inside the sandbox
	Workspace string   // host path of the session workspace
	Workdir   string   // sandbox-internal working directory
	Env       map[string]string

	// Network opens outbound network access. Only the dependency
	// install phase sets this; user code always runs with the network
	// namespace unshared.
	Network bool
}

// Boundary is the full isolation descriptor for one dispatch: which
// host paths are visible, which namespaces are unshared, and the exact
// command and environment. It is a pure value with no handles, so it
// can be built fresh for every call and inspected in tests.
type Boundary struct {
	Kind      Kind
	Workspace string
	Workdir   string
	Command   []string

	Mounts []Mount
	Env    map[string]string

	UnsharePID bool
	UnshareIPC bool
	UnshareUTS bool
	UnshareNet bool
}

// systemMounts is the read-only host surface every sandbox sees.
// Entries that are distribution-dependent are optional.
var systemMounts = []Mount{
	{Source: "/usr", Dest: "/usr", Mode: ModeRO},
	{Source: "/bin", Dest: "/bin", Mode: ModeRO, Optional: true},
	{Source: "/sbin", Dest: "/sbin", Mode: ModeRO, Optional: true},
	{Source: "/lib", Dest: "/lib", Mode: ModeRO, Optional: true},
	{Source: "/lib64", Dest: "/lib64", Mode: ModeRO, Optional: true},
	{Source: "/etc/ssl", Dest: "/etc/ssl", Mode: ModeRO, Optional: true},
	{Source: "/etc/ca-certificates", Dest: "/etc/ca-certificates", Mode: ModeRO, Optional: true},
	{Source: "/etc/alternatives", Dest: "/etc/alternatives", Mode: ModeRO, Optional: true},
}

// BuildBoundary computes the isolation descriptor for a request.
// hostRoot, when non-empty, is prefixed onto the workspace mount
// source so a container daemon on the true host resolves the path the
// engine sees from inside its own container.
func BuildBoundary(req Request, hostRoot string) (*Boundary, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("boundary: empty command")
	}
	if req.Workspace == "" {
		return nil, fmt.Errorf("boundary: workspace is required")
	}

	workdir := req.Workdir
	if workdir == "" {
		workdir = Root
	}
	if !path.IsAbs(workdir) {
		return nil, fmt.Errorf("boundary: workdir %q is not absolute", workdir)
	}

	wsSource := req.Workspace
	if hostRoot != "" {
		wsSource = hostRoot + req.Workspace
	}

	mounts := make([]Mount, 0, len(systemMounts)+2)
	mounts = append(mounts, systemMounts...)
	if req.Network {
		mounts = append(mounts, Mount{Source: "/etc/resolv.conf", Dest: "/etc/resolv.conf", Mode: ModeRO, Optional: true})
	}
	// The workspace is the only writable host path.
	mounts = append(mounts, Mount{Source: wsSource, Dest: Root, Mode: ModeRW})

	env := map[string]string{
		"HOME":                          Root,
		"PATH":                          "/usr/local/bin:/usr/bin:/bin",
		"LANG":                          "C.UTF-8",
		"PYTHONUNBUFFERED":              "1",
		"PYTHONUSERBASE":                Root + "/.runbox/pyuser",
		"PIP_DISABLE_PIP_VERSION_CHECK": "1",
	}
	for k, v := range req.Env {
		env[k] = v
	}

	return &Boundary{
		Kind:       req.Kind,
		Workspace:  req.Workspace,
		Workdir:    workdir,
		Command:    append([]string(nil), req.Command...),
		Mounts:     mounts,
		Env:        env,
		UnsharePID: true,
		UnshareIPC: true,
		UnshareUTS: true,
		UnshareNet: !req.Network,
	}, nil
}

// envKeys returns the boundary's environment keys in sorted order so
// backend argv construction is deterministic.
func (b *Boundary) envKeys() []string {
	keys := make([]string, 0, len(b.Env))
	for k := range b.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
