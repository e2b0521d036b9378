// Package config loads engine configuration from a JSON5 file with
// environment-variable overrides. Precedence: built-in defaults →
// config file → RUNBOX_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// DockerConfig tunes the container backend.
type DockerConfig struct {
	Image     string  `json:"image"`
	MemoryMB  int     `json:"memory_mb"`
	CPUs      float64 `json:"cpus"`
	PidsLimit int     `json:"pids_limit"`
}

// StreamConfig tunes the streaming execution path.
type StreamConfig struct {
	// EventPollMs is the fixed interval at which the secondary event
	// log is read. It is deliberately not driven by the primary output
	// stream; the two channels interleave best-effort.
	EventPollMs int `json:"event_poll_ms"`
}

// Config is the engine configuration.
type Config struct {
	// StateDir holds session workspaces and the session index.
	StateDir string `json:"state_dir"`

	// Backends is the fallback chain in priority order. Known names:
	// "bwrap", "docker", "direct".
	Backends []string `json:"backends"`

	// AllowUnsandboxed permits the direct host-execution fallback when
	// every isolating backend is unavailable. Production deployments
	// should set this to false, making backend exhaustion a hard error.
	AllowUnsandboxed bool `json:"allow_unsandboxed"`

	// TimeoutSec is the default per-call wall clock budget.
	TimeoutSec int `json:"timeout_sec"`

	// MaxOutputBytes caps captured stdout+stderr per call (0 = 1MB).
	MaxOutputBytes int `json:"max_output_bytes"`

	// HostRoot translates workspace paths to true-host paths for
	// bind-mount sources. Consulted only when the engine itself runs
	// inside a container, where the paths it sees are not the paths
	// the container daemon resolves.
	HostRoot string `json:"host_root"`

	// OTLPEndpoint enables trace export when non-empty.
	OTLPEndpoint string `json:"otlp_endpoint"`

	Docker DockerConfig `json:"docker"`
	Stream StreamConfig `json:"stream"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		StateDir:         filepath.Join(home, ".runbox"),
		Backends:         []string{"bwrap", "docker", "direct"},
		AllowUnsandboxed: true,
		TimeoutSec:       300,
		MaxOutputBytes:   1 << 20,
		Docker: DockerConfig{
			Image:     "runbox-sandbox:bookworm-slim",
			MemoryMB:  512,
			CPUs:      1.0,
			PidsLimit: 256,
		},
		Stream: StreamConfig{
			EventPollMs: 500,
		},
	}
}

// Load reads the config file at path (missing file is not an error)
// and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := json5.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// ApplyEnvOverrides applies RUNBOX_* environment variables on top of
// the loaded values. Env vars take highest precedence.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("RUNBOX_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv("RUNBOX_DOCKER_IMAGE"); v != "" {
		c.Docker.Image = v
	}
	if v := os.Getenv("RUNBOX_HOST_ROOT"); v != "" {
		c.HostRoot = v
	}
	if v := os.Getenv("RUNBOX_OTLP_ENDPOINT"); v != "" {
		c.OTLPEndpoint = v
	}
	if v := os.Getenv("RUNBOX_ALLOW_UNSANDBOXED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.AllowUnsandboxed = b
		}
	}
	if v := os.Getenv("RUNBOX_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.TimeoutSec = n
		}
	}
}

// RunningInContainer reports whether the engine itself is inside a
// container. HostRoot translation only applies in that case.
func RunningInContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	if _, err := os.Stat("/run/.containerenv"); err == nil {
		return true
	}
	return false
}

// EffectiveHostRoot returns the path-translation prefix to apply to
// bind-mount sources, or "" when no translation is needed.
func (c *Config) EffectiveHostRoot() string {
	if c.HostRoot != "" && RunningInContainer() {
		return c.HostRoot
	}
	return ""
}
