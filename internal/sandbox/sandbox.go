// Package sandbox defines the Runtime capability interface that isolates a
// session's project files and processes, plus the errors and helpers shared
// by every runtime variant.
package sandbox

import (
	"context"
	"time"
)

// Defaults shared by runtime variants.
const (
	DefaultWorkdir       = "/workspace"
	DefaultPort          = 3000
	DefaultMemoryMB      = 2048
	DefaultCPUs          = 2
	DefaultExposeTimeout = 30 * time.Second
)

// ResourceHints describes the environment a session asks for. Runtimes treat
// every field as a hint and fall back to their own defaults for zero values.
type ResourceHints struct {
	SessionID string
	Image     string
	MemoryMB  int
	CPUs      int
	// Port is the port the project's start command is expected to bind.
	Port int
	Env  []string
}

// Handle is an opaque reference to one provisioned environment. It is owned
// by exactly one session and never shared.
type Handle struct {
	// ID identifies the environment to its runtime: a container ID, pod name
	// or directory URL.
	ID        string
	SessionID string
	// Workdir is the directory project files are materialized under.
	Workdir string
	// Port is the port the start command binds inside the environment.
	Port    int
	Created time.Time
}

// Process describes a command spawned by Run.
type Process struct {
	ID        string
	Command   string
	PID       int
	StartedAt time.Time
}

// Health is the outcome of a liveness probe.
type Health int

const (
	HealthUnknown Health = iota
	HealthAlive
	HealthDead
)

func (h Health) String() string {
	switch h {
	case HealthAlive:
		return "alive"
	case HealthDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Runtime manages sandbox lifecycle for one isolation backend.
type Runtime interface {
	// Name is the backend identifier used in configuration.
	Name() string

	// Provision allocates a fresh isolated environment. Failures are
	// *ProvisionError.
	Provision(ctx context.Context, hints ResourceHints) (*Handle, error)

	// WriteFile writes data to path, relative to the handle's workdir,
	// creating parent directories. Failures are *IOError.
	WriteFile(ctx context.Context, h *Handle, path string, data []byte) error

	// DeleteFile removes path, and everything beneath it when path is a
	// directory. Deleting a missing path is not an error.
	DeleteFile(ctx context.Context, h *Handle, path string) error

	// Run spawns command in the workdir and returns as soon as it started.
	// Failures are *RunError.
	Run(ctx context.Context, h *Handle, command string) (*Process, error)

	// ExposePort waits until port accepts connections and returns a URL
	// that reaches it. Failures are *ExposeError.
	ExposePort(ctx context.Context, h *Handle, port int) (string, error)

	// Terminate stops the environment and releases its resources. It is
	// idempotent.
	Terminate(ctx context.Context, h *Handle) error

	// HealthCheck probes liveness without blocking past ctx.
	HealthCheck(ctx context.Context, h *Handle) Health
}

// ScriptFlagStripper is implemented by runtimes that cannot run some
// package.json script flags. The materializer removes them before writing.
type ScriptFlagStripper interface {
	UnsupportedScriptFlags() []string
}

// UnsupportedScriptFlags returns the flags rt declares unsupported, if any.
func UnsupportedScriptFlags(rt Runtime) []string {
	if s, ok := rt.(ScriptFlagStripper); ok {
		return s.UnsupportedScriptFlags()
	}
	return nil
}
