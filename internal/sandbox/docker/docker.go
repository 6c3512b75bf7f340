// Package docker implements sandbox.Runtime using Docker containers driven
// through the docker CLI.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/jxucoder/remoterunner/internal/sandbox"
)

// Name is the backend identifier.
const Name = "docker"

// DefaultImage runs Node-based dev servers.
const DefaultImage = "node:22-bookworm-slim"

// Config configures container creation.
type Config struct {
	// Binary overrides docker binary discovery.
	Binary  string
	Image   string
	Network string
	Workdir string

	// Resource limits; zero falls back to the sandbox defaults.
	MemoryMB int
	CPUs     int

	ExposeTimeout time.Duration
	StripFlags    []string
}

// Runtime implements sandbox.Runtime using Docker.
type Runtime struct {
	dockerBin string
	cfg       Config
}

// New creates a new Docker sandbox runtime.
func New(cfg Config) *Runtime {
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.Workdir == "" {
		cfg.Workdir = sandbox.DefaultWorkdir
	}
	if cfg.ExposeTimeout <= 0 {
		cfg.ExposeTimeout = sandbox.DefaultExposeTimeout
	}
	bin := cfg.Binary
	if bin == "" {
		bin = findDocker()
	}
	return &Runtime{dockerBin: bin, cfg: cfg}
}

// findDocker locates the docker binary, checking PATH first and then
// well-known install locations (Docker Desktop on macOS, Homebrew, etc.).
func findDocker() string {
	if p, err := exec.LookPath("docker"); err == nil {
		return p
	}
	candidates := []string{
		"/Applications/Docker.app/Contents/Resources/bin/docker",
		"/usr/local/bin/docker",
		"/opt/homebrew/bin/docker",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return "docker"
}

func (r *Runtime) docker(ctx context.Context, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, r.dockerBin, args...)
}

func (r *Runtime) Name() string { return Name }

// UnsupportedScriptFlags implements sandbox.ScriptFlagStripper.
func (r *Runtime) UnsupportedScriptFlags() []string { return r.cfg.StripFlags }

// Probe checks that the docker daemon answers.
func (r *Runtime) Probe(ctx context.Context) sandbox.ProbeResult {
	out, err := r.docker(ctx, "version", "--format", "{{.Server.Version}}").CombinedOutput()
	if err != nil {
		return sandbox.ProbeResult{
			Reason:   strings.TrimSpace(fmt.Sprintf("%v: %s", err, out)),
			FixHints: []string{"install Docker and start the daemon", "set RUNNER_BACKEND=memory to run without containers"},
		}
	}
	return sandbox.ProbeResult{Available: true}
}

// Provision creates and starts a container that idles until commands are
// exec'd into it. The project port is published on a random loopback port.
func (r *Runtime) Provision(ctx context.Context, hints sandbox.ResourceHints) (*sandbox.Handle, error) {
	sid := hints.SessionID
	if sid == "" {
		sid = uuid.NewString()
	}
	image := hints.Image
	if image == "" {
		image = r.cfg.Image
	}
	port := hints.Port
	if port <= 0 {
		port = sandbox.DefaultPort
	}

	if r.cfg.Network != "" {
		if err := r.EnsureNetwork(ctx, r.cfg.Network); err != nil {
			return nil, sandbox.ProvisionFailed(err)
		}
	}

	args := []string{
		"run", "-d",
		"--name", fmt.Sprintf("remoterunner-%s-%s", sid, uuid.NewString()[:8]),
		"--label", "remoterunner.session=" + sid,
	}
	if r.cfg.Network != "" {
		args = append(args, "--network", r.cfg.Network)
	}

	// Resource limits to prevent runaway containers.
	memMB := firstPositive(hints.MemoryMB, r.cfg.MemoryMB, sandbox.DefaultMemoryMB)
	cpus := firstPositive(hints.CPUs, r.cfg.CPUs, sandbox.DefaultCPUs)
	args = append(args,
		"--memory", fmt.Sprintf("%dm", memMB),
		"--cpus", strconv.Itoa(cpus),
		"--pids-limit", "512",
	)

	env := append([]string{"REMOTERUNNER_SESSION_ID=" + sid, "PORT=" + strconv.Itoa(port)}, hints.Env...)
	for _, e := range env {
		args = append(args, "-e", e)
	}
	args = append(args,
		"-w", r.cfg.Workdir,
		"-p", fmt.Sprintf("127.0.0.1::%d", port),
		"--entrypoint", "sleep", image, "infinity",
	)

	output, err := r.docker(ctx, args...).CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return nil, sandbox.ProvisionFailed(ctx.Err())
		}
		return nil, sandbox.ProvisionFailed(fmt.Errorf("starting container: %w\noutput: %s", err, string(output)))
	}

	return &sandbox.Handle{
		ID:        strings.TrimSpace(string(output)),
		SessionID: sid,
		Workdir:   r.cfg.Workdir,
		Port:      port,
		Created:   time.Now(),
	}, nil
}

// EnsureNetwork creates the Docker network if it doesn't exist.
func (r *Runtime) EnsureNetwork(ctx context.Context, name string) error {
	if r.docker(ctx, "network", "inspect", name).Run() == nil {
		return nil
	}
	cmd := r.docker(ctx, "network", "create", name)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("creating network %q: %w\noutput: %s", name, err, string(output))
	}
	return nil
}

// writeScript creates parent directories and streams stdin into "$1".
const writeScript = `mkdir -p "$(dirname "$1")" && cat > "$1"`

func (r *Runtime) WriteFile(ctx context.Context, h *sandbox.Handle, path string, data []byte) error {
	cmd := r.docker(ctx, "exec", "-i", "-w", h.Workdir, h.ID, "sh", "-c", writeScript, "sh", path)
	cmd.Stdin = bytes.NewReader(data)
	if output, err := cmd.CombinedOutput(); err != nil {
		return &sandbox.IOError{Op: "write", Path: path, Err: fmt.Errorf("%w\noutput: %s", err, string(output))}
	}
	return nil
}

func (r *Runtime) DeleteFile(ctx context.Context, h *sandbox.Handle, path string) error {
	cmd := r.docker(ctx, "exec", "-w", h.Workdir, h.ID, "rm", "-rf", "--", path)
	if output, err := cmd.CombinedOutput(); err != nil {
		return &sandbox.IOError{Op: "delete", Path: path, Err: fmt.Errorf("%w\noutput: %s", err, string(output))}
	}
	return nil
}

// Run starts command detached inside the container.
func (r *Runtime) Run(ctx context.Context, h *sandbox.Handle, command string) (*sandbox.Process, error) {
	if strings.TrimSpace(command) == "" {
		return nil, &sandbox.RunError{Command: command, Err: errors.New("empty command")}
	}
	cmd := r.docker(ctx, "exec", "-d",
		"-w", h.Workdir,
		"-e", "PORT="+strconv.Itoa(h.Port),
		h.ID, "sh", "-c", command)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, &sandbox.RunError{Command: command, Err: fmt.Errorf("%w\noutput: %s", err, string(output))}
	}
	return &sandbox.Process{ID: uuid.NewString(), Command: command, StartedAt: time.Now()}, nil
}

// ExposePort resolves the published host port and waits until the dev
// server behind it answers HTTP.
func (r *Runtime) ExposePort(ctx context.Context, h *sandbox.Handle, port int) (string, error) {
	return sandbox.WaitReachable(ctx, port, r.cfg.ExposeTimeout, func(ctx context.Context) (string, error) {
		hostPort, err := r.hostPort(ctx, h, port)
		if err != nil {
			if !r.IsRunning(ctx, h.ID) {
				return "", backoff.Permanent(fmt.Errorf("container %s is not running", h.ID))
			}
			return "", err
		}
		return sandbox.HTTPProbe(nil, "http://"+hostPort)(ctx)
	})
}

// hostPort returns the loopback address docker published port on.
func (r *Runtime) hostPort(ctx context.Context, h *sandbox.Handle, port int) (string, error) {
	output, err := r.docker(ctx, "port", h.ID, fmt.Sprintf("%d/tcp", port)).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("docker port: %w\noutput: %s", err, string(output))
	}
	// One mapping per line, IPv4 first: "127.0.0.1:49153".
	line, _, _ := strings.Cut(strings.TrimSpace(string(output)), "\n")
	host, p, err := net.SplitHostPort(strings.TrimSpace(line))
	if err != nil {
		return "", fmt.Errorf("parsing port mapping %q: %w", line, err)
	}
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, p), nil
}

// Terminate kills and removes the container. Removing a container that no
// longer exists is not an error.
func (r *Runtime) Terminate(ctx context.Context, h *sandbox.Handle) error {
	// Kill the container (ignore error if already stopped).
	_ = r.docker(ctx, "kill", h.ID).Run()

	output, err := r.docker(ctx, "rm", "-f", h.ID).CombinedOutput()
	if err != nil && !strings.Contains(string(output), "No such container") {
		return fmt.Errorf("removing container: %w\noutput: %s", err, string(output))
	}
	return nil
}

func (r *Runtime) HealthCheck(ctx context.Context, h *sandbox.Handle) sandbox.Health {
	output, err := r.docker(ctx, "inspect", "-f", "{{.State.Running}}", h.ID).CombinedOutput()
	out := strings.TrimSpace(string(output))
	switch {
	case err == nil && out == "true":
		return sandbox.HealthAlive
	case err == nil:
		return sandbox.HealthDead
	case strings.Contains(out, "No such"):
		return sandbox.HealthDead
	default:
		return sandbox.HealthUnknown
	}
}

// IsRunning checks if a container is still running.
func (r *Runtime) IsRunning(ctx context.Context, containerID string) bool {
	output, err := r.docker(ctx, "inspect", "-f", "{{.State.Running}}", containerID).CombinedOutput()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(output)) == "true"
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
