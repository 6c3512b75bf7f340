// Package local implements sandbox.Runtime with a directory per session on
// the host and plain child processes. It isolates files, not processes, and
// is meant for single-user development setups.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/viant/afs"
	"github.com/viant/afs/file"

	"github.com/jxucoder/remoterunner/internal/sandbox"
)

// Name is the backend identifier.
const Name = "local"

// Config configures the runtime.
type Config struct {
	// Root is the directory session workdirs are created under.
	Root          string
	ExposeTimeout time.Duration
	StripFlags    []string
}

type process struct {
	cmd    *exec.Cmd
	exited chan struct{}
	err    error
}

type env struct {
	dir   string
	procs []*process
}

// Runtime runs sessions as host processes.
type Runtime struct {
	fs  afs.Service
	cfg Config

	mu   sync.Mutex
	envs map[string]*env
}

// New creates a local runtime rooted at cfg.Root.
func New(cfg Config) *Runtime {
	if cfg.Root == "" {
		cfg.Root = filepath.Join(os.TempDir(), "remoterunner")
	}
	if cfg.ExposeTimeout <= 0 {
		cfg.ExposeTimeout = sandbox.DefaultExposeTimeout
	}
	return &Runtime{fs: afs.New(), cfg: cfg, envs: make(map[string]*env)}
}

func (r *Runtime) Name() string { return Name }

// UnsupportedScriptFlags implements sandbox.ScriptFlagStripper.
func (r *Runtime) UnsupportedScriptFlags() []string { return r.cfg.StripFlags }

// Probe checks that the root is writable and a shell exists.
func (r *Runtime) Probe(ctx context.Context) sandbox.ProbeResult {
	if _, err := exec.LookPath("sh"); err != nil {
		return sandbox.ProbeResult{Reason: "sh not found in PATH", FixHints: []string{"install a POSIX shell"}}
	}
	if err := r.fs.Create(ctx, r.cfg.Root, file.DefaultDirOsMode, true); err != nil {
		if ok, _ := r.fs.Exists(ctx, r.cfg.Root); !ok {
			return sandbox.ProbeResult{Reason: fmt.Sprintf("cannot create %s: %v", r.cfg.Root, err), FixHints: []string{"set RUNNER_DATA_DIR to a writable directory"}}
		}
	}
	return sandbox.ProbeResult{Available: true}
}

// Provision creates a fresh working directory and reserves a free loopback
// port for the session's dev server.
func (r *Runtime) Provision(ctx context.Context, hints sandbox.ResourceHints) (*sandbox.Handle, error) {
	id := uuid.NewString()
	dir := filepath.Join(r.cfg.Root, id)
	if err := r.fs.Create(ctx, dir, file.DefaultDirOsMode, true); err != nil {
		return nil, sandbox.ProvisionFailed(fmt.Errorf("creating %s: %w", dir, err))
	}
	port, err := freePort()
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, sandbox.ProvisionFailed(err)
	}

	r.mu.Lock()
	r.envs[id] = &env{dir: dir}
	r.mu.Unlock()

	return &sandbox.Handle{
		ID:        id,
		SessionID: hints.SessionID,
		Workdir:   dir,
		Port:      port,
		Created:   time.Now(),
	}, nil
}

func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("reserving port: %w", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

func (r *Runtime) lookup(h *sandbox.Handle) (*env, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.envs[h.ID]
	return e, ok
}

func (r *Runtime) resolve(h *sandbox.Handle, op, path string) (string, error) {
	e, ok := r.lookup(h)
	if !ok {
		return "", &sandbox.IOError{Op: op, Path: path, Err: sandbox.ErrUnknownHandle}
	}
	if !filepath.IsLocal(filepath.FromSlash(path)) {
		return "", &sandbox.IOError{Op: op, Path: path, Err: errors.New("path escapes workdir")}
	}
	return filepath.Join(e.dir, filepath.FromSlash(path)), nil
}

func (r *Runtime) WriteFile(ctx context.Context, h *sandbox.Handle, path string, data []byte) error {
	target, err := r.resolve(h, "write", path)
	if err != nil {
		return err
	}
	if err := r.fs.Upload(ctx, target, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return &sandbox.IOError{Op: "write", Path: path, Err: err}
	}
	return nil
}

func (r *Runtime) DeleteFile(ctx context.Context, h *sandbox.Handle, path string) error {
	target, err := r.resolve(h, "delete", path)
	if err != nil {
		return err
	}
	exists, err := r.fs.Exists(ctx, target)
	if err != nil {
		return &sandbox.IOError{Op: "delete", Path: path, Err: err}
	}
	if !exists {
		return nil
	}
	if err := r.fs.Delete(ctx, target); err != nil {
		return &sandbox.IOError{Op: "delete", Path: path, Err: err}
	}
	return nil
}

// Run starts command under sh in the session directory with PORT set. The
// process outlives ctx; Terminate stops it.
func (r *Runtime) Run(ctx context.Context, h *sandbox.Handle, command string) (*sandbox.Process, error) {
	if strings.TrimSpace(command) == "" {
		return nil, &sandbox.RunError{Command: command, Err: errors.New("empty command")}
	}
	e, ok := r.lookup(h)
	if !ok {
		return nil, &sandbox.RunError{Command: command, Err: sandbox.ErrUnknownHandle}
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = e.dir
	cmd.Env = append(os.Environ(), "PORT="+strconv.Itoa(h.Port))
	setProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return nil, &sandbox.RunError{Command: command, Err: err}
	}

	p := &process{cmd: cmd, exited: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.exited)
	}()

	r.mu.Lock()
	e.procs = append(e.procs, p)
	r.mu.Unlock()

	return &sandbox.Process{
		ID:        uuid.NewString(),
		Command:   command,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
	}, nil
}

func (r *Runtime) ExposePort(ctx context.Context, h *sandbox.Handle, port int) (string, error) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	dial := sandbox.DialProbe(addr, "http://"+addr)
	return sandbox.WaitReachable(ctx, port, r.cfg.ExposeTimeout, func(ctx context.Context) (string, error) {
		if r.HealthCheck(ctx, h) == sandbox.HealthDead {
			return "", backoff.Permanent(errors.New("process exited before binding its port"))
		}
		return dial(ctx)
	})
}

// Terminate kills every process of the session and removes its directory.
// The session stays registered until both succeed, so a failed Terminate
// can be retried.
func (r *Runtime) Terminate(ctx context.Context, h *sandbox.Handle) error {
	r.mu.Lock()
	e, ok := r.envs[h.ID]
	var procs []*process
	if ok {
		procs = append(procs, e.procs...)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	for _, p := range procs {
		select {
		case <-p.exited:
		default:
			killProcessGroup(p.cmd)
		}
	}
	for _, p := range procs {
		select {
		case <-p.exited:
		case <-ctx.Done():
			return fmt.Errorf("waiting for %q to exit: %w", p.cmd.String(), ctx.Err())
		}
	}
	if err := os.RemoveAll(e.dir); err != nil {
		return fmt.Errorf("removing %s: %w", e.dir, err)
	}

	r.mu.Lock()
	delete(r.envs, h.ID)
	r.mu.Unlock()
	return nil
}

// HealthCheck reports Dead once every started process has exited.
func (r *Runtime) HealthCheck(ctx context.Context, h *sandbox.Handle) sandbox.Health {
	e, ok := r.lookup(h)
	if !ok {
		return sandbox.HealthDead
	}
	r.mu.Lock()
	procs := append([]*process(nil), e.procs...)
	r.mu.Unlock()
	if len(procs) == 0 {
		return sandbox.HealthAlive
	}
	for _, p := range procs {
		select {
		case <-p.exited:
		default:
			return sandbox.HealthAlive
		}
	}
	return sandbox.HealthDead
}
