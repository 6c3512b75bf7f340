// Package memory implements sandbox.Runtime over an in-memory file system.
// Nothing is executed: Run records the command and ExposePort succeeds once a
// process is running. It backs tests and the emulated preview mode.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"

	"github.com/jxucoder/remoterunner/internal/sandbox"
)

// Name is the backend identifier.
const Name = "memory"

const defaultBaseURL = "mem://localhost/remoterunner"

// Faults injects failures. The zero value injects none.
type Faults struct {
	ProvisionErr   error
	ProvisionDelay time.Duration
	// WriteErr, when set, is consulted for every WriteFile path.
	WriteErr   func(path string) error
	WriteDelay time.Duration
	RunErr     error
	// ExposeNever keeps every port unreachable.
	ExposeNever bool
	// Health overrides HealthCheck results.
	Health func(h *sandbox.Handle) sandbox.Health
}

// Config configures the runtime.
type Config struct {
	// BaseURL is the afs location environments are created under.
	BaseURL string
	// MaxSandboxes caps live environments; zero means unlimited.
	MaxSandboxes int
	// ExposeTimeout bounds ExposePort.
	ExposeTimeout time.Duration
	// StripFlags lists script flags the emulated environment cannot run.
	StripFlags []string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:       defaultBaseURL,
		ExposeTimeout: sandbox.DefaultExposeTimeout,
		StripFlags:    []string{"--turbopack"},
	}
}

type env struct {
	root      string
	files     map[string]struct{}
	processes []*sandbox.Process
	crashed   bool
}

// Runtime is the in-memory sandbox runtime.
type Runtime struct {
	fs  afs.Service
	cfg Config

	mu     sync.Mutex
	envs   map[string]*env
	faults Faults
}

// New creates an in-memory runtime.
func New(cfg Config) *Runtime {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.ExposeTimeout <= 0 {
		cfg.ExposeTimeout = sandbox.DefaultExposeTimeout
	}
	return &Runtime{
		fs:   afs.New(),
		cfg:  cfg,
		envs: make(map[string]*env),
	}
}

// SetFaults replaces the injected faults.
func (r *Runtime) SetFaults(f Faults) {
	r.mu.Lock()
	r.faults = f
	r.mu.Unlock()
}

func (r *Runtime) currentFaults() Faults {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.faults
}

func (r *Runtime) Name() string { return Name }

// UnsupportedScriptFlags implements sandbox.ScriptFlagStripper.
func (r *Runtime) UnsupportedScriptFlags() []string { return r.cfg.StripFlags }

// Probe implements sandbox.Prober. The in-memory backend is always available.
func (r *Runtime) Probe(context.Context) sandbox.ProbeResult {
	return sandbox.ProbeResult{Available: true}
}

func (r *Runtime) Provision(ctx context.Context, hints sandbox.ResourceHints) (*sandbox.Handle, error) {
	f := r.currentFaults()
	if f.ProvisionDelay > 0 {
		select {
		case <-time.After(f.ProvisionDelay):
		case <-ctx.Done():
			return nil, sandbox.ProvisionFailed(ctx.Err())
		}
	}
	if f.ProvisionErr != nil {
		return nil, sandbox.ProvisionFailed(f.ProvisionErr)
	}

	r.mu.Lock()
	if r.cfg.MaxSandboxes > 0 && len(r.envs) >= r.cfg.MaxSandboxes {
		r.mu.Unlock()
		return nil, &sandbox.ProvisionError{Kind: sandbox.QuotaExceeded, Err: fmt.Errorf("%d sandboxes in use", r.cfg.MaxSandboxes)}
	}
	id := "mem-" + uuid.NewString()
	e := &env{root: url.Join(r.cfg.BaseURL, id), files: make(map[string]struct{})}
	r.envs[id] = e
	r.mu.Unlock()

	if err := r.fs.Create(ctx, e.root, file.DefaultDirOsMode, true); err != nil {
		r.mu.Lock()
		delete(r.envs, id)
		r.mu.Unlock()
		return nil, sandbox.ProvisionFailed(fmt.Errorf("creating %s: %w", e.root, err))
	}

	port := hints.Port
	if port <= 0 {
		port = sandbox.DefaultPort
	}
	return &sandbox.Handle{
		ID:        id,
		SessionID: hints.SessionID,
		Workdir:   e.root,
		Port:      port,
		Created:   time.Now(),
	}, nil
}

func (r *Runtime) lookup(h *sandbox.Handle) (*env, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.envs[h.ID]
	return e, ok
}

func (r *Runtime) WriteFile(ctx context.Context, h *sandbox.Handle, path string, data []byte) error {
	e, ok := r.lookup(h)
	if !ok {
		return &sandbox.IOError{Op: "write", Path: path, Err: sandbox.ErrUnknownHandle}
	}
	f := r.currentFaults()
	if f.WriteDelay > 0 {
		select {
		case <-time.After(f.WriteDelay):
		case <-ctx.Done():
			return &sandbox.IOError{Op: "write", Path: path, Err: ctx.Err()}
		}
	}
	if f.WriteErr != nil {
		if err := f.WriteErr(path); err != nil {
			return &sandbox.IOError{Op: "write", Path: path, Err: err}
		}
	}
	if err := r.fs.Upload(ctx, url.Join(e.root, path), file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return &sandbox.IOError{Op: "write", Path: path, Err: err}
	}
	r.mu.Lock()
	e.files[path] = struct{}{}
	r.mu.Unlock()
	return nil
}

func (r *Runtime) DeleteFile(ctx context.Context, h *sandbox.Handle, path string) error {
	e, ok := r.lookup(h)
	if !ok {
		return &sandbox.IOError{Op: "delete", Path: path, Err: sandbox.ErrUnknownHandle}
	}
	target := url.Join(e.root, path)
	exists, err := r.fs.Exists(ctx, target)
	if err != nil {
		return &sandbox.IOError{Op: "delete", Path: path, Err: err}
	}
	if exists {
		if err := r.fs.Delete(ctx, target); err != nil {
			return &sandbox.IOError{Op: "delete", Path: path, Err: err}
		}
	}
	r.mu.Lock()
	for p := range e.files {
		if p == path || strings.HasPrefix(p, path+"/") {
			delete(e.files, p)
		}
	}
	r.mu.Unlock()
	return nil
}

// ReadFile returns the content stored at path.
func (r *Runtime) ReadFile(ctx context.Context, h *sandbox.Handle, path string) ([]byte, error) {
	e, ok := r.lookup(h)
	if !ok {
		return nil, &sandbox.IOError{Op: "read", Path: path, Err: sandbox.ErrUnknownHandle}
	}
	data, err := r.fs.DownloadWithURL(ctx, url.Join(e.root, path))
	if err != nil {
		return nil, &sandbox.IOError{Op: "read", Path: path, Err: err}
	}
	return data, nil
}

// Snapshot reads back every file in the environment, keyed by path.
func (r *Runtime) Snapshot(ctx context.Context, h *sandbox.Handle) (map[string][]byte, error) {
	e, ok := r.lookup(h)
	if !ok {
		return nil, sandbox.ErrUnknownHandle
	}
	r.mu.Lock()
	paths := make([]string, 0, len(e.files))
	for p := range e.files {
		paths = append(paths, p)
	}
	r.mu.Unlock()
	sort.Strings(paths)

	out := make(map[string][]byte, len(paths))
	for _, p := range paths {
		data, err := r.ReadFile(ctx, h, p)
		if err != nil {
			return nil, err
		}
		out[p] = data
	}
	return out, nil
}

func (r *Runtime) Run(ctx context.Context, h *sandbox.Handle, command string) (*sandbox.Process, error) {
	if strings.TrimSpace(command) == "" {
		return nil, &sandbox.RunError{Command: command, Err: fmt.Errorf("empty command")}
	}
	e, ok := r.lookup(h)
	if !ok {
		return nil, &sandbox.RunError{Command: command, Err: sandbox.ErrUnknownHandle}
	}
	if f := r.currentFaults(); f.RunErr != nil {
		return nil, &sandbox.RunError{Command: command, Err: f.RunErr}
	}
	p := &sandbox.Process{ID: uuid.NewString(), Command: command, StartedAt: time.Now()}
	r.mu.Lock()
	e.processes = append(e.processes, p)
	r.mu.Unlock()
	return p, nil
}

// Processes lists the commands run in the environment, oldest first.
func (r *Runtime) Processes(h *sandbox.Handle) []*sandbox.Process {
	e, ok := r.lookup(h)
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*sandbox.Process(nil), e.processes...)
}

func (r *Runtime) ExposePort(ctx context.Context, h *sandbox.Handle, port int) (string, error) {
	return sandbox.WaitReachable(ctx, port, r.cfg.ExposeTimeout, func(context.Context) (string, error) {
		e, ok := r.lookup(h)
		if !ok {
			return "", sandbox.ErrUnknownHandle
		}
		r.mu.Lock()
		listening := len(e.processes) > 0 && !e.crashed && !r.faults.ExposeNever
		r.mu.Unlock()
		if !listening {
			return "", sandbox.ErrNotReady
		}
		return fmt.Sprintf("http://%s.sandbox.local:%d", h.ID, port), nil
	})
}

func (r *Runtime) Terminate(ctx context.Context, h *sandbox.Handle) error {
	r.mu.Lock()
	e, ok := r.envs[h.ID]
	delete(r.envs, h.ID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if exists, _ := r.fs.Exists(ctx, e.root); exists {
		if err := r.fs.Delete(ctx, e.root); err != nil {
			return fmt.Errorf("removing %s: %w", e.root, err)
		}
	}
	return nil
}

func (r *Runtime) HealthCheck(ctx context.Context, h *sandbox.Handle) sandbox.Health {
	if f := r.currentFaults(); f.Health != nil {
		return f.Health(h)
	}
	e, ok := r.lookup(h)
	if !ok {
		return sandbox.HealthDead
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.crashed {
		return sandbox.HealthDead
	}
	return sandbox.HealthAlive
}

// Crash simulates the environment dying underneath its session.
func (r *Runtime) Crash(h *sandbox.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.envs[h.ID]; ok {
		e.crashed = true
	}
}

// Live returns the number of environments not yet terminated.
func (r *Runtime) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envs)
}
