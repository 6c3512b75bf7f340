// Package daemon is the small HTTP agent that runs inside remote sandboxes
// (Kubernetes pods). It writes and deletes project files under a root
// directory and spawns the project's start command in the background.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const (
	DefaultPort = 8080
	DefaultRoot = "/sandbox/workspace"
)

// FileContent is the body of file reads and writes. Content travels as
// base64 so binary files survive JSON.
type FileContent struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

// ProcessRequest starts a background command.
type ProcessRequest struct {
	Command string            `json:"command"`
	Workdir string            `json:"workdir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// ProcessResponse identifies a started command.
type ProcessResponse struct {
	ID  string `json:"id"`
	PID int    `json:"pid"`
}

// HealthResponse reports daemon and process liveness.
type HealthResponse struct {
	Status    string `json:"status"`
	Processes int    `json:"processes"`
	Running   int    `json:"running"`
}

type process struct {
	cmd    *exec.Cmd
	exited chan struct{}
}

// Daemon serves the sandbox file and process API.
type Daemon struct {
	root string

	mu    sync.Mutex
	procs map[string]*process
}

// New creates a daemon serving files under root.
func New(root string) *Daemon {
	if root == "" {
		root = DefaultRoot
	}
	return &Daemon{root: filepath.Clean(root), procs: make(map[string]*process)}
}

// Handler returns the daemon's HTTP routes.
func (d *Daemon) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(withJSON)

	r.Get("/health", d.handleHealth)
	r.Post("/process", d.handleProcess)
	r.Get("/files/*", d.handleFileGet)
	r.Put("/files/*", d.handleFileWrite)
	r.Post("/files/*", d.handleFileWrite)
	r.Delete("/files/*", d.handleFileDelete)
	return r
}

// ListenAndServe runs the daemon on addr until ctx ends, then kills every
// process it started.
func (d *Daemon) ListenAndServe(ctx context.Context, addr string) error {
	if err := os.MkdirAll(d.root, 0o755); err != nil {
		return fmt.Errorf("creating root: %w", err)
	}
	srv := &http.Server{Addr: addr, Handler: d.Handler(), ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("sandbox-daemon listening", "addr", addr, "root", d.root)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		d.KillAll()
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	d.KillAll()
	return err
}

// KillAll stops every process the daemon started.
func (d *Daemon) KillAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, p := range d.procs {
		select {
		case <-p.exited:
		default:
			if p.cmd.Process != nil {
				_ = p.cmd.Process.Kill()
			}
		}
		delete(d.procs, id)
	}
}

func withJSON(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		h.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// resolvePath returns an absolute path inside root. An empty rel is root.
func resolvePath(root, rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return root, nil
	}
	target := filepath.Clean(filepath.Join(root, rel))
	if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return "", errors.New("path escapes sandbox root")
	}
	return target, nil
}

func (d *Daemon) filePath(w http.ResponseWriter, r *http.Request) (rel, full string, ok bool) {
	rel, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid path: "+err.Error())
		return "", "", false
	}
	full, err = resolvePath(d.root, rel)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", "", false
	}
	if full == d.root {
		writeError(w, http.StatusBadRequest, "path is required")
		return "", "", false
	}
	return rel, full, true
}

func (d *Daemon) handleFileGet(w http.ResponseWriter, r *http.Request) {
	rel, full, ok := d.filePath(w, r)
	if !ok {
		return
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "read failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, FileContent{Path: rel, Content: data})
}

func (d *Daemon) handleFileWrite(w http.ResponseWriter, r *http.Request) {
	rel, full, ok := d.filePath(w, r)
	if !ok {
		return
	}
	var fc FileContent
	if err := json.NewDecoder(r.Body).Decode(&fc); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, "mkdir failed: "+err.Error())
		return
	}
	if err := os.WriteFile(full, fc.Content, 0o644); err != nil {
		writeError(w, http.StatusInternalServerError, "write failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, FileContent{Path: rel})
}

func (d *Daemon) handleFileDelete(w http.ResponseWriter, r *http.Request) {
	_, full, ok := d.filePath(w, r)
	if !ok {
		return
	}
	if _, err := os.Lstat(full); os.IsNotExist(err) {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	if err := os.RemoveAll(full); err != nil {
		writeError(w, http.StatusInternalServerError, "delete failed: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Daemon) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	workdir, err := resolvePath(d.root, req.Workdir)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Use /bin/sh which is available in virtually all containers.
	cmd := exec.Command("/bin/sh", "-c", req.Command)
	cmd.Dir = workdir
	cmd.Env = os.Environ()
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		slog.Error("process start failed", "command", req.Command, "error", err)
		writeError(w, http.StatusUnprocessableEntity, "start failed: "+err.Error())
		return
	}

	id := uuid.NewString()
	p := &process{cmd: cmd, exited: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		slog.Info("process exited", "id", id, "command", req.Command, "error", err)
		close(p.exited)
	}()

	d.mu.Lock()
	d.procs[id] = p
	d.mu.Unlock()

	slog.Info("process started", "id", id, "pid", cmd.Process.Pid, "command", req.Command)
	writeJSON(w, http.StatusCreated, ProcessResponse{ID: id, PID: cmd.Process.Pid})
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	res := HealthResponse{Status: "ok", Processes: len(d.procs)}
	for _, p := range d.procs {
		select {
		case <-p.exited:
		default:
			res.Running++
		}
	}
	d.mu.Unlock()
	writeJSON(w, http.StatusOK, res)
}
