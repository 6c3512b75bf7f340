// Package server provides the remote runner HTTP API: the sync protocol the
// editor speaks, the session event stream and the preview proxy.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jxucoder/remoterunner/internal/eventbus"
	"github.com/jxucoder/remoterunner/internal/materialize"
	"github.com/jxucoder/remoterunner/internal/session"
	"github.com/jxucoder/remoterunner/internal/store"
	"github.com/jxucoder/remoterunner/internal/tree"
)

const (
	// maxBodyBytes bounds request bodies. Individual files are bounded by
	// the tree parse options.
	maxBodyBytes = 64 << 20
	// maxWait caps the ?wait= duration accepted by POST /start.
	maxWait = 5 * time.Minute
	// shutdownTimeout bounds draining HTTP requests and live sessions.
	shutdownTimeout = 30 * time.Second
)

// Snapshots loads the last accepted tree of a project.
type Snapshots interface {
	LoadSnapshot(ctx context.Context, projectID string) (*tree.Node, error)
}

// Options configures a Server.
type Options struct {
	// Addr is the listen address used by Start.
	Addr string
	// Parse bounds accepted trees.
	Parse tree.ParseOptions
	// Bus feeds GET /events. Nil disables the event stream.
	Bus eventbus.Bus
	// Snapshots serves POST /start requests that name a project without
	// files. Nil disables that form.
	Snapshots Snapshots
	Logger    *slog.Logger
}

// Server is the remote runner HTTP API server.
type Server struct {
	opts     Options
	sessions *session.Manager
	log      *slog.Logger
	router   chi.Router
}

// New creates a Server serving sessions from mgr.
func New(mgr *session.Manager, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		opts:     opts,
		sessions: mgr,
		log:      opts.Logger,
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "remoterunner",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + routePattern(r)
		}),
	)
}

// Start serves HTTP and runs the session reaper until ctx ends, then drains
// requests and shuts every session down.
func (s *Server) Start(ctx context.Context) error {
	go s.sessions.Run(ctx)

	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("remoterunner listening", "addr", s.opts.Addr, "backend", s.sessions.Backend())
		errCh <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http shutdown", "error", err)
	}
	if err := s.sessions.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("session shutdown", "error", err)
	}
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/start", s.handleStart)
	r.Post("/update", s.handleUpdate)
	r.Get("/status/{id}", s.handleStatus)
	r.Post("/close", s.handleClose)
	r.Post("/heartbeat", s.handleHeartbeat)
	r.Get("/sessions", s.handleListSessions)
	r.Get("/events/{id}", s.handleEvents)

	r.Get("/preview/{id}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, r.URL.Path+"/", http.StatusMovedPermanently)
	})
	r.Handle("/preview/{id}/*", http.HandlerFunc(s.handlePreview))

	// Health check.
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return r
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// --- Request/Response types ---

type startRequest struct {
	Files     json.RawMessage `json:"files"`
	ProjectID string          `json:"projectId"`
	Command   string          `json:"command"`
	Port      int             `json:"port"`
}

type startResponse struct {
	SessionID  string `json:"sessionId"`
	PreviewURL string `json:"previewUrl,omitempty"`
	State      string `json:"state"`
}

type updateRequest struct {
	SessionID string          `json:"sessionId"`
	Files     json.RawMessage `json:"files"`
	Full      bool            `json:"full"`
}

type updateResponse struct {
	Added    int  `json:"added,omitempty"`
	Modified int  `json:"modified,omitempty"`
	Removed  int  `json:"removed,omitempty"`
	Inserted int  `json:"linesInserted,omitempty"`
	Deleted  int  `json:"linesDeleted,omitempty"`
	Full     bool `json:"full,omitempty"`
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
}

type errorResponse struct {
	Error     string   `json:"error"`
	SessionID string   `json:"sessionId,omitempty"`
	Paths     []string `json:"paths,omitempty"`
}

// --- Handlers ---

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := decodeStart(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var wait time.Duration
	if v := r.URL.Query().Get("wait"); v != "" {
		wait, err = time.ParseDuration(v)
		if err != nil || wait < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid wait %q", v))
			return
		}
		wait = min(wait, maxWait)
	}

	root, err := s.startTree(r.Context(), req)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	st, err := s.sessions.Start(r.Context(), session.StartRequest{
		Tree:      root,
		ProjectID: req.ProjectID,
		Command:   req.Command,
		Port:      req.Port,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}

	if wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		st, err = s.sessions.Wait(ctx, st.ID, session.Settled)
		cancel()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			s.writeErr(w, err)
			return
		}
	}

	switch st.State {
	case session.Running:
		writeJSON(w, http.StatusOK, startResponse{SessionID: st.ID, PreviewURL: st.PreviewURL, State: st.State.String()})
	case session.Provisioning:
		writeJSON(w, http.StatusAccepted, startResponse{SessionID: st.ID, State: st.State.String()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: st.LastError, SessionID: st.ID})
	}
}

// decodeStart accepts {files, projectId, command, port} or a bare directory
// node as the whole body.
func decodeStart(body []byte) (startRequest, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return startRequest{}, errors.New("invalid request body")
	}
	var req startRequest
	if _, ok := fields["files"]; !ok {
		if _, isTree := fields["folderName"]; isTree {
			req.Files = body
			return req, nil
		}
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return startRequest{}, errors.New("invalid request body")
	}
	if isNull(req.Files) && req.ProjectID == "" {
		return startRequest{}, errors.New("files is required")
	}
	return req, nil
}

func (s *Server) startTree(ctx context.Context, req startRequest) (*tree.Node, error) {
	if !isNull(req.Files) {
		return tree.Parse(req.Files, s.opts.Parse)
	}
	if s.opts.Snapshots == nil {
		return nil, &requestError{"files is required: snapshot persistence is disabled"}
	}
	root, err := s.opts.Snapshots.LoadSnapshot(ctx, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("loading project %s: %w", req.ProjectID, err)
	}
	return root, nil
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req updateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	if isNull(req.Files) {
		writeError(w, http.StatusBadRequest, "files is required")
		return
	}
	root, err := tree.Parse(req.Files, s.opts.Parse)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	res, err := s.sessions.Update(r.Context(), req.SessionID, session.UpdateRequest{Tree: root, Full: req.Full})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updateResponse{
		Added:    len(res.Diff.Added),
		Modified: len(res.Diff.Modified),
		Removed:  len(res.Diff.Removed),
		Inserted: res.Stats.Inserted,
		Deleted:  res.Stats.Deleted,
		Full:     res.Full,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.sessions.Status(chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	id, ok := decodeSessionID(w, r)
	if !ok {
		return
	}
	if err := s.sessions.Close(r.Context(), id); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := decodeSessionID(w, r)
	if !ok {
		return
	}
	st, err := s.sessions.Heartbeat(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := s.sessions.Status(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if s.opts.Bus == nil {
		writeError(w, http.StatusNotImplemented, "event stream disabled")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before writing the current state so no transition is lost.
	ch := s.opts.Bus.Subscribe(id)
	defer s.opts.Bus.Unsubscribe(id, ch)

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, &eventbus.Event{SessionID: id, Type: eventbus.TypeState, State: st.State.String(), Data: st.LastError, Time: time.Now().UTC()})
	flusher.Flush()
	if st.State.Terminal() {
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, event)
			flusher.Flush()
			if event.Type != eventbus.TypeSync && event.State == session.Closed.String() {
				return
			}
		}
	}
}

// handlePreview proxies /preview/{id}/* to the sandbox of a running session.
// Proxied requests count as session activity.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	raw, err := s.sessions.Target(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	target, err := url.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadGateway, "invalid sandbox address")
		return
	}
	_, _ = s.sessions.Heartbeat(id)

	rest := chi.URLParam(r, "*")
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Path = "/" + rest
			pr.Out.URL.RawPath = ""
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.log.Warn("preview proxy failed", "session", id, "error", err)
			writeError(w, http.StatusBadGateway, "sandbox unreachable")
		},
	}
	proxy.ServeHTTP(w, r)
}

// --- Helpers ---

// requestError is a client mistake detected after decoding.
type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

// statusFor maps manager and parser errors to HTTP status codes.
func statusFor(err error) int {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr), errors.Is(err, tree.ErrMalformedTree):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrDegraded), errors.Is(err, session.ErrClosed), errors.Is(err, session.ErrProvisioning):
		return http.StatusConflict
	case errors.Is(err, session.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}
	var matErr *materialize.Error
	if errors.As(err, &matErr) {
		resp.Paths = matErr.Paths()
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, resp)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, errors.New("invalid request body")
	}
	return body, nil
}

func decodeSessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req sessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return "", false
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return "", false
	}
	return req.SessionID, true
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeSSE(w io.Writer, event *eventbus.Event) {
	data, _ := json.Marshal(event)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
}
