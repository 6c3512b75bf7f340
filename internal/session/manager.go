// Package session owns the registry of remote runner sessions: their
// lifecycle state machine, per-session serialization of file updates, and the
// reaper that reclaims idle, crashed and closed sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jxucoder/remoterunner/internal/eventbus"
	"github.com/jxucoder/remoterunner/internal/materialize"
	"github.com/jxucoder/remoterunner/internal/sandbox"
	"github.com/jxucoder/remoterunner/internal/tree"
)

const tracerName = "github.com/jxucoder/remoterunner/internal/session"

const (
	DefaultCommand          = "npm install && npm run dev"
	DefaultProvisionTimeout = 2 * time.Minute
	DefaultTerminateTimeout = 30 * time.Second
	DefaultHealthTimeout    = 5 * time.Second
	DefaultIdleTimeout      = 30 * time.Minute
	DefaultDegradedTimeout  = 60 * time.Second
	DefaultRetention        = 5 * time.Minute
	DefaultReapInterval     = 15 * time.Second
	DefaultFailedProbes     = 2
	DefaultSweepConcurrency = 16
)

// Config holds session policy. Zero fields take the defaults above.
type Config struct {
	// Command starts the project inside the sandbox.
	Command string
	// Port is the port the project listens on.
	Port     int
	Image    string
	MemoryMB int
	CPUs     int
	Env      []string

	// PublicURL, when set, makes preview URLs point at the server's preview
	// proxy instead of the runtime's own address.
	PublicURL string

	ProvisionTimeout time.Duration
	TerminateTimeout time.Duration
	HealthTimeout    time.Duration
	IdleTimeout      time.Duration
	DegradedTimeout  time.Duration
	Retention        time.Duration
	ReapInterval     time.Duration
	// FailedProbes is the number of consecutive failed health checks that
	// degrade a running session.
	FailedProbes     int
	SweepConcurrency int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Command) == "" {
		c.Command = DefaultCommand
	}
	if c.Port <= 0 {
		c.Port = sandbox.DefaultPort
	}
	durations := []struct {
		v   *time.Duration
		def time.Duration
	}{
		{&c.ProvisionTimeout, DefaultProvisionTimeout},
		{&c.TerminateTimeout, DefaultTerminateTimeout},
		{&c.HealthTimeout, DefaultHealthTimeout},
		{&c.IdleTimeout, DefaultIdleTimeout},
		{&c.DegradedTimeout, DefaultDegradedTimeout},
		{&c.Retention, DefaultRetention},
		{&c.ReapInterval, DefaultReapInterval},
	}
	for _, d := range durations {
		if *d.v <= 0 {
			*d.v = d.def
		}
	}
	if c.FailedProbes <= 0 {
		c.FailedProbes = DefaultFailedProbes
	}
	if c.SweepConcurrency <= 0 {
		c.SweepConcurrency = DefaultSweepConcurrency
	}
	return c
}

// SnapshotSink persists the latest accepted tree of a project.
type SnapshotSink interface {
	SaveSnapshot(ctx context.Context, projectID string, root *tree.Node) error
}

// StartRequest describes a new session.
type StartRequest struct {
	Tree      *tree.Node
	ProjectID string
	// Command and Port override the configured defaults when set.
	Command string
	Port    int
}

// UpdateRequest replaces a session's files.
type UpdateRequest struct {
	Tree *tree.Node
	// Full rewrites every file instead of applying a diff.
	Full bool
}

// UpdateResult reports what an update changed.
type UpdateResult struct {
	Diff  tree.Diff
	Stats tree.LineStats
	Full  bool
}

type session struct {
	id        string
	projectID string
	command   string
	port      int
	created   time.Time

	// lock serializes state-mutating operations in arrival order.
	lock     fifoLock
	canceled atomic.Bool
	cancel   context.CancelFunc
	// closeCause is recorded by the first close request.
	closeCause error

	mu           sync.Mutex
	state        State
	since        time.Time
	handle       *sandbox.Handle
	runtimeURL   string
	previewURL   string
	lastErr      error
	lastActivity time.Time
	closedAt     time.Time
	snapshot     *tree.Node
	// dirty forces the next update to rewrite every file.
	dirty        bool
	failedProbes int
	changed      chan struct{}
}

// Manager is the session registry.
type Manager struct {
	rt     sandbox.Runtime
	mat    *materialize.Materializer
	cfg    Config
	bus    eventbus.Bus
	sink   SnapshotSink
	log    *slog.Logger
	now    func() time.Time
	newID  func() string
	tracer trace.Tracer

	ctx  context.Context
	halt context.CancelFunc
	wg   sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*session
	// purged remembers ids whose sessions were purged, so closing them
	// again still succeeds.
	purged  map[string]struct{}
	closing bool
}

// New creates a manager provisioning sandboxes from rt and writing files
// through mat.
func New(rt sandbox.Runtime, mat *materialize.Materializer, cfg Config, opts ...Option) *Manager {
	ctx, halt := context.WithCancel(context.Background())
	m := &Manager{
		rt:       rt,
		mat:      mat,
		cfg:      cfg.withDefaults(),
		bus:      eventbus.Nop{},
		log:      slog.Default(),
		now:      time.Now,
		newID:    uuid.NewString,
		tracer:   otel.Tracer(tracerName),
		ctx:      ctx,
		halt:     halt,
		sessions: make(map[string]*session),
		purged:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Backend names the sandbox runtime in use.
func (m *Manager) Backend() string { return m.rt.Name() }

func validRoot(root *tree.Node) error {
	if root == nil {
		return &tree.MalformedTreeError{Reason: "missing tree"}
	}
	if !root.IsDir() {
		return &tree.MalformedTreeError{Path: root.FileName(), Reason: "root must be a directory"}
	}
	return nil
}

// Start registers a session in Provisioning and provisions it in the
// background. Poll Status or use Wait to observe the outcome.
func (m *Manager) Start(ctx context.Context, req StartRequest) (Status, error) {
	if err := validRoot(req.Tree); err != nil {
		return Status{}, err
	}
	now := m.now()
	s := &session{
		id:           m.newID(),
		projectID:    req.ProjectID,
		command:      m.cfg.Command,
		port:         m.cfg.Port,
		created:      now,
		state:        Provisioning,
		since:        now,
		lastActivity: now,
		changed:      make(chan struct{}),
	}
	if strings.TrimSpace(req.Command) != "" {
		s.command = req.Command
	}
	if req.Port > 0 {
		s.port = req.Port
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return Status{}, ErrShuttingDown
	}
	if _, dup := m.sessions[s.id]; dup {
		m.mu.Unlock()
		return Status{}, fmt.Errorf("session id %s already issued", s.id)
	}
	pctx, cancel := context.WithTimeout(m.ctx, m.cfg.ProvisionTimeout)
	s.cancel = cancel
	m.sessions[s.id] = s
	m.wg.Add(1)
	m.mu.Unlock()

	_, span := m.tracer.Start(ctx, "session.start", trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.String("sandbox.backend", m.rt.Name()),
	))
	span.End()

	m.log.Info("session started", "session", s.id, "backend", m.rt.Name(), "project", s.projectID)
	m.publish(s.id, Provisioning, "")

	link := trace.LinkFromContext(ctx)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.provision(pctx, s, req.Tree, link)
	}()
	return s.status(m.rt.Name()), nil
}

type step struct {
	name string
	run  func(ctx context.Context) error
}

// provision drives a session from Provisioning to Running. Each step holds
// the session lock; between steps the cancellation flag is checked and a
// closed session is torn down here.
func (m *Manager) provision(ctx context.Context, s *session, root *tree.Node, link trace.Link) {
	ctx, span := m.tracer.Start(ctx, "session.provision",
		trace.WithLinks(link),
		trace.WithAttributes(attribute.String("session.id", s.id)))
	defer span.End()

	var h *sandbox.Handle
	steps := []step{
		{"provision", func(ctx context.Context) error {
			var err error
			h, err = m.rt.Provision(ctx, m.hints(s))
			if err != nil {
				return err
			}
			s.mu.Lock()
			s.handle = h
			s.mu.Unlock()
			return nil
		}},
		{"materialize", func(ctx context.Context) error {
			return m.mat.Materialize(ctx, h, root)
		}},
		{"run", func(ctx context.Context) error {
			_, err := m.rt.Run(ctx, h, s.command)
			return err
		}},
		{"expose", func(ctx context.Context) error {
			u, err := m.rt.ExposePort(ctx, h, h.Port)
			if err != nil {
				return err
			}
			s.mu.Lock()
			s.runtimeURL = u
			s.previewURL = m.previewURL(s.id, u)
			s.snapshot = root
			s.lastActivity = m.now()
			s.mu.Unlock()
			m.setState(s, Running, nil)
			return nil
		}},
	}

	// abort tears down whatever was allocated so far. The closer may have
	// given up waiting for the lock, so it cannot be left to finish this.
	abort := func() {
		m.stopLive(s, s.pendingCloseCause())
		s.lock.Unlock()
		span.SetStatus(codes.Error, "canceled")
	}
	for _, st := range steps {
		// Background: provisioning must reach a decision point even when
		// its own context has ended.
		_ = s.lock.Lock(context.Background())
		if s.canceled.Load() {
			abort()
			return
		}
		stepCtx, stepSpan := m.tracer.Start(ctx, "session.provision."+st.name)
		err := st.run(stepCtx)
		endSpan(stepSpan, err)
		if err != nil {
			if s.canceled.Load() {
				abort()
				return
			}
			err = fmt.Errorf("%s: %w", st.name, err)
			m.log.Error("session provisioning failed", "session", s.id, "step", st.name, "error", err)
			m.stop(s, err)
			s.lock.Unlock()
			endSpan(span, err)
			return
		}
		s.lock.Unlock()
	}
	m.log.Info("session running", "session", s.id, "preview", s.status(m.rt.Name()).PreviewURL)
	m.saveSnapshot(s, root)
}

func (m *Manager) hints(s *session) sandbox.ResourceHints {
	return sandbox.ResourceHints{
		SessionID: s.id,
		Image:     m.cfg.Image,
		MemoryMB:  m.cfg.MemoryMB,
		CPUs:      m.cfg.CPUs,
		Port:      s.port,
		Env:       m.cfg.Env,
	}
}

func (m *Manager) previewURL(id, runtimeURL string) string {
	if m.cfg.PublicURL == "" {
		return runtimeURL
	}
	return strings.TrimRight(m.cfg.PublicURL, "/") + "/preview/" + id + "/"
}

// Update applies a new tree to a running session. Updates to one session
// apply in arrival order; a failed write degrades the session.
func (m *Manager) Update(ctx context.Context, id string, req UpdateRequest) (res UpdateResult, err error) {
	if err := validRoot(req.Tree); err != nil {
		return UpdateResult{}, err
	}
	s, err := m.lookup(id)
	if err != nil {
		return UpdateResult{}, err
	}

	ctx, span := m.tracer.Start(ctx, "session.update", trace.WithAttributes(attribute.String("session.id", id)))
	defer func() { endSpan(span, err) }()

	// Fail fast instead of queueing behind provisioning or recovery.
	s.mu.Lock()
	state, lastErr := s.state, s.lastErr
	s.mu.Unlock()
	if err := rejectUpdate(id, state, lastErr); err != nil {
		return UpdateResult{}, err
	}

	if err := s.lock.Lock(ctx); err != nil {
		return UpdateResult{}, err
	}
	defer s.lock.Unlock()

	s.mu.Lock()
	state, lastErr = s.state, s.lastErr
	h, prev, dirty := s.handle, s.snapshot, s.dirty
	s.mu.Unlock()
	if err := rejectUpdate(id, state, lastErr); err != nil {
		return UpdateResult{}, err
	}

	res.Diff = tree.Compare(prev, req.Tree)
	res.Full = req.Full || dirty || prev == nil
	switch {
	case res.Full:
		err = m.mat.Rewrite(ctx, h, prev, req.Tree)
	case !res.Diff.Empty():
		err = m.mat.MaterializeDiff(ctx, h, res.Diff)
	}
	span.SetAttributes(
		attribute.Int("sync.changes", res.Diff.Len()),
		attribute.Bool("sync.full", res.Full),
	)

	if err != nil {
		if ctx.Err() != nil {
			// The caller went away mid-write; the sandbox may now hold a mix
			// of both trees.
			s.mu.Lock()
			s.dirty = true
			s.mu.Unlock()
			return UpdateResult{}, err
		}
		m.log.Warn("session update failed", "session", id, "error", err)
		m.setState(s, Degraded, fmt.Errorf("update: %w", err))
		return UpdateResult{}, err
	}

	s.mu.Lock()
	s.snapshot = req.Tree
	s.dirty = false
	s.lastActivity = m.now()
	s.mu.Unlock()

	res.Stats = res.Diff.Stats()
	m.log.Debug("session updated", "session", id, "diff", res.Diff.String(), "full", res.Full)
	m.bus.Publish(&eventbus.Event{SessionID: id, Type: eventbus.TypeSync, State: Running.String(), Data: res.Diff.String()})
	m.saveSnapshot(s, req.Tree)
	return res, nil
}

func rejectUpdate(id string, state State, lastErr error) error {
	switch state {
	case Running:
		return nil
	case Provisioning:
		return &stateError{id: id, kind: ErrProvisioning}
	case Degraded:
		return &stateError{id: id, kind: ErrDegraded, cause: errString(lastErr)}
	default:
		return &stateError{id: id, kind: ErrClosed, cause: errString(lastErr)}
	}
}

// Heartbeat records client activity, postponing idle eviction.
func (m *Manager) Heartbeat(id string) (Status, error) {
	s, err := m.lookup(id)
	if err != nil {
		return Status{}, err
	}
	s.mu.Lock()
	if s.state == Stopping || s.state == Closed {
		lastErr := s.lastErr
		s.mu.Unlock()
		return Status{}, &stateError{id: id, kind: ErrClosed, cause: errString(lastErr)}
	}
	s.lastActivity = m.now()
	s.mu.Unlock()
	return s.status(m.rt.Name()), nil
}

// Close stops a session and releases its sandbox. Closing a stopping,
// closed or purged session is a no-op. A session still provisioning is
// stopped once its current step releases the lock.
func (m *Manager) Close(ctx context.Context, id string) error {
	s, err := m.lookup(id)
	if err != nil {
		m.mu.RLock()
		_, gone := m.purged[id]
		m.mu.RUnlock()
		if gone {
			return nil
		}
		return err
	}
	ctx, span := m.tracer.Start(ctx, "session.close", trace.WithAttributes(attribute.String("session.id", id)))
	err = m.closeSession(ctx, s, nil)
	endSpan(span, err)
	return err
}

func (m *Manager) closeSession(ctx context.Context, s *session, cause error) error {
	s.requestClose(cause)
	if s.cancel != nil {
		s.cancel()
	}
	if err := s.lock.Lock(ctx); err != nil {
		// The close still happens once the current holder lets go.
		go func() {
			_ = s.lock.Lock(context.Background())
			defer s.lock.Unlock()
			m.stopLive(s, cause)
		}()
		return err
	}
	defer s.lock.Unlock()
	m.stopLive(s, cause)
	return nil
}

// stopLive stops s unless it is already stopping or closed. Callers hold
// the session lock.
func (m *Manager) stopLive(s *session, cause error) {
	if st := s.currentState(); st == Stopping || st == Closed {
		return
	}
	m.log.Info("closing session", "session", s.id, "reason", errString(cause))
	m.stop(s, cause)
}

// stop drives a session through Stopping to Closed. Callers hold the
// session lock. Termination failures are logged, not retried.
func (m *Manager) stop(s *session, cause error) {
	m.setState(s, Stopping, cause)

	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()

	if h != nil {
		m.terminate(h)
	}
	m.setState(s, Closed, nil)
}

func (m *Manager) terminate(h *sandbox.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.TerminateTimeout)
	defer cancel()
	if err := m.rt.Terminate(ctx, h); err != nil {
		m.log.Warn("sandbox terminate failed", "session", h.SessionID, "sandbox", h.ID, "error", err)
	}
}

// Status reports a session's state. Closed sessions remain visible until
// purged.
func (m *Manager) Status(id string) (Status, error) {
	s, err := m.lookup(id)
	if err != nil {
		return Status{}, err
	}
	return s.status(m.rt.Name()), nil
}

// List returns every registered session, oldest first.
func (m *Manager) List() []Status {
	all := m.all()
	out := make([]Status, 0, len(all))
	for _, s := range all {
		out = append(out, s.status(m.rt.Name()))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Settled reports whether a session has left Provisioning.
func Settled(st Status) bool { return st.State != Provisioning }

// Wait blocks until cond holds for the session's status or ctx ends. On
// timeout the last observed status is returned with ctx's error.
func (m *Manager) Wait(ctx context.Context, id string, cond func(Status) bool) (Status, error) {
	for {
		s, err := m.lookup(id)
		if err != nil {
			return Status{}, err
		}
		s.mu.Lock()
		changed := s.changed
		s.mu.Unlock()
		st := s.status(m.rt.Name())
		if cond(st) {
			return st, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// Target returns the runtime address of a running session's preview.
func (m *Manager) Target(id string) (string, error) {
	s, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Running {
		return "", &stateError{id: id, kind: errForState(s.state), cause: errString(s.lastErr)}
	}
	return s.runtimeURL, nil
}

func errForState(st State) error {
	switch st {
	case Provisioning:
		return ErrProvisioning
	case Degraded:
		return ErrDegraded
	default:
		return ErrClosed
	}
}

// Shutdown rejects new sessions, aborts provisioning and terminates every
// live sandbox concurrently.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()

	all := m.all()
	for _, s := range all {
		s.requestClose(ErrShutdown)
	}
	m.halt()

	var g errgroup.Group
	for _, s := range all {
		g.Go(func() error {
			return m.closeSession(ctx, s, ErrShutdown)
		})
	}
	err := g.Wait()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	m.log.Info("session manager stopped", "sessions", len(all))
	return err
}

func (m *Manager) lookup(id string) (*session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

func (m *Manager) all() []*session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// setState records a transition and wakes waiters. A non-nil cause becomes
// the session's last error.
func (m *Manager) setState(s *session, to State, cause error) {
	now := m.now()
	s.mu.Lock()
	from := s.state
	s.state = to
	s.since = now
	if cause != nil {
		s.lastErr = cause
	}
	if to == Closed {
		s.closedAt = now
	}
	if to != Running {
		s.failedProbes = 0
	}
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	m.log.Debug("session state", "session", s.id, "from", from, "to", to)
	m.publish(s.id, to, errString(cause))
}

func (m *Manager) publish(id string, st State, data string) {
	typ := eventbus.TypeState
	if data != "" {
		typ = eventbus.TypeError
	}
	m.bus.Publish(&eventbus.Event{SessionID: id, Type: typ, State: st.String(), Data: data})
}

func (m *Manager) saveSnapshot(s *session, root *tree.Node) {
	if m.sink == nil || s.projectID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.sink.SaveSnapshot(ctx, s.projectID, root); err != nil {
		m.log.Warn("saving project snapshot failed", "session", s.id, "project", s.projectID, "error", err)
	}
}

// requestClose flags s for teardown. The first cause wins.
func (s *session) requestClose(cause error) {
	s.mu.Lock()
	if s.closeCause == nil {
		s.closeCause = cause
	}
	s.mu.Unlock()
	s.canceled.Store(true)
}

func (s *session) pendingCloseCause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCause
}

func (s *session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) status(backend string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		ID:             s.id,
		State:          s.state,
		PreviewURL:     s.previewURL,
		LastError:      errString(s.lastErr),
		ProjectID:      s.projectID,
		Backend:        backend,
		CreatedAt:      s.created,
		LastActivityAt: s.lastActivity,
	}
	if s.snapshot != nil {
		st.Files, _ = s.snapshot.Count()
	}
	if s.state == Closed {
		t := s.closedAt
		st.ClosedAt = &t
		st.PreviewURL = ""
	}
	return st
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
