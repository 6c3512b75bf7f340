package session

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jxucoder/remoterunner/internal/eventbus"
	"github.com/jxucoder/remoterunner/internal/sandbox"
)

// Run sweeps every ReapInterval until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()
	m.log.Info("reaper started", "interval", m.cfg.ReapInterval, "idle_timeout", m.cfg.IdleTimeout)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep makes one pass over the registry: health checks running sessions,
// attempts recovery of degraded ones, evicts idle sessions and purges closed
// sessions past retention. Sessions are handled concurrently.
func (m *Manager) Sweep(ctx context.Context) {
	now := m.now()
	var g errgroup.Group
	g.SetLimit(m.cfg.SweepConcurrency)
	for _, s := range m.all() {
		g.Go(func() error {
			m.reap(ctx, s, now)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) reap(ctx context.Context, s *session, now time.Time) {
	s.mu.Lock()
	state, h := s.state, s.handle
	idle := now.Sub(s.lastActivity) >= m.cfg.IdleTimeout
	expired := state == Closed && now.Sub(s.closedAt) >= m.cfg.Retention
	s.mu.Unlock()

	switch {
	case expired:
		m.purge(s.id)
	case (state == Running || state == Degraded) && idle:
		m.evictIdle(ctx, s, now)
	case state == Running:
		m.checkHealth(ctx, s, h)
	case state == Degraded:
		m.recover(ctx, s, now)
	}
}

func (m *Manager) purge(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.purged[id] = struct{}{}
	m.mu.Unlock()
	m.log.Debug("session purged", "session", id)
}

func (m *Manager) evictIdle(ctx context.Context, s *session, now time.Time) {
	if err := s.lock.Lock(ctx); err != nil {
		return
	}
	defer s.lock.Unlock()

	s.mu.Lock()
	state, last := s.state, s.lastActivity
	s.mu.Unlock()
	if (state != Running && state != Degraded) || now.Sub(last) < m.cfg.IdleTimeout {
		return
	}
	m.log.Info("evicting idle session", "session", s.id, "idle", now.Sub(last).Round(time.Second))
	m.stop(s, ErrIdle)
}

// probe runs a health check bounded by HealthTimeout. A check that does not
// answer in time counts as Unknown.
func (m *Manager) probe(ctx context.Context, h *sandbox.Handle) sandbox.Health {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.HealthTimeout)
	defer cancel()
	res := make(chan sandbox.Health, 1)
	go func() { res <- m.rt.HealthCheck(ctx, h) }()
	select {
	case health := <-res:
		return health
	case <-ctx.Done():
		return sandbox.HealthUnknown
	}
}

func (m *Manager) checkHealth(ctx context.Context, s *session, h *sandbox.Handle) {
	if h == nil {
		return
	}
	health := m.probe(ctx, h)

	if err := s.lock.Lock(ctx); err != nil {
		return
	}
	defer s.lock.Unlock()

	s.mu.Lock()
	if s.state != Running || s.handle != h {
		s.mu.Unlock()
		return
	}
	if health == sandbox.HealthAlive {
		s.failedProbes = 0
		s.mu.Unlock()
		return
	}
	s.failedProbes++
	failed := s.failedProbes
	s.mu.Unlock()

	m.log.Warn("sandbox health check failed", "session", s.id, "health", health, "consecutive", failed)
	m.bus.Publish(&eventbus.Event{
		SessionID: s.id,
		Type:      eventbus.TypeHealth,
		State:     Running.String(),
		Data:      fmt.Sprintf("%s (%d/%d)", health, failed, m.cfg.FailedProbes),
	})
	if failed >= m.cfg.FailedProbes {
		m.setState(s, Degraded, fmt.Errorf("%w: %d consecutive health checks returned %s", ErrUnhealthy, failed, health))
	}
}

// recover makes the single re-provision attempt for a degraded session,
// bounded by what is left of its grace window. Sessions degraded past the
// window are stopped.
func (m *Manager) recover(ctx context.Context, s *session, now time.Time) {
	if err := s.lock.Lock(ctx); err != nil {
		return
	}
	defer s.lock.Unlock()

	s.mu.Lock()
	state, since, lastErr := s.state, s.since, s.lastErr
	s.mu.Unlock()
	if state != Degraded {
		return
	}
	left := m.cfg.DegradedTimeout - now.Sub(since)
	if left <= 0 {
		m.stop(s, fmt.Errorf("degraded for over %s: %w", m.cfg.DegradedTimeout, lastErr))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, left)
	defer cancel()
	ctx, span := m.tracer.Start(ctx, "session.reprovision", trace.WithAttributes(attribute.String("session.id", s.id)))
	err := m.reprovision(ctx, s)
	endSpan(span, err)
	if err != nil {
		m.log.Error("session recovery failed", "session", s.id, "error", err)
		m.stop(s, fmt.Errorf("recovery after %v: %w", lastErr, err))
		return
	}
	m.log.Info("session recovered", "session", s.id)
	m.setState(s, Running, nil)
}

// reprovision replaces a session's sandbox with a fresh one holding the
// last known-good snapshot. Callers hold the session lock.
func (m *Manager) reprovision(ctx context.Context, s *session) error {
	s.mu.Lock()
	old, root := s.handle, s.snapshot
	s.handle = nil
	s.mu.Unlock()
	if old != nil {
		m.terminate(old)
	}

	h, err := m.rt.Provision(ctx, m.hints(s))
	if err != nil {
		return fmt.Errorf("provision: %w", err)
	}
	fail := func(step string, err error) error {
		m.terminate(h)
		return fmt.Errorf("%s: %w", step, err)
	}
	if root != nil {
		if err := m.mat.Materialize(ctx, h, root); err != nil {
			return fail("materialize", err)
		}
	}
	if _, err := m.rt.Run(ctx, h, s.command); err != nil {
		return fail("run", err)
	}
	u, err := m.rt.ExposePort(ctx, h, h.Port)
	if err != nil {
		return fail("expose", err)
	}

	s.mu.Lock()
	s.handle = h
	s.runtimeURL = u
	s.previewURL = m.previewURL(s.id, u)
	s.dirty = false
	s.mu.Unlock()
	return nil
}
