package session

import (
	"errors"
	"fmt"
	"time"
)

// State is a session's lifecycle state.
type State int

const (
	Provisioning State = iota
	Running
	Degraded
	Stopping
	Closed
)

var stateNames = [...]string{"provisioning", "running", "degraded", "stopping", "closed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", b)
}

// Terminal reports whether no further transitions happen, apart from purge.
func (s State) Terminal() bool { return s == Closed }

var (
	// ErrNotFound is returned for ids never issued or already purged.
	ErrNotFound = errors.New("session not found")
	// ErrDegraded rejects updates while the sandbox is unhealthy.
	ErrDegraded = errors.New("session degraded")
	// ErrClosed rejects updates to stopping or closed sessions.
	ErrClosed = errors.New("session closed")
	// ErrProvisioning rejects updates before the session is running.
	ErrProvisioning = errors.New("session still provisioning")
	// ErrShuttingDown rejects new sessions once Shutdown has begun.
	ErrShuttingDown = errors.New("session manager shutting down")
)

// Common lastError reasons.
var (
	ErrIdle      = errors.New("idle timeout")
	ErrUnhealthy = errors.New("sandbox unhealthy")
	ErrShutdown  = errors.New("server shutdown")
)

// Status is a read-only view of a session.
type Status struct {
	ID             string     `json:"sessionId"`
	State          State      `json:"state"`
	PreviewURL     string     `json:"previewUrl,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
	ProjectID      string     `json:"projectId,omitempty"`
	Backend        string     `json:"backend"`
	Files          int        `json:"files"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	ClosedAt       *time.Time `json:"closedAt,omitempty"`
}

// stateError wraps a sentinel with the session id and its recorded cause.
type stateError struct {
	id    string
	kind  error
	cause string
}

func (e *stateError) Error() string {
	if e.cause == "" {
		return fmt.Sprintf("session %s: %v", e.id, e.kind)
	}
	return fmt.Sprintf("session %s: %v: %s", e.id, e.kind, e.cause)
}

func (e *stateError) Unwrap() error { return e.kind }
