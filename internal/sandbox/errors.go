package sandbox

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownHandle is returned for handles a runtime did not issue or has
// already forgotten.
var ErrUnknownHandle = errors.New("unknown sandbox handle")

// ProvisionKind classifies provisioning failures. All kinds are retryable by
// the caller.
type ProvisionKind int

const (
	BackendUnavailable ProvisionKind = iota
	QuotaExceeded
	ProvisionTimeout
)

func (k ProvisionKind) String() string {
	switch k {
	case QuotaExceeded:
		return "quota exceeded"
	case ProvisionTimeout:
		return "timeout"
	default:
		return "backend unavailable"
	}
}

// ProvisionError reports that no environment could be allocated.
type ProvisionError struct {
	Kind ProvisionKind
	Err  error
}

func (e *ProvisionError) Error() string {
	if e.Err == nil {
		return "provision: " + e.Kind.String()
	}
	return fmt.Sprintf("provision: %s: %v", e.Kind, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// ProvisionFailed wraps err as a *ProvisionError, classifying context
// deadlines as timeouts and everything else as an unavailable backend.
func ProvisionFailed(err error) error {
	var pe *ProvisionError
	if errors.As(err, &pe) {
		return err
	}
	kind := BackendUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ProvisionTimeout
	}
	return &ProvisionError{Kind: kind, Err: err}
}

// IOError reports a failed file operation inside a sandbox.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// RunError reports that the start command could not be spawned.
type RunError struct {
	Command string
	Err     error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %q: %v", e.Command, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// ExposeKind classifies port exposure failures.
type ExposeKind int

const (
	// ExposeTimeout means the port never became reachable within the ceiling.
	ExposeTimeout ExposeKind = iota
	// ExposeFailed means the runtime could not map the port at all.
	ExposeFailed
)

func (k ExposeKind) String() string {
	if k == ExposeFailed {
		return "failed"
	}
	return "timeout"
}

// ExposeError reports that a port could not be made reachable.
type ExposeError struct {
	Kind ExposeKind
	Port int
	Err  error
}

func (e *ExposeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("expose port %d: %s", e.Port, e.Kind)
	}
	return fmt.Sprintf("expose port %d: %s: %v", e.Port, e.Kind, e.Err)
}

func (e *ExposeError) Unwrap() error { return e.Err }

// IsExposeTimeout reports whether err is an *ExposeError of kind ExposeTimeout.
func IsExposeTimeout(err error) bool {
	var ee *ExposeError
	return errors.As(err, &ee) && ee.Kind == ExposeTimeout
}
