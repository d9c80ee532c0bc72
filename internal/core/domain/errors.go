package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned when a cycle cannot start: no reference point,
	// no targets, or a zero search radius.
	ErrInvalidInput = errors.New("missing source or targets")

	// ErrNonConvergence marks a geodesic computation that exhausted its iteration budget.
	ErrNonConvergence = errors.New("solver did not converge")

	// ErrWorkerFailure marks an execution unit that panicked or could not be reached.
	ErrWorkerFailure = errors.New("worker failure")

	// ErrNotFound is returned when no completed proximity result exists yet.
	ErrNotFound = errors.New("not found")
)

// CycleError is the structured failure attached to an update-error event.
type CycleError struct {
	Generation uint64
	Offset     int
	TargetID   string
	Err        error
}

func (e *CycleError) Error() string {
	if e.TargetID != "" {
		return fmt.Sprintf("generation %d chunk %d target %s: %v", e.Generation, e.Offset, e.TargetID, e.Err)
	}
	return fmt.Sprintf("generation %d chunk %d: %v", e.Generation, e.Offset, e.Err)
}

func (e *CycleError) Unwrap() error { return e.Err }

// Kind returns a short machine-readable failure kind.
func (e *CycleError) Kind() string {
	return ErrorKind(e.Err)
}

// ErrorKind classifies err into one of the proximity failure kinds.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrNonConvergence):
		return "solver_non_convergence"
	case errors.Is(err, ErrWorkerFailure):
		return "worker_failure"
	default:
		return "unknown"
	}
}
