package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the error taxonomy. Callers use errors.Is against
// these, and concrete failures wrap them with fmt.Errorf("...: %w", ...),
// following the same convention as the orchestrator's stage-failure wrapping.
var (
	// ErrConfigInvalid means a WorkflowDefinition or Step failed validation
	// (bad DAG, unknown step type, missing required config field).
	ErrConfigInvalid = errors.New("config invalid")

	// ErrResourceDenied means the resource pool could not admit a step's
	// requested allocation within its deadline.
	ErrResourceDenied = errors.New("resource denied")

	// ErrStepFailed means a step (inline or delegated) returned a terminal
	// failure after exhausting its retry policy.
	ErrStepFailed = errors.New("step failed")

	// ErrCheckpointCorrupted means a loaded checkpoint's checksum did not
	// match its payload.
	ErrCheckpointCorrupted = errors.New("checkpoint corrupted")

	// ErrHumanRejected means a human task gate was resolved with a reject
	// decision.
	ErrHumanRejected = errors.New("human task rejected")

	// ErrHumanTimeout means a human task gate was not resolved within its
	// deadline.
	ErrHumanTimeout = errors.New("human task timed out")

	// ErrOperatorCancelled means an external operator call was cancelled by
	// its context before completing.
	ErrOperatorCancelled = errors.New("operator cancelled")

	// ErrStoreUnavailable means the persistence store could not service a
	// read or write (disk I/O failure, locked file beyond retry budget).
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrCancelled means the execution itself was cancelled by its owner.
	ErrCancelled = errors.New("execution cancelled")

	// ErrNotFound is a generic sentinel for missing rows across every
	// store accessor (workflow definitions, executions, checkpoints, tasks).
	ErrNotFound = errors.New("not found")
)

func wrapConfigInvalid(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrConfigInvalid)
}

func wrapConfigInvalidf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrConfigInvalid)...)
}
