package sync

import (
	"errors"
	"fmt"

	"github.com/tavolalabs/tavola/syncd/internal/remote"
)

// FailureClass partitions sync failures by how callers must react.
type FailureClass int

const (
	// ClassTransient failures (network, timeouts) are retried through the
	// pending change queue and never surfaced as fatal.
	ClassTransient FailureClass = iota
	// ClassPermission failures flip the agent into degraded, cache-only
	// operation.
	ClassPermission
	// ClassCorrupt marks a malformed record; the record is skipped and the
	// rest of the collection keeps processing.
	ClassCorrupt
	// ClassLifecycle failures abort the whole operation and propagate to the
	// caller (for example connect with an invalid session).
	ClassLifecycle
)

func (c FailureClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermission:
		return "permission"
	case ClassCorrupt:
		return "corrupt"
	case ClassLifecycle:
		return "lifecycle"
	default:
		return "unknown"
	}
}

// SyncError carries an operation.reason code and a failure class so callers
// can branch on fatality without string matching.
type SyncError struct {
	code  string
	class FailureClass
	err   error
}

func (e *SyncError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *SyncError) Unwrap() error {
	return e.err
}

func (e *SyncError) Code() string {
	return e.code
}

func (e *SyncError) Class() FailureClass {
	return e.class
}

func newSyncError(operation, reason string, class FailureClass, cause error) error {
	return &SyncError{
		code:  fmt.Sprintf("%s.%s", operation, reason),
		class: class,
		err:   cause,
	}
}

// ClassOf extracts the failure class from an error chain. Remote store
// sentinels classify without wrapping; anything unknown is treated as
// transient so data is never dropped on an unrecognized failure.
func ClassOf(err error) FailureClass {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Class()
	}
	if errors.Is(err, remote.ErrPermissionDenied) {
		return ClassPermission
	}
	return ClassTransient
}
