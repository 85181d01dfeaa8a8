package driftsync

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the driftsync package.
var (
	// ErrClosed is returned when operations are attempted on a stopped service.
	ErrClosed = errors.New("service is closed")

	// ErrVersionNotFound is returned when a referenced version does not exist.
	ErrVersionNotFound = errors.New("version not found")

	// ErrEntityNotFound is returned when an entity has no versions.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrIntegrityViolation is returned when a checksum does not match its payload.
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrNeedsUserInput indicates a conflict could not be resolved automatically.
	// It is a deferral, not a failure: callers must re-submit a resolution.
	ErrNeedsUserInput = errors.New("conflict needs user input")

	// ErrQueueFull is returned when the offline queue has reached its size limit.
	ErrQueueFull = errors.New("offline queue full")

	// ErrRetriesExhausted is returned when an operation exceeds its retry budget.
	ErrRetriesExhausted = errors.New("max retries exhausted")

	// ErrDeviceNotFound is returned when a device ID is not registered.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrDeviceLimit is returned when a user exceeds the per-user device cap.
	ErrDeviceLimit = errors.New("device limit reached")

	// ErrNotConnected is returned when a message targets a device with no session.
	ErrNotConnected = errors.New("device not connected")

	// ErrNotAuthenticated is returned for requests on unauthenticated sessions.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrRateLimited is returned when a caller exceeds the request budget.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrInvalidRequest is returned for malformed sync requests.
	ErrInvalidRequest = errors.New("invalid sync request")

	// ErrInvalidConfig is returned for unusable configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrBranchNotFound is returned when a named branch does not exist.
	ErrBranchNotFound = errors.New("branch not found")

	// ErrMergeNotFastForward is returned when a fast-forward merge is requested
	// but the target is not an ancestor of the source.
	ErrMergeNotFastForward = errors.New("merge is not fast-forward")
)

// SyncErrorType categorizes synchronization failures.
type SyncErrorType int

const (
	// SyncErrorTypeUnknown is an unclassified error.
	SyncErrorTypeUnknown SyncErrorType = iota
	// SyncErrorTypeConnection indicates a transport failure.
	SyncErrorTypeConnection
	// SyncErrorTypeAuth indicates an authentication or authorization failure.
	SyncErrorTypeAuth
	// SyncErrorTypeConflict indicates a conflict-resolution failure.
	SyncErrorTypeConflict
	// SyncErrorTypeVersion indicates a missing or corrupt version.
	SyncErrorTypeVersion
	// SyncErrorTypeDevice indicates an unreachable or incapable target device.
	SyncErrorTypeDevice
	// SyncErrorTypeQueue indicates offline-queue exhaustion.
	SyncErrorTypeQueue
	// SyncErrorTypeValidation indicates a malformed request.
	SyncErrorTypeValidation
)

// SyncError provides detailed information about synchronization failures.
type SyncError struct {
	Type     SyncErrorType
	Message  string
	EntityID string
	DeviceID string
	Cause    error
}

func (e *SyncError) Error() string {
	msg := e.Message
	if e.EntityID != "" {
		msg = fmt.Sprintf("%s [entity %s]", msg, e.EntityID)
	}
	if e.DeviceID != "" {
		msg = fmt.Sprintf("%s [device %s]", msg, e.DeviceID)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for SyncError.
func (e *SyncError) Is(target error) bool {
	switch e.Type {
	case SyncErrorTypeAuth:
		return target == ErrNotAuthenticated
	case SyncErrorTypeVersion:
		return target == ErrVersionNotFound
	case SyncErrorTypeDevice:
		return target == ErrDeviceNotFound || target == ErrNotConnected
	case SyncErrorTypeQueue:
		return target == ErrRetriesExhausted
	case SyncErrorTypeValidation:
		return target == ErrInvalidRequest
	}
	return false
}

func newSyncError(errType SyncErrorType, message string, cause error) *SyncError {
	return &SyncError{Type: errType, Message: message, Cause: cause}
}

// IntegrityError reports a checksum mismatch on a stored record. Integrity
// failures are never repaired silently: they are counted and rejected.
type IntegrityError struct {
	Kind     string // "version" or "event"
	ID       string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s %s checksum mismatch: expected %s, got %s",
		e.Kind, e.ID, e.Expected, e.Actual)
}

// Is implements error matching for IntegrityError.
func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrityViolation
}
