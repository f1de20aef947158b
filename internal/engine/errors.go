package engine

import (
	"errors"
	"fmt"
)

// SyncError represents an error detected while delivering a queue item.
//
// Sync errors include:
//   - Transient: network, timeout, rate limit, credential refresh failure
//   - Validation: structural defect in the payload, never retried
//   - Destination order violation: a later destination was about to run
//     before an earlier one succeeded
//   - Unknown entity type: no strategy registered
//   - Local store: the local cache could not record the outcome
//
// The item's LastError and ErrorKind are taken from the SyncError.
type SyncError struct {
	// Code identifies the error category.
	Code SyncErrorCode

	// Message is a human-readable description.
	Message string

	// ItemID identifies the affected queue item.
	ItemID string

	// Destination is the destination tag being delivered to, if any.
	Destination string

	// Err is the underlying cause.
	Err error
}

// SyncErrorCode categorizes sync errors.
type SyncErrorCode string

const (
	// ErrCodeTransient indicates a failure worth retrying with backoff.
	ErrCodeTransient SyncErrorCode = "TRANSIENT_ERROR"

	// ErrCodeValidation indicates a permanent payload defect.
	ErrCodeValidation SyncErrorCode = "VALIDATION_ERROR"

	// ErrCodeOrderViolation indicates destinations were about to run out of order.
	ErrCodeOrderViolation SyncErrorCode = "DESTINATION_ORDER_VIOLATION"

	// ErrCodeUnknownEntityType indicates no strategy is registered for the type.
	ErrCodeUnknownEntityType SyncErrorCode = "UNKNOWN_ENTITY_TYPE"

	// ErrCodeLocalStore indicates the local cache rejected a write.
	ErrCodeLocalStore SyncErrorCode = "LOCAL_STORE_ERROR"
)

var (
	// ErrOffline is returned by ForceDrain while the manager is offline.
	ErrOffline = errors.New("sync manager is offline")

	// ErrItemNotFound is returned for an unknown queue item id.
	ErrItemNotFound = errors.New("queue item not found")

	// ErrNotFailed is returned when requeueing or discarding an item that
	// has not failed.
	ErrNotFailed = errors.New("queue item has not failed")
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Destination != "" {
		return fmt.Sprintf("%s: %s (item=%s, destination=%s)", e.Code, msg, e.ItemID, e.Destination)
	}
	if e.ItemID != "" {
		return fmt.Sprintf("%s: %s (item=%s)", e.Code, msg, e.ItemID)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// Permanent reports whether the error must not be retried.
func (e *SyncError) Permanent() bool {
	return e.Code != ErrCodeTransient
}

func hasCode(err error, code SyncErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsTransientError returns true if the error is a retryable sync error.
// Uses errors.As to handle wrapped errors.
func IsTransientError(err error) bool {
	return hasCode(err, ErrCodeTransient)
}

// IsOrderViolation returns true if the error is a destination order violation.
func IsOrderViolation(err error) bool {
	return hasCode(err, ErrCodeOrderViolation)
}

// IsUnknownEntityType returns true if no strategy was registered for the item.
func IsUnknownEntityType(err error) bool {
	return hasCode(err, ErrCodeUnknownEntityType)
}

// NewUnknownEntityTypeError creates a SyncError for an unregistered type.
func NewUnknownEntityTypeError(entityType string) *SyncError {
	return &SyncError{
		Code:    ErrCodeUnknownEntityType,
		Message: fmt.Sprintf("no strategy registered for entity type %q", entityType),
	}
}

// NewOrderViolationError creates a SyncError for a destination attempted
// before its predecessor succeeded.
func NewOrderViolationError(itemID, dest, pending string) *SyncError {
	return &SyncError{
		Code:        ErrCodeOrderViolation,
		Message:     fmt.Sprintf("destination attempted before %q succeeded", pending),
		ItemID:      itemID,
		Destination: dest,
	}
}
