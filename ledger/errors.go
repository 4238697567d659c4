/*
errors.go - Centralized error types for the ledger engine

ERROR CATEGORIES:
  1. Input errors - rejected before any storage call
  2. Storage errors - the append failed, nothing changed
  3. Orphaned events - the append succeeded but the balance increment did
     not; the event is durable and the aggregate under-counts it until
     reconciled (see reconcile.go)

USAGE:
  if ledger.IsInputError(err) {
      // caller can fix and resubmit
  }
  var orphan *ledger.OrphanedEventError
  if errors.As(err, &orphan) {
      // orphan.Event exists without a balance delta
  }
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrZeroAmount         = errors.New("amount must be non-zero")
	ErrUnknownSource      = errors.New("unknown karma source")
	ErrInvalidID          = errors.New("invalid identifier")
	ErrDescriptionTooLong = errors.New("description too long")
	ErrMetadataTooLarge   = errors.New("metadata too large")
	ErrInvalidCursor      = errors.New("invalid cursor")
	ErrInvalidPageSize    = errors.New("invalid page size")

	// ErrAppendFailed wraps any storage failure while writing the event.
	ErrAppendFailed = errors.New("append karma event failed")

	// ErrBalanceNotUpdated marks the window where an event was written
	// but its balance delta was not applied.
	ErrBalanceNotUpdated = errors.New("karma event written without balance update")

	// ErrBalanceOverflow is returned when a delta would take the total
	// outside the int64 range. Nothing is written.
	ErrBalanceOverflow = errors.New("karma balance out of range")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field string
	Value string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("%s %q: %v", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// OrphanedEventError carries the event that was appended when the
// following balance increment failed.
type OrphanedEventError struct {
	Event KarmaEvent
	Err   error
}

func (e *OrphanedEventError) Error() string {
	return fmt.Sprintf("karma event %s for %s written without balance update: %v",
		e.Event.ID, e.Event.Scope(), e.Err)
}

// Unwrap exposes both the marker and the underlying store error.
func (e *OrphanedEventError) Unwrap() []error {
	return []error{ErrBalanceNotUpdated, e.Err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsInputError returns true for errors the caller can fix by resubmitting.
func IsInputError(err error) bool {
	return errors.Is(err, ErrZeroAmount) ||
		errors.Is(err, ErrUnknownSource) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrDescriptionTooLong) ||
		errors.Is(err, ErrMetadataTooLarge) ||
		errors.Is(err, ErrInvalidCursor) ||
		errors.Is(err, ErrInvalidPageSize) ||
		errors.Is(err, ErrBalanceOverflow)
}

// IsOrphanedEvent returns true if err reports an event with no balance delta.
func IsOrphanedEvent(err error) bool {
	return errors.Is(err, ErrBalanceNotUpdated)
}
