/*
errors.go - Centralized error types for the register

ERROR CATEGORIES:
  1. Not found   - owner, sale or closing cannot be resolved
  2. Client      - validation failures, forbidden access, lock contention
  3. Store       - driver/connectivity failures, always opaque to clients

USAGE:
  Stores wrap driver errors with ErrStore so callers can tell a failed
  computation apart from a legitimate empty result:

    return nil, fmt.Errorf("%w: sum by method: %v", register.ErrStore, err)

SEE ALSO:
  - api/errors.go: maps these errors to HTTP status codes
*/
package register

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrOwnerNotFound means the session identity has no stored user record.
	ErrOwnerNotFound = errors.New("owner not found")

	ErrTransactionNotFound = errors.New("transaction not found")
	ErrClosingNotFound     = errors.New("closing not found")

	// ErrValidation is the parent of every *ValidationError.
	ErrValidation = errors.New("validation failed")

	ErrForbidden = errors.New("forbidden")

	// ErrClosingDeleteDisabled is returned when the deployment does not allow
	// closings to be deleted.
	ErrClosingDeleteDisabled = errors.New("closing deletion is disabled")

	// ErrCloseInProgress is returned when another close for the same owner
	// holds the closing lock.
	ErrCloseInProgress = errors.New("close already in progress")

	ErrDuplicateUser = errors.New("user already exists")

	// ErrUserInUse is returned when a user still owns sales or closings.
	ErrUserInUse = errors.New("user has sales or closings")

	// ErrStore wraps failures of the underlying store.
	ErrStore = errors.New("store failure")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOwnerNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrClosingNotFound)
}

// IsClientError returns true if the error is due to the caller's input or rights.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrClosingDeleteDisabled) ||
		errors.Is(err, ErrCloseInProgress) ||
		errors.Is(err, ErrDuplicateUser) ||
		errors.Is(err, ErrUserInUse)
}
