// Package apperr holds the error taxonomy shared by the realtime services.
//
// Per-item failures (one channel, one sync operation, one handler) are
// reported with these values and recorded on the owning resource. Only
// validation, capacity and system-level faults cross a component boundary.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrCapacityExceeded  = errors.New("capacity exceeded")
	ErrTransientDelivery = errors.New("transient delivery failure")
	ErrPermanentDelivery = errors.New("permanent delivery failure")
	ErrConflictDetected  = errors.New("conflict detected")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyResolved   = errors.New("conflict already resolved")
	ErrUnavailable       = errors.New("dependency unavailable")
)

// ValidationError describes a request rejected before it had any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Transient wraps err so errors.Is(err, ErrTransientDelivery) holds.
func Transient(err error) error {
	if err == nil {
		return ErrTransientDelivery
	}
	return fmt.Errorf("%w: %w", ErrTransientDelivery, err)
}

// Permanent wraps err so errors.Is(err, ErrPermanentDelivery) holds.
func Permanent(err error) error {
	if err == nil {
		return ErrPermanentDelivery
	}
	return fmt.Errorf("%w: %w", ErrPermanentDelivery, err)
}

// Unavailable marks a system-level fault of a collaborator.
func Unavailable(what string, err error) error {
	return fmt.Errorf("%s: %w: %w", what, ErrUnavailable, err)
}

// IsPermanent reports whether a delivery error must not be retried.
// Anything not explicitly permanent is treated as retryable.
func IsPermanent(err error) bool {
	return err != nil && errors.Is(err, ErrPermanentDelivery)
}

// HTTPStatus maps an error to the status code the API answers with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, ErrCapacityExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Message trims wrapped sentinel prefixes for user-facing responses.
func Message(err error) string {
	var v *ValidationError
	if errors.As(err, &v) {
		return v.Error()
	}
	return strings.TrimSpace(err.Error())
}
