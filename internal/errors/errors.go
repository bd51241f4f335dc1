// Package errors consolidates error definitions for the vitals service.
//
// It provides:
// - API error codes used in HTTP responses
// - Sentinel errors for all error conditions
// - Error category checking functions
// - ErrorToCode and CodeToHTTPStatus mapping
// - Error wrapping utilities
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ============================================================================
// API error codes - used in HTTP error responses
// ============================================================================

const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodePointNotFound       = "POINT_NOT_FOUND"
	CodeSampleLimitExceeded = "SAMPLE_LIMIT_EXCEEDED"
	CodeStoreUnavailable    = "STORE_UNAVAILABLE"
	CodeNotFound            = "NOT_FOUND"
	CodeAlreadyRunning      = "ALREADY_RUNNING"
	CodeInternal            = "INTERNAL"
)

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	// Not found errors
	ErrNotFound         = errors.New("not found")
	ErrPointNotFound    = errors.New("point not found")
	ErrManifestNotFound = errors.New("manifest not found")
	ErrJobNotFound      = errors.New("job not found")

	// Validation errors
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidRange   = errors.New("invalid time range")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrMissingField   = errors.New("missing required field")

	// Result-size errors
	ErrSampleLimitExceeded = errors.New("sample limit exceeded")

	// Availability errors
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrUpstreamDown     = errors.New("upstream unavailable")
	ErrTimeout          = errors.New("timeout")
	ErrRateLimited      = errors.New("rate limited")

	// Integrity errors
	ErrManifestMismatch = errors.New("manifest does not match archive content")
	ErrChecksumMismatch = errors.New("archive checksum mismatch")

	// State errors
	ErrConcurrentModification = errors.New("concurrent modification detected (version mismatch)")
	ErrInvalidTransition      = errors.New("invalid state transition")
	ErrAlreadyRunning         = errors.New("job already running")
	ErrAlreadyArchived        = errors.New("day already archived")

	// Internal errors
	ErrInternal = errors.New("internal error")
	ErrDatabase = errors.New("database error")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPointNotFound) ||
		errors.Is(err, ErrManifestNotFound) ||
		errors.Is(err, ErrJobNotFound)
}

// IsValidation returns true if err is a request validation error.
// Validation errors are returned synchronously and never retried.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidRange) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField)
}

// IsUnavailable returns true if err indicates a store or upstream outage.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrUpstreamDown)
}

// IsIntegrity returns true if err is a verification failure.
// Integrity errors hard-stop any destructive action.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrManifestMismatch) ||
		errors.Is(err, ErrChecksumMismatch)
}

// IsRetriable returns true if the error is safely retriable.
// Verification failures and validation errors are never retriable in place.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrUpstreamDown)
}

// ============================================================================
// Error to API code mapping
// ============================================================================

// ErrorToCode maps a sentinel error to its API error code.
func ErrorToCode(err error) string {
	switch {
	case err == nil:
		return ""
	case Is(err, ErrPointNotFound):
		return CodePointNotFound
	case Is(err, ErrSampleLimitExceeded):
		return CodeSampleLimitExceeded
	case IsUnavailable(err):
		return CodeStoreUnavailable
	case IsValidation(err):
		return CodeInvalidRequest
	case Is(err, ErrAlreadyRunning):
		return CodeAlreadyRunning
	case IsNotFound(err):
		return CodeNotFound
	default:
		return CodeInternal
	}
}

// CodeToHTTPStatus maps an API error code to an HTTP status.
func CodeToHTTPStatus(code string) int {
	switch code {
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodePointNotFound, CodeNotFound:
		return http.StatusNotFound
	case CodeSampleLimitExceeded:
		return http.StatusRequestEntityTooLarge
	case CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	case CodeAlreadyRunning:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidRequest)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewPointNotFound creates a point-not-found error carrying name suggestions.
func NewPointNotFound(name string, suggestions []string) error {
	return &PointNotFoundError{Name: name, Suggestions: suggestions}
}

// PointNotFoundError reports an unknown point name with close alternatives.
type PointNotFoundError struct {
	Name        string
	Suggestions []string
}

func (e *PointNotFoundError) Error() string {
	if len(e.Suggestions) == 0 {
		return fmt.Sprintf("point '%s': %v", e.Name, ErrPointNotFound)
	}
	return fmt.Sprintf("point '%s' (did you mean %v): %v", e.Name, e.Suggestions, ErrPointNotFound)
}

func (e *PointNotFoundError) Unwrap() error {
	return ErrPointNotFound
}
