package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested entity or version does not exist.
	ErrNotFound = errors.New("not found")
	// ErrMissingReference fails a whole batched lookup when any requested id is absent.
	ErrMissingReference = errors.New("missing referenced record")
)

// ConfigurationError is raised while mirroring schemas at startup.
type ConfigurationError struct {
	EntityType string
	Reason     string
}

func (e *ConfigurationError) Error() string {
	if e.EntityType == "" {
		return fmt.Sprintf("versioning configuration: %s", e.Reason)
	}
	return fmt.Sprintf("versioning configuration for %q: %s", e.EntityType, e.Reason)
}

// NewConfigurationError builds a ConfigurationError.
func NewConfigurationError(entityType, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{EntityType: entityType, Reason: fmt.Sprintf(format, args...)}
}

// InvalidQueryError reports contradictory or unknown query parameters.
type InvalidQueryError struct {
	Reason string
	Err    error
}

func (e *InvalidQueryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid query: %s: %v", e.Reason, e.Err)
	}
	return "invalid query: " + e.Reason
}

func (e *InvalidQueryError) Unwrap() error { return e.Err }

// NewInvalidQueryError builds an InvalidQueryError.
func NewInvalidQueryError(format string, args ...any) *InvalidQueryError {
	return &InvalidQueryError{Reason: fmt.Sprintf(format, args...)}
}

// VersioningInvariantError signals a programmer or data error in version bookkeeping.
type VersioningInvariantError struct {
	EntityType string
	EntityID   int64
	Reason     string
	Err        error
}

func (e *VersioningInvariantError) Error() string {
	msg := fmt.Sprintf("versioning invariant violated for %s %d: %s", e.EntityType, e.EntityID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *VersioningInvariantError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsInvalidQuery reports whether err is or wraps an InvalidQueryError.
func IsInvalidQuery(err error) bool {
	var target *InvalidQueryError
	return errors.As(err, &target)
}

// IsInvariantViolation reports whether err is or wraps a VersioningInvariantError.
func IsInvariantViolation(err error) bool {
	var target *VersioningInvariantError
	return errors.As(err, &target)
}
