package domain

import (
	"errors"
	"fmt"
)

// ValidationError rejects a single malformed event or filter.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// NotFoundError reports an unknown project, thread or run.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// DegradedError marks a condition that was replaced by a neutral outcome.
// It is logged, never returned to callers of the compiler or evaluators.
type DegradedError struct {
	Reason string
	Err    error
}

func (e *DegradedError) Error() string {
	if e.Err == nil {
		return "degraded: " + e.Reason
	}
	return fmt.Sprintf("degraded: %s: %v", e.Reason, e.Err)
}

func (e *DegradedError) Unwrap() error { return e.Err }

// PersistenceError wraps a storage failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a NotFoundError.
func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// Persistence wraps err as a PersistenceError, passing nil and
// already-classified errors through untouched.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var v *ValidationError
	var nf *NotFoundError
	var p *PersistenceError
	if errors.As(err, &v) || errors.As(err, &nf) || errors.As(err, &p) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsPersistence reports whether err is a PersistenceError.
func IsPersistence(err error) bool {
	var p *PersistenceError
	return errors.As(err, &p)
}
