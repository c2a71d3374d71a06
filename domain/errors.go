package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// ValidationError reports a malformed input rejected before any write.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ConflictError is returned when the stored version no longer matches the
// version the caller based its change on.
type ConflictError struct {
	TaskID   string
	Expected int64
	Current  int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("task %s: expected version %d, current version %d", e.TaskID, e.Expected, e.Current)
}

func (e *ConflictError) Unwrap() error { return ErrConcurrencyConflict }

// IsConflict reports whether err is a version conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}
