package domain

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrDuplicateExecution is returned when an execution id is recorded again
	// with a different workflow or input payload.
	ErrDuplicateExecution = errors.New("execution already recorded with a different payload")

	ErrExecutionNotFound = errors.New("execution not found")
	ErrScheduleNotFound  = errors.New("schedule not found")
	ErrDuplicateTask     = errors.New("task id already exists")
)

// ConfigurationError is a fatal startup error: a required setting is missing or invalid.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
}

// StorageError marks a failure of the backing database. It is fatal to the
// current invocation only.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err with the failed operation name. Nil stays nil.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// IsStorageError reports whether err (or anything it wraps) is a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
