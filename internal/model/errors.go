package model

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrResourceBusy    = errors.New("resource busy")
	ErrNotFound        = errors.New("task not found")
	ErrAlreadyTerminal = errors.New("task already terminal")
	ErrShuttingDown    = errors.New("service is shutting down")
)

// InvalidRequestError is returned when type, action, target or qualifier
// do not form a known operation.
type InvalidRequestError struct {
	Field  string
	Value  string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *InvalidRequestError) Is(target error) bool {
	return target == ErrInvalidRequest
}

// ResourceBusyError is returned when another non-terminal task holds the
// resource key.
type ResourceBusyError struct {
	ResourceKey string
	TaskID      string
}

func (e *ResourceBusyError) Error() string {
	return fmt.Sprintf("resource %s is busy: held by task %s", e.ResourceKey, e.TaskID)
}

func (e *ResourceBusyError) Is(target error) bool {
	return target == ErrResourceBusy
}

// TaskNotFoundError is returned when a task ID is unknown or was evicted.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

func (e *TaskNotFoundError) Is(target error) bool {
	return target == ErrNotFound
}
