package utils

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("record not found")
	ErrConflict            = errors.New("concurrent modification")
	ErrInternalConsistency = errors.New("internal consistency violation")
)

// ErrorRecordNotFound is kept for callers that compare against the generic sentinel.
var ErrorRecordNotFound = ErrNotFound

// ValidationError carries field -> reason pairs. The caller may fix the input and retry.
type ValidationError struct {
	Fields map[string]string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: reason}}
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

type NotFoundError struct {
	Resource string
	Id       any
}

func NewNotFoundError(resource string, id any) *NotFoundError {
	return &NotFoundError{Resource: resource, Id: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %v not found", e.Resource, e.Id)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError means another writer changed the record first; retrying is safe.
type ConflictError struct {
	Resource string
	Id       any
}

func NewConflictError(resource string, id any) *ConflictError {
	return &ConflictError{Resource: resource, Id: id}
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %v was modified concurrently", e.Resource, e.Id)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// InternalConsistencyError reports ledger drift. It is never corrected in place.
type InternalConsistencyError struct {
	UserId  int
	Field   string
	Current int64
	Delta   int64
	Detail  string
}

func (e *InternalConsistencyError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("user %d: %s: %s", e.UserId, e.Field, e.Detail)
	}
	return fmt.Sprintf("user %d: ledger field %s would become negative (current=%d delta=%d)",
		e.UserId, e.Field, e.Current, e.Delta)
}

func (e *InternalConsistencyError) Is(target error) bool { return target == ErrInternalConsistency }
