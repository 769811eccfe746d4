package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is; the typed errors below carry detail.
var (
	ErrValidation              = errors.New("validation failed")
	ErrDuplicateConnection     = errors.New("duplicate connection")
	ErrStateConflict           = errors.New("claim state conflict")
	ErrSignalSourceUnavailable = errors.New("signal source unavailable")
	ErrPersistence             = errors.New("persistence failure")
	ErrNotFound                = errors.New("not found")
	ErrIneligible              = errors.New("outage not eligible for credit")
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// DuplicateConnectionError reports a second connection for the same provider and zip.
type DuplicateConnectionError struct {
	ProviderID string
	ZipCode    string
}

func (e *DuplicateConnectionError) Error() string {
	return fmt.Sprintf("connection for provider %s at zip %s already exists", e.ProviderID, e.ZipCode)
}

func (e *DuplicateConnectionError) Is(target error) bool { return target == ErrDuplicateConnection }

// StateConflictError reports an operation not allowed from the claim's current status.
type StateConflictError struct {
	ClaimID string
	From    ClaimStatus
	Op      string
	Detail  string
}

func (e *StateConflictError) Error() string {
	msg := fmt.Sprintf("cannot %s claim %s in status %s", e.Op, e.ClaimID, e.From)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *StateConflictError) Is(target error) bool { return target == ErrStateConflict }

// PersistenceError wraps a storage failure. The operation can be retried.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// IneligibleError reports why an outage does not qualify for credit.
type IneligibleError struct {
	Reason string
}

func (e *IneligibleError) Error() string {
	return "outage not eligible for credit: " + e.Reason
}

func (e *IneligibleError) Is(target error) bool { return target == ErrIneligible }

// NotFound builds an ErrNotFound for a kind of entity.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

// IsRetryable reports whether an error may succeed if the caller tries again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistence) || errors.Is(err, ErrSignalSourceUnavailable)
}
