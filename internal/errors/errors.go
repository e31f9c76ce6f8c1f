package errors

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrNotFound           = errors.New("not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrTimeout            = errors.New("timeout")
	ErrInvalidInput       = errors.New("invalid input")
	ErrNoIdentity         = errors.New("no authenticated identity")
	ErrBillingUnavailable = errors.New("billing provider unavailable")
	ErrProfileWrite       = errors.New("profile store write failed")
	ErrInternal           = errors.New("internal error")
)

// Kind represents the category of a reconciliation failure
type Kind string

const (
	KindBilling    Kind = "billing_unreachable"
	KindProfile    Kind = "profile_write_failed"
	KindCache      Kind = "cache_io"
	KindAuth       Kind = "auth"
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindTimeout    Kind = "timeout"
	KindInternal   Kind = "internal"
)

// SyncError is a structured error for collaborator calls made during a sync
type SyncError struct {
	Kind       Kind
	Op         string // Operation that failed (e.g., "query_active_tier", "write_tier")
	Target     string // Collaborator name (e.g., "revenuecat", "supabase")
	Err        error  // Underlying error
	StatusCode int    // HTTP status code if applicable
	Timestamp  time.Time
	Retryable  bool
}

func (e *SyncError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Target, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *SyncError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrBillingUnavailable:
		return e.Kind == KindBilling
	case ErrProfileWrite:
		return e.Kind == KindProfile
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrUnauthorized:
		return e.Kind == KindAuth
	case ErrTimeout:
		return e.Kind == KindTimeout || errors.Is(e.Err, context.DeadlineExceeded)
	}

	return errors.Is(e.Err, target)
}

// New creates a new SyncError
func New(kind Kind, op, target string, err error) *SyncError {
	return &SyncError{
		Kind:      kind,
		Op:        op,
		Target:    target,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(kind, err),
	}
}

// WithStatusCode adds HTTP status code to the error
func (e *SyncError) WithStatusCode(code int) *SyncError {
	e.StatusCode = code
	switch {
	case code == 401 || code == 403:
		e.Kind = KindAuth
		e.Retryable = false
	case code == 404:
		e.Kind = KindNotFound
		e.Retryable = false
	case code >= 500 || code == 429 || code == 408:
		e.Retryable = true
	case code >= 400 && code < 500:
		e.Retryable = false
	}
	return e
}

func isRetryable(kind Kind, err error) bool {
	switch kind {
	case KindBilling, KindTimeout, KindCache:
		return true
	case KindAuth, KindValidation, KindNotFound:
		return false
	default:
		if err != nil {
			return !errors.Is(err, ErrInvalidInput) && !errors.Is(err, ErrNoIdentity)
		}
		return true
	}
}

// WrapBilling wraps a billing provider failure with context
func WrapBilling(op, provider string, err error) *SyncError {
	return New(KindBilling, op, provider, err)
}

// WrapProfile wraps a profile store failure with context
func WrapProfile(op, store string, err error) *SyncError {
	return New(KindProfile, op, store, err)
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// KindOf returns the category of err, or KindInternal for foreign errors
func KindOf(err error) Kind {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidInput):
		return KindValidation
	}
	return KindInternal
}
