package domain

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrCapacityExceeded  = errors.New("work queue is full, retry later")
	ErrTerminal          = errors.New("task already in a terminal state")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrCancelled         = errors.New("task cancelled")
	ErrRateLimited       = errors.New("rate limited")
	ErrTaskNotRunning    = errors.New("task is not in progress")
	ErrInvalidInput      = errors.New("invalid input")
)

// TransientError marks a unit-of-work failure that should be retried.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a failure that terminates the task immediately.
type FatalError struct{ Err error }

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// Classifier decides whether a unit-of-work error may be retried.
type Classifier func(err error) bool

// DefaultClassifier treats explicit transient errors, rate limiting and
// network/timeout failures as retryable. Everything else is fatal.
func DefaultClassifier(err error) bool {
	if err == nil {
		return false
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return false
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
