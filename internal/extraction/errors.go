package extraction

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors matched with errors.Is at the HTTP and WebSocket boundary.
var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrValidation = errors.New("invalid input")
	ErrProtocol   = errors.New("protocol error")
)

// FailureClass buckets task-level failures for retry decisions.
type FailureClass string

// Failure classes in rough order of severity.
const (
	FailureTransient FailureClass = "TRANSIENT"
	FailurePermanent FailureClass = "PERMANENT"
	FailureCancelled FailureClass = "CANCELLED"
	FailureFatal     FailureClass = "FATAL"
)

// ClassifiedError tags a cause with a FailureClass. Drivers classify their
// own failures; everything above them only inspects the class.
type ClassifiedError struct {
	Class FailureClass
	Err   error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", strings.ToLower(string(e.Class)), e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Transient wraps err as a retriable failure (network, timeout, crash).
func Transient(err error) error {
	return &ClassifiedError{Class: FailureTransient, Err: err}
}

// Permanent wraps err as an unrecoverable failure for the current task.
func Permanent(err error) error {
	return &ClassifiedError{Class: FailurePermanent, Err: err}
}

// Cancelled wraps err as caused by cooperative cancellation.
func Cancelled(err error) error {
	return &ClassifiedError{Class: FailureCancelled, Err: err}
}

// Fatal wraps err as a campaign-aborting failure.
func Fatal(err error) error {
	return &ClassifiedError{Class: FailureFatal, Err: err}
}

// Classify recovers the failure class from any wrapped error. Context
// cancellation maps to CANCELLED, deadline expiry to TRANSIENT; unclassified
// errors default to TRANSIENT so the bounded retry budget decides.
func Classify(err error) FailureClass {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	if errors.Is(err, context.Canceled) {
		return FailureCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTransient
	}
	return FailureTransient
}
