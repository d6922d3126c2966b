package outbox

import (
	"context"
	"errors"
	"fmt"
)

// TransientError marks a delivery failure worth retrying: network
// loss, timeout, server unavailability. The engine backs off and
// retries up to its attempt cap, then escalates to Failed.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient delivery failure: %v", e.Cause)
}

func (e *TransientError) Unwrap() error {
	return e.Cause
}

// Transient wraps err as a TransientError.
func Transient(err error) error {
	return &TransientError{Cause: err}
}

// PermanentError marks a rejection by the remote authority: the
// mutation violates a domain invariant and will never succeed. The
// engine fails the event immediately and reverts its optimistic
// effect.
type PermanentError struct {
	Reason string
	Cause  error
}

func (e *PermanentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("mutation rejected: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("mutation rejected: %s", e.Reason)
}

func (e *PermanentError) Unwrap() error {
	return e.Cause
}

// Permanent builds a PermanentError with the given reason.
func Permanent(reason string) error {
	return &PermanentError{Reason: reason}
}

// IsPermanent reports whether err is a permanent rejection.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// IsTransient reports whether err should be retried. Anything not
// explicitly permanent is treated as transient: an ambiguous failure
// (timeout, closed connection) may have reached the server, and the
// idempotency key makes the retry safe.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsPermanent(err)
}

// reason extracts a human-readable failure reason for persistence.
func reason(err error) string {
	var p *PermanentError
	if errors.As(err, &p) && p.Reason != "" {
		return p.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "submission timed out"
	}
	return err.Error()
}
