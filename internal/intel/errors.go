package intel

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the pipeline.
var (
	// ErrDuplicateFingerprint signals a submission whose fingerprint is
	// already reserved. This is the normal discard path, not a failure.
	ErrDuplicateFingerprint = errors.New("duplicate fingerprint")

	// ErrCapacityExhausted signals that no AI credential is currently
	// usable. Retryable after backoff.
	ErrCapacityExhausted = errors.New("ai capacity exhausted")

	// ErrNotFound signals a missing item or archive record.
	ErrNotFound = errors.New("not found")
)

// TransportError wraps a network/timeout failure talking to the AI backend.
// Retryable up to the configured attempt limit.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ai transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// MalformedOutputError signals that the model reply could not be repaired
// and validated into a verdict, even after the reformat nudge.
type MalformedOutputError struct {
	Reason string
	Raw    string
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("malformed model output: %s", e.Reason)
}

// IsRetryable reports whether the scheduler should requeue the attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCapacityExhausted) {
		return true
	}
	var te *TransportError
	return errors.As(err, &te)
}

// IsMalformed reports whether the error is a rejected model reply.
func IsMalformed(err error) bool {
	var me *MalformedOutputError
	return errors.As(err, &me)
}
