package contracts

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy shared by every component. Callers branch with errors.Is;
// the HTTP layer maps each class to a problem response exactly once.
var (
	// ErrNotFound covers unknown intent, method, or subscription IDs.
	ErrNotFound = errors.New("not found")

	// ErrValidation is the class sentinel for malformed caller input.
	// Concrete occurrences are ValidationError values wrapping it.
	ErrValidation = errors.New("validation failed")

	// ErrVersionConflict means the caller's expected_version lost a race.
	// The intent was not modified; re-read and retry deliberately.
	ErrVersionConflict = errors.New("intent: version conflict")

	// ErrIllegalTransition means the requested move is not in the
	// lifecycle graph (e.g. cancel after settlement dispatch).
	ErrIllegalTransition = errors.New("intent: illegal status transition")

	// ErrIdempotencyConflict means the key was reused with a different
	// request body.
	ErrIdempotencyConflict = errors.New("idempotency: key reused with different request")

	// ErrIdempotencyInProgress means the first request under this key has
	// not finished yet.
	ErrIdempotencyInProgress = errors.New("idempotency: original request still in progress")

	// ErrRiskBlocked means the risk gate refused the transaction.
	ErrRiskBlocked = errors.New("risk: blocked")

	// Challenge token failures on the confirmation callback.
	ErrChallengeUnknown  = errors.New("action: challenge token unknown")
	ErrChallengeConsumed = errors.New("action: challenge token already used")
	ErrChallengeExpired  = errors.New("action: challenge token expired")

	// Downstream (settlement network) failures. Timeout is retryable and
	// never implies the transaction succeeded.
	ErrDownstreamTimeout     = errors.New("downstream: timed out")
	ErrDownstreamUnavailable = errors.New("downstream: unavailable")

	// ErrRateLimited is the class sentinel for gate rejections. Concrete
	// occurrences are RateLimitError values carrying the retry hint.
	ErrRateLimited = errors.New("rate limited")
)

// ValidationError reports one malformed input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Unwrap makes errors.Is(err, ErrValidation) hold.
func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a field-level validation error.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// RateLimitError is a gate rejection with a retry hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Unwrap makes errors.Is(err, ErrRateLimited) hold.
func (e *RateLimitError) Unwrap() error { return ErrRateLimited }
