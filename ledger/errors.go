/*
errors.go - Centralized error types for the ledger core

PURPOSE:
  All error types in one place for consistency and discoverability.
  Packages above the ledger (grant, ingest, api) wrap these with context.

ERROR CATEGORIES:
  1. Validation errors - malformed rule definitions, bad requests
  2. Idempotency outcomes - duplicate grants and events (expected, not fatal)
  3. Concurrency conflicts - optimistic conflicts, retried with backoff

NOT ERRORS:
  Budget/limit exhaustion and over-redemption are clamp-to-zero outcomes,
  never errors. They are logged for observability only.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed rule definitions or requests.
	// Always detected before any side effect.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicateGrant is returned when a lot with the same grant key already
	// exists. This is expected behavior for redelivered events and retries.
	ErrDuplicateGrant = errors.New("duplicate grant key")

	// ErrConcurrencyConflict is returned on an optimistic conflict during a
	// lot decrement or grant. Retried a bounded number of times before
	// surfacing to the caller.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrScheduleRunning is returned when a schedule tick overlaps a run of
	// the same rule that is still in progress.
	ErrScheduleRunning = errors.New("schedule run already in progress")

	// ErrRuleNotFound is returned when a referenced grant rule doesn't exist.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrMemberNotFound is returned when a referenced member doesn't exist.
	ErrMemberNotFound = errors.New("member not found")

	// ErrLotNotFound is returned when a referenced lot doesn't exist.
	ErrLotNotFound = errors.New("lot not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a rejected rule definition or request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ConflictError records which lot lost an optimistic race.
type ConflictError struct {
	LotID LotID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on lot %s", e.LotID)
}

func (e *ConflictError) Unwrap() error { return ErrConcurrencyConflict }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRuleNotFound) ||
		errors.Is(err, ErrMemberNotFound) ||
		errors.Is(err, ErrLotNotFound)
}

// =============================================================================
// RETRY - Bounded retry with backoff for concurrency conflicts
// =============================================================================

// RetryPolicy bounds how long a conflicting write is retried before the
// conflict surfaces to the caller.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetry is used when no policy is configured.
var DefaultRetry = RetryPolicy{Attempts: 3, Backoff: 10 * time.Millisecond}

// Do runs fn, retrying retryable errors with jittered exponential backoff.
// Non-retryable errors and context cancellation surface immediately.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !IsRetryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		backoff := p.Backoff << uint(i)
		backoff += time.Duration(rand.Int63n(int64(backoff) + 1))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
