package scheduler

import (
	"errors"
	"fmt"

	"github.com/xkilldash9x/pacer/api/schemas"
)

// Sentinel errors. Typed errors below wrap them so callers can use errors.Is.
var (
	// ErrInvalidRequest is wrapped by every ValidationError.
	ErrInvalidRequest = errors.New("invalid action request")
	// ErrTransient marks a request that kept failing with transient errors.
	ErrTransient = errors.New("transient execution error")
	// ErrRateLimitExceeded marks throttling reported by the platform. A local budget
	// denial is not an error and never produces it.
	ErrRateLimitExceeded = errors.New("platform rate limit exceeded")
	// ErrDetectionSignal marks a platform signal that automation was noticed.
	ErrDetectionSignal = errors.New("detection signal received")
	// ErrAuthExpired marks an expired session credential.
	ErrAuthExpired = errors.New("authentication expired")
	// ErrCancelled is attached to reports of requests removed with Cancel.
	ErrCancelled = errors.New("request cancelled")
	// ErrRestricted is returned by Drain when the session needs a manual reset.
	ErrRestricted = errors.New("session restricted")
	// ErrAlreadyRunning is returned when Run or Drain is called on a busy scheduler.
	ErrAlreadyRunning = errors.New("scheduler is already running")
)

// ValidationError rejects a request before it enters the queue.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid action request: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidRequest }

// RequestError is the terminal failure of a single request after its retries ran out.
// Other requests are unaffected.
type RequestError struct {
	RequestID   string
	ActionType  schemas.ActionType
	Attempts    int
	LastOutcome schemas.Outcome
	Err         error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request %s (%s) failed after %d attempt(s), last outcome %s: %v",
		e.RequestID, e.ActionType, e.Attempts, e.LastOutcome, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// DetectionError is fatal for the account: the session is restricted until reset.
type DetectionError struct {
	AccountID string
	RequestID string
	Detail    string
}

func (e *DetectionError) Error() string {
	msg := fmt.Sprintf("account %s restricted after request %s", e.AccountID, e.RequestID)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg + ": " + ErrDetectionSignal.Error()
}

func (e *DetectionError) Unwrap() error { return ErrDetectionSignal }

// AuthExpiredError asks the caller to refresh credentials. The request that hit it is
// still pending and its budget slot was returned.
type AuthExpiredError struct {
	AccountID string
	RequestID string
	Detail    string
}

func (e *AuthExpiredError) Error() string {
	msg := fmt.Sprintf("account %s needs new credentials (request %s)", e.AccountID, e.RequestID)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg + ": " + ErrAuthExpired.Error()
}

func (e *AuthExpiredError) Unwrap() error { return ErrAuthExpired }

// outcomeError maps a retryable outcome to its sentinel.
func outcomeError(o schemas.Outcome) error {
	if o == schemas.OutcomeRateLimited {
		return ErrRateLimitExceeded
	}
	return ErrTransient
}
