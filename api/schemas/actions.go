package schemas

import (
	"encoding/json"
	"time"
)

// ActionType names a kind of platform interaction. Rate budgets, delay profiles and
// metrics are all keyed by it.
type ActionType string

const (
	ActionScrape  ActionType = "scrape"
	ActionPost    ActionType = "post"
	ActionComment ActionType = "comment"
	ActionReply   ActionType = "reply"
	ActionMessage ActionType = "message"
	ActionProfile ActionType = "profile"

	// ActionAny is the wildcard used by budgets that apply to every action type.
	ActionAny ActionType = "*"
)

// ActionRequest is a single candidate action. It is immutable once enqueued.
type ActionRequest struct {
	ID          string          `json:"id"`
	ActionType  ActionType      `json:"action_type"`
	Target      string          `json:"target"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    int             `json:"priority"`
	RequestedAt time.Time       `json:"requested_at"`
}

// Outcome is the five-kind result taxonomy reported by an executor adapter.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeTransientError  Outcome = "transient_error"
	OutcomeRateLimited     Outcome = "rate_limited"
	OutcomeDetectionSignal Outcome = "detection_signal"
	OutcomeAuthExpired     Outcome = "auth_expired"
)

// Valid reports whether o is one of the known outcome kinds.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeTransientError, OutcomeRateLimited, OutcomeDetectionSignal, OutcomeAuthExpired:
		return true
	}
	return false
}

// ExecutionResult is what an executor returns for one dispatch attempt.
type ExecutionResult struct {
	RequestID string    `json:"request_id"`
	Outcome   Outcome   `json:"outcome"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

// ReportStatus is the terminal status of a request.
type ReportStatus string

const (
	StatusSucceeded ReportStatus = "succeeded"
	StatusFailed    ReportStatus = "failed"
	StatusCancelled ReportStatus = "cancelled"
)

// Report describes the terminal outcome of a request. Err is nil on success.
type Report struct {
	RequestID   string       `json:"request_id"`
	ActionType  ActionType   `json:"action_type"`
	Status      ReportStatus `json:"status"`
	Attempts    int          `json:"attempts"`
	LastOutcome Outcome      `json:"last_outcome,omitempty"`
	Err         error        `json:"-"`
	CompletedAt time.Time    `json:"completed_at"`
}
