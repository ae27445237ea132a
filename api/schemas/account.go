package schemas

import "time"

// SessionStateKind is the account health state.
type SessionStateKind string

const (
	StateCold        SessionStateKind = "cold"
	StateWarmingUp   SessionStateKind = "warming_up"
	StateActive      SessionStateKind = "active"
	StateCoolingDown SessionStateKind = "cooling_down"
	StateRestricted  SessionStateKind = "restricted"
)

// Valid reports whether s is a known state.
func (s SessionStateKind) Valid() bool {
	switch s {
	case StateCold, StateWarmingUp, StateActive, StateCoolingDown, StateRestricted:
		return true
	}
	return false
}

// PermitsDispatch reports whether actions may be sent while in s.
func (s SessionStateKind) PermitsDispatch() bool {
	return s == StateWarmingUp || s == StateActive
}

// SessionState is the account health record owned by a single scheduler.
type SessionState struct {
	State               SessionStateKind `json:"state"`
	LastActionAt        time.Time        `json:"last_action_at"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	WarmupActionsDone   int              `json:"warmup_actions_done"`
	// CooldownUntil is set while cooling down.
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	// ResumeState is the state a cooldown returns to.
	ResumeState SessionStateKind `json:"resume_state,omitempty"`
}

// WindowKind identifies a rolling window length.
type WindowKind string

const (
	WindowHour WindowKind = "hour"
	WindowDay  WindowKind = "day"
	WindowWeek WindowKind = "week"
)

// Length returns the window duration, or zero for an unknown kind.
func (w WindowKind) Length() time.Duration {
	switch w {
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	case WindowWeek:
		return 7 * 24 * time.Hour
	}
	return 0
}

// RateBudget caps the usage of one action type inside one window.
// Invariant: 0 <= Count <= Limit.
type RateBudget struct {
	ActionType  ActionType `json:"action_type"`
	WindowKind  WindowKind `json:"window_kind"`
	Limit       int        `json:"limit"`
	WindowStart time.Time  `json:"window_start"`
	Count       int        `json:"count"`
}

// AccountState is the persisted scheduling state of one account.
type AccountState struct {
	AccountID string       `json:"account_id"`
	Session   SessionState `json:"session"`
	Budgets   []RateBudget `json:"budgets"`
	SavedAt   time.Time    `json:"saved_at"`
}
