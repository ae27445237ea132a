// Package session tracks the health of a platform account as a small state machine.
//
//	cold ──first attempt──▶ warming_up ──quota reached──▶ active
//	                             │                           │
//	                  rate_limited / K failures   rate_limited / K failures
//	                             ▼                           ▼
//	                        cooling_down ──cooldown elapsed──▶ (state it came from)
//
//	any ──detection_signal──▶ restricted ──Reset──▶ cold
//
// Only warming_up and active permit dispatch. A Machine is owned by one scheduler
// and is not safe for concurrent use.
package session

import (
	"fmt"
	"time"

	"github.com/xkilldash9x/pacer/api/schemas"
)

// Config holds the thresholds of the machine.
type Config struct {
	// WarmupQuota is the number of successful actions that end the warm-up.
	WarmupQuota int
	// FailureThreshold is the number of consecutive transient errors that trigger a cooldown.
	FailureThreshold int
	Cooldown         time.Duration
}

// Transition describes the effect of one event on the machine.
type Transition struct {
	From schemas.SessionStateKind
	To   schemas.SessionStateKind
}

// Changed reports whether the event moved the machine to another state.
func (t Transition) Changed() bool { return t.From != t.To }

// Machine is the account session state machine.
type Machine struct {
	cfg Config
	st  schemas.SessionState
}

// New returns a Machine in the cold state.
func New(cfg Config) (*Machine, error) {
	if cfg.WarmupQuota < 0 {
		return nil, fmt.Errorf("session: warm-up quota must not be negative, got %d", cfg.WarmupQuota)
	}
	if cfg.FailureThreshold < 1 {
		return nil, fmt.Errorf("session: failure threshold must be at least 1, got %d", cfg.FailureThreshold)
	}
	if cfg.Cooldown <= 0 {
		return nil, fmt.Errorf("session: cooldown must be positive, got %s", cfg.Cooldown)
	}
	return &Machine{cfg: cfg, st: schemas.SessionState{State: schemas.StateCold}}, nil
}

// State returns the current state kind.
func (m *Machine) State() schemas.SessionStateKind { return m.st.State }

// Snapshot returns a copy of the session record.
func (m *Machine) Snapshot() schemas.SessionState { return m.st }

// Restore replaces the session record with a persisted one.
func (m *Machine) Restore(s schemas.SessionState) error {
	if !s.State.Valid() {
		return fmt.Errorf("session: cannot restore unknown state %q", s.State)
	}
	if s.State == schemas.StateCoolingDown && !s.ResumeState.PermitsDispatch() {
		s.ResumeState = schemas.StateActive
	}
	if s.ConsecutiveFailures < 0 {
		s.ConsecutiveFailures = 0
	}
	if s.WarmupActionsDone < 0 {
		s.WarmupActionsDone = 0
	}
	m.st = s
	return nil
}

// Tick applies time-driven transitions: an elapsed cooldown returns the account to the
// state it was cooled down from, with the failure streak cleared.
func (m *Machine) Tick(now time.Time) Transition {
	tr := Transition{From: m.st.State, To: m.st.State}
	if m.st.State != schemas.StateCoolingDown || now.Before(m.st.CooldownUntil) {
		return tr
	}
	resume := m.st.ResumeState
	if !resume.PermitsDispatch() {
		resume = schemas.StateActive
	}
	m.st.State = resume
	m.st.ResumeState = ""
	m.st.CooldownUntil = time.Time{}
	m.st.ConsecutiveFailures = 0
	tr.To = resume
	return tr
}

// Permits applies Tick and reports whether a dispatch may proceed. Cold permits too:
// the attempt itself moves the account into warm-up.
func (m *Machine) Permits(now time.Time) bool {
	m.Tick(now)
	return m.st.State.PermitsDispatch() || m.st.State == schemas.StateCold
}

// WaitHint returns how long to wait before the state can permit dispatch again. The
// boolean is false when only an external Reset can help.
func (m *Machine) WaitHint(now time.Time) (time.Duration, bool) {
	switch m.st.State {
	case schemas.StateCoolingDown:
		d := m.st.CooldownUntil.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	case schemas.StateRestricted:
		return 0, false
	default:
		return 0, true
	}
}

// BeginAttempt marks the start of a dispatch attempt. A cold account starts warming up.
func (m *Machine) BeginAttempt(now time.Time) Transition {
	tr := Transition{From: m.st.State, To: m.st.State}
	if m.st.State != schemas.StateCold {
		return tr
	}
	m.st.State = schemas.StateWarmingUp
	m.st.WarmupActionsDone = 0
	m.st.ConsecutiveFailures = 0
	if m.cfg.WarmupQuota == 0 {
		m.st.State = schemas.StateActive
	}
	tr.To = m.st.State
	return tr
}

// Apply folds the outcome of a dispatch into the session.
func (m *Machine) Apply(outcome schemas.Outcome, now time.Time) Transition {
	tr := Transition{From: m.st.State, To: m.st.State}

	switch outcome {
	case schemas.OutcomeSuccess:
		m.st.LastActionAt = now
		m.st.ConsecutiveFailures = 0
		if m.st.State == schemas.StateWarmingUp {
			m.st.WarmupActionsDone++
			if m.st.WarmupActionsDone >= m.cfg.WarmupQuota {
				m.st.State = schemas.StateActive
			}
		}

	case schemas.OutcomeTransientError:
		m.st.LastActionAt = now
		m.fail()
		if m.st.ConsecutiveFailures >= m.cfg.FailureThreshold {
			m.coolDown(now)
		}

	case schemas.OutcomeRateLimited:
		m.st.LastActionAt = now
		m.fail()
		m.coolDown(now)

	case schemas.OutcomeDetectionSignal:
		m.st.LastActionAt = now
		m.st.State = schemas.StateRestricted
		m.st.CooldownUntil = time.Time{}
		m.st.ResumeState = ""

	case schemas.OutcomeAuthExpired:
		// The action never reached the platform as the account.
	}

	tr.To = m.st.State
	return tr
}

func (m *Machine) fail() {
	m.st.ConsecutiveFailures++
	if m.st.State == schemas.StateWarmingUp {
		m.st.WarmupActionsDone = 0
	}
}

func (m *Machine) coolDown(now time.Time) {
	if !m.st.State.PermitsDispatch() {
		return
	}
	m.st.ResumeState = m.st.State
	m.st.State = schemas.StateCoolingDown
	m.st.CooldownUntil = now.Add(m.cfg.Cooldown)
}

// Reset is the manual restricted to cold transition. It reports whether the machine
// was restricted.
func (m *Machine) Reset() bool {
	if m.st.State != schemas.StateRestricted {
		return false
	}
	m.st = schemas.SessionState{State: schemas.StateCold, LastActionAt: m.st.LastActionAt}
	return true
}
