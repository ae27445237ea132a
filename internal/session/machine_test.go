package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/pacer/api/schemas"
)

var now = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

func newMachine(t *testing.T, quota, threshold int) *Machine {
	t.Helper()
	m, err := New(Config{WarmupQuota: quota, FailureThreshold: threshold, Cooldown: 15 * time.Minute})
	require.NoError(t, err)
	return m
}

// active drives a fresh machine through warm-up.
func active(t *testing.T, m *Machine) {
	t.Helper()
	m.BeginAttempt(now)
	for m.State() == schemas.StateWarmingUp {
		m.Apply(schemas.OutcomeSuccess, now)
	}
	require.Equal(t, schemas.StateActive, m.State())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{WarmupQuota: -1, FailureThreshold: 1, Cooldown: time.Minute})
	assert.Error(t, err)
	_, err = New(Config{WarmupQuota: 1, FailureThreshold: 0, Cooldown: time.Minute})
	assert.Error(t, err)
	_, err = New(Config{WarmupQuota: 1, FailureThreshold: 1})
	assert.Error(t, err)
}

func TestWarmup(t *testing.T) {
	m := newMachine(t, 2, 3)
	assert.Equal(t, schemas.StateCold, m.State())
	assert.True(t, m.Permits(now))

	tr := m.BeginAttempt(now)
	assert.Equal(t, Transition{From: schemas.StateCold, To: schemas.StateWarmingUp}, tr)
	assert.True(t, tr.Changed())

	assert.False(t, m.Apply(schemas.OutcomeSuccess, now).Changed())
	assert.Equal(t, 1, m.Snapshot().WarmupActionsDone)

	tr = m.Apply(schemas.OutcomeSuccess, now.Add(time.Minute))
	assert.Equal(t, schemas.StateActive, tr.To)
	assert.Equal(t, now.Add(time.Minute), m.Snapshot().LastActionAt)

	assert.False(t, m.BeginAttempt(now).Changed(), "only cold accounts start warming up")
}

func TestWarmup_ZeroQuotaGoesStraightToActive(t *testing.T) {
	m := newMachine(t, 0, 3)
	assert.Equal(t, schemas.StateActive, m.BeginAttempt(now).To)
}

func TestWarmup_FailureRestartsQuota(t *testing.T) {
	m := newMachine(t, 3, 5)
	m.BeginAttempt(now)
	m.Apply(schemas.OutcomeSuccess, now)
	m.Apply(schemas.OutcomeSuccess, now)
	m.Apply(schemas.OutcomeTransientError, now)
	assert.Equal(t, 0, m.Snapshot().WarmupActionsDone)
	assert.Equal(t, schemas.StateWarmingUp, m.State())
}

func TestTransientErrorsCoolDownThenRecover(t *testing.T) {
	m := newMachine(t, 1, 3)
	active(t, m)

	m.Apply(schemas.OutcomeTransientError, now)
	m.Apply(schemas.OutcomeTransientError, now)
	assert.Equal(t, schemas.StateActive, m.State())
	assert.Equal(t, 2, m.Snapshot().ConsecutiveFailures)

	tr := m.Apply(schemas.OutcomeTransientError, now)
	assert.Equal(t, Transition{From: schemas.StateActive, To: schemas.StateCoolingDown}, tr)
	assert.False(t, m.Permits(now.Add(14*time.Minute)))

	wait, ok := m.WaitHint(now.Add(5 * time.Minute))
	assert.True(t, ok)
	assert.Equal(t, 10*time.Minute, wait)

	assert.True(t, m.Permits(now.Add(15*time.Minute)))
	s := m.Snapshot()
	assert.Equal(t, schemas.StateActive, s.State)
	assert.Zero(t, s.ConsecutiveFailures)
	assert.True(t, s.CooldownUntil.IsZero())
	assert.Empty(t, s.ResumeState)
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	m := newMachine(t, 1, 3)
	active(t, m)
	m.Apply(schemas.OutcomeTransientError, now)
	m.Apply(schemas.OutcomeTransientError, now)
	m.Apply(schemas.OutcomeSuccess, now)
	m.Apply(schemas.OutcomeTransientError, now)
	assert.Equal(t, schemas.StateActive, m.State())
	assert.Equal(t, 1, m.Snapshot().ConsecutiveFailures)
}

func TestRateLimitedCoolsDownImmediately(t *testing.T) {
	m := newMachine(t, 1, 3)
	active(t, m)
	tr := m.Apply(schemas.OutcomeRateLimited, now)
	assert.Equal(t, schemas.StateCoolingDown, tr.To)
	assert.Equal(t, now.Add(15*time.Minute), m.Snapshot().CooldownUntil)
}

func TestCooldownFromWarmupResumesWarmup(t *testing.T) {
	m := newMachine(t, 5, 3)
	m.BeginAttempt(now)
	m.Apply(schemas.OutcomeRateLimited, now)
	require.Equal(t, schemas.StateCoolingDown, m.State())
	assert.Equal(t, schemas.StateWarmingUp, m.Snapshot().ResumeState)

	tr := m.Tick(now.Add(time.Hour))
	assert.Equal(t, schemas.StateWarmingUp, tr.To)
}

func TestDetectionRestrictsFromAnyState(t *testing.T) {
	for _, setup := range []struct {
		name string
		prep func(m *Machine)
	}{
		{"cold", func(*Machine) {}},
		{"warming_up", func(m *Machine) { m.BeginAttempt(now) }},
		{"active", func(m *Machine) { active(t, m) }},
		{"cooling_down", func(m *Machine) { active(t, m); m.Apply(schemas.OutcomeRateLimited, now) }},
	} {
		t.Run(setup.name, func(t *testing.T) {
			m := newMachine(t, 1, 3)
			setup.prep(m)
			m.Apply(schemas.OutcomeDetectionSignal, now)
			assert.Equal(t, schemas.StateRestricted, m.State())

			// Nothing but a reset leaves restricted.
			m.Apply(schemas.OutcomeSuccess, now)
			m.Tick(now.Add(48 * time.Hour))
			assert.False(t, m.Permits(now.Add(48*time.Hour)))
			_, ok := m.WaitHint(now)
			assert.False(t, ok)

			assert.True(t, m.Reset())
			assert.Equal(t, schemas.StateCold, m.State())
			assert.Zero(t, m.Snapshot().ConsecutiveFailures)
		})
	}
}

func TestReset_OnlyFromRestricted(t *testing.T) {
	m := newMachine(t, 1, 3)
	active(t, m)
	assert.False(t, m.Reset())
	assert.Equal(t, schemas.StateActive, m.State())
}

func TestAuthExpiredLeavesStateAlone(t *testing.T) {
	m := newMachine(t, 1, 3)
	active(t, m)
	before := m.Snapshot()
	assert.False(t, m.Apply(schemas.OutcomeAuthExpired, now.Add(time.Hour)).Changed())
	assert.Equal(t, before, m.Snapshot())
}

func TestRestore(t *testing.T) {
	m := newMachine(t, 1, 3)
	assert.Error(t, m.Restore(schemas.SessionState{State: "sleepy"}))

	require.NoError(t, m.Restore(schemas.SessionState{
		State:         schemas.StateCoolingDown,
		CooldownUntil: now.Add(time.Minute),
	}))
	assert.Equal(t, schemas.StateActive, m.Snapshot().ResumeState)
	assert.Equal(t, schemas.StateActive, m.Tick(now.Add(time.Minute)).To)
}
