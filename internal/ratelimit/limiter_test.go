package ratelimit

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/pacer/api/schemas"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newLimiter(t *testing.T, cfg Config) *Limiter {
	t.Helper()
	l, err := New(cfg)
	require.NoError(t, err)
	return l
}

func TestNew_RejectsBadConfig(t *testing.T) {
	_, err := New(Config{Budgets: map[schemas.ActionType]map[schemas.WindowKind]int{
		schemas.ActionPost: {"fortnight": 3},
	}})
	assert.ErrorContains(t, err, "unknown window kind")

	_, err = New(Config{Budgets: map[schemas.ActionType]map[schemas.WindowKind]int{
		schemas.ActionPost: {schemas.WindowDay: -1},
	}})
	assert.ErrorContains(t, err, "negative limit")
}

func TestTryReserve_UnrestrictedType(t *testing.T) {
	l := newLimiter(t, Config{Budgets: map[schemas.ActionType]map[schemas.WindowKind]int{
		schemas.ActionPost: {schemas.WindowDay: 1},
	}})

	assert.True(t, l.Unrestricted(schemas.ActionScrape))
	for i := 0; i < 1000; i++ {
		d := l.TryReserve(schemas.ActionScrape, t0)
		require.True(t, d.Allowed)
	}
	assert.False(t, l.Unrestricted(schemas.ActionPost))
}

func TestTryReserve_DeniesAtCapacityWithRetryAfter(t *testing.T) {
	l := newLimiter(t, Config{Budgets: map[schemas.ActionType]map[schemas.WindowKind]int{
		schemas.ActionComment: {schemas.WindowHour: 2, schemas.WindowDay: 10},
	}})

	require.True(t, l.TryReserve(schemas.ActionComment, t0).Allowed)
	require.True(t, l.TryReserve(schemas.ActionComment, t0.Add(10*time.Minute)).Allowed)

	d := l.TryReserve(schemas.ActionComment, t0.Add(20*time.Minute))
	assert.False(t, d.Allowed)
	assert.Nil(t, d.Reservation)
	assert.Equal(t, 40*time.Minute, d.RetryAfter, "the hourly window opened at t0 and closes at t0+1h")

	// Once the hour rolls, the action is admitted again and the hourly count resets.
	d = l.TryReserve(schemas.ActionComment, t0.Add(time.Hour))
	assert.True(t, d.Allowed)

	snap := l.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, schemas.WindowHour, snap[0].WindowKind)
	assert.Equal(t, 1, snap[0].Count)
	assert.Equal(t, t0.Add(time.Hour), snap[0].WindowStart)
	assert.Equal(t, 3, snap[1].Count, "the daily window keeps counting across hours")
}

func TestTryReserve_MinimumRetryAfterAcrossBlockingBudgets(t *testing.T) {
	l := newLimiter(t, Config{Budgets: map[schemas.ActionType]map[schemas.WindowKind]int{
		schemas.ActionMessage: {schemas.WindowHour: 1, schemas.WindowDay: 1},
	}})

	require.True(t, l.TryReserve(schemas.ActionMessage, t0).Allowed)
	d := l.TryReserve(schemas.ActionMessage, t0.Add(30*time.Minute))
	require.False(t, d.Allowed)
	assert.Equal(t, 30*time.Minute, d.RetryAfter, "hour and day both block; the hour frees first")
}

func TestTryReserve_AllOrNothing(t *testing.T) {
	l := newLimiter(t, Config{Budgets: map[schemas.ActionType]map[schemas.WindowKind]int{
		schemas.ActionComment: {schemas.WindowHour: 5, schemas.WindowDay: 1},
	}})

	require.True(t, l.TryReserve(schemas.ActionComment, t0).Allowed)
	require.False(t, l.TryReserve(schemas.ActionComment, t0.Add(time.Minute)).Allowed)

	for _, b := range l.Snapshot() {
		assert.Equal(t, 1, b.Count, "a denied reservation must not book any window (%s)", b.WindowKind)
	}
}

func TestTryReserve_WildcardBudgetAppliesToEveryType(t *testing.T) {
	l := newLimiter(t, Config{Budgets: map[schemas.ActionType]map[schemas.WindowKind]int{
		schemas.ActionAny:     {schemas.WindowHour: 3},
		schemas.ActionComment: {schemas.WindowDay: 30},
	}})

	assert.True(t, l.TryReserve(schemas.ActionComment, t0).Allowed)
	assert.True(t, l.TryReserve(schemas.ActionScrape, t0).Allowed)
	assert.True(t, l.TryReserve(schemas.ActionPost, t0).Allowed)

	d := l.TryReserve(schemas.ActionMessage, t0.Add(time.Minute))
	assert.False(t, d.Allowed)
	assert.Equal(t, 59*time.Minute, d.RetryAfter)
	assert.False(t, l.Unrestricted(schemas.ActionProfile))
}

func TestTryReserve_MinInterval(t *testing.T) {
	l := newLimiter(t, Config{MinIntervals: map[schemas.ActionType]time.Duration{
		schemas.ActionComment: 30 * time.Second,
	}})

	require.True(t, l.TryReserve(schemas.ActionComment, t0).Allowed)

	d := l.TryReserve(schemas.ActionComment, t0.Add(10*time.Second))
	require.False(t, d.Allowed)
	assert.Equal(t, 20*time.Second, d.RetryAfter)

	// The denied attempt must not push the next admission further out.
	assert.True(t, l.TryReserve(schemas.ActionComment, t0.Add(30*time.Second)).Allowed)
}

func TestTryReserve_WindowDenialDoesNotConsumeSpacing(t *testing.T) {
	l := newLimiter(t, Config{
		Budgets:      map[schemas.ActionType]map[schemas.WindowKind]int{schemas.ActionPost: {schemas.WindowHour: 1}},
		MinIntervals: map[schemas.ActionType]time.Duration{schemas.ActionPost: time.Minute},
	})
	require.True(t, l.TryReserve(schemas.ActionPost, t0).Allowed)
	d := l.TryReserve(schemas.ActionPost, t0.Add(2*time.Minute))
	require.False(t, d.Allowed)
	assert.Equal(t, 58*time.Minute, d.RetryAfter)
	assert.True(t, l.TryReserve(schemas.ActionPost, t0.Add(time.Hour)).Allowed)
}

func TestRollback(t *testing.T) {
	l := newLimiter(t, Config{Budgets: map[schemas.ActionType]map[schemas.WindowKind]int{
		schemas.ActionAny:     {schemas.WindowHour: 10},
		schemas.ActionComment: {schemas.WindowHour: 1, schemas.WindowDay: 5},
	}})

	d := l.TryReserve(schemas.ActionComment, t0)
	require.True(t, d.Allowed)
	assert.Equal(t, schemas.ActionComment, d.Reservation.ActionType())

	l.Rollback(d.Reservation, t0.Add(time.Second))
	for _, b := range l.Snapshot() {
		assert.Equal(t, 0, b.Count, "%s/%s should be fully restored", b.ActionType, b.WindowKind)
	}

	// Double rollback and nil rollback are no-ops.
	l.Rollback(d.Reservation, t0.Add(time.Second))
	l.Rollback(nil, t0)
	for _, b := range l.Snapshot() {
		assert.Equal(t, 0, b.Count)
	}

	// The freed slot is immediately usable.
	assert.True(t, l.TryReserve(schemas.ActionComment, t0.Add(2*time.Second)).Allowed)
}

func TestRollback_AfterWindowRolled(t *testing.T) {
	l := newLimiter(t, Config{Budgets: map[schemas.ActionType]map[schemas.WindowKind]int{
		schemas.ActionComment: {schemas.WindowHour: 2, schemas.WindowDay: 5},
	}})

	old := l.TryReserve(schemas.ActionComment, t0)
	require.True(t, old.Allowed)
	require.True(t, l.TryReserve(schemas.ActionComment, t0.Add(61*time.Minute)).Allowed)

	l.Rollback(old.Reservation, t0.Add(62*time.Minute))

	snap := l.Snapshot()
	assert.Equal(t, 1, snap[0].Count, "the new hour must keep the reservation made inside it")
	assert.Equal(t, 1, snap[1].Count, "the day window has not rolled so the old slot is returned")
}

// Randomized property check: whatever the sequence of reservations and rollbacks,
// no window ever holds more than its limit and counts never go negative.
func TestProperty_WindowsNeverExceedLimit(t *testing.T) {
	limits := map[schemas.WindowKind]int{schemas.WindowHour: 3, schemas.WindowDay: 7, schemas.WindowWeek: 20}
	l := newLimiter(t, Config{Budgets: map[schemas.ActionType]map[schemas.WindowKind]int{
		schemas.ActionComment: limits,
	}})
	rng := rand.New(rand.NewSource(7))

	now := t0
	var granted []time.Time
	var live []*Reservation
	for i := 0; i < 5000; i++ {
		now = now.Add(time.Duration(rng.Intn(40)) * time.Minute)
		if len(live) > 0 && rng.Intn(10) == 0 {
			l.Rollback(live[len(live)-1], now)
			live = live[:len(live)-1]
			granted = granted[:len(granted)-1]
			continue
		}
		d := l.TryReserve(schemas.ActionComment, now)
		if d.Allowed {
			granted = append(granted, now)
			live = append(live, d.Reservation)
		} else {
			require.Greater(t, d.RetryAfter, time.Duration(0))
		}
		for _, b := range l.Snapshot() {
			require.GreaterOrEqual(t, b.Count, 0)
			require.LessOrEqual(t, b.Count, b.Limit)
		}
	}
	assert.NotEmpty(t, granted)
}

func TestSnapshotRestore(t *testing.T) {
	cfg := Config{Budgets: map[schemas.ActionType]map[schemas.WindowKind]int{
		schemas.ActionComment: {schemas.WindowHour: 2, schemas.WindowDay: 4},
		schemas.ActionPost:    {schemas.WindowDay: 1},
	}}
	l := newLimiter(t, cfg)
	require.True(t, l.TryReserve(schemas.ActionComment, t0).Allowed)
	require.True(t, l.TryReserve(schemas.ActionPost, t0).Allowed)
	snap := l.Snapshot()

	restored := newLimiter(t, cfg)
	restored.Restore(append(snap, schemas.RateBudget{
		ActionType: schemas.ActionMessage, WindowKind: schemas.WindowDay, Limit: 9, Count: 9,
	}))

	if diff := cmp.Diff(snap, restored.Snapshot()); diff != "" {
		t.Errorf("restored snapshot mismatch (-want +got):\n%s", diff)
	}

	// Restored history still blocks.
	assert.False(t, restored.TryReserve(schemas.ActionPost, t0.Add(time.Hour)).Allowed)
}

func TestRestore_ClampsToConfiguredLimit(t *testing.T) {
	l := newLimiter(t, Config{Budgets: map[schemas.ActionType]map[schemas.WindowKind]int{
		schemas.ActionPost: {schemas.WindowDay: 2},
	}})
	l.Restore([]schemas.RateBudget{{ActionType: schemas.ActionPost, WindowKind: schemas.WindowDay, Limit: 10, Count: 8, WindowStart: t0}})
	snap := l.Snapshot()
	assert.Equal(t, 2, snap[0].Count)
	assert.Equal(t, 2, snap[0].Limit)
}

func TestStatus(t *testing.T) {
	l := newLimiter(t, Config{Budgets: map[schemas.ActionType]map[schemas.WindowKind]int{
		schemas.ActionComment: {schemas.WindowHour: 3},
	}})
	require.True(t, l.TryReserve(schemas.ActionComment, t0).Allowed)

	st := l.Status(t0.Add(15 * time.Minute))
	require.Len(t, st, 1)
	assert.Equal(t, 2, st[0].Remaining)
	assert.Equal(t, 45*time.Minute, st[0].ResetsIn)

	// Status past the window reports a fresh window without mutating the limiter.
	st = l.Status(t0.Add(2 * time.Hour))
	assert.Equal(t, 3, st[0].Remaining)
	assert.Equal(t, 1, l.Snapshot()[0].Count)
}
