package humanoid

import (
	"math/rand"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/pacer/api/schemas"
)

// fixed returns a profile with no spread so draws are exact.
func fixed(d time.Duration) Profile {
	return Profile{Mean: d, Floor: d, Ceiling: d}
}

func newModel(t *testing.T, cfg Config) *DelayModel {
	t.Helper()
	if cfg.Rng == nil {
		cfg.Rng = rand.New(rand.NewSource(42))
	}
	m, err := New(cfg)
	require.NoError(t, err)
	return m
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"floor above ceiling", Config{Default: Profile{Mean: time.Second, Floor: time.Minute, Ceiling: time.Second}}, "exceeds ceiling"},
		{"negative std", Config{Profiles: map[schemas.ActionType]Profile{schemas.ActionPost: {StdDev: -1}}}, "negative duration"},
		{"negative break interval", Config{BreakEvery: -1}, "break interval"},
		{"probability above one", Config{BreakProbability: 1.5}, "break probability"},
		{"break shorter than a pause", Config{
			Profiles:   map[schemas.ActionType]Profile{schemas.ActionMessage: {Mean: 90 * time.Second, Floor: 45 * time.Second, Ceiling: 4 * time.Minute}},
			Default:    fixed(30 * time.Second),
			Break:      Profile{Mean: time.Minute, Floor: 30 * time.Second, Ceiling: 2 * time.Minute},
			BreakEvery: 50,
		}, "below the longest regular pause"},
		{"warm-up stretches past the break", Config{
			Default:          fixed(4 * time.Minute),
			Break:            fixed(5 * time.Minute),
			BreakEvery:       50,
			WarmupMultiplier: 1.5,
		}, "below the longest regular pause"},
		{"open ended profile with breaks", Config{
			Default:          Profile{Mean: time.Minute},
			Break:            fixed(time.Hour),
			BreakProbability: 0.1,
		}, "needs a ceiling"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestNextDelay_ProfilesAndStateMultipliers(t *testing.T) {
	m := newModel(t, Config{
		Profiles:           map[schemas.ActionType]Profile{schemas.ActionComment: fixed(60 * time.Second)},
		Default:            fixed(30 * time.Second),
		WarmupMultiplier:   1.5,
		CooldownMultiplier: 3,
	})

	assert.Equal(t, 60*time.Second, m.NextDelay(schemas.ActionComment, schemas.StateActive))
	assert.Equal(t, 30*time.Second, m.NextDelay(schemas.ActionScrape, schemas.StateActive), "unconfigured types use the default profile")
	assert.Equal(t, 90*time.Second, m.NextDelay(schemas.ActionComment, schemas.StateWarmingUp))
	assert.Equal(t, 180*time.Second, m.NextDelay(schemas.ActionComment, schemas.StateCoolingDown))
	assert.Equal(t, 30*time.Second, m.NextDelay(schemas.ActionPost, schemas.StateCold))
}

func TestNextDelay_Clamped(t *testing.T) {
	m := newModel(t, Config{
		Profiles: map[schemas.ActionType]Profile{
			schemas.ActionPost:    {Mean: time.Hour, StdDev: time.Minute, Floor: time.Second, Ceiling: 2 * time.Minute},
			schemas.ActionMessage: {Mean: 0, StdDev: time.Millisecond, Floor: 45 * time.Second, Ceiling: time.Minute},
		},
	})
	assert.Equal(t, 2*time.Minute, m.NextDelay(schemas.ActionPost, schemas.StateActive))
	assert.Equal(t, 45*time.Second, m.NextDelay(schemas.ActionMessage, schemas.StateActive))
}

func TestNextDelay_StaysWithinBounds(t *testing.T) {
	p := Profile{Mean: 30 * time.Second, StdDev: 20 * time.Second, Floor: 15 * time.Second, Ceiling: 90 * time.Second}
	m := newModel(t, Config{Default: p, WarmupMultiplier: 1.5})

	var sum time.Duration
	const n = 5000
	for i := 0; i < n; i++ {
		d := m.NextDelay(schemas.ActionComment, schemas.StateActive)
		require.GreaterOrEqual(t, d, p.Floor)
		require.LessOrEqual(t, d, p.Ceiling)
		sum += d

		w := m.NextDelay(schemas.ActionComment, schemas.StateWarmingUp)
		require.GreaterOrEqual(t, w, time.Duration(1.5*float64(p.Floor)))
		require.LessOrEqual(t, w, time.Duration(1.5*float64(p.Ceiling)))
	}
	mean := sum / n
	assert.InDelta(t, float64(35*time.Second), float64(mean), float64(5*time.Second), "clamping the lower tail lifts the mean slightly")
}

func TestNextDelay_SeededIsReproducible(t *testing.T) {
	cfg := Config{
		Default:          Profile{Mean: time.Minute, StdDev: 20 * time.Second, Floor: time.Second, Ceiling: 5 * time.Minute},
		Break:            Profile{Mean: 10 * time.Minute, StdDev: time.Minute, Floor: 5 * time.Minute, Ceiling: 20 * time.Minute},
		BreakProbability: 0.1,
	}
	cfg.Rng = rand.New(rand.NewSource(7))
	a := newModel(t, cfg)
	cfg.Rng = rand.New(rand.NewSource(7))
	b := newModel(t, cfg)

	for i := 0; i < 200; i++ {
		require.Equal(t, a.NextDelay(schemas.ActionReply, schemas.StateActive), b.NextDelay(schemas.ActionReply, schemas.StateActive))
	}
}

func TestNextDelay_BreakEvery(t *testing.T) {
	m := newModel(t, Config{
		Default:            fixed(time.Second),
		Break:              fixed(time.Hour),
		BreakEvery:         3,
		CooldownMultiplier: 3,
	})

	var got []time.Duration
	var breaks []bool
	for i := 0; i < 8; i++ {
		got = append(got, m.NextDelay(schemas.ActionComment, schemas.StateCoolingDown))
		breaks = append(breaks, m.LastWasBreak())
	}

	s, h := 3*time.Second, time.Hour
	assert.Equal(t, []time.Duration{s, s, s, h, s, s, s, h}, got, "breaks are not stretched by the state multiplier")
	assert.Equal(t, []bool{false, false, false, true, false, false, false, true}, breaks)
	assert.Equal(t, 0, m.ActionsSinceBreak())
}

func TestNextDelay_RandomBreak(t *testing.T) {
	m := newModel(t, Config{
		Default:          fixed(time.Second),
		Break:            fixed(time.Hour),
		BreakProbability: 1,
	})

	assert.Equal(t, time.Second, m.NextDelay(schemas.ActionPost, schemas.StateActive), "no break before any action")
	assert.Equal(t, time.Hour, m.NextDelay(schemas.ActionPost, schemas.StateActive))
	assert.Equal(t, time.Second, m.NextDelay(schemas.ActionPost, schemas.StateActive), "no back to back breaks")
}

func TestNew_DefaultsMultipliersAndRng(t *testing.T) {
	m, err := New(Config{Default: fixed(time.Second)})
	require.NoError(t, err)
	assert.Equal(t, time.Second, m.NextDelay(schemas.ActionPost, schemas.StateWarmingUp))
	assert.Equal(t, time.Second, m.NextDelay(schemas.ActionPost, schemas.StateCoolingDown))
}

func TestNextDelay_BreaksOutlastWarmupPauses(t *testing.T) {
	m := newModel(t, Config{
		Profiles: map[schemas.ActionType]Profile{
			schemas.ActionMessage: {Mean: 90 * time.Second, StdDev: 27 * time.Second, Floor: 45 * time.Second, Ceiling: 4 * time.Minute},
		},
		Default:          Profile{Mean: 30 * time.Second, StdDev: 9 * time.Second, Floor: 15 * time.Second, Ceiling: 90 * time.Second},
		Break:            Profile{Mean: 12 * time.Minute, StdDev: 3 * time.Minute, Floor: 6 * time.Minute, Ceiling: 25 * time.Minute},
		BreakEvery:       50,
		BreakProbability: 0.02,
		WarmupMultiplier: 1.5,
	})

	var regular, breaks []time.Duration
	for i := 0; i < 2000; i++ {
		d := m.NextDelay(schemas.ActionMessage, schemas.StateWarmingUp)
		if m.LastWasBreak() {
			breaks = append(breaks, d)
		} else {
			regular = append(regular, d)
		}
	}
	require.NotEmpty(t, breaks)
	assert.GreaterOrEqual(t, slices.Min(breaks), slices.Max(regular))
}
