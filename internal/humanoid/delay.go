// Package humanoid produces human-like pauses between account actions.
//
// Each action type draws its pause from its own normal distribution, and the session
// state stretches the pause while an account is warming up or cooling down. Every so
// often the model inserts a much longer break, the way a person steps away from the
// keyboard.
package humanoid

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/xkilldash9x/pacer/api/schemas"
)

// Profile is a clamped normal distribution of pause durations.
type Profile struct {
	Mean    time.Duration
	StdDev  time.Duration
	Floor   time.Duration
	Ceiling time.Duration
}

func (p Profile) validate(name string) error {
	if p.Mean < 0 || p.StdDev < 0 || p.Floor < 0 || p.Ceiling < 0 {
		return fmt.Errorf("humanoid: profile %s has a negative duration", name)
	}
	if p.Ceiling > 0 && p.Floor > p.Ceiling {
		return fmt.Errorf("humanoid: profile %s floor %s exceeds ceiling %s", name, p.Floor, p.Ceiling)
	}
	return nil
}

// draw samples the profile and clamps the result. A zero Ceiling leaves the top open.
func (p Profile) draw(rng *rand.Rand) time.Duration {
	d := p.Mean
	if p.StdDev > 0 {
		d = time.Duration(float64(p.Mean) + rng.NormFloat64()*float64(p.StdDev))
	}
	if d < p.Floor {
		d = p.Floor
	}
	if p.Ceiling > 0 && d > p.Ceiling {
		d = p.Ceiling
	}
	return d
}

// Config parameterizes a DelayModel.
type Config struct {
	// Profiles holds per action type distributions. Types without an entry use Default.
	Profiles map[schemas.ActionType]Profile
	Default  Profile

	// Break is the distribution of the long pause inserted every BreakEvery actions.
	// When breaks are enabled its floor must reach the longest regular pause.
	Break      Profile
	BreakEvery int
	// BreakProbability is the chance that any single pause becomes a break early.
	BreakProbability float64

	WarmupMultiplier   float64
	CooldownMultiplier float64

	// Rng is the random source. Nil seeds one from the current time.
	Rng *rand.Rand
}

// DelayModel computes the pause to observe before each dispatch. It is safe for
// concurrent use, although a scheduler normally owns one per account.
type DelayModel struct {
	cfg Config

	mu         sync.Mutex
	rng        *rand.Rand
	sinceBreak int
	lastBreak  bool
}

// New validates cfg and returns a DelayModel.
func New(cfg Config) (*DelayModel, error) {
	if err := cfg.Default.validate("default"); err != nil {
		return nil, err
	}
	if err := cfg.Break.validate("break"); err != nil {
		return nil, err
	}
	for actionType, p := range cfg.Profiles {
		if err := p.validate(string(actionType)); err != nil {
			return nil, err
		}
	}
	if cfg.BreakEvery < 0 {
		return nil, fmt.Errorf("humanoid: break interval must not be negative, got %d", cfg.BreakEvery)
	}
	if cfg.BreakProbability < 0 || cfg.BreakProbability > 1 {
		return nil, fmt.Errorf("humanoid: break probability must be within [0,1], got %g", cfg.BreakProbability)
	}
	if cfg.WarmupMultiplier <= 0 {
		cfg.WarmupMultiplier = 1
	}
	if cfg.CooldownMultiplier <= 0 {
		cfg.CooldownMultiplier = 1
	}
	if cfg.BreakEvery > 0 || cfg.BreakProbability > 0 {
		if err := cfg.checkBreakOutlastsPauses(); err != nil {
			return nil, err
		}
	}

	rng := cfg.Rng
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &DelayModel{cfg: cfg, rng: rng}, nil
}

// checkBreakOutlastsPauses rejects a break that could be shorter than a regular pause
// of a dispatching session. The cooldown multiplier is ignored because a cooling down
// session does not dispatch.
func (cfg Config) checkBreakOutlastsPauses() error {
	longest := time.Duration(0)
	profiles := map[string]Profile{"default": cfg.Default}
	for actionType, p := range cfg.Profiles {
		profiles[string(actionType)] = p
	}
	for name, p := range profiles {
		if p.Ceiling == 0 {
			return fmt.Errorf("humanoid: profile %s needs a ceiling when breaks are enabled", name)
		}
		longest = max(longest, p.Ceiling)
	}
	longest = time.Duration(float64(longest) * cfg.WarmupMultiplier)
	if cfg.Break.Floor < longest {
		return fmt.Errorf("humanoid: break floor %s is below the longest regular pause %s", cfg.Break.Floor, longest)
	}
	return nil
}

func (m *DelayModel) profile(actionType schemas.ActionType) Profile {
	if p, ok := m.cfg.Profiles[actionType]; ok {
		return p
	}
	return m.cfg.Default
}

func (m *DelayModel) multiplier(state schemas.SessionStateKind) float64 {
	switch state {
	case schemas.StateWarmingUp:
		return m.cfg.WarmupMultiplier
	case schemas.StateCoolingDown:
		return m.cfg.CooldownMultiplier
	default:
		return 1
	}
}

// NextDelay returns the pause to observe before dispatching an action of actionType
// while the session is in state.
func (m *DelayModel) NextDelay(actionType schemas.ActionType, state schemas.SessionStateKind) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.breakDue() {
		m.sinceBreak = 0
		m.lastBreak = true
		return m.cfg.Break.draw(m.rng)
	}

	m.sinceBreak++
	m.lastBreak = false
	d := m.profile(actionType).draw(m.rng)
	return time.Duration(float64(d) * m.multiplier(state))
}

// breakDue must be called with mu held.
func (m *DelayModel) breakDue() bool {
	if m.cfg.BreakEvery > 0 && m.sinceBreak >= m.cfg.BreakEvery {
		return true
	}
	// A break right after a break is pointless.
	if m.cfg.BreakProbability > 0 && m.sinceBreak > 0 {
		return m.rng.Float64() < m.cfg.BreakProbability
	}
	return false
}

// LastWasBreak reports whether the most recent NextDelay returned a break.
func (m *DelayModel) LastWasBreak() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastBreak
}

// ActionsSinceBreak returns the number of regular pauses handed out since the last break.
func (m *DelayModel) ActionsSinceBreak() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sinceBreak
}
