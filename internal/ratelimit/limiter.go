// Package ratelimit enforces per action type usage budgets over rolling hour, day and
// week windows.
//
// A Limiter is not safe for concurrent use. It is owned by a single scheduler loop;
// readers outside that loop must work on Snapshot copies.
package ratelimit

import (
	"fmt"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/xkilldash9x/pacer/api/schemas"
)

// Config declares the budgets. A type present in neither map is unrestricted.
type Config struct {
	// Budgets maps an action type (or schemas.ActionAny) to its window limits.
	Budgets map[schemas.ActionType]map[schemas.WindowKind]int
	// MinIntervals optionally enforces a minimum spacing between two actions of a type.
	MinIntervals map[schemas.ActionType]time.Duration
}

// Decision is the answer to a reservation attempt.
type Decision struct {
	Allowed bool
	// RetryAfter is set on denial: the earliest time a blocking budget admits another action.
	RetryAfter time.Duration
	// Reservation is set when Allowed and can be handed back to Rollback.
	Reservation *Reservation
}

type slot struct {
	budget      *schemas.RateBudget
	windowStart time.Time
}

// Reservation records the budget slots taken by one successful TryReserve.
type Reservation struct {
	actionType schemas.ActionType
	slots      []slot
	spacing    []*rate.Reservation
	rolledBack bool
}

// ActionType returns the action type the reservation was made for.
func (r *Reservation) ActionType() schemas.ActionType { return r.actionType }

// Limiter evaluates and books budgets.
type Limiter struct {
	budgets map[schemas.ActionType][]*schemas.RateBudget
	spacers map[schemas.ActionType]*rate.Limiter
}

// windowOrder fixes the evaluation and snapshot order of windows.
var windowOrder = map[schemas.WindowKind]int{
	schemas.WindowHour: 0,
	schemas.WindowDay:  1,
	schemas.WindowWeek: 2,
}

// New builds a Limiter. Window start times are set lazily on first use.
func New(cfg Config) (*Limiter, error) {
	l := &Limiter{
		budgets: make(map[schemas.ActionType][]*schemas.RateBudget),
		spacers: make(map[schemas.ActionType]*rate.Limiter),
	}
	for actionType, windows := range cfg.Budgets {
		if actionType == "" {
			return nil, fmt.Errorf("ratelimit: empty action type in budgets")
		}
		for kind, limit := range windows {
			if kind.Length() == 0 {
				return nil, fmt.Errorf("ratelimit: unknown window kind %q for %s", kind, actionType)
			}
			if limit < 0 {
				return nil, fmt.Errorf("ratelimit: negative limit for %s/%s", actionType, kind)
			}
			l.budgets[actionType] = append(l.budgets[actionType], &schemas.RateBudget{
				ActionType: actionType,
				WindowKind: kind,
				Limit:      limit,
			})
		}
		sort.Slice(l.budgets[actionType], func(i, j int) bool {
			bs := l.budgets[actionType]
			return windowOrder[bs[i].WindowKind] < windowOrder[bs[j].WindowKind]
		})
	}
	for actionType, interval := range cfg.MinIntervals {
		if interval <= 0 {
			continue
		}
		l.spacers[actionType] = rate.NewLimiter(rate.Every(interval), 1)
	}
	return l, nil
}

// applicable returns the budgets and spacers governing actionType, wildcard included.
func (l *Limiter) applicable(actionType schemas.ActionType) ([]*schemas.RateBudget, []*rate.Limiter) {
	budgets := append([]*schemas.RateBudget(nil), l.budgets[actionType]...)
	var spacers []*rate.Limiter
	if s, ok := l.spacers[actionType]; ok {
		spacers = append(spacers, s)
	}
	if actionType != schemas.ActionAny {
		budgets = append(budgets, l.budgets[schemas.ActionAny]...)
		if s, ok := l.spacers[schemas.ActionAny]; ok {
			spacers = append(spacers, s)
		}
	}
	return budgets, spacers
}

// Unrestricted reports whether no budget or spacing applies to actionType.
func (l *Limiter) Unrestricted(actionType schemas.ActionType) bool {
	budgets, spacers := l.applicable(actionType)
	return len(budgets) == 0 && len(spacers) == 0
}

// roll advances a budget's window so that now falls inside it, resetting the count.
func roll(b *schemas.RateBudget, now time.Time) {
	length := b.WindowKind.Length()
	if b.WindowStart.IsZero() {
		b.WindowStart = now
		return
	}
	if now.Before(b.WindowStart.Add(length)) {
		return
	}
	elapsed := now.Sub(b.WindowStart) / length
	b.WindowStart = b.WindowStart.Add(elapsed * length)
	b.Count = 0
}

// TryReserve books one slot in every budget governing actionType, or none at all.
func (l *Limiter) TryReserve(actionType schemas.ActionType, now time.Time) Decision {
	budgets, spacers := l.applicable(actionType)
	res := &Reservation{actionType: actionType}
	if len(budgets) == 0 && len(spacers) == 0 {
		return Decision{Allowed: true, Reservation: res}
	}

	var retryAfter time.Duration
	blocked := false
	for _, b := range budgets {
		roll(b, now)
		if b.Count >= b.Limit {
			wait := b.WindowStart.Add(b.WindowKind.Length()).Sub(now)
			if !blocked || wait < retryAfter {
				retryAfter = wait
			}
			blocked = true
		}
	}
	if blocked {
		return Decision{RetryAfter: retryAfter}
	}

	// Spacing is checked only once every window has room, so a window denial never
	// consumes spacing tokens.
	var spacingWait time.Duration
	for _, s := range spacers {
		r := s.ReserveN(now, 1)
		res.spacing = append(res.spacing, r)
		if d := r.DelayFrom(now); d > spacingWait {
			spacingWait = d
		}
	}
	if spacingWait > 0 {
		for _, r := range res.spacing {
			r.CancelAt(now)
		}
		return Decision{RetryAfter: spacingWait}
	}

	for _, b := range budgets {
		b.Count++
		res.slots = append(res.slots, slot{budget: b, windowStart: b.WindowStart})
	}
	return Decision{Allowed: true, Reservation: res}
}

// Rollback returns the slots taken by res. Budgets whose window rolled since the
// reservation are left alone, and counts never drop below zero. Calling Rollback
// twice is a no-op.
func (l *Limiter) Rollback(res *Reservation, now time.Time) {
	if res == nil || res.rolledBack {
		return
	}
	res.rolledBack = true
	for _, s := range res.slots {
		if s.budget.WindowStart.Equal(s.windowStart) && s.budget.Count > 0 {
			s.budget.Count--
		}
	}
	for _, r := range res.spacing {
		r.CancelAt(now)
	}
}

// Snapshot returns copies of every budget ordered by action type then window.
func (l *Limiter) Snapshot() []schemas.RateBudget {
	var out []schemas.RateBudget
	for _, bs := range l.budgets {
		for _, b := range bs {
			out = append(out, *b)
		}
	}
	sortBudgets(out)
	return out
}

func sortBudgets(bs []schemas.RateBudget) {
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].ActionType != bs[j].ActionType {
			return bs[i].ActionType < bs[j].ActionType
		}
		return windowOrder[bs[i].WindowKind] < windowOrder[bs[j].WindowKind]
	})
}

// Restore loads persisted window positions and counts into the configured budgets.
// Configuration stays authoritative: persisted budgets that are no longer configured
// are ignored and counts are clamped to the configured limit.
func (l *Limiter) Restore(persisted []schemas.RateBudget) {
	for _, p := range persisted {
		for _, b := range l.budgets[p.ActionType] {
			if b.WindowKind != p.WindowKind {
				continue
			}
			b.WindowStart = p.WindowStart
			b.Count = p.Count
			if b.Count < 0 {
				b.Count = 0
			}
			if b.Count > b.Limit {
				b.Count = b.Limit
			}
		}
	}
}

// BudgetStatus is a read-only view of one budget at a point in time.
type BudgetStatus struct {
	schemas.RateBudget
	Remaining int
	ResetsIn  time.Duration
}

// Status reports the remaining capacity of every budget as of now without mutating
// the limiter.
func (l *Limiter) Status(now time.Time) []BudgetStatus {
	return StatusOf(l.Snapshot(), now)
}

// StatusOf computes BudgetStatus for a set of budget copies, applying lazy window
// rolls to the copies only.
func StatusOf(budgets []schemas.RateBudget, now time.Time) []BudgetStatus {
	out := make([]BudgetStatus, 0, len(budgets))
	for _, b := range budgets {
		c := b
		roll(&c, now)
		remaining := c.Limit - c.Count
		if remaining < 0 {
			remaining = 0
		}
		out = append(out, BudgetStatus{
			RateBudget: c,
			Remaining:  remaining,
			ResetsIn:   c.WindowStart.Add(c.WindowKind.Length()).Sub(now),
		})
	}
	return out
}
