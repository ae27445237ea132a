package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Fleet runs the schedulers of several accounts side by side. Accounts share nothing:
// a restriction on one does not stop the others.
type Fleet struct {
	schedulers []*Scheduler
	logger     *zap.Logger
	// limit caps how many accounts dispatch concurrently. Zero means no cap.
	limit int
}

// NewFleet groups schedulers. Account ids must be unique.
func NewFleet(logger *zap.Logger, limit int, schedulers ...*Scheduler) (*Fleet, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	seen := make(map[string]struct{}, len(schedulers))
	for _, s := range schedulers {
		if s == nil {
			return nil, errors.New("scheduler cannot be nil")
		}
		if _, dup := seen[s.AccountID()]; dup {
			return nil, fmt.Errorf("duplicate account %q in fleet", s.AccountID())
		}
		seen[s.AccountID()] = struct{}{}
	}
	return &Fleet{schedulers: schedulers, logger: logger.With(zap.String("component", "fleet")), limit: limit}, nil
}

// Scheduler returns the scheduler of accountID, or nil.
func (f *Fleet) Scheduler(accountID string) *Scheduler {
	for _, s := range f.schedulers {
		if s.AccountID() == accountID {
			return s
		}
	}
	return nil
}

// Run serves every account until ctx is cancelled. Cancellation is not reported as an
// error; per account failures are joined.
func (f *Fleet) Run(ctx context.Context) error {
	return f.each(ctx, (*Scheduler).Run)
}

// Drain empties every account's queue and returns once all are done.
func (f *Fleet) Drain(ctx context.Context) error {
	return f.each(ctx, (*Scheduler).Drain)
}

func (f *Fleet) each(ctx context.Context, fn func(*Scheduler, context.Context) error) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	if f.limit > 0 {
		g.SetLimit(f.limit)
	}

	for _, s := range f.schedulers {
		g.Go(func() error {
			err := fn(s, ctx)
			if err == nil || errors.Is(err, context.Canceled) {
				return nil
			}
			f.logger.Warn("Account stopped with an error", zap.String("account_id", s.AccountID()), zap.Error(err))
			mu.Lock()
			errs = append(errs, fmt.Errorf("account %s: %w", s.AccountID(), err))
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
