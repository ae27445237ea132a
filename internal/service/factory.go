package service

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pacer/api/schemas"
	"github.com/xkilldash9x/pacer/internal/clock"
	"github.com/xkilldash9x/pacer/internal/config"
	"github.com/xkilldash9x/pacer/internal/humanoid"
	"github.com/xkilldash9x/pacer/internal/observability"
	"github.com/xkilldash9x/pacer/internal/ratelimit"
	"github.com/xkilldash9x/pacer/internal/scheduler"
	"github.com/xkilldash9x/pacer/internal/session"
	"github.com/xkilldash9x/pacer/internal/store"
)

// reportBuffer bounds the reports waiting for the consumer.
const reportBuffer = 256

// Dependencies are the collaborators that do not come from configuration. Only Executor
// is required.
type Dependencies struct {
	Executor scheduler.Executor
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// Registerer receives the scheduler metrics. Nil disables metrics.
	Registerer prometheus.Registerer
	// Rng seeds the delay model. Nil seeds from the current time.
	Rng *rand.Rand
	// Sink records terminal reports. Nil logs them.
	Sink ReportSink
	// Store overrides the repository selected by the database section. It is not closed
	// by Shutdown.
	Store store.Repository
}

// ComponentFactory creates the components that pace one account.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, deps Dependencies, logger *zap.Logger) (*Components, error)
}

type concreteFactory struct{}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create wires the store, metrics, limiter, session machine, delay model and scheduler of
// the configured account and restores its persisted state.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, deps Dependencies, logger *zap.Logger) (*Components, error) {
	if deps.Executor == nil {
		return nil, fmt.Errorf("an executor is required")
	}
	accountID := cfg.Scheduler().AccountID
	components := &Components{logger: logger}

	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Store
	if deps.Store != nil {
		components.Store = deps.Store
	} else {
		repo, cleanup, err := OpenStore(ctx, cfg.Database(), logger)
		if err != nil {
			initializationErr = fmt.Errorf("failed to open state store: %w", err)
			return nil, initializationErr
		}
		components.Store = repo
		components.closeStore = cleanup
	}
	logger.Debug("State store initialized.")

	// 2. Metrics
	if deps.Registerer != nil {
		metrics, err := observability.NewMetrics(deps.Registerer)
		if err != nil {
			initializationErr = fmt.Errorf("failed to register metrics: %w", err)
			return nil, initializationErr
		}
		components.Metrics = metrics
	}

	// 3. Pacing primitives
	limiter, err := ratelimit.New(LimiterConfig(cfg))
	if err != nil {
		initializationErr = fmt.Errorf("failed to create rate limiter: %w", err)
		return nil, initializationErr
	}
	machine, err := session.New(SessionConfig(cfg))
	if err != nil {
		initializationErr = fmt.Errorf("failed to create session machine: %w", err)
		return nil, initializationErr
	}
	delays, err := humanoid.New(DelayModelConfig(cfg, deps.Rng))
	if err != nil {
		initializationErr = fmt.Errorf("failed to create delay model: %w", err)
		return nil, initializationErr
	}

	// 4. Report consumer
	sink := deps.Sink
	if sink == nil {
		sink = LogSink{Logger: logger.Named("reports")}
	}
	components.reports = make(chan schemas.Report, reportBuffer)
	components.consumerWG = &sync.WaitGroup{}
	StartReportConsumer(ctx, components.consumerWG, components.reports, sink, logger)

	// 5. Scheduler
	sc := cfg.Scheduler()
	sched, err := scheduler.New(scheduler.Options{
		AccountID:   accountID,
		Executor:    deps.Executor,
		Limiter:     limiter,
		Session:     machine,
		Delays:      delays,
		Logger:      logger,
		Clock:       deps.Clock,
		Metrics:     components.Metrics,
		Store:       components.Store,
		OnReport:    components.reportFunc,
		MaxAttempts: sc.MaxAttempts,
		BackoffBase: sc.BackoffBase,
		BackoffMax:  sc.BackoffMax,
	})
	if err != nil {
		initializationErr = fmt.Errorf("failed to create scheduler: %w", err)
		return nil, initializationErr
	}

	// 6. Restore
	state, found, err := LoadOrFresh(ctx, components.Store, accountID)
	if err != nil {
		initializationErr = fmt.Errorf("failed to load state of account %s: %w", accountID, err)
		return nil, initializationErr
	}
	if found {
		if err := sched.Restore(state); err != nil {
			initializationErr = err
			return nil, initializationErr
		}
		logger.Info("Restored persisted account state.",
			zap.String("account_id", accountID),
			zap.String("state", string(state.Session.State)),
			zap.Int("budgets", len(state.Budgets)))
	}
	components.Scheduler = sched
	components.Restored = found

	logger.Info("All components initialized successfully.", zap.String("account_id", accountID))
	return components, nil
}
