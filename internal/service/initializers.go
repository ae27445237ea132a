package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pacer/api/schemas"
	"github.com/xkilldash9x/pacer/internal/config"
	"github.com/xkilldash9x/pacer/internal/humanoid"
	"github.com/xkilldash9x/pacer/internal/ratelimit"
	"github.com/xkilldash9x/pacer/internal/scoring"
	"github.com/xkilldash9x/pacer/internal/session"
	"github.com/xkilldash9x/pacer/internal/store"
)

// LimiterConfig translates the rate_limits section. The key "*" becomes the wildcard
// budget that applies to every action type.
func LimiterConfig(cfg config.Interface) ratelimit.Config {
	out := ratelimit.Config{
		Budgets:      make(map[schemas.ActionType]map[schemas.WindowKind]int),
		MinIntervals: make(map[schemas.ActionType]time.Duration),
	}
	for key, rl := range cfg.RateLimits() {
		actionType := schemas.ActionType(key)
		windows := make(map[schemas.WindowKind]int)
		if rl.Hour > 0 {
			windows[schemas.WindowHour] = rl.Hour
		}
		if rl.Day > 0 {
			windows[schemas.WindowDay] = rl.Day
		}
		if rl.Week > 0 {
			windows[schemas.WindowWeek] = rl.Week
		}
		if len(windows) > 0 {
			out.Budgets[actionType] = windows
		}
		if rl.MinInterval > 0 {
			out.MinIntervals[actionType] = rl.MinInterval
		}
	}
	return out
}

func toProfile(p config.DelayProfile) humanoid.Profile {
	return humanoid.Profile{Mean: p.Mean, StdDev: p.StdDev, Floor: p.Floor, Ceiling: p.Ceiling}
}

// DelayModelConfig translates the delays section. rng may be nil.
func DelayModelConfig(cfg config.Interface, rng *rand.Rand) humanoid.Config {
	d := cfg.Delays()
	out := humanoid.Config{
		Profiles:           make(map[schemas.ActionType]humanoid.Profile, len(d.Profiles)),
		Default:            toProfile(d.Profiles[config.DefaultProfileKey]),
		Break:              toProfile(d.Break),
		BreakEvery:         d.BreakEvery,
		BreakProbability:   d.BreakProbability,
		WarmupMultiplier:   d.WarmupMultiplier,
		CooldownMultiplier: d.CooldownMultiplier,
		Rng:                rng,
	}
	for name, p := range d.Profiles {
		if name == config.DefaultProfileKey {
			continue
		}
		out.Profiles[schemas.ActionType(name)] = toProfile(p)
	}
	return out
}

// SessionConfig translates the session section.
func SessionConfig(cfg config.Interface) session.Config {
	s := cfg.Session()
	return session.Config{
		WarmupQuota:      s.WarmupActions,
		FailureThreshold: s.FailureThreshold,
		Cooldown:         s.Cooldown,
	}
}

// ScorerConfig resolves the scoring mode to its weights. now fixes the reference time
// for recency; zero means the time of construction.
func ScorerConfig(cfg config.Interface, now time.Time) (scoring.Config, error) {
	sc := cfg.Scoring()
	custom := scoring.Weights{
		Recency:     sc.Weights.Recency,
		Engagement:  sc.Weights.Engagement,
		Opportunity: sc.Weights.Opportunity,
		Topic:       sc.Weights.Topic,
	}
	weights, err := scoring.WeightsFor(scoring.Mode(sc.Mode), custom)
	if err != nil {
		return scoring.Config{}, fmt.Errorf("failed to resolve scoring weights: %w", err)
	}
	return scoring.Config{Weights: weights, Keywords: sc.Keywords, Now: now}, nil
}

// NewScorer builds a Scorer from configuration.
func NewScorer(cfg config.Interface, now time.Time) (*scoring.Scorer, error) {
	sc, err := ScorerConfig(cfg, now)
	if err != nil {
		return nil, err
	}
	return scoring.New(sc)
}

// OpenStore opens the repository selected by the database section: PostgreSQL when a URL
// is set, otherwise the local SQLite file. The returned cleanup func releases it.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (store.Repository, func(), error) {
	if cfg.URL != "" {
		logger.Info("Initializing PostgreSQL state store.")
		poolConfig, err := pgxpool.ParseConfig(cfg.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
		}
		poolConfig.MaxConns = 4
		poolConfig.MinConns = 1
		poolConfig.MaxConnLifetime = 1 * time.Hour
		poolConfig.MaxConnIdleTime = 30 * time.Minute

		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
		}
		pg, err := store.New(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		cleanup := func() {
			logger.Debug("Closing PostgreSQL connection pool.")
			pool.Close()
		}
		return pg, cleanup, nil
	}

	path, err := cfg.ExpandedSQLitePath()
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Initializing SQLite state store.", zap.String("path", path))
	lite, err := store.OpenSQLite(ctx, path, logger)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := lite.Close(); err != nil {
			logger.Warn("Failed to close SQLite store.", zap.Error(err))
		}
	}
	return lite, cleanup, nil
}

// LoadOrFresh returns the persisted state of accountID, or a cold state when the account
// has never been saved.
func LoadOrFresh(ctx context.Context, repo store.Repository, accountID string) (schemas.AccountState, bool, error) {
	st, err := repo.LoadState(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return schemas.AccountState{
			AccountID: accountID,
			Session:   schemas.SessionState{State: schemas.StateCold},
		}, false, nil
	}
	if err != nil {
		return schemas.AccountState{}, false, err
	}
	return st, true, nil
}

// ReportSink receives batches of terminal reports.
type ReportSink interface {
	RecordReports(ctx context.Context, reports []schemas.Report) error
}

// LogSink writes every report to the logger.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) RecordReports(_ context.Context, reports []schemas.Report) error {
	for _, r := range reports {
		fields := []zap.Field{
			zap.String("request_id", r.RequestID),
			zap.String("action_type", string(r.ActionType)),
			zap.String("status", string(r.Status)),
			zap.Int("attempts", r.Attempts),
		}
		if r.Err != nil {
			s.Logger.Warn("Request finished with an error.", append(fields, zap.Error(r.Err))...)
			continue
		}
		s.Logger.Info("Request finished.", fields...)
	}
	return nil
}

const (
	reportBatchSize    = 50
	reportBatchTimeout = 2 * time.Second
)

// StartReportConsumer launches a goroutine that batches reports from the channel into
// the sink. It exits once the channel is closed or ctx is cancelled, flushing what it
// holds. The WaitGroup is incremented before the goroutine starts.
func StartReportConsumer(ctx context.Context, wg *sync.WaitGroup, reports <-chan schemas.Report, sink ReportSink, logger *zap.Logger) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Debug("Starting report consumer goroutine.")
		defer logger.Debug("Report consumer goroutine shut down.")

		batch := make([]schemas.Report, 0, reportBatchSize)
		ticker := time.NewTicker(reportBatchTimeout)
		defer ticker.Stop()

		flush := func() {
			if len(batch) == 0 {
				return
			}
			// Not the main ctx: a shutdown still gets its last batch recorded.
			flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := sink.RecordReports(flushCtx, batch); err != nil {
				logger.Error("Failed to record report batch.", zap.Error(err), zap.Int("batch_size", len(batch)))
			}
			batch = batch[:0]
		}

		for {
			select {
			case r, ok := <-reports:
				if !ok {
					flush()
					return
				}
				batch = append(batch, r)
				if len(batch) >= reportBatchSize {
					flush()
					ticker.Reset(reportBatchTimeout)
				}
			case <-ticker.C:
				flush()
			case <-ctx.Done():
				drainChannel(reports, &batch)
				flush()
				return
			}
		}
	}()
}

// drainChannel reads whatever is buffered without blocking.
func drainChannel(reports <-chan schemas.Report, batch *[]schemas.Report) {
	for {
		select {
		case r, ok := <-reports:
			if !ok {
				return
			}
			*batch = append(*batch, r)
		default:
			return
		}
	}
}
