// Package scheduler drives the paced dispatch of account actions.
//
// A Scheduler owns one account's session state and rate budgets. Its loop picks the
// most urgent pending request, waits until the session and the budgets allow it,
// observes a human-like pause, hands the request to an Executor and folds the outcome
// back into the account state. Dispatches are strictly serialized.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pacer/api/schemas"
	"github.com/xkilldash9x/pacer/internal/clock"
	"github.com/xkilldash9x/pacer/internal/observability"
	"github.com/xkilldash9x/pacer/internal/ratelimit"
	"github.com/xkilldash9x/pacer/internal/session"
)

// Executor performs an action against the platform. Failures are expressed through
// the result's Outcome, never as a Go error.
type Executor interface {
	Execute(ctx context.Context, req schemas.ActionRequest) schemas.ExecutionResult
}

// DelaySource supplies the pause observed before each dispatch.
type DelaySource interface {
	NextDelay(actionType schemas.ActionType, state schemas.SessionStateKind) time.Duration
}

// StateStore persists account state after every outcome.
type StateStore interface {
	SaveState(ctx context.Context, state schemas.AccountState) error
}

// Options wires a Scheduler. Executor, Limiter, Session, Delays and Logger are required.
type Options struct {
	AccountID string
	Executor  Executor
	Limiter   *ratelimit.Limiter
	Session   *session.Machine
	Delays    DelaySource
	Logger    *zap.Logger

	Clock   clock.Clock
	Metrics *observability.Metrics
	Store   StateStore
	// OnReport receives the terminal outcome of every request. It is called from the
	// dispatch loop and must not block.
	OnReport func(schemas.Report)

	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Status is a point in time copy of the scheduler state.
type Status struct {
	schemas.AccountState
	Pending int `json:"pending"`
}

// Scheduler serializes the dispatch of one account's actions.
type Scheduler struct {
	accountID   string
	executor    Executor
	delays      DelaySource
	clock       clock.Clock
	logger      *zap.Logger
	metrics     *observability.Metrics
	store       StateStore
	onReport    func(schemas.Report)
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration

	// mu guards the queue, the in-flight set, the session machine and the limiter.
	mu       sync.Mutex
	queue    *queue
	inflight map[string]struct{}
	limiter *ratelimit.Limiter
	session *session.Machine

	// wake is signalled by Enqueue and Reset.
	wake chan struct{}

	stateLock sync.Mutex
	isRunning bool
}

// New validates opts and returns an idle Scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.Executor == nil {
		return nil, errors.New("executor cannot be nil")
	}
	if opts.Limiter == nil {
		return nil, errors.New("limiter cannot be nil")
	}
	if opts.Session == nil {
		return nil, errors.New("session cannot be nil")
	}
	if opts.Delays == nil {
		return nil, errors.New("delay source cannot be nil")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if opts.AccountID == "" {
		return nil, errors.New("account id cannot be empty")
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.BackoffMax > 0 && opts.BackoffBase > opts.BackoffMax {
		return nil, fmt.Errorf("backoff base %s exceeds backoff max %s", opts.BackoffBase, opts.BackoffMax)
	}

	s := &Scheduler{
		accountID:   opts.AccountID,
		executor:    opts.Executor,
		delays:      opts.Delays,
		clock:       opts.Clock,
		logger:      opts.Logger.With(zap.String("component", "scheduler"), zap.String("account_id", opts.AccountID)),
		metrics:     opts.Metrics,
		store:       opts.Store,
		onReport:    opts.OnReport,
		maxAttempts: opts.MaxAttempts,
		backoffBase: opts.BackoffBase,
		backoffMax:  opts.BackoffMax,
		queue:       newQueue(),
		inflight:    make(map[string]struct{}),
		limiter:     opts.Limiter,
		session:     opts.Session,
		wake:        make(chan struct{}, 1),
	}
	s.metrics.SetSessionState(s.accountID, s.session.State())
	return s, nil
}

// AccountID returns the account this scheduler paces.
func (s *Scheduler) AccountID() string { return s.accountID }

// Restore loads persisted session and budget state. Call it before Run.
func (s *Scheduler) Restore(state schemas.AccountState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.session.Restore(state.Session); err != nil {
		return fmt.Errorf("failed to restore account %s: %w", s.accountID, err)
	}
	s.limiter.Restore(state.Budgets)
	s.metrics.SetSessionState(s.accountID, s.session.State())
	return nil
}

// Enqueue validates req and adds it to the pending set. An empty ID is replaced by a
// generated one and a zero RequestedAt by the current time. It returns the request ID.
func (s *Scheduler) Enqueue(req schemas.ActionRequest) (string, error) {
	if req.ActionType == "" {
		return "", &ValidationError{Field: "action_type", Reason: "is required"}
	}
	if req.ActionType == schemas.ActionAny {
		return "", &ValidationError{Field: "action_type", Reason: "cannot be the wildcard"}
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = s.clock.Now()
	}

	s.mu.Lock()
	if s.queue.has(req.ID) {
		s.mu.Unlock()
		return "", &ValidationError{Field: "id", Reason: fmt.Sprintf("%q is already pending", req.ID)}
	}
	if _, busy := s.inflight[req.ID]; busy {
		s.mu.Unlock()
		return "", &ValidationError{Field: "id", Reason: fmt.Sprintf("%q is being dispatched", req.ID)}
	}
	s.queue.add(req)
	s.mu.Unlock()

	s.logger.Debug("Request enqueued",
		zap.String("request_id", req.ID),
		zap.String("action_type", string(req.ActionType)),
		zap.Int("priority", req.Priority))
	s.signal()
	return req.ID, nil
}

// Cancel removes a pending request and reports it as cancelled. A request that is
// already being executed cannot be cancelled.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	e, ok := s.queue.remove(id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.logger.Info("Request cancelled", zap.String("request_id", id))
	s.report(e, schemas.StatusCancelled, ErrCancelled)
	return true
}

// Reset applies the manual restricted to cold transition and persists it. It reports
// whether the session was restricted.
func (s *Scheduler) Reset(ctx context.Context) (bool, error) {
	s.mu.Lock()
	ok := s.session.Reset()
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	s.logger.Warn("Session manually reset from restricted to cold")
	s.metrics.SetSessionState(s.accountID, schemas.StateCold)
	err := s.persist(ctx)
	s.signal()
	return true, err
}

// Status returns a snapshot of the account state and the pending count.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{AccountState: s.accountStateLocked(), Pending: s.queue.len()}
}

func (s *Scheduler) accountStateLocked() schemas.AccountState {
	return schemas.AccountState{
		AccountID: s.accountID,
		Session:   s.session.Snapshot(),
		Budgets:   s.limiter.Snapshot(),
		SavedAt:   s.clock.Now(),
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run dispatches requests until ctx is cancelled, waiting for new work when the queue
// is empty and for a Reset when the session is restricted. It returns ctx.Err() on
// cancellation, a *DetectionError when the account gets restricted and an
// *AuthExpiredError when credentials must be refreshed.
func (s *Scheduler) Run(ctx context.Context) error {
	return s.start(ctx, false)
}

// Drain dispatches until the queue is empty. It fails with ErrRestricted instead of
// waiting for a Reset.
func (s *Scheduler) Drain(ctx context.Context) error {
	return s.start(ctx, true)
}

func (s *Scheduler) start(ctx context.Context, drain bool) error {
	s.stateLock.Lock()
	if s.isRunning {
		s.stateLock.Unlock()
		return ErrAlreadyRunning
	}
	s.isRunning = true
	s.stateLock.Unlock()

	defer func() {
		s.stateLock.Lock()
		s.isRunning = false
		s.stateLock.Unlock()
	}()

	s.logger.Info("Dispatch loop started", zap.Bool("drain", drain))
	err := s.loop(ctx, drain)
	s.logger.Info("Dispatch loop stopped", zap.Error(err))
	return err
}

func (s *Scheduler) loop(ctx context.Context, drain bool) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		done, err := s.step(ctx, drain)
		if err != nil || done {
			return err
		}
	}
}

// step performs one pass of the dispatch algorithm. It returns done when Drain has
// emptied the queue.
func (s *Scheduler) step(ctx context.Context, drain bool) (bool, error) {
	s.mu.Lock()
	e, ok := s.queue.peek()
	if !ok {
		s.mu.Unlock()
		if drain {
			return true, nil
		}
		return false, s.idle(ctx)
	}

	now := s.clock.Now()
	s.observeTransition(s.session.Tick(now), "cooldown elapsed")
	if !s.session.Permits(now) {
		wait, recoverable := s.session.WaitHint(now)
		state := s.session.State()
		s.mu.Unlock()

		if !recoverable {
			if drain {
				return false, fmt.Errorf("account %s: %w", s.accountID, ErrRestricted)
			}
			s.logger.Warn("Session restricted, waiting for a manual reset")
			return false, s.idle(ctx)
		}
		s.logger.Info("Session not ready, pausing dispatch",
			zap.String("state", string(state)), zap.Duration("wait", wait))
		return false, s.clock.Sleep(ctx, wait)
	}

	s.observeTransition(s.session.BeginAttempt(now), "first dispatch attempt")
	req := e.req
	decision := s.limiter.TryReserve(req.ActionType, now)
	if !decision.Allowed {
		s.mu.Unlock()
		s.metrics.ObserveDenial(s.accountID, req.ActionType)
		s.logger.Debug("Budget exhausted, deferring request",
			zap.String("request_id", req.ID),
			zap.String("action_type", string(req.ActionType)),
			zap.Duration("retry_after", decision.RetryAfter))
		return false, s.clock.Sleep(ctx, decision.RetryAfter)
	}
	delay := s.delays.NextDelay(req.ActionType, s.session.State())
	s.mu.Unlock()

	s.metrics.ObserveDelay(s.accountID, req.ActionType, delay)
	if err := s.clock.Sleep(ctx, delay); err != nil {
		s.rollback(decision.Reservation)
		return false, err
	}

	// The request may have been cancelled during the pause.
	s.mu.Lock()
	e, ok = s.queue.remove(req.ID)
	if !ok {
		s.limiter.Rollback(decision.Reservation, s.clock.Now())
		s.mu.Unlock()
		return false, nil
	}
	e.attempts++
	s.inflight[req.ID] = struct{}{}
	s.mu.Unlock()

	log := s.logger.With(zap.String("request_id", req.ID), zap.String("action_type", string(req.ActionType)))
	log.Info("Dispatching action", zap.Int("attempt", e.attempts), zap.Duration("delay", delay))

	// A dispatch that has started always runs to completion.
	result := s.executor.Execute(context.WithoutCancel(ctx), req)
	return false, s.settle(ctx, e, decision.Reservation, result, log)
}

// idle blocks until new work or a reset arrives.
func (s *Scheduler) idle(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.wake:
		return nil
	}
}

// requeue puts a retried entry back. The caller holds mu.
func (s *Scheduler) requeue(e *entry, log *zap.Logger) {
	if !s.queue.push(e) {
		log.Warn("Request id already pending, dropping the retry")
	}
}

func (s *Scheduler) rollback(res *ratelimit.Reservation) {
	s.mu.Lock()
	s.limiter.Rollback(res, s.clock.Now())
	s.mu.Unlock()
}

// settle folds an execution result into the account state and decides the fate of
// the request.
func (s *Scheduler) settle(ctx context.Context, e *entry, res *ratelimit.Reservation, result schemas.ExecutionResult, log *zap.Logger) error {
	outcome := result.Outcome
	if !outcome.Valid() {
		log.Warn("Executor returned an unknown outcome, treating it as transient", zap.String("outcome", string(outcome)))
		outcome = schemas.OutcomeTransientError
	}
	if result.RequestID != "" && result.RequestID != e.req.ID {
		log.Warn("Executor result carries a different request id", zap.String("result_request_id", result.RequestID))
	}
	e.lastOutcome = outcome
	s.metrics.ObserveDispatch(s.accountID, e.req.ActionType, outcome)

	s.mu.Lock()
	delete(s.inflight, e.req.ID)
	now := s.clock.Now()
	s.observeTransition(s.session.Apply(outcome, now), string(outcome))
	state := s.session.State()

	var (
		reportStatus schemas.ReportStatus
		reportErr    error
		loopErr      error
		backoff      time.Duration
	)
	switch outcome {
	case schemas.OutcomeSuccess:
		reportStatus = schemas.StatusSucceeded

	case schemas.OutcomeTransientError, schemas.OutcomeRateLimited:
		if e.attempts >= s.maxAttempts {
			reportStatus = schemas.StatusFailed
			reportErr = &RequestError{
				RequestID:   e.req.ID,
				ActionType:  e.req.ActionType,
				Attempts:    e.attempts,
				LastOutcome: outcome,
				Err:         outcomeError(outcome),
			}
			break
		}
		s.requeue(e, log)
		// A cooldown already spaces the retry out.
		if state.PermitsDispatch() {
			backoff = s.backoff(e.attempts)
		}

	case schemas.OutcomeDetectionSignal:
		detErr := &DetectionError{AccountID: s.accountID, RequestID: e.req.ID, Detail: result.Detail}
		reportStatus = schemas.StatusFailed
		reportErr = detErr
		loopErr = detErr

	case schemas.OutcomeAuthExpired:
		s.limiter.Rollback(res, now)
		e.attempts--
		s.requeue(e, log)
		loopErr = &AuthExpiredError{AccountID: s.accountID, RequestID: e.req.ID, Detail: result.Detail}
	}
	s.mu.Unlock()

	switch {
	case reportStatus != "":
		log.Info("Request finished", zap.String("status", string(reportStatus)), zap.String("outcome", string(outcome)), zap.Int("attempts", e.attempts))
	case backoff > 0:
		log.Info("Request will be retried", zap.String("outcome", string(outcome)), zap.Int("attempt", e.attempts), zap.Duration("backoff", backoff))
	}
	if outcome == schemas.OutcomeDetectionSignal {
		log.Error("Detection signal received, account restricted", zap.String("detail", result.Detail))
	}

	if err := s.persist(context.WithoutCancel(ctx)); err != nil {
		log.Error("Failed to persist account state", zap.Error(err))
	}
	if reportStatus != "" {
		s.report(e, reportStatus, reportErr)
	}
	if loopErr != nil {
		return loopErr
	}
	if backoff > 0 {
		return s.clock.Sleep(ctx, backoff)
	}
	return nil
}

// backoff returns base * 2^(attempts-1), capped at the configured maximum.
func (s *Scheduler) backoff(attempts int) time.Duration {
	if s.backoffBase <= 0 || attempts < 1 {
		return 0
	}
	d := s.backoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if s.backoffMax > 0 && d >= s.backoffMax {
			return s.backoffMax
		}
	}
	if s.backoffMax > 0 && d > s.backoffMax {
		return s.backoffMax
	}
	return d
}

// observeTransition must be called with mu held.
func (s *Scheduler) observeTransition(tr session.Transition, cause string) {
	if !tr.Changed() {
		return
	}
	s.metrics.SetSessionState(s.accountID, tr.To)
	s.logger.Info("Session state changed",
		zap.String("from", string(tr.From)),
		zap.String("to", string(tr.To)),
		zap.String("cause", cause))
}

func (s *Scheduler) persist(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	s.mu.Lock()
	state := s.accountStateLocked()
	s.mu.Unlock()
	if err := s.store.SaveState(ctx, state); err != nil {
		return fmt.Errorf("failed to save state for account %s: %w", s.accountID, err)
	}
	return nil
}

func (s *Scheduler) report(e *entry, status schemas.ReportStatus, err error) {
	s.metrics.ObserveReport(s.accountID, status)
	if s.onReport == nil {
		return
	}
	s.onReport(schemas.Report{
		RequestID:   e.req.ID,
		ActionType:  e.req.ActionType,
		Status:      status,
		Attempts:    e.attempts,
		LastOutcome: e.lastOutcome,
		Err:         err,
		CompletedAt: s.clock.Now(),
	})
}
