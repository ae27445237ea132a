package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/pacer/api/schemas"
	"github.com/xkilldash9x/pacer/internal/clock"
	"github.com/xkilldash9x/pacer/internal/ratelimit"
	"github.com/xkilldash9x/pacer/internal/session"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

const testDelay = 30 * time.Second

// -- Mocks --

type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) Execute(ctx context.Context, req schemas.ActionRequest) schemas.ExecutionResult {
	args := m.Called(ctx, req)
	return args.Get(0).(schemas.ExecutionResult)
}

// expect queues one result for the request with the given id.
func (m *mockExecutor) expect(id string, outcome schemas.Outcome) *mock.Call {
	return m.On("Execute", mock.Anything, mock.MatchedBy(func(r schemas.ActionRequest) bool {
		return r.ID == id
	})).Return(schemas.ExecutionResult{RequestID: id, Outcome: outcome}).Once()
}

type fixedDelays time.Duration

func (d fixedDelays) NextDelay(schemas.ActionType, schemas.SessionStateKind) time.Duration {
	return time.Duration(d)
}

type memoryStore struct {
	mu    sync.Mutex
	saves []schemas.AccountState
	err   error
}

func (m *memoryStore) SaveState(_ context.Context, st schemas.AccountState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves = append(m.saves, st)
	return m.err
}

func (m *memoryStore) last() schemas.AccountState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves[len(m.saves)-1]
}

// -- Harness --

type harness struct {
	s     *Scheduler
	clk   *clock.Fake
	exec  *mockExecutor
	store *memoryStore

	mu      sync.Mutex
	reports []schemas.Report
}

type harnessConfig struct {
	budgets     map[schemas.ActionType]map[schemas.WindowKind]int
	session     session.Config
	maxAttempts int
}

func defaultHarnessConfig() harnessConfig {
	return harnessConfig{
		budgets: map[schemas.ActionType]map[schemas.WindowKind]int{
			schemas.ActionComment: {schemas.WindowHour: 2},
		},
		session:     session.Config{WarmupQuota: 1, FailureThreshold: 3, Cooldown: 15 * time.Minute},
		maxAttempts: 3,
	}
}

func newHarness(t *testing.T, mods ...func(*harnessConfig)) *harness {
	t.Helper()
	cfg := defaultHarnessConfig()
	for _, mod := range mods {
		mod(&cfg)
	}

	lim, err := ratelimit.New(ratelimit.Config{Budgets: cfg.budgets})
	require.NoError(t, err)
	sess, err := session.New(cfg.session)
	require.NoError(t, err)

	h := &harness{
		clk:   clock.NewFake(t0),
		exec:  &mockExecutor{},
		store: &memoryStore{},
	}
	h.s, err = New(Options{
		AccountID:   "acct-1",
		Executor:    h.exec,
		Limiter:     lim,
		Session:     sess,
		Delays:      fixedDelays(testDelay),
		Logger:      zaptest.NewLogger(t),
		Clock:       h.clk,
		Store:       h.store,
		OnReport:    h.onReport,
		MaxAttempts: cfg.maxAttempts,
		BackoffBase: time.Minute,
		BackoffMax:  10 * time.Minute,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) onReport(r schemas.Report) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reports = append(h.reports, r)
}

func (h *harness) reportFor(t *testing.T, id string) schemas.Report {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.reports {
		if r.RequestID == id {
			return r
		}
	}
	require.FailNow(t, "no report", "request %s was never reported", id)
	return schemas.Report{}
}

func (h *harness) enqueue(t *testing.T, id string, actionType schemas.ActionType, priority int) {
	t.Helper()
	_, err := h.s.Enqueue(schemas.ActionRequest{ID: id, ActionType: actionType, Priority: priority, RequestedAt: t0})
	require.NoError(t, err)
}
