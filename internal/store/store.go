package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pacer/api/schemas"
)

// ErrNotFound is returned when no state has been saved for an account.
var ErrNotFound = errors.New("account state not found")

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Schema holds the statements that create the PostgreSQL tables. They are idempotent.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS account_sessions (
        account_id TEXT PRIMARY KEY,
        state TEXT NOT NULL,
        last_action_at TIMESTAMPTZ,
        consecutive_failures INTEGER NOT NULL DEFAULT 0,
        warmup_actions_done INTEGER NOT NULL DEFAULT 0,
        cooldown_until TIMESTAMPTZ,
        resume_state TEXT NOT NULL DEFAULT '',
        saved_at TIMESTAMPTZ NOT NULL
    );`,
	`CREATE TABLE IF NOT EXISTS rate_budgets (
        account_id TEXT NOT NULL REFERENCES account_sessions(account_id) ON DELETE CASCADE,
        action_type TEXT NOT NULL,
        window_kind TEXT NOT NULL,
        budget_limit INTEGER NOT NULL,
        window_start TIMESTAMPTZ NOT NULL,
        used INTEGER NOT NULL,
        PRIMARY KEY (account_id, action_type, window_kind)
    );`,
}

const (
	sqlUpsertSession = `
        INSERT INTO account_sessions (account_id, state, last_action_at, consecutive_failures, warmup_actions_done, cooldown_until, resume_state, saved_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (account_id) DO UPDATE SET
            state = EXCLUDED.state,
            last_action_at = EXCLUDED.last_action_at,
            consecutive_failures = EXCLUDED.consecutive_failures,
            warmup_actions_done = EXCLUDED.warmup_actions_done,
            cooldown_until = EXCLUDED.cooldown_until,
            resume_state = EXCLUDED.resume_state,
            saved_at = EXCLUDED.saved_at;
    `
	sqlDeleteBudgets = `DELETE FROM rate_budgets WHERE account_id = $1;`
	sqlInsertBudget  = `
        INSERT INTO rate_budgets (account_id, action_type, window_kind, budget_limit, window_start, used)
        VALUES ($1, $2, $3, $4, $5, $6);
    `
	sqlSelectSession = `
        SELECT state, last_action_at, consecutive_failures, warmup_actions_done, cooldown_until, resume_state, saved_at
        FROM account_sessions
        WHERE account_id = $1;
    `
	sqlSelectBudgets = `
        SELECT action_type, window_kind, budget_limit, window_start, used
        FROM rate_budgets
        WHERE account_id = $1
        ORDER BY action_type, window_kind;
    `
	sqlListAccounts = `
        SELECT account_id, state
        FROM account_sessions
        ORDER BY account_id;
    `
)

// AccountSummary is one row of ListAccounts.
type AccountSummary struct {
	AccountID string
	State     schemas.SessionStateKind
}

// Store persists account state in PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// EnsureSchema creates the tables if they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for i, stmt := range Schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i, err)
		}
	}
	return nil
}

// SaveState replaces the persisted state of st.AccountID in a single transaction.
func (s *Store) SaveState(ctx context.Context, st schemas.AccountState) error {
	if st.AccountID == "" {
		return errors.New("account id cannot be empty")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if err := s.sendStateBatch(ctx, tx, st); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Saved account state",
		zap.String("account_id", st.AccountID),
		zap.String("state", string(st.Session.State)),
		zap.Int("budgets", len(st.Budgets)))
	return nil
}

func (s *Store) sendStateBatch(ctx context.Context, tx pgx.Tx, st schemas.AccountState) error {
	savedAt := st.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}

	batch := &pgx.Batch{}
	batch.Queue(sqlUpsertSession,
		st.AccountID,
		string(st.Session.State),
		nullableTime(st.Session.LastActionAt),
		st.Session.ConsecutiveFailures,
		st.Session.WarmupActionsDone,
		nullableTime(st.Session.CooldownUntil),
		string(st.Session.ResumeState),
		savedAt.UTC(),
	)
	batch.Queue(sqlDeleteBudgets, st.AccountID)
	for _, b := range st.Budgets {
		batch.Queue(sqlInsertBudget, st.AccountID, string(b.ActionType), string(b.WindowKind), b.Limit, b.WindowStart.UTC(), b.Count)
	}

	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return fmt.Errorf("failed to send batch: batch results is nil")
	}
	defer func() {
		_ = br.Close()
	}()

	// Session upsert and budget delete come first, then one insert per budget.
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			switch {
			case i == 0:
				return fmt.Errorf("failed to upsert session for account %s: %w", st.AccountID, err)
			case i == 1:
				return fmt.Errorf("failed to clear budgets for account %s: %w", st.AccountID, err)
			default:
				b := st.Budgets[i-2]
				return fmt.Errorf("failed to insert budget %s/%s (index %d): %w", b.ActionType, b.WindowKind, i-2, err)
			}
		}
	}
	return nil
}

// LoadState reads the persisted state of accountID. It returns ErrNotFound when the
// account has never been saved.
func (s *Store) LoadState(ctx context.Context, accountID string) (schemas.AccountState, error) {
	st := schemas.AccountState{AccountID: accountID}

	var (
		state, resume string
		lastAction    *time.Time
		cooldown      *time.Time
	)
	err := s.pool.QueryRow(ctx, sqlSelectSession, accountID).Scan(
		&state, &lastAction,
		&st.Session.ConsecutiveFailures, &st.Session.WarmupActionsDone,
		&cooldown, &resume, &st.SavedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return st, fmt.Errorf("failed to query session: %w", err)
	}
	st.Session.State = schemas.SessionStateKind(state)
	st.Session.ResumeState = schemas.SessionStateKind(resume)
	st.Session.LastActionAt = derefTime(lastAction)
	st.Session.CooldownUntil = derefTime(cooldown)

	rows, err := s.pool.Query(ctx, sqlSelectBudgets, accountID)
	if err != nil {
		return st, fmt.Errorf("failed to query budgets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			b                  schemas.RateBudget
			actionType, window string
		)
		if err := rows.Scan(&actionType, &window, &b.Limit, &b.WindowStart, &b.Count); err != nil {
			return st, fmt.Errorf("failed to scan budget row: %w", err)
		}
		b.ActionType = schemas.ActionType(actionType)
		b.WindowKind = schemas.WindowKind(window)
		st.Budgets = append(st.Budgets, b)
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("error during row iteration: %w", err)
	}
	return st, nil
}

// ListAccounts returns every saved account ordered by id.
func (s *Store) ListAccounts(ctx context.Context) ([]AccountSummary, error) {
	rows, err := s.pool.Query(ctx, sqlListAccounts)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var out []AccountSummary
	for rows.Next() {
		var id, state string
		if err := rows.Scan(&id, &state); err != nil {
			return nil, fmt.Errorf("failed to scan account row: %w", err)
		}
		out = append(out, AccountSummary{AccountID: id, State: schemas.SessionStateKind(state)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
