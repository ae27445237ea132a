package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/xkilldash9x/pacer/api/schemas"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

// Repository is the persistence contract shared by the PostgreSQL and SQLite stores.
type Repository interface {
	SaveState(ctx context.Context, st schemas.AccountState) error
	LoadState(ctx context.Context, accountID string) (schemas.AccountState, error)
	ListAccounts(ctx context.Context) ([]AccountSummary, error)
}

var (
	_ Repository = (*Store)(nil)
	_ Repository = (*SQLiteStore)(nil)
)

// timeLayout is how timestamps are written to SQLite TEXT columns.
const timeLayout = time.RFC3339Nano

// SQLiteStore persists account state in a local SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	log *zap.Logger
}

// OpenSQLite opens (creating if needed) the database file at path, applies the embedded
// migrations and returns a ready store.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between the scheduler and CLI commands.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewSQLite(db, logger), nil
}

// NewSQLite wraps an already migrated database.
func NewSQLite(db *sql.DB, logger *zap.Logger) *SQLiteStore {
	return &SQLiteStore{db: db, log: logger.Named("store")}
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type migration struct {
	Version int
	Name    string
	UpSQL   string
}

func loadMigrations() ([]migration, error) {
	files, err := fs.ReadDir(migrationsFS, "sql")
	if err != nil {
		return nil, err
	}
	var migrations []migration
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := migrationsFS.ReadFile("sql/" + f.Name())
		if err != nil {
			return nil, err
		}
		var v int
		if _, err := fmt.Sscanf(f.Name(), "%d_", &v); err != nil {
			return nil, fmt.Errorf("invalid migration filename %s: %w", f.Name(), err)
		}
		migrations = append(migrations, migration{Version: v, Name: f.Name(), UpSQL: string(data)})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

// Migrate applies the embedded migrations that are newer than the recorded schema version.
func Migrate(ctx context.Context, db *sql.DB) error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var currentVersion int
	err = tx.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&currentVersion)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_version: %w", err)
		}
		currentVersion = 0
	} else if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			return fmt.Errorf("migration %s: %w", m.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE schema_version SET version=?`, m.Version); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
		currentVersion = m.Version
	}
	return tx.Commit()
}

const (
	sqliteUpsertSession = `
        INSERT INTO account_sessions (account_id, state, last_action_at, consecutive_failures, warmup_actions_done, cooldown_until, resume_state, saved_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (account_id) DO UPDATE SET
            state = excluded.state,
            last_action_at = excluded.last_action_at,
            consecutive_failures = excluded.consecutive_failures,
            warmup_actions_done = excluded.warmup_actions_done,
            cooldown_until = excluded.cooldown_until,
            resume_state = excluded.resume_state,
            saved_at = excluded.saved_at;
    `
	sqliteDeleteBudgets = `DELETE FROM rate_budgets WHERE account_id = ?;`
	sqliteInsertBudget  = `
        INSERT INTO rate_budgets (account_id, action_type, window_kind, budget_limit, window_start, used)
        VALUES (?, ?, ?, ?, ?, ?);
    `
	sqliteSelectSession = `
        SELECT state, last_action_at, consecutive_failures, warmup_actions_done, cooldown_until, resume_state, saved_at
        FROM account_sessions
        WHERE account_id = ?;
    `
	sqliteSelectBudgets = `
        SELECT action_type, window_kind, budget_limit, window_start, used
        FROM rate_budgets
        WHERE account_id = ?
        ORDER BY action_type, window_kind;
    `
)

// SaveState replaces the persisted state of st.AccountID in a single transaction.
func (s *SQLiteStore) SaveState(ctx context.Context, st schemas.AccountState) error {
	if st.AccountID == "" {
		return errors.New("account id cannot be empty")
	}
	savedAt := st.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	_, err = tx.ExecContext(ctx, sqliteUpsertSession,
		st.AccountID,
		string(st.Session.State),
		formatTime(st.Session.LastActionAt),
		st.Session.ConsecutiveFailures,
		st.Session.WarmupActionsDone,
		formatTime(st.Session.CooldownUntil),
		string(st.Session.ResumeState),
		savedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session for account %s: %w", st.AccountID, err)
	}
	if _, err := tx.ExecContext(ctx, sqliteDeleteBudgets, st.AccountID); err != nil {
		return fmt.Errorf("failed to clear budgets for account %s: %w", st.AccountID, err)
	}
	for i, b := range st.Budgets {
		_, err := tx.ExecContext(ctx, sqliteInsertBudget,
			st.AccountID, string(b.ActionType), string(b.WindowKind), b.Limit, b.WindowStart.UTC().Format(timeLayout), b.Count)
		if err != nil {
			return fmt.Errorf("failed to insert budget %s/%s (index %d): %w", b.ActionType, b.WindowKind, i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadState reads the persisted state of accountID. It returns ErrNotFound when the
// account has never been saved.
func (s *SQLiteStore) LoadState(ctx context.Context, accountID string) (schemas.AccountState, error) {
	st := schemas.AccountState{AccountID: accountID}

	var (
		state, resume, saved string
		lastAction, cooldown sql.NullString
	)
	err := s.db.QueryRowContext(ctx, sqliteSelectSession, accountID).Scan(
		&state, &lastAction,
		&st.Session.ConsecutiveFailures, &st.Session.WarmupActionsDone,
		&cooldown, &resume, &saved,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return st, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return st, fmt.Errorf("failed to query session: %w", err)
	}
	st.Session.State = schemas.SessionStateKind(state)
	st.Session.ResumeState = schemas.SessionStateKind(resume)
	if st.Session.LastActionAt, err = parseTime(lastAction); err != nil {
		return st, fmt.Errorf("invalid last_action_at: %w", err)
	}
	if st.Session.CooldownUntil, err = parseTime(cooldown); err != nil {
		return st, fmt.Errorf("invalid cooldown_until: %w", err)
	}
	if st.SavedAt, err = parseTime(sql.NullString{String: saved, Valid: true}); err != nil {
		return st, fmt.Errorf("invalid saved_at: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqliteSelectBudgets, accountID)
	if err != nil {
		return st, fmt.Errorf("failed to query budgets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			b                          schemas.RateBudget
			actionType, window, starts string
		)
		if err := rows.Scan(&actionType, &window, &b.Limit, &starts, &b.Count); err != nil {
			return st, fmt.Errorf("failed to scan budget row: %w", err)
		}
		b.ActionType = schemas.ActionType(actionType)
		b.WindowKind = schemas.WindowKind(window)
		if b.WindowStart, err = time.Parse(timeLayout, starts); err != nil {
			return st, fmt.Errorf("invalid window_start for %s/%s: %w", actionType, window, err)
		}
		st.Budgets = append(st.Budgets, b)
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("error during row iteration: %w", err)
	}
	return st, nil
}

// ListAccounts returns every saved account ordered by id.
func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]AccountSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT account_id, state FROM account_sessions ORDER BY account_id`)
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

func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func parseTime(v sql.NullString) (time.Time, error) {
	if !v.Valid || v.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, v.String)
}
