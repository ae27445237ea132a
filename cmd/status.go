package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/pacer/api/schemas"
	"github.com/xkilldash9x/pacer/internal/config"
	"github.com/xkilldash9x/pacer/internal/ratelimit"
	"github.com/xkilldash9x/pacer/internal/service"
	"github.com/xkilldash9x/pacer/internal/store"
)

type statusOptions struct {
	account string
	all     bool
	asJSON  bool
	format  string
	now     func() time.Time
}

// budgetView is the JSON shape of one budget in status output.
type budgetView struct {
	ActionType  schemas.ActionType `json:"action_type"`
	WindowKind  schemas.WindowKind `json:"window_kind"`
	Limit       int                `json:"limit"`
	Used        int                `json:"used"`
	Remaining   int                `json:"remaining"`
	WindowStart time.Time          `json:"window_start"`
	ResetsIn    string             `json:"resets_in"`
}

type accountView struct {
	AccountID string               `json:"account_id"`
	Persisted bool                 `json:"persisted"`
	Session   schemas.SessionState `json:"session"`
	Budgets   []budgetView         `json:"budgets"`
	SavedAt   time.Time            `json:"saved_at"`
}

func newStatusCmd(provider StoreProvider) *cobra.Command {
	opts := statusOptions{now: time.Now}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the persisted session state and rate budgets of an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			repo, cleanup, err := provider.Create(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to open state store: %w", err)
			}
			defer cleanup()
			return runStatus(ctx, cmd.OutOrStdout(), cfg, repo, opts)
		},
	}

	statusCmd.Flags().StringVarP(&opts.account, "account", "a", "", "Account ID (defaults to scheduler.account_id)")
	statusCmd.Flags().BoolVar(&opts.all, "all", false, "List every persisted account")
	statusCmd.Flags().BoolVar(&opts.asJSON, "json", false, "Print JSON instead of a table")
	statusCmd.Flags().StringVarP(&opts.format, "format", "f", formatTable, "Table format: table or csv")
	return statusCmd
}

// runStatus holds the testable core of the status command.
func runStatus(ctx context.Context, out io.Writer, cfg config.Interface, repo store.Repository, opts statusOptions) error {
	if !opts.asJSON {
		if err := validateFormat(opts.format); err != nil {
			return err
		}
	}

	if opts.all {
		accounts, err := repo.ListAccounts(ctx)
		if err != nil {
			return fmt.Errorf("failed to list accounts: %w", err)
		}
		if opts.asJSON {
			return writeJSON(out, accounts)
		}
		tw := newTable(out, table.Row{"Account", "State"})
		for _, a := range accounts {
			tw.AppendRow(table.Row{a.AccountID, a.State})
		}
		renderTable(tw, opts.format)
		return nil
	}

	accountID := opts.account
	if accountID == "" {
		accountID = cfg.Scheduler().AccountID
	}
	st, found, err := service.LoadOrFresh(ctx, repo, accountID)
	if err != nil {
		return fmt.Errorf("failed to load account state: %w", err)
	}
	view := newAccountView(st, found, opts.now())

	if opts.asJSON {
		return writeJSON(out, view)
	}
	printAccount(out, view, opts.format)
	return nil
}

func newAccountView(st schemas.AccountState, persisted bool, now time.Time) accountView {
	view := accountView{
		AccountID: st.AccountID,
		Persisted: persisted,
		Session:   st.Session,
		SavedAt:   st.SavedAt,
		Budgets:   make([]budgetView, 0, len(st.Budgets)),
	}
	for _, b := range ratelimit.StatusOf(st.Budgets, now) {
		view.Budgets = append(view.Budgets, budgetView{
			ActionType:  b.ActionType,
			WindowKind:  b.WindowKind,
			Limit:       b.Limit,
			Used:        b.Count,
			Remaining:   b.Remaining,
			WindowStart: b.WindowStart,
			ResetsIn:    b.ResetsIn.Round(time.Second).String(),
		})
	}
	return view
}

func printAccount(out io.Writer, v accountView, format string) {
	session := newTable(out, table.Row{"Field", "Value"})
	saved := formatTime(v.SavedAt)
	if !v.Persisted {
		saved = "never"
	}
	session.AppendRows([]table.Row{
		{"Account", v.AccountID},
		{"State", v.Session.State},
		{"Last action", formatTime(v.Session.LastActionAt)},
		{"Consecutive failures", v.Session.ConsecutiveFailures},
		{"Warm-up actions", v.Session.WarmupActionsDone},
	})
	if v.Session.State == schemas.StateCoolingDown {
		session.AppendRows([]table.Row{
			{"Cooldown until", formatTime(v.Session.CooldownUntil)},
			{"Resumes to", v.Session.ResumeState},
		})
	}
	session.AppendRow(table.Row{"Saved", saved})
	renderTable(session, format)

	if len(v.Budgets) == 0 {
		return
	}
	budgets := newTable(out, table.Row{"Action", "Window", "Used", "Limit", "Remaining", "Resets in"})
	for _, b := range v.Budgets {
		budgets.AppendRow(table.Row{b.ActionType, b.WindowKind, b.Used, b.Limit, b.Remaining, b.ResetsIn})
	}
	renderTable(budgets, format)
}
