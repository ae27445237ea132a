package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/pacer/internal/config"
	"github.com/xkilldash9x/pacer/internal/observability"
	"github.com/xkilldash9x/pacer/internal/service"
	"github.com/xkilldash9x/pacer/internal/session"
	"github.com/xkilldash9x/pacer/internal/store"
)

func newResetCmd(provider StoreProvider) *cobra.Command {
	var accountID string

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear a restricted account so it warms up again",
		Long: `Applies the manual restricted to cold transition to the persisted state of an
account. Only run this after the platform restriction has been resolved.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if accountID == "" {
				accountID = cfg.Scheduler().AccountID
			}
			repo, cleanup, err := provider.Create(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to open state store: %w", err)
			}
			defer cleanup()
			return runReset(ctx, cmd.OutOrStdout(), cfg, repo, accountID, time.Now())
		},
	}

	resetCmd.Flags().StringVarP(&accountID, "account", "a", "", "Account ID (defaults to scheduler.account_id)")
	return resetCmd
}

// runReset holds the testable core of the reset command.
func runReset(ctx context.Context, out io.Writer, cfg config.Interface, repo store.Repository, accountID string, now time.Time) error {
	logger := observability.ForAccount("reset", accountID)

	st, err := repo.LoadState(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no persisted state for account %s", accountID)
	}
	if err != nil {
		return fmt.Errorf("failed to load account state: %w", err)
	}

	machine, err := session.New(service.SessionConfig(cfg))
	if err != nil {
		return err
	}
	if err := machine.Restore(st.Session); err != nil {
		return fmt.Errorf("persisted session of account %s is invalid: %w", accountID, err)
	}
	if !machine.Reset() {
		fmt.Fprintf(out, "Account %s is %s, not restricted. Nothing to reset.\n", accountID, st.Session.State)
		return nil
	}

	st.Session = machine.Snapshot()
	st.SavedAt = now
	if err := repo.SaveState(ctx, st); err != nil {
		return fmt.Errorf("failed to save account state: %w", err)
	}
	logger.Warn("Session manually reset from restricted to cold.")
	fmt.Fprintf(out, "Account %s reset to %s.\n", accountID, st.Session.State)
	return nil
}
