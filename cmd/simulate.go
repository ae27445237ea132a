package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pacer/api/schemas"
	"github.com/xkilldash9x/pacer/internal/clock"
	"github.com/xkilldash9x/pacer/internal/config"
	"github.com/xkilldash9x/pacer/internal/observability"
	"github.com/xkilldash9x/pacer/internal/scheduler"
	"github.com/xkilldash9x/pacer/internal/service"
	"github.com/xkilldash9x/pacer/internal/store"
)

type simulateOptions struct {
	input    string
	outcomes string
	account  string
	start    string
	format   string
	seed     int64
}

func newSimulateCmd(provider StoreProvider) *cobra.Command {
	opts := simulateOptions{}

	simulateCmd := &cobra.Command{
		Use:   "simulate",
		Short: "Preview the pacing of a batch of actions on virtual time",
		Long: `Runs the real scheduler against a dry-run executor on a virtual clock. Persisted
state is restored first and saved after every outcome, so a simulation consumes the
account's budgets exactly like a live run would. Outcomes default to success; an
outcomes file maps request ids to the sequence of outcomes their attempts produce.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if opts.account != "" {
				cfg.SetSchedulerAccountID(opts.account)
			}
			repo, cleanup, err := provider.Create(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to open state store: %w", err)
			}
			defer cleanup()
			return runSimulate(ctx, cmd.OutOrStdout(), cfg, repo, opts)
		},
	}

	simulateCmd.Flags().StringVarP(&opts.input, "input", "i", "", "JSON file of action requests (required)")
	_ = simulateCmd.MarkFlagRequired("input")
	simulateCmd.Flags().StringVarP(&opts.outcomes, "outcomes", "o", "", "JSON file mapping request ids to scripted outcomes")
	simulateCmd.Flags().StringVarP(&opts.account, "account", "a", "", "Account ID (defaults to scheduler.account_id)")
	simulateCmd.Flags().StringVar(&opts.start, "start", "", "Virtual start time in RFC3339 (defaults to now)")
	simulateCmd.Flags().StringVarP(&opts.format, "format", "f", formatTable, "Table format: table or csv")
	simulateCmd.Flags().Int64Var(&opts.seed, "seed", 0, "Seed for the delay model (0 picks one from the clock)")
	return simulateCmd
}

// dispatchRow records one executor call.
type dispatchRow struct {
	At         time.Time
	RequestID  string
	ActionType schemas.ActionType
	Attempt    int
	Outcome    schemas.Outcome
}

// dryRunExecutor answers every dispatch from a script instead of a platform. Requests
// without a script, or whose script is used up, succeed.
type dryRunExecutor struct {
	clock  clock.Clock
	script map[string][]schemas.Outcome

	mu   sync.Mutex
	rows []dispatchRow
	seen map[string]int
}

func newDryRunExecutor(c clock.Clock, script map[string][]schemas.Outcome) *dryRunExecutor {
	return &dryRunExecutor{clock: c, script: script, seen: make(map[string]int)}
}

func (e *dryRunExecutor) Execute(_ context.Context, req schemas.ActionRequest) schemas.ExecutionResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := e.seen[req.ID]
	e.seen[req.ID] = n + 1
	outcome := schemas.OutcomeSuccess
	if seq := e.script[req.ID]; n < len(seq) {
		outcome = seq[n]
	}
	now := e.clock.Now()
	e.rows = append(e.rows, dispatchRow{
		At:         now,
		RequestID:  req.ID,
		ActionType: req.ActionType,
		Attempt:    n + 1,
		Outcome:    outcome,
	})
	return schemas.ExecutionResult{RequestID: req.ID, Outcome: outcome, Timestamp: now, Detail: "dry run"}
}

func (e *dryRunExecutor) dispatches() []dispatchRow {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]dispatchRow(nil), e.rows...)
}

// collectingSink keeps every report for the summary table.
type collectingSink struct {
	mu      sync.Mutex
	reports []schemas.Report
}

func (s *collectingSink) RecordReports(_ context.Context, reports []schemas.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, reports...)
	return nil
}

func (s *collectingSink) all() []schemas.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schemas.Report(nil), s.reports...)
}

// decodeActions accepts either an array of requests or an object with an "actions" array.
func decodeActions(data []byte) ([]schemas.ActionRequest, error) {
	var actions []schemas.ActionRequest
	if strings.HasPrefix(strings.TrimSpace(string(data)), "{") {
		var wrapper struct {
			Actions []schemas.ActionRequest `json:"actions"`
		}
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return nil, fmt.Errorf("failed to decode actions: %w", err)
		}
		actions = wrapper.Actions
	} else if err := json.Unmarshal(data, &actions); err != nil {
		return nil, fmt.Errorf("failed to decode actions: %w", err)
	}
	return actions, nil
}

func decodeOutcomes(data []byte) (map[string][]schemas.Outcome, error) {
	script := make(map[string][]schemas.Outcome)
	if err := json.Unmarshal(data, &script); err != nil {
		return nil, fmt.Errorf("failed to decode outcomes: %w", err)
	}
	for id, seq := range script {
		for i, o := range seq {
			if !o.Valid() {
				return nil, fmt.Errorf("request %s: outcome %d: unknown outcome %q", id, i, o)
			}
		}
	}
	return script, nil
}

func readSimulationInputs(opts simulateOptions) ([]schemas.ActionRequest, map[string][]schemas.Outcome, error) {
	data, err := os.ReadFile(opts.input)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read actions file: %w", err)
	}
	actions, err := decodeActions(data)
	if err != nil {
		return nil, nil, err
	}
	script := map[string][]schemas.Outcome{}
	if opts.outcomes != "" {
		data, err := os.ReadFile(opts.outcomes)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read outcomes file: %w", err)
		}
		if script, err = decodeOutcomes(data); err != nil {
			return nil, nil, err
		}
	}
	return actions, script, nil
}

// runSimulate holds the testable core of the simulate command.
func runSimulate(ctx context.Context, out io.Writer, cfg config.Interface, repo store.Repository, opts simulateOptions) error {
	if err := validateFormat(opts.format); err != nil {
		return err
	}
	start := time.Now().UTC().Truncate(time.Second)
	if opts.start != "" {
		t, err := time.Parse(time.RFC3339, opts.start)
		if err != nil {
			return fmt.Errorf("invalid --start: %w", err)
		}
		start = t
	}
	actions, script, err := readSimulationInputs(opts)
	if err != nil {
		return err
	}

	accountID := cfg.Scheduler().AccountID
	logger := observability.ForAccount("simulate", accountID)
	virtual := clock.NewFake(start)
	executor := newDryRunExecutor(virtual, script)
	sink := &collectingSink{}

	seed := opts.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	components, err := service.NewComponentFactory().Create(ctx, cfg, service.Dependencies{
		Executor: executor,
		Clock:    virtual,
		Rng:      rand.New(rand.NewSource(seed)),
		Sink:     sink,
		Store:    repo,
	}, logger)
	if err != nil {
		return err
	}

	for _, req := range actions {
		if _, err := components.Scheduler.Enqueue(req); err != nil {
			components.Shutdown()
			return fmt.Errorf("failed to enqueue %q: %w", req.ID, err)
		}
	}
	logger.Info("Simulating batch.", zap.Int("actions", len(actions)), zap.Time("start", start))

	runErr := components.Scheduler.Drain(ctx)
	status := components.Scheduler.Status()
	// Shutdown flushes the report consumer before the summary is printed.
	components.Shutdown()

	printDispatches(out, start, executor.dispatches(), opts.format)
	printReports(out, sink.all(), opts.format)
	fmt.Fprintf(out, "Account %s finished in state %s after %s of virtual time, %d request(s) still pending.\n",
		accountID, status.Session.State, virtual.Now().Sub(start).Round(time.Second), status.Pending)

	var detection *scheduler.DetectionError
	var authExpired *scheduler.AuthExpiredError
	switch {
	case runErr == nil:
		return nil
	case errors.As(runErr, &detection):
		return fmt.Errorf("simulation stopped, account restricted: %w", runErr)
	case errors.As(runErr, &authExpired):
		return fmt.Errorf("simulation stopped, credentials need a refresh: %w", runErr)
	default:
		return runErr
	}
}

func printDispatches(out io.Writer, start time.Time, rows []dispatchRow, format string) {
	tw := newTable(out, table.Row{"#", "Virtual time", "Offset", "Request", "Action", "Attempt", "Outcome"})
	for i, r := range rows {
		tw.AppendRow(table.Row{
			i + 1,
			formatTime(r.At),
			"+" + r.At.Sub(start).Round(time.Second).String(),
			r.RequestID,
			r.ActionType,
			r.Attempt,
			r.Outcome,
		})
	}
	renderTable(tw, format)
}

func printReports(out io.Writer, reports []schemas.Report, format string) {
	tw := newTable(out, table.Row{"Request", "Action", "Status", "Attempts", "Last outcome", "Error"})
	for _, r := range reports {
		errText := ""
		if r.Err != nil {
			errText = r.Err.Error()
		}
		tw.AppendRow(table.Row{r.RequestID, r.ActionType, r.Status, r.Attempts, r.LastOutcome, errText})
	}
	renderTable(tw, format)
}
