package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/caravel-dev/caravel/pkg/engine"
	"github.com/caravel-dev/caravel/pkg/report"
	"github.com/caravel-dev/caravel/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List past runs or show one run's unit outcomes",
		Args:  cobra.MaximumNArgs(1),
		Example: `  # List the most recent runs
  caravel history

  # Show the unit outcomes of one run
  caravel history 4f7c1a92-...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			if app.settings.Store.Path == "" {
				return engine.NewPermanentError(
					"run history is disabled: no store path in settings", nil,
				).WithCode(engine.ErrCodeValidation)
			}

			store, err := stores.NewSQLiteStore(app.settings.Store.Path)
			if err != nil {
				return err
			}
			if err := store.Init(cmd.Context()); err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}

			if len(args) == 1 {
				return showRun(cmd, store, args[0])
			}
			return listRuns(cmd, store, limit, offset)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "runs to skip")

	return cmd
}

func listRuns(cmd *cobra.Command, store stores.Store, limit, offset int) error {
	runs, err := store.ListRuns(cmd.Context(), limit, offset)
	if err != nil {
		return err
	}

	if jsonOutput {
		return report.WriteJSONValue(os.Stdout, runs)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATUS\tPOLICY\tENVIRONMENTS\tSTARTED\tDURATION\tOK/FAIL/SKIP")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d/%d/%d\n",
			run.ID,
			run.Status,
			run.Policy,
			run.Environments,
			run.StartedAt.Local().Format(time.RFC3339),
			runDuration(run),
			run.Succeeded, run.Failed, run.Skipped,
		)
	}
	return tw.Flush()
}

func showRun(cmd *cobra.Command, store stores.Store, runID string) error {
	run, err := store.GetRun(cmd.Context(), runID)
	if err != nil {
		return err
	}
	outcomes, err := store.ListOutcomes(cmd.Context(), runID)
	if err != nil {
		return err
	}

	if jsonOutput {
		return report.WriteJSONValue(os.Stdout, struct {
			Run      *stores.RunRecord       `json:"run"`
			Outcomes []*stores.OutcomeRecord `json:"outcomes"`
		}{run, outcomes})
	}

	fmt.Fprintf(os.Stdout, "Run %s: %s (%s policy) on %s\n\n",
		run.ID, run.Status, run.Policy, run.Environments)

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UNIT\tSTATUS\tATTEMPTS\tVERIFY\tERROR")
	for _, o := range outcomes {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			o.UnitID, o.Status, o.Attempts,
			derefOr(o.VerifyStatus, "-"),
			derefOr(o.LastError, ""),
		)
	}
	return tw.Flush()
}

func runDuration(run *stores.RunRecord) string {
	if run.CompletedAt == nil {
		return "-"
	}
	return run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
