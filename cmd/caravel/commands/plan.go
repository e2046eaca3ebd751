package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/caravel-dev/caravel/pkg/engine"
	"github.com/caravel-dev/caravel/pkg/report"
)

// debounce window for settings file change bursts (editors often write
// several events per save).
const watchDebounce = 500 * time.Millisecond

func newPlanCommand() *cobra.Command {
	var (
		environments []string
		applications []string
		sequential   bool
		dotOutput    bool
		watch        bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the deployment plan without executing it",
		Long: `Expand the configured components into a dependency DAG and print it.

The plan shows each unit's topological level and dependencies, which is
the order the deploy command would execute them in.`,
		Example: `  # Show the plan for develop
  caravel plan --env develop

  # Render the DAG for Graphviz
  caravel plan --env staging --env production --sequential --dot | dot -Tsvg

  # Re-print the plan whenever the settings file changes
  caravel plan --env develop --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if watch {
				return watchPlan(cmd.Context(), environments, applications, sequential, dotOutput)
			}
			return printPlan(environments, applications, sequential, dotOutput)
		},
	}

	cmd.Flags().StringSliceVarP(&environments, "env", "e", nil, `target environment (repeatable, or "all")`)
	cmd.Flags().StringSliceVarP(&applications, "app", "a", nil, `application to include (repeatable, or "all"; default all)`)
	cmd.Flags().BoolVar(&sequential, "sequential", false, "finish each environment before starting the next")
	cmd.Flags().BoolVar(&dotOutput, "dot", false, "render the DAG in Graphviz DOT format")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-print the plan when the settings file changes")
	_ = cmd.MarkFlagRequired("env")

	return cmd
}

func printPlan(environments, applications []string, sequential, dotOutput bool) error {
	app, err := newApp()
	if err != nil {
		return err
	}

	req, err := app.settings.PlanRequest(environments, applications, sequential)
	if err != nil {
		return err
	}
	plan, err := engine.BuildPlan(req)
	if err != nil {
		return err
	}

	if dotOutput {
		builder := engine.NewDAGBuilder()
		if _, err := builder.BuildGraph(plan.Units); err != nil {
			return err
		}
		fmt.Fprint(os.Stdout, builder.ToDOT())
		return nil
	}
	if jsonOutput {
		return report.WriteJSONValue(os.Stdout, plan)
	}
	return report.WritePlanText(os.Stdout, plan)
}

// watchPlan re-prints the plan whenever the settings file changes. A
// settings file that fails to load keeps the previous output and logs
// the error; the watch survives editors that replace the file.
func watchPlan(ctx context.Context, environments, applications []string, sequential, dotOutput bool) error {
	if err := printPlan(environments, applications, sequential, dotOutput); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: rename-and-replace saves drop
	// the watch on the file itself.
	dir := filepath.Dir(settingsPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	target := filepath.Clean(settingsPath)
	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerCh = timer.C
			} else {
				timer.Reset(watchDebounce)
			}

		case <-timerCh:
			timer = nil
			timerCh = nil
			fmt.Fprintln(os.Stdout)
			if err := printPlan(environments, applications, sequential, dotOutput); err != nil {
				fmt.Fprintf(os.Stderr, "plan failed: %v\n", err)
			}

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watch error: %v\n", watchErr)
		}
	}
}
