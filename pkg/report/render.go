// Package report renders run reports for humans and machines.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/caravel-dev/caravel/pkg/engine"
)

// WriteJSON writes the report as indented JSON.
func WriteJSON(w io.Writer, report *engine.RunReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}

// WriteJSONValue writes any value as indented JSON. Used for plans and
// history listings.
func WriteJSONValue(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}
	return nil
}

// WriteText writes a human-readable table of unit outcomes followed by
// the run summary.
func WriteText(w io.Writer, report *engine.RunReport) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "UNIT\tSTATUS\tATTEMPTS\tDURATION\tVERIFY\tDETAIL")
	for i := range report.Outcomes {
		o := &report.Outcomes[i]
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			o.UnitID,
			strings.ToUpper(string(o.Status)),
			o.Attempts,
			formatDuration(o.Duration()),
			verifyColumn(o),
			detailColumn(o),
		)
	}

	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\nRun %s: %s (%s policy) in %s\n",
		report.RunID, report.Status, report.Policy, formatDuration(report.Duration))
	fmt.Fprintf(w, "%d total, %d succeeded, %d failed, %d skipped\n",
		report.Summary.Total, report.Summary.Succeeded,
		report.Summary.Failed, report.Summary.Skipped)

	return nil
}

// WritePlanText writes a human-readable listing of the plan's units
// grouped by execution level.
func WritePlanText(w io.Writer, plan *engine.Plan) error {
	fmt.Fprintf(w, "Plan %s: %d units across %d environment(s)\n\n",
		plan.ID, len(plan.Units), len(plan.Environments))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LEVEL\tUNIT\tKIND\tDEPENDS ON")
	for level := 0; level < plan.Graph.Depth; level++ {
		for i := range plan.Units {
			unit := &plan.Units[i]
			node := plan.Graph.Nodes[unit.ID]
			if node == nil || node.Level != level {
				continue
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n",
				level, unit.ID, unit.Kind, dependsColumn(unit))
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if plan.Summary.Excluded > 0 {
		fmt.Fprintf(w, "\n%d unit(s) skipped at plan time\n", plan.Summary.Excluded)
	}
	return nil
}

func dependsColumn(unit *engine.DeploymentUnit) string {
	if len(unit.Dependencies) == 0 {
		return "-"
	}
	deps := make([]string, 0, len(unit.Dependencies))
	for _, dep := range unit.Dependencies {
		name := dep.TargetID
		if dep.Type == engine.DependencyOrder {
			name += " (order)"
		}
		deps = append(deps, name)
	}
	return strings.Join(deps, ", ")
}

func verifyColumn(o *engine.Outcome) string {
	if o.Verify == nil {
		return "-"
	}
	return string(o.Verify.Status)
}

func detailColumn(o *engine.Outcome) string {
	if o.LastError == "" {
		return ""
	}
	detail := o.LastError
	if i := strings.IndexByte(detail, '\n'); i >= 0 {
		detail = detail[:i]
	}
	if len(detail) > 60 {
		detail = detail[:57] + "..."
	}
	return detail
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}
