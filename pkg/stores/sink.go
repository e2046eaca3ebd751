package stores

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/caravel-dev/caravel/pkg/engine"
	"github.com/caravel-dev/caravel/pkg/telemetry"
)

// Sink adapts a Store to the engine's report sink. Persistence is
// best-effort: failures are logged and returned but the scheduler never
// fails a run over them.
type Sink struct {
	store  Store
	logger *telemetry.Logger
}

// NewSink creates a report sink backed by the store.
func NewSink(store Store, logger *telemetry.Logger) *Sink {
	return &Sink{
		store:  store,
		logger: logger.Component("stores"),
	}
}

// RunStarted persists the run record and a start event.
func (s *Sink) RunStarted(ctx context.Context, runID string, plan *engine.Plan, policy engine.RunPolicy) error {
	record := &RunRecord{
		ID:           runID,
		PlanID:       plan.ID,
		Policy:       string(policy),
		Status:       string(engine.RunStatusRunning),
		Environments: strings.Join(plan.Environments, ","),
		StartedAt:    time.Now().UTC(),
		Total:        len(plan.Units),
	}

	if err := s.store.CreateRun(ctx, record); err != nil {
		s.logger.Warn().Err(err).Str("run_id", runID).Msg("failed to persist run start")
		return err
	}

	return s.store.AppendEvent(ctx, &EventRecord{
		RunID:   runID,
		Type:    EventRunStarted,
		Message: fmt.Sprintf("run started with %d units under %s policy", len(plan.Units), policy),
	})
}

// UnitCompleted persists the unit outcome and a progress event.
func (s *Sink) UnitCompleted(ctx context.Context, runID string, unit *engine.DeploymentUnit, outcome *engine.Outcome) error {
	record := &OutcomeRecord{
		RunID:       runID,
		UnitID:      unit.ID,
		Kind:        string(unit.Kind),
		Environment: unit.Environment,
		Status:      string(outcome.Status),
		Attempts:    outcome.Attempts,
	}
	if outcome.LastError != "" {
		record.LastError = &outcome.LastError
	}
	if outcome.Verify != nil {
		status := string(outcome.Verify.Status)
		record.VerifyStatus = &status
	}
	if !outcome.StartedAt.IsZero() {
		started := outcome.StartedAt.UTC()
		record.StartedAt = &started
	}
	if !outcome.FinishedAt.IsZero() {
		finished := outcome.FinishedAt.UTC()
		record.FinishedAt = &finished
	}

	if err := s.store.SaveOutcome(ctx, record); err != nil {
		s.logger.Warn().Err(err).Str("run_id", runID).Str("unit", unit.ID).Msg("failed to persist outcome")
		return err
	}

	message := fmt.Sprintf("unit %s %s after %d attempt(s)", unit.ID, outcome.Status, outcome.Attempts)
	if outcome.LastError != "" {
		message += ": " + outcome.LastError
	}

	return s.store.AppendEvent(ctx, &EventRecord{
		RunID:   runID,
		UnitID:  &unit.ID,
		Type:    EventUnitCompleted,
		Message: message,
	})
}

// RunCompleted persists the final run status and counters.
func (s *Sink) RunCompleted(ctx context.Context, report *engine.RunReport) error {
	err := s.store.CompleteRun(ctx,
		report.RunID,
		string(report.Status),
		report.Summary.Succeeded,
		report.Summary.Failed,
		report.Summary.Skipped,
		report.FinishedAt.UTC(),
	)
	if err != nil {
		s.logger.Warn().Err(err).Str("run_id", report.RunID).Msg("failed to persist run completion")
		return err
	}

	return s.store.AppendEvent(ctx, &EventRecord{
		RunID: report.RunID,
		Type:  EventRunCompleted,
		Message: fmt.Sprintf("run %s: %d succeeded, %d failed, %d skipped",
			report.Status, report.Summary.Succeeded, report.Summary.Failed, report.Summary.Skipped),
	})
}
