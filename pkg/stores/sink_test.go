package stores

import (
	"context"
	"testing"
	"time"

	"github.com/caravel-dev/caravel/pkg/engine"
	"github.com/caravel-dev/caravel/pkg/telemetry"
)

func TestSinkPersistsRunProgress(t *testing.T) {
	store := newTestStore(t)
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "console", Output: "stderr"})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	sink := NewSink(store, logger)
	ctx := context.Background()

	unit := engine.DeploymentUnit{
		ID:          "application/develop/api",
		Kind:        engine.KindApplication,
		Environment: "develop",
		Name:        "api",
		Command:     []string{"deploy", "api"},
		Applicable:  true,
	}
	plan := &engine.Plan{
		ID:           "plan-1",
		Environments: []string{"develop"},
		Units:        []engine.DeploymentUnit{unit},
	}

	if err := sink.RunStarted(ctx, "run-1", plan, engine.PolicyFailFast); err != nil {
		t.Fatalf("RunStarted failed: %v", err)
	}

	started := time.Now().UTC().Truncate(time.Second)
	outcome := &engine.Outcome{
		UnitID:     unit.ID,
		Status:     engine.UnitStatusSucceeded,
		Attempts:   2,
		StartedAt:  started,
		FinishedAt: started.Add(5 * time.Second),
		Verify:     &engine.VerifyResult{Status: engine.VerifyHealthy, Probes: 1},
	}
	if err := sink.UnitCompleted(ctx, "run-1", &unit, outcome); err != nil {
		t.Fatalf("UnitCompleted failed: %v", err)
	}

	report := &engine.RunReport{
		RunID:      "run-1",
		PlanID:     plan.ID,
		Policy:     engine.PolicyFailFast,
		Status:     engine.RunStatusSucceeded,
		FinishedAt: started.Add(10 * time.Second),
		Summary:    engine.RunSummary{Total: 1, Succeeded: 1},
	}
	if err := sink.RunCompleted(ctx, report); err != nil {
		t.Fatalf("RunCompleted failed: %v", err)
	}

	run, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Status != "succeeded" || run.Policy != "fail-fast" || run.Succeeded != 1 {
		t.Errorf("Unexpected run record: %+v", run)
	}

	outcomes, err := store.ListOutcomes(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListOutcomes failed: %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("Expected 1 outcome, got %d", len(outcomes))
	}
	if outcomes[0].Attempts != 2 || outcomes[0].VerifyStatus == nil || *outcomes[0].VerifyStatus != "healthy" {
		t.Errorf("Unexpected outcome record: %+v", outcomes[0])
	}
}
