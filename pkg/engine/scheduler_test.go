package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// mockSink records report sink notifications.
type mockSink struct {
	mu        sync.Mutex
	started   int
	units     []string
	completed []*RunReport
}

func (m *mockSink) RunStarted(ctx context.Context, runID string, plan *Plan, policy RunPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
	return nil
}

func (m *mockSink) UnitCompleted(ctx context.Context, runID string, unit *DeploymentUnit, outcome *Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units = append(m.units, unit.ID)
	return nil
}

func (m *mockSink) RunCompleted(ctx context.Context, report *RunReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = append(m.completed, report)
	return nil
}

func testPlan(t *testing.T, units []DeploymentUnit) *Plan {
	t.Helper()
	graph, err := NewDAGBuilder().BuildGraph(units)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}
	return &Plan{
		ID:           "test-plan",
		Environments: []string{"develop"},
		Units:        units,
		Graph:        graph,
		Summary:      summarize(units),
	}
}

func newTestScheduler(adapter CommandAdapter, sink ReportSink) *Scheduler {
	return NewScheduler(4, newTestExecutor(adapter), sink, zerolog.Nop())
}

func TestRunInfraBeforeApplications(t *testing.T) {
	units := []DeploymentUnit{
		graphUnit("infra/develop/db"),
		graphUnit("application/develop/api", require("infra/develop/db")),
		graphUnit("application/develop/frontend", require("infra/develop/db")),
	}

	adapter := newMockAdapter()
	scheduler := newTestScheduler(adapter, nil)

	report, err := scheduler.Run(context.Background(), testPlan(t, units), ScheduleOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Status != RunStatusSucceeded {
		t.Errorf("Expected succeeded run, got %s", report.Status)
	}
	if !report.Success() {
		t.Error("Expected report success")
	}

	order := adapter.executionOrder()
	if len(order) != 3 {
		t.Fatalf("Expected 3 executions, got %v", order)
	}
	if order[0] != "db" {
		t.Errorf("Expected db to execute first, got %v", order)
	}
}

func TestRunFailedDependencySkipsDependents(t *testing.T) {
	units := []DeploymentUnit{
		graphUnit("infra/develop/db"),
		graphUnit("application/develop/api", require("infra/develop/db")),
		graphUnit("application/develop/frontend", require("application/develop/api")),
	}

	adapter := newMockAdapter()
	adapter.behave = func(name string, call int) (*CommandResult, error) {
		if name == "db" {
			return &CommandResult{ExitCode: 1}, nil
		}
		return &CommandResult{ExitCode: 0}, nil
	}
	scheduler := newTestScheduler(adapter, nil)

	report, err := scheduler.Run(context.Background(), testPlan(t, units), ScheduleOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Status != RunStatusFailed {
		t.Errorf("Expected failed run, got %s", report.Status)
	}

	api := report.Outcome("application/develop/api")
	if api.Status != UnitStatusSkipped {
		t.Errorf("Expected api skipped, got %s", api.Status)
	}
	if api.LastError != "dependency infra/develop/db failed" {
		t.Errorf("Unexpected skip reason: %q", api.LastError)
	}

	// The skip cascades to transitive dependents.
	frontend := report.Outcome("application/develop/frontend")
	if frontend.Status != UnitStatusSkipped {
		t.Errorf("Expected frontend skipped, got %s", frontend.Status)
	}
	if adapter.callCount("api") != 0 || adapter.callCount("frontend") != 0 {
		t.Error("Expected skipped units to never execute")
	}
}

func TestRunBestEffortContinuesPastFailures(t *testing.T) {
	units := []DeploymentUnit{
		graphUnit("application/develop/api"),
		graphUnit("application/develop/frontend"),
		graphUnit("application/develop/worker", require("application/develop/api")),
	}

	adapter := newMockAdapter()
	adapter.behave = func(name string, call int) (*CommandResult, error) {
		if name == "api" {
			return &CommandResult{ExitCode: 1}, nil
		}
		return &CommandResult{ExitCode: 0}, nil
	}
	scheduler := newTestScheduler(adapter, nil)

	report, err := scheduler.Run(context.Background(), testPlan(t, units), ScheduleOptions{
		Policy: PolicyBestEffort,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Status != RunStatusPartial {
		t.Errorf("Expected partial run, got %s", report.Status)
	}
	if report.Outcome("application/develop/frontend").Status != UnitStatusSucceeded {
		t.Error("Expected independent unit to succeed despite unrelated failure")
	}
	if report.Outcome("application/develop/worker").Status != UnitStatusSkipped {
		t.Error("Expected dependent of failed unit to be skipped")
	}
}

func TestRunFailFastCancelsInFlight(t *testing.T) {
	units := []DeploymentUnit{
		graphUnit("application/develop/fast"),
		graphUnit("application/develop/slow"),
		graphUnit("application/develop/later", require("application/develop/slow")),
	}

	adapter := newMockAdapter()
	adapter.behave = func(name string, call int) (*CommandResult, error) {
		if name == "fast" {
			return &CommandResult{ExitCode: 1}, nil
		}
		return &CommandResult{ExitCode: 0}, nil
	}
	// The slow unit is in flight when fast fails; its attempt observes
	// the cancelled run context.
	adapter.delays = map[string]time.Duration{"fast": 10 * time.Millisecond, "slow": 500 * time.Millisecond}
	scheduler := newTestScheduler(adapter, nil)

	start := time.Now()
	report, err := scheduler.Run(context.Background(), testPlan(t, units), ScheduleOptions{
		Policy: PolicyFailFast,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Expected fail-fast run to finish quickly, took %s", elapsed)
	}

	slow := report.Outcome("application/develop/slow")
	if slow.Status != UnitStatusFailed || slow.LastError != "cancelled" {
		t.Errorf("Expected in-flight unit failed as cancelled, got %s (%q)", slow.Status, slow.LastError)
	}

	later := report.Outcome("application/develop/later")
	if later.Status != UnitStatusSkipped {
		t.Errorf("Expected queued unit skipped, got %s", later.Status)
	}
	if report.Success() {
		t.Error("Expected report failure")
	}
}

func TestRunTimeoutSkipsDependents(t *testing.T) {
	units := []DeploymentUnit{
		graphUnit("infra/develop/db"),
		graphUnit("application/develop/api", require("infra/develop/db")),
	}
	units[0].Timeout = 20 * time.Millisecond

	adapter := newMockAdapter()
	adapter.delay = 300 * time.Millisecond
	scheduler := newTestScheduler(adapter, nil)

	report, err := scheduler.Run(context.Background(), testPlan(t, units), ScheduleOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	db := report.Outcome("infra/develop/db")
	if db.Status != UnitStatusFailed || db.LastError != "timeout" {
		t.Errorf("Expected db failed with timeout, got %s (%q)", db.Status, db.LastError)
	}
	if report.Outcome("application/develop/api").Status != UnitStatusSkipped {
		t.Error("Expected dependent of timed-out unit to be skipped")
	}
}

func TestRunPlanTimeExclusionSatisfiesDependents(t *testing.T) {
	units := []DeploymentUnit{
		graphUnit("infra/develop/db"),
		graphUnit("application/develop/api", require("infra/develop/db")),
	}
	units[0].Applicable = false
	units[0].SkipReason = "db is not deployed in environment develop"

	adapter := newMockAdapter()
	scheduler := newTestScheduler(adapter, nil)

	report, err := scheduler.Run(context.Background(), testPlan(t, units), ScheduleOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Status != RunStatusSucceeded {
		t.Errorf("Expected succeeded run with plan-time exclusion, got %s", report.Status)
	}
	if !report.Success() {
		t.Error("Expected report success despite deliberate skip")
	}
	if report.Outcome("application/develop/api").Status != UnitStatusSucceeded {
		t.Error("Expected dependent of excluded unit to run")
	}
	if adapter.callCount("db") != 0 {
		t.Error("Expected excluded unit to never execute")
	}
}

func TestRunExternalCancellation(t *testing.T) {
	units := []DeploymentUnit{
		graphUnit("application/develop/api"),
		graphUnit("application/develop/worker", require("application/develop/api")),
	}

	adapter := newMockAdapter()
	adapter.delay = 500 * time.Millisecond
	scheduler := newTestScheduler(adapter, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	report, err := scheduler.Run(ctx, testPlan(t, units), ScheduleOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Status != RunStatusCancelled {
		t.Errorf("Expected cancelled run, got %s", report.Status)
	}
	if report.Outcome("application/develop/worker").Status != UnitStatusSkipped {
		t.Error("Expected queued unit skipped on cancellation")
	}
}

func TestRunNotifiesSink(t *testing.T) {
	units := []DeploymentUnit{
		graphUnit("infra/develop/db"),
		graphUnit("application/develop/api", require("infra/develop/db")),
	}

	sink := &mockSink{}
	scheduler := newTestScheduler(newMockAdapter(), sink)

	report, err := scheduler.Run(context.Background(), testPlan(t, units), ScheduleOptions{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.started != 1 {
		t.Errorf("Expected 1 run start notification, got %d", sink.started)
	}
	if len(sink.units) != 2 {
		t.Errorf("Expected 2 unit notifications, got %v", sink.units)
	}
	if len(sink.completed) != 1 || sink.completed[0].RunID != report.RunID {
		t.Error("Expected final report notification")
	}
}

func TestRunVerifyAnnotatesOutcome(t *testing.T) {
	units := []DeploymentUnit{
		graphUnit("application/develop/api"),
	}
	units[0].VerifyCommand = []string{"check", "api"}

	scheduler := newTestScheduler(newMockAdapter(), nil)

	report, err := scheduler.Run(context.Background(), testPlan(t, units), ScheduleOptions{
		Verify: func(ctx context.Context, unit *DeploymentUnit, rc RenderContext) *VerifyResult {
			return &VerifyResult{Status: VerifyHealthy, Probes: 1}
		},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	api := report.Outcome("application/develop/api")
	if api.Status != UnitStatusSucceeded {
		t.Fatalf("Expected succeeded, got %s", api.Status)
	}
	if api.Verify == nil || api.Verify.Status != VerifyHealthy {
		t.Errorf("Expected healthy verify annotation, got %+v", api.Verify)
	}
}

func TestRunRejectsInvalidPolicy(t *testing.T) {
	plan := testPlan(t, []DeploymentUnit{graphUnit("application/develop/api")})
	scheduler := newTestScheduler(newMockAdapter(), nil)

	_, err := scheduler.Run(context.Background(), plan, ScheduleOptions{Policy: "eventually"})
	if err == nil {
		t.Fatal("Expected error for invalid policy")
	}
	if !HasCode(err, ErrCodeValidation) {
		t.Errorf("Expected validation error code, got: %v", err)
	}
}
