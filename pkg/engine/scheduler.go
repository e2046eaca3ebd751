package engine

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/caravel-dev/caravel/pkg/telemetry"
)

// Scheduler runs a plan on a bounded worker pool. Workers pull ready
// units (all dependencies satisfied) from a ready queue; all scheduling
// decisions happen in a single dispatch loop, so no unit's execution
// blocks another unit's scheduling.
type Scheduler struct {
	maxParallel int
	executor    *Executor
	sink        ReportSink
	logger      zerolog.Logger

	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// ScheduleOptions configures one run.
type ScheduleOptions struct {
	// Policy selects fail-fast or best-effort failure propagation.
	Policy RunPolicy

	// MaxParallel caps worker count for this run; 0 uses the scheduler default.
	MaxParallel int

	// Context is the immutable render context for every unit.
	Context RenderContext

	// Verify, when set, runs after a unit succeeds and annotates its
	// outcome with a health verdict. It never changes the unit status.
	Verify VerifyFunc
}

// VerifyFunc polls a unit's readiness probe and returns the verdict.
type VerifyFunc func(ctx context.Context, unit *DeploymentUnit, rc RenderContext) *VerifyResult

// NewScheduler creates a scheduler. maxParallel <= 0 defaults to the
// number of available CPUs. sink may be nil.
func NewScheduler(maxParallel int, executor *Executor, sink ReportSink, logger zerolog.Logger) *Scheduler {
	if maxParallel <= 0 {
		maxParallel = runtime.NumCPU()
	}
	return &Scheduler{
		maxParallel: maxParallel,
		executor:    executor,
		sink:        sink,
		logger:      logger,
	}
}

// SetMetrics attaches a metrics collector. Nil is allowed.
func (s *Scheduler) SetMetrics(m *telemetry.Metrics) { s.metrics = m }

// SetTracer attaches a tracer. Nil is allowed.
func (s *Scheduler) SetTracer(t *telemetry.Tracer) { s.tracer = t }

// runState is the dispatch loop's private view of the run. Workers never
// touch it; they communicate through channels only.
type runState struct {
	plan       *Plan
	unitByID   map[string]*DeploymentUnit
	outcomes   map[string]*Outcome
	dispatched map[string]bool
	remaining  int
}

// Run executes the plan to completion and returns the immutable report.
// The returned error is non-nil only for invalid input; unit failures
// are reported through the report, not the error.
func (s *Scheduler) Run(ctx context.Context, plan *Plan, opts ScheduleOptions) (*RunReport, error) {
	if plan == nil || plan.Graph == nil {
		return nil, NewPermanentError("plan has no execution graph", nil).
			WithCode(ErrCodeValidation)
	}
	if opts.Policy == "" {
		opts.Policy = PolicyBestEffort
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, NewPermanentError("invalid run policy", err).WithCode(ErrCodeValidation)
	}

	runID := uuid.New().String()
	startedAt := time.Now()
	sinkCtx := context.WithoutCancel(ctx)

	s.logger.Info().
		Str("run_id", runID).
		Str("plan_id", plan.ID).
		Str("policy", string(opts.Policy)).
		Int("units", len(plan.Units)).
		Msg("Run started")
	s.notifyRunStarted(sinkCtx, runID, plan, opts.Policy)
	s.metrics.RunStarted(string(opts.Policy))

	runCtx, endSpan := s.tracer.StartRunSpan(ctx, runID, plan.ID)
	report := s.execute(runCtx, runID, plan, opts, sinkCtx)
	endSpan(report.Status == RunStatusSucceeded)

	report.StartedAt = startedAt
	report.FinishedAt = time.Now()
	report.Duration = report.FinishedAt.Sub(report.StartedAt)

	s.metrics.RunCompleted(string(report.Status), report.Duration)
	s.notifyRunCompleted(sinkCtx, report)
	s.logger.Info().
		Str("run_id", runID).
		Str("status", string(report.Status)).
		Int("succeeded", report.Summary.Succeeded).
		Int("failed", report.Summary.Failed).
		Int("skipped", report.Summary.Skipped).
		Dur("duration", report.Duration).
		Msg("Run completed")

	return report, nil
}

func (s *Scheduler) execute(ctx context.Context, runID string, plan *Plan, opts ScheduleOptions, sinkCtx context.Context) *RunReport {
	st := &runState{
		plan:       plan,
		unitByID:   make(map[string]*DeploymentUnit, len(plan.Units)),
		outcomes:   make(map[string]*Outcome, len(plan.Units)),
		dispatched: make(map[string]bool),
		remaining:  len(plan.Units),
	}
	for i := range plan.Units {
		unit := &plan.Units[i]
		st.unitByID[unit.ID] = unit
		st.outcomes[unit.ID] = &Outcome{UnitID: unit.ID, Status: UnitStatusPending}
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	workerCount := s.maxParallel
	if opts.MaxParallel > 0 && opts.MaxParallel < workerCount {
		workerCount = opts.MaxParallel
	}
	if len(plan.Units) < workerCount {
		workerCount = len(plan.Units)
	}

	// readyCh is buffered for the whole plan so the dispatch loop never
	// blocks on enqueue while workers are busy.
	readyCh := make(chan *DeploymentUnit, len(plan.Units))
	doneCh := make(chan *Outcome)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for unit := range readyCh {
				doneCh <- s.runUnit(runCtx, runID, unit, opts)
			}
		}()
	}

	// Plan-time exclusions go straight to Skipped and satisfy dependents.
	for i := range plan.Units {
		unit := &plan.Units[i]
		if !unit.Applicable {
			s.markSkipped(st, unit, unit.SkipReason, sinkCtx, runID)
		}
	}
	s.dispatchReady(st, readyCh, sinkCtx, runID)

	failTriggered := false
	externalCancel := false
	ctxDone := ctx.Done()

	for st.remaining > 0 {
		select {
		case outcome := <-doneCh:
			unit := st.unitByID[outcome.UnitID]
			st.outcomes[outcome.UnitID] = outcome
			st.remaining--
			s.observeOutcome(unit, outcome)
			s.notifyUnitCompleted(sinkCtx, runID, unit, outcome)

			if outcome.Status == UnitStatusFailed && opts.Policy == PolicyFailFast && !failTriggered {
				failTriggered = true
				s.logger.Warn().
					Str("run_id", runID).
					Str("unit", unit.ID).
					Msg("Unit failed, cancelling remaining units (fail-fast)")
				cancelRun()
				s.skipPending(st, "cancelled", sinkCtx, runID)
			}

			s.dispatchReady(st, readyCh, sinkCtx, runID)

		case <-ctxDone:
			ctxDone = nil
			externalCancel = true
			cancelRun()
			s.skipPending(st, "cancelled", sinkCtx, runID)
		}
	}

	close(readyCh)
	wg.Wait()

	return s.buildReport(runID, plan, opts.Policy, st, externalCancel)
}

// runUnit executes one unit on a worker. Units still queued when the run
// is cancelled are reported Skipped without being attempted.
func (s *Scheduler) runUnit(ctx context.Context, runID string, unit *DeploymentUnit, opts ScheduleOptions) *Outcome {
	if ctx.Err() != nil {
		now := time.Now()
		return &Outcome{
			UnitID:     unit.ID,
			Status:     UnitStatusSkipped,
			LastError:  "cancelled",
			FinishedAt: now,
		}
	}

	s.logger.Info().
		Str("run_id", runID).
		Str("unit", unit.ID).
		Str("environment", unit.Environment).
		Str("kind", string(unit.Kind)).
		Msg("Unit started")

	unitCtx, endSpan := s.tracer.StartUnitSpan(ctx, unit.ID, string(unit.Kind), unit.Environment)
	outcome := s.executor.Execute(unitCtx, unit, opts.Context)
	endSpan(outcome.Status == UnitStatusSucceeded)

	if outcome.Status == UnitStatusSucceeded && opts.Verify != nil && len(unit.VerifyCommand) > 0 {
		outcome.Verify = opts.Verify(unitCtx, unit, opts.Context)
		if outcome.Verify != nil {
			s.metrics.VerifyObserved(string(outcome.Verify.Status))
		}
	}

	evt := s.logger.Info()
	if outcome.Status != UnitStatusSucceeded {
		evt = s.logger.Error().Str("error", outcome.LastError)
	}
	evt.Str("run_id", runID).
		Str("unit", unit.ID).
		Str("status", string(outcome.Status)).
		Int("attempts", outcome.Attempts).
		Dur("duration", outcome.Duration()).
		Msg("Unit finished")

	return outcome
}

// dispatchReady repeatedly scans pending units, enqueueing those whose
// dependencies are satisfied and skipping those whose required
// dependencies failed. The scan loops until a pass produces no change,
// so skip cascades settle in one call.
func (s *Scheduler) dispatchReady(st *runState, readyCh chan<- *DeploymentUnit, sinkCtx context.Context, runID string) {
	for {
		changed := false

		for i := range st.plan.Units {
			unit := &st.plan.Units[i]
			outcome := st.outcomes[unit.ID]
			if outcome.Status != UnitStatusPending || st.dispatched[unit.ID] {
				continue
			}

			ready, skipReason := s.evaluateDependencies(st, unit)
			switch {
			case skipReason != "":
				s.markSkipped(st, unit, skipReason, sinkCtx, runID)
				changed = true
			case ready:
				st.dispatched[unit.ID] = true
				readyCh <- unit
			}
		}

		if !changed {
			return
		}
	}
}

// evaluateDependencies decides whether a unit may start. A required
// dependency must have Succeeded or been excluded at plan time; its
// failure (or involuntary skip) returns a skip reason for the dependent.
// Order dependencies only need a terminal state.
func (s *Scheduler) evaluateDependencies(st *runState, unit *DeploymentUnit) (bool, string) {
	for _, dep := range unit.Dependencies {
		depOutcome := st.outcomes[dep.TargetID]
		depUnit := st.unitByID[dep.TargetID]

		switch dep.Type {
		case DependencyOrder:
			if !depOutcome.Status.IsTerminal() {
				return false, ""
			}
		default: // DependencyRequire
			switch depOutcome.Status {
			case UnitStatusSucceeded:
			case UnitStatusSkipped:
				if depUnit.Applicable {
					return false, fmt.Sprintf("dependency %s was skipped", dep.TargetID)
				}
				// Plan-time exclusion satisfies the dependent.
			case UnitStatusFailed:
				return false, fmt.Sprintf("dependency %s failed", dep.TargetID)
			default:
				return false, ""
			}
		}
	}

	return true, ""
}

// skipPending marks every pending, not-yet-dispatched unit Skipped.
// Units already handed to workers resolve through the done channel.
func (s *Scheduler) skipPending(st *runState, reason string, sinkCtx context.Context, runID string) {
	for i := range st.plan.Units {
		unit := &st.plan.Units[i]
		if st.outcomes[unit.ID].Status == UnitStatusPending && !st.dispatched[unit.ID] {
			s.markSkipped(st, unit, reason, sinkCtx, runID)
		}
	}
}

func (s *Scheduler) markSkipped(st *runState, unit *DeploymentUnit, reason string, sinkCtx context.Context, runID string) {
	now := time.Now()
	outcome := &Outcome{
		UnitID:     unit.ID,
		Status:     UnitStatusSkipped,
		LastError:  reason,
		FinishedAt: now,
	}
	st.outcomes[unit.ID] = outcome
	st.remaining--

	s.logger.Info().
		Str("run_id", runID).
		Str("unit", unit.ID).
		Str("reason", reason).
		Msg("Unit skipped")
	s.observeOutcome(unit, outcome)
	s.notifyUnitCompleted(sinkCtx, runID, unit, outcome)
}

func (s *Scheduler) buildReport(runID string, plan *Plan, policy RunPolicy, st *runState, cancelled bool) *RunReport {
	report := &RunReport{
		RunID:    runID,
		PlanID:   plan.ID,
		Policy:   policy,
		Outcomes: make([]Outcome, 0, len(plan.Units)),
	}

	deliberateSkips := 0
	for i := range plan.Units {
		unit := &plan.Units[i]
		outcome := st.outcomes[unit.ID]
		report.Outcomes = append(report.Outcomes, *outcome)

		report.Summary.Total++
		switch outcome.Status {
		case UnitStatusSucceeded:
			report.Summary.Succeeded++
		case UnitStatusFailed:
			report.Summary.Failed++
		case UnitStatusSkipped:
			report.Summary.Skipped++
			if !unit.Applicable {
				deliberateSkips++
			}
		}
	}

	switch {
	case cancelled:
		report.Status = RunStatusCancelled
	case report.Summary.Failed == 0 && report.Summary.Skipped == deliberateSkips:
		report.Status = RunStatusSucceeded
	case report.Summary.Succeeded == 0:
		report.Status = RunStatusFailed
	default:
		report.Status = RunStatusPartial
	}

	return report
}

func (s *Scheduler) observeOutcome(unit *DeploymentUnit, outcome *Outcome) {
	s.metrics.UnitCompleted(string(unit.Kind), unit.Environment, string(outcome.Status), outcome.Duration())
	if outcome.Attempts > 1 {
		s.metrics.UnitRetries(string(unit.Kind), outcome.Attempts-1)
	}
}

func (s *Scheduler) notifyRunStarted(ctx context.Context, runID string, plan *Plan, policy RunPolicy) {
	if s.sink == nil {
		return
	}
	if err := s.sink.RunStarted(ctx, runID, plan, policy); err != nil {
		s.logger.Warn().Err(err).Str("run_id", runID).Msg("Failed to persist run start")
	}
}

func (s *Scheduler) notifyUnitCompleted(ctx context.Context, runID string, unit *DeploymentUnit, outcome *Outcome) {
	if s.sink == nil {
		return
	}
	if err := s.sink.UnitCompleted(ctx, runID, unit, outcome); err != nil {
		s.logger.Warn().Err(err).Str("unit", unit.ID).Msg("Failed to persist unit outcome")
	}
}

func (s *Scheduler) notifyRunCompleted(ctx context.Context, report *RunReport) {
	if s.sink == nil {
		return
	}
	if err := s.sink.RunCompleted(ctx, report); err != nil {
		s.logger.Warn().Err(err).Str("run_id", report.RunID).Msg("Failed to persist run completion")
	}
}
