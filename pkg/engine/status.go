package engine

import "fmt"

// UnitStatus represents the lifecycle state of a deployment unit.
// Units start Pending and transition monotonically forward; no unit
// re-enters Pending within a run.
type UnitStatus string

const (
	// UnitStatusPending indicates the unit is waiting for dependencies.
	UnitStatusPending UnitStatus = "pending"

	// UnitStatusRunning indicates the unit is currently executing.
	UnitStatusRunning UnitStatus = "running"

	// UnitStatusSucceeded indicates the unit completed successfully.
	UnitStatusSucceeded UnitStatus = "succeeded"

	// UnitStatusFailed indicates the unit exhausted its retry budget or
	// hit a non-retryable failure, timeout, or cancellation.
	UnitStatusFailed UnitStatus = "failed"

	// UnitStatusSkipped indicates the unit was never attempted: a
	// dependency failed, the run was cancelled before it started, or it
	// was excluded at plan time.
	UnitStatusSkipped UnitStatus = "skipped"
)

// IsTerminal reports whether the status is final.
func (s UnitStatus) IsTerminal() bool {
	return s == UnitStatusSucceeded || s == UnitStatusFailed || s == UnitStatusSkipped
}

// Validate checks that the status is a known value.
func (s UnitStatus) Validate() error {
	switch s {
	case UnitStatusPending, UnitStatusRunning, UnitStatusSucceeded,
		UnitStatusFailed, UnitStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid unit status: %s", s)
	}
}

// RunStatus represents the aggregate state of a run.
type RunStatus string

const (
	// RunStatusRunning indicates units are still executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every unit succeeded.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates at least one unit failed and none succeeded,
	// or the run was aborted before completion.
	RunStatusFailed RunStatus = "failed"

	// RunStatusPartial indicates a mix of succeeded and failed or skipped units.
	RunStatusPartial RunStatus = "partial"

	// RunStatusCancelled indicates the run was cancelled by the caller.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run status is final.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusPartial || s == RunStatusCancelled
}

// Validate checks that the status is a known value.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed,
		RunStatusPartial, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// UnitKind distinguishes infrastructure units from application units.
// Infra units for an environment must succeed before any application
// unit for that environment starts.
type UnitKind string

const (
	// KindInfra is an infrastructure component (database, broker, operator).
	KindInfra UnitKind = "infra"

	// KindApplication is a deployable application.
	KindApplication UnitKind = "application"
)

// Validate checks that the kind is a known value.
func (k UnitKind) Validate() error {
	switch k {
	case KindInfra, KindApplication:
		return nil
	default:
		return fmt.Errorf("invalid unit kind: %s", k)
	}
}

// RunPolicy selects how a run reacts to the first unit failure.
type RunPolicy string

const (
	// PolicyFailFast cancels all not-yet-started units on the first
	// failure; in-flight units receive a best-effort cancel signal.
	PolicyFailFast RunPolicy = "fail-fast"

	// PolicyBestEffort continues the run; the final report lists every
	// failed and skipped unit.
	PolicyBestEffort RunPolicy = "best-effort"
)

// Validate checks that the policy is a known value.
func (p RunPolicy) Validate() error {
	switch p {
	case PolicyFailFast, PolicyBestEffort:
		return nil
	default:
		return fmt.Errorf("invalid run policy: %s", p)
	}
}

// VerifyStatus is the post-deployment health verdict for a unit. It
// annotates the report and never overwrites the deployment outcome.
type VerifyStatus string

const (
	// VerifyHealthy indicates the readiness signal was observed.
	VerifyHealthy VerifyStatus = "healthy"

	// VerifyUnhealthy indicates a definitive negative readiness signal.
	VerifyUnhealthy VerifyStatus = "unhealthy"

	// VerifyUnknown indicates the poll timed out without a definitive signal.
	VerifyUnknown VerifyStatus = "unknown"
)
