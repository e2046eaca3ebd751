package engine

import (
	"context"
	"time"
)

// Command is a fully rendered external command invocation.
type Command struct {
	// Argv is the program and its arguments.
	Argv []string

	// Env is additional process environment, merged over the parent's.
	Env map[string]string

	// Dir is the working directory; empty means the current directory.
	Dir string
}

// CommandResult captures one completed command invocation.
type CommandResult struct {
	// ExitCode is the process exit code.
	ExitCode int

	// Stdout and Stderr hold captured output.
	Stdout string
	Stderr string

	// Duration is the wall-clock execution time.
	Duration time.Duration
}

// CommandAdapter executes external commands on behalf of the engine.
// Implementations must honour ctx cancellation and deadline by killing
// the process, and must return a classified error for conditions that
// prevent the command from starting (missing binary, bad working
// directory). A command that starts and exits non-zero is reported
// through CommandResult with a nil error.
type CommandAdapter interface {
	Run(ctx context.Context, cmd Command) (*CommandResult, error)
}

// ReportSink receives run progress for persistence. All methods are
// best-effort from the scheduler's perspective: a sink failure is logged
// but never fails the run.
type ReportSink interface {
	// RunStarted is called once before any unit executes.
	RunStarted(ctx context.Context, runID string, plan *Plan, policy RunPolicy) error

	// UnitCompleted is called when a unit reaches a terminal state.
	UnitCompleted(ctx context.Context, runID string, unit *DeploymentUnit, outcome *Outcome) error

	// RunCompleted is called once with the immutable final report.
	RunCompleted(ctx context.Context, report *RunReport) error
}
