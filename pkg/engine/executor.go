package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"text/template"
	"time"

	"github.com/rs/zerolog"
)

const (
	backoffBase = 2 * time.Second
	backoffCap  = 30 * time.Second
)

// Executor runs a single deployment unit: it renders the unit's command
// template against the immutable render context, invokes the command
// adapter, and applies the retry policy. Only transient failures are
// retried; validation failures fail the unit immediately. Cancellation
// is observed before each attempt and during backoff waits.
type Executor struct {
	adapter CommandAdapter
	logger  zerolog.Logger

	backoffBase time.Duration
	backoffCap  time.Duration
}

// NewExecutor creates an executor over the given command adapter.
func NewExecutor(adapter CommandAdapter, logger zerolog.Logger) *Executor {
	return &Executor{
		adapter:     adapter,
		logger:      logger,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
	}
}

// Execute runs the unit to a terminal outcome. The returned outcome is
// always terminal: Succeeded or Failed.
func (e *Executor) Execute(ctx context.Context, unit *DeploymentUnit, rc RenderContext) *Outcome {
	outcome := &Outcome{
		UnitID:    unit.ID,
		Status:    UnitStatusRunning,
		StartedAt: time.Now(),
	}

	cmd, err := RenderCommand(unit, rc)
	if err != nil {
		return e.fail(outcome, Cause(err))
	}

	for attempt := 0; attempt <= unit.Retries; attempt++ {
		if ctx.Err() != nil {
			return e.fail(outcome, "cancelled")
		}

		attemptCtx, cancel := context.WithTimeout(ctx, unit.Timeout)
		result, runErr := e.adapter.Run(attemptCtx, cmd)
		cancel()

		outcome.Attempts++
		if result != nil {
			outcome.Stdout = result.Stdout
			outcome.Stderr = result.Stderr
		}

		if runErr == nil && result != nil && result.ExitCode == 0 {
			outcome.Status = UnitStatusSucceeded
			outcome.FinishedAt = time.Now()
			return outcome
		}

		// Parent cancellation is terminal regardless of retry budget.
		if ctx.Err() != nil {
			return e.fail(outcome, "cancelled")
		}

		attemptErr := e.classify(unit, result, runErr)
		if HasCode(attemptErr, ErrCodeTimeout) {
			// The attempt exceeded the unit timeout. Timeouts are
			// transient, so remaining retry budget still applies.
			outcome.LastError = "timeout"
		} else {
			outcome.LastError = attemptErr.Cause()
		}

		if !IsRetryable(attemptErr) || attempt >= unit.Retries {
			break
		}

		delay := e.backoff(attempt)
		e.logger.Warn().
			Str("unit", unit.ID).
			Int("attempt", attempt+1).
			Int("max_attempts", unit.Retries+1).
			Dur("backoff", delay).
			Str("error", attemptErr.Error()).
			Msg("Unit attempt failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return e.fail(outcome, "cancelled")
		}
	}

	outcome.Status = UnitStatusFailed
	outcome.FinishedAt = time.Now()
	return outcome
}

func (e *Executor) fail(outcome *Outcome, reason string) *Outcome {
	outcome.Status = UnitStatusFailed
	outcome.LastError = reason
	outcome.FinishedAt = time.Now()
	return outcome
}

// classify maps an adapter result to a classified error.
func (e *Executor) classify(unit *DeploymentUnit, result *CommandResult, runErr error) *OrchestrationError {
	if runErr != nil {
		if errors.Is(runErr, context.DeadlineExceeded) {
			return NewTransientError("attempt timed out", runErr).
				WithCode(ErrCodeTimeout).WithUnit(unit.ID)
		}

		var oerr *OrchestrationError
		if errors.As(runErr, &oerr) {
			return oerr
		}

		// Unclassified adapter errors are treated as retryable execution
		// failures.
		return NewTransientError("command adapter failed", runErr).
			WithCode(ErrCodeExecution).WithUnit(unit.ID)
	}

	return NewTransientError(
		fmt.Sprintf("command exited with code %d", result.ExitCode), nil,
	).WithCode(ErrCodeExecution).WithUnit(unit.ID)
}

// backoff computes the exponential delay for the given attempt index.
func (e *Executor) backoff(attempt int) time.Duration {
	delay := e.backoffBase
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= e.backoffCap {
			return e.backoffCap
		}
	}
	if delay > e.backoffCap {
		delay = e.backoffCap
	}
	return delay
}

// RenderCommand renders the unit's argv and environment templates with
// the context specialised to the unit. A template referencing a missing
// key is a validation error: units never execute with silently empty
// parameters.
func RenderCommand(unit *DeploymentUnit, rc RenderContext) (Command, error) {
	data := rc.forUnit(unit)

	argv := make([]string, 0, len(unit.Command))
	for _, arg := range unit.Command {
		rendered, err := renderTemplate(arg, data)
		if err != nil {
			return Command{}, NewPermanentError(
				fmt.Sprintf("invalid command template %q", arg), err,
			).WithCode(ErrCodeValidation).WithUnit(unit.ID)
		}
		argv = append(argv, rendered)
	}
	if len(argv) == 0 {
		return Command{}, NewPermanentError("unit has empty command", nil).
			WithCode(ErrCodeValidation).WithUnit(unit.ID)
	}

	var env map[string]string
	if len(unit.Env) > 0 {
		env = make(map[string]string, len(unit.Env))
		for k, v := range unit.Env {
			rendered, err := renderTemplate(v, data)
			if err != nil {
				return Command{}, NewPermanentError(
					fmt.Sprintf("invalid environment template %q", v), err,
				).WithCode(ErrCodeValidation).WithUnit(unit.ID)
			}
			env[k] = rendered
		}
	}

	return Command{Argv: argv, Env: env, Dir: unit.WorkDir}, nil
}

// RenderVerifyCommand renders the unit's readiness-probe template.
func RenderVerifyCommand(unit *DeploymentUnit, rc RenderContext) (Command, error) {
	if len(unit.VerifyCommand) == 0 {
		return Command{}, NewPermanentError("unit has no verify command", nil).
			WithCode(ErrCodeValidation).WithUnit(unit.ID)
	}

	data := rc.forUnit(unit)
	argv := make([]string, 0, len(unit.VerifyCommand))
	for _, arg := range unit.VerifyCommand {
		rendered, err := renderTemplate(arg, data)
		if err != nil {
			return Command{}, NewPermanentError(
				fmt.Sprintf("invalid verify template %q", arg), err,
			).WithCode(ErrCodeValidation).WithUnit(unit.ID)
		}
		argv = append(argv, rendered)
	}

	return Command{Argv: argv, Dir: unit.WorkDir}, nil
}

func renderTemplate(tmpl string, data RenderContext) (string, error) {
	t, err := template.New("arg").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
