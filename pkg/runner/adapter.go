// Package runner executes deployment commands on the local host.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/caravel-dev/caravel/pkg/engine"
	"github.com/caravel-dev/caravel/pkg/telemetry"
)

// LocalAdapter runs commands as local subprocesses.
type LocalAdapter struct {
	logger *telemetry.Logger

	// InheritEnv controls whether the parent process environment is
	// passed down to commands. Defaults to true.
	InheritEnv bool
}

// NewLocalAdapter creates a local command adapter.
func NewLocalAdapter(logger *telemetry.Logger) *LocalAdapter {
	return &LocalAdapter{
		logger:     logger.Component("runner"),
		InheritEnv: true,
	}
}

// Run executes the command and waits for it to finish. A non-zero exit
// is reported through the result, not as an error; errors are reserved
// for commands that could not be started or were cut short by the
// context.
func (a *LocalAdapter) Run(ctx context.Context, cmd engine.Command) (*engine.CommandResult, error) {
	if len(cmd.Argv) == 0 {
		return nil, engine.NewPermanentError("empty command", nil).
			WithCode(engine.ErrCodeValidation)
	}

	binary, err := exec.LookPath(cmd.Argv[0])
	if err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("command %q not found on PATH", cmd.Argv[0]), err,
		).WithCode(engine.ErrCodeValidation)
	}

	if cmd.Dir != "" {
		info, err := os.Stat(cmd.Dir)
		if err != nil || !info.IsDir() {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("working directory %q does not exist", cmd.Dir), err,
			).WithCode(engine.ErrCodeValidation)
		}
	}

	proc := exec.CommandContext(ctx, binary, cmd.Argv[1:]...)
	proc.Dir = cmd.Dir
	proc.Env = a.buildEnv(cmd.Env)

	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	a.logger.Debug().
		Strs("argv", cmd.Argv).
		Str("dir", cmd.Dir).
		Msg("running command")

	start := time.Now()
	runErr := proc.Run()
	elapsed := time.Since(start)

	result := &engine.CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: elapsed,
	}

	if runErr != nil {
		// The context trumps whatever signal the killed process
		// reported.
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, context.DeadlineExceeded
			}
			return nil, ctxErr
		}

		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}

		return nil, engine.NewTransientError(
			fmt.Sprintf("command %q failed to run", cmd.Argv[0]), runErr,
		).WithCode(engine.ErrCodeExecution)
	}

	result.ExitCode = 0
	return result, nil
}

func (a *LocalAdapter) buildEnv(extra map[string]string) []string {
	var env []string
	if a.InheritEnv {
		env = os.Environ()
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// CheckTools verifies that the named binaries are resolvable on PATH.
// It reports every missing tool, not just the first.
func CheckTools(tools []string) error {
	var missing []string
	for _, tool := range tools {
		if _, err := exec.LookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	if len(missing) > 0 {
		return engine.NewPermanentError(
			fmt.Sprintf("required tools not found on PATH: %v", missing), nil,
		).WithCode(engine.ErrCodeValidation)
	}
	return nil
}
