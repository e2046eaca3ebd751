package runner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/caravel-dev/caravel/pkg/engine"
	"github.com/caravel-dev/caravel/pkg/telemetry"
)

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "console", Output: "stderr"})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	return logger
}

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	adapter := NewLocalAdapter(testLogger(t))

	result, err := adapter.Run(context.Background(), engine.Command{
		Argv: []string{"sh", "-c", "echo out; echo err >&2"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %d", result.ExitCode)
	}
	if strings.TrimSpace(result.Stdout) != "out" {
		t.Errorf("Unexpected stdout: %q", result.Stdout)
	}
	if strings.TrimSpace(result.Stderr) != "err" {
		t.Errorf("Unexpected stderr: %q", result.Stderr)
	}
}

func TestRunNonZeroExitIsNotAnError(t *testing.T) {
	adapter := NewLocalAdapter(testLogger(t))

	result, err := adapter.Run(context.Background(), engine.Command{
		Argv: []string{"sh", "-c", "exit 3"},
	})
	if err != nil {
		t.Fatalf("Expected non-zero exit reported through result, got error: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", result.ExitCode)
	}
}

func TestRunMissingBinaryIsPermanent(t *testing.T) {
	adapter := NewLocalAdapter(testLogger(t))

	_, err := adapter.Run(context.Background(), engine.Command{
		Argv: []string{"definitely-not-a-real-binary-xyz"},
	})
	if err == nil {
		t.Fatal("Expected error for missing binary")
	}
	if !engine.IsPermanent(err) {
		t.Errorf("Expected permanent error, got: %v", err)
	}
	if !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Errorf("Expected validation error code, got: %v", err)
	}
}

func TestRunMissingWorkDirIsPermanent(t *testing.T) {
	adapter := NewLocalAdapter(testLogger(t))

	_, err := adapter.Run(context.Background(), engine.Command{
		Argv: []string{"sh", "-c", "true"},
		Dir:  "/nonexistent/workdir",
	})
	if err == nil {
		t.Fatal("Expected error for missing working directory")
	}
	if !engine.IsPermanent(err) {
		t.Errorf("Expected permanent error, got: %v", err)
	}
}

func TestRunDeadlineKillsProcess(t *testing.T) {
	adapter := NewLocalAdapter(testLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := adapter.Run(ctx, engine.Command{
		Argv: []string{"sleep", "10"},
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected DeadlineExceeded, got: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Expected process killed at deadline, took %s", elapsed)
	}
}

func TestRunExtraEnvironment(t *testing.T) {
	adapter := NewLocalAdapter(testLogger(t))

	result, err := adapter.Run(context.Background(), engine.Command{
		Argv: []string{"sh", "-c", "echo $DEPLOY_TARGET"},
		Env:  map[string]string{"DEPLOY_TARGET": "develop"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if strings.TrimSpace(result.Stdout) != "develop" {
		t.Errorf("Expected injected environment, got %q", result.Stdout)
	}
}

func TestCheckTools(t *testing.T) {
	if err := CheckTools([]string{"sh"}); err != nil {
		t.Errorf("Expected sh on PATH, got: %v", err)
	}

	err := CheckTools([]string{"sh", "no-such-tool-abc", "no-such-tool-def"})
	if err == nil {
		t.Fatal("Expected error for missing tools")
	}
	if !strings.Contains(err.Error(), "no-such-tool-abc") || !strings.Contains(err.Error(), "no-such-tool-def") {
		t.Errorf("Expected every missing tool named, got: %v", err)
	}
}
