package verify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/caravel-dev/caravel/pkg/engine"
	"github.com/caravel-dev/caravel/pkg/telemetry"
)

type probeAdapter struct {
	mu     sync.Mutex
	calls  int
	behave func(call int) (*engine.CommandResult, error)
}

func (p *probeAdapter) Run(ctx context.Context, cmd engine.Command) (*engine.CommandResult, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.mu.Unlock()
	return p.behave(call)
}

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "console", Output: "stderr"})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	return logger
}

func verifyUnit() *engine.DeploymentUnit {
	return &engine.DeploymentUnit{
		ID:            "application/develop/api",
		Kind:          engine.KindApplication,
		Environment:   "develop",
		Name:          "api",
		Command:       []string{"deploy", "api"},
		VerifyCommand: []string{"check", "{{.Name}}"},
		Applicable:    true,
	}
}

func TestVerifyHealthyAfterPolling(t *testing.T) {
	adapter := &probeAdapter{behave: func(call int) (*engine.CommandResult, error) {
		if call < 3 {
			return &engine.CommandResult{ExitCode: 1, Stderr: "not ready"}, nil
		}
		return &engine.CommandResult{ExitCode: 0, Stdout: "ready"}, nil
	}}

	verifier := NewVerifier(adapter, testLogger(t),
		WithInterval(time.Millisecond), WithTimeout(time.Second))

	result := verifier.Verify(context.Background(), verifyUnit(), engine.RenderContext{})

	if result.Status != engine.VerifyHealthy {
		t.Errorf("Expected healthy, got %s (%s)", result.Status, result.Message)
	}
	if result.Probes != 3 {
		t.Errorf("Expected 3 probes, got %d", result.Probes)
	}
	if result.Message != "ready" {
		t.Errorf("Expected probe output in message, got %q", result.Message)
	}
}

func TestVerifyUnhealthyOnPermanentError(t *testing.T) {
	adapter := &probeAdapter{behave: func(call int) (*engine.CommandResult, error) {
		return nil, engine.NewPermanentError("probe binary not found", nil).
			WithCode(engine.ErrCodeValidation)
	}}

	verifier := NewVerifier(adapter, testLogger(t),
		WithInterval(time.Millisecond), WithTimeout(time.Second))

	result := verifier.Verify(context.Background(), verifyUnit(), engine.RenderContext{})

	if result.Status != engine.VerifyUnhealthy {
		t.Errorf("Expected unhealthy, got %s", result.Status)
	}
	if result.Probes != 1 {
		t.Errorf("Expected 1 probe for permanent error, got %d", result.Probes)
	}
}

func TestVerifyUnknownWhenWindowCloses(t *testing.T) {
	adapter := &probeAdapter{behave: func(call int) (*engine.CommandResult, error) {
		return &engine.CommandResult{ExitCode: 1}, nil
	}}

	verifier := NewVerifier(adapter, testLogger(t),
		WithInterval(5*time.Millisecond), WithTimeout(30*time.Millisecond))

	result := verifier.Verify(context.Background(), verifyUnit(), engine.RenderContext{})

	if result.Status != engine.VerifyUnknown {
		t.Errorf("Expected unknown after window closed, got %s", result.Status)
	}
	if result.Probes == 0 {
		t.Error("Expected at least one probe")
	}
	if result.Message == "" {
		t.Error("Expected last observed signal in message")
	}
}

func TestVerifyInvalidTemplateIsUnhealthy(t *testing.T) {
	unit := verifyUnit()
	unit.VerifyCommand = []string{"check", "{{.Vars.missing}}"}

	adapter := &probeAdapter{behave: func(call int) (*engine.CommandResult, error) {
		return &engine.CommandResult{ExitCode: 0}, nil
	}}
	verifier := NewVerifier(adapter, testLogger(t))

	result := verifier.Verify(context.Background(), unit, engine.RenderContext{})

	if result.Status != engine.VerifyUnhealthy {
		t.Errorf("Expected unhealthy for invalid template, got %s", result.Status)
	}
	if adapter.calls != 0 {
		t.Errorf("Expected no probes for invalid template, got %d", adapter.calls)
	}
}

func TestVerifyCancelledContext(t *testing.T) {
	adapter := &probeAdapter{behave: func(call int) (*engine.CommandResult, error) {
		return &engine.CommandResult{ExitCode: 1}, nil
	}}
	verifier := NewVerifier(adapter, testLogger(t),
		WithInterval(50*time.Millisecond), WithTimeout(10*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	result := verifier.Verify(ctx, verifyUnit(), engine.RenderContext{})

	if result.Status != engine.VerifyUnknown {
		t.Errorf("Expected unknown on cancellation, got %s", result.Status)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Expected prompt return on cancellation, took %s", elapsed)
	}
}
