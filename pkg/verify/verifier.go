// Package verify polls post-deployment readiness probes.
package verify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/caravel-dev/caravel/pkg/engine"
	"github.com/caravel-dev/caravel/pkg/telemetry"
)

const (
	defaultInterval = 5 * time.Second
	defaultTimeout  = 2 * time.Minute
)

// Verifier runs a unit's readiness probe at a fixed interval until it
// reports healthy, fails definitively, or the poll window closes. The
// verdict annotates the run report; it never changes the deployment
// outcome.
type Verifier struct {
	adapter  engine.CommandAdapter
	logger   *telemetry.Logger
	interval time.Duration
	timeout  time.Duration
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.interval = d
		}
	}
}

// WithTimeout sets the total poll window.
func WithTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// NewVerifier creates a verifier running probes through the adapter.
func NewVerifier(adapter engine.CommandAdapter, logger *telemetry.Logger, opts ...Option) *Verifier {
	v := &Verifier{
		adapter:  adapter,
		logger:   logger.Component("verify"),
		interval: defaultInterval,
		timeout:  defaultTimeout,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify polls the unit's readiness probe. Exit code zero is healthy; a
// probe that cannot run at all is unhealthy; anything else is retried
// until the window closes, which yields unknown.
func (v *Verifier) Verify(ctx context.Context, unit *engine.DeploymentUnit, rc engine.RenderContext) *engine.VerifyResult {
	cmd, err := engine.RenderVerifyCommand(unit, rc)
	if err != nil {
		return &engine.VerifyResult{
			Status:  engine.VerifyUnhealthy,
			Message: err.Error(),
		}
	}

	deadline := time.Now().Add(v.timeout)
	result := &engine.VerifyResult{Status: engine.VerifyUnknown}

	for {
		probeCtx, cancel := context.WithDeadline(ctx, deadline)
		res, runErr := v.adapter.Run(probeCtx, cmd)
		cancel()
		result.Probes++

		switch {
		case runErr == nil && res.ExitCode == 0:
			result.Status = engine.VerifyHealthy
			result.Message = firstLine(res.Stdout)
			v.logger.Info().
				Str("unit", unit.ID).
				Int("probes", result.Probes).
				Msg("unit verified healthy")
			return result

		case runErr != nil && engine.IsPermanent(runErr):
			result.Status = engine.VerifyUnhealthy
			result.Message = runErr.Error()
			return result

		case runErr == nil:
			result.Message = fmt.Sprintf("probe exited with code %d", res.ExitCode)
			if line := firstLine(res.Stderr); line != "" {
				result.Message += ": " + line
			}

		default:
			result.Message = runErr.Error()
		}

		if ctx.Err() != nil {
			result.Message = "verification cancelled"
			return result
		}
		if time.Now().Add(v.interval).After(deadline) {
			v.logger.Warn().
				Str("unit", unit.ID).
				Int("probes", result.Probes).
				Str("last", result.Message).
				Msg("verification window closed")
			return result
		}

		select {
		case <-ctx.Done():
			result.Message = "verification cancelled"
			return result
		case <-time.After(v.interval):
		}
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
