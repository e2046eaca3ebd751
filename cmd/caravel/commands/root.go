// Package commands implements the caravel CLI.
package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/caravel-dev/caravel/pkg/config"
	"github.com/caravel-dev/caravel/pkg/secretstore"
	"github.com/caravel-dev/caravel/pkg/telemetry"
)

var (
	// Global flags
	settingsPath string
	verbose      bool
	jsonOutput   bool
)

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context, version, commit, buildDate string) (int, error) {
	rootCmd := newRootCommand(version, commit, buildDate)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			return exitErr.code, nil
		}
		return 1, err
	}
	return 0, nil
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "caravel",
		Short: "Caravel - Configuration-driven deployment orchestrator",
		Long: `Caravel deploys applications and infrastructure across environments.

It reads runtime configuration and credentials from a secret backend,
expands the declared components into a dependency DAG per environment,
and executes the deployment commands on a bounded worker pool with
retries, timeouts and post-deployment verification.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&settingsPath, "settings", "s", "caravel.yaml", "settings file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newSecretCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}

// exitCodeError carries a process exit code through cobra without the
// generic error logging path.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

// app bundles the shared pieces every command bootstraps.
type app struct {
	settings *config.Settings
	logger   *telemetry.Logger
}

func newApp() (*app, error) {
	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		return nil, err
	}

	cfg := telemetry.DefaultConfig("caravel", "")
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if jsonOutput {
		// Human output goes to stdout as JSON; keep logs parseable too.
		cfg.Logging.Format = "json"
	}

	logger, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	return &app{settings: settings, logger: logger}, nil
}

// secretClient creates the secret backend client from the settings.
// The credential comes from the environment (VAULT_TOKEN), never from
// the settings file.
func (a *app) secretClient() (*secretstore.Client, error) {
	return secretstore.New(secretstore.Config{
		Address: a.settings.SecretStore.Address,
		Token:   os.Getenv("VAULT_TOKEN"),
		Mount:   a.settings.SecretStore.Mount,
		Timeout: a.settings.SecretStore.Timeout.Std(),
	}, a.logger.Component("secretstore").Zerolog())
}
