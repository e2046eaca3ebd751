package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/caravel-dev/caravel/pkg/config"
	"github.com/caravel-dev/caravel/pkg/engine"
	"github.com/caravel-dev/caravel/pkg/report"
	"github.com/caravel-dev/caravel/pkg/runner"
	"github.com/caravel-dev/caravel/pkg/stores"
	"github.com/caravel-dev/caravel/pkg/telemetry"
	"github.com/caravel-dev/caravel/pkg/verify"
)

func newDeployCommand() *cobra.Command {
	var (
		environments  []string
		applications  []string
		concurrency   int
		failFast      bool
		bestEffort    bool
		sequential    bool
		dryRun        bool
		runVerify     bool
		imageTag      string
		registry      string
		vars          []string
		metricsListen string
		traceExporter string
		traceEndpoint string
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy components to one or more environments",
		Long: `Deploy the configured components to the target environments.

This command:
  - Loads runtime configuration from the secret backend
  - Expands the declared components into a dependency DAG
  - Executes deployment commands on a bounded worker pool
  - Retries transient failures with exponential backoff
  - Optionally verifies readiness after each successful unit`,
		Example: `  # Deploy everything to develop
  caravel deploy --env develop

  # Deploy one application to two environments, stopping on first failure
  caravel deploy --env staging --env production --app api --fail-fast

  # Roll environments one after another with readiness verification
  caravel deploy --env staging --env production --sequential --verify`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if failFast && bestEffort {
				return fmt.Errorf("--fail-fast and --best-effort are mutually exclusive")
			}

			app, err := newApp()
			if err != nil {
				return err
			}

			policy := engine.PolicyBestEffort
			if failFast {
				policy = engine.PolicyFailFast
			}

			return runDeploy(cmd.Context(), app, deployParams{
				environments:  environments,
				applications:  applications,
				concurrency:   concurrency,
				policy:        policy,
				sequential:    sequential,
				dryRun:        dryRun,
				verify:        runVerify,
				imageTag:      imageTag,
				registry:      registry,
				vars:          vars,
				metricsListen: metricsListen,
				traceExporter: traceExporter,
				traceEndpoint: traceEndpoint,
			})
		},
	}

	cmd.Flags().StringSliceVarP(&environments, "env", "e", nil, `target environment (repeatable, or "all")`)
	cmd.Flags().StringSliceVarP(&applications, "app", "a", nil, `application to deploy (repeatable, or "all"; default all)`)
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "max parallel units (default from settings)")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "cancel remaining units on first failure")
	cmd.Flags().BoolVar(&bestEffort, "best-effort", false, "deploy everything whose dependencies succeeded (default)")
	cmd.Flags().BoolVar(&sequential, "sequential", false, "finish each environment before starting the next")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the plan without executing")
	cmd.Flags().BoolVar(&runVerify, "verify", false, "poll readiness probes after each successful unit")
	cmd.Flags().StringVar(&imageTag, "image-tag", "", "image tag to deploy (overrides configuration)")
	cmd.Flags().StringVar(&registry, "registry", "", "container registry (overrides configuration)")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "extra template variable as key=value (repeatable)")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address during the run")
	cmd.Flags().StringVar(&traceExporter, "trace-exporter", "", "span exporter: stdout or otlp")
	cmd.Flags().StringVar(&traceEndpoint, "trace-endpoint", "", "OTLP gRPC endpoint for --trace-exporter=otlp")
	_ = cmd.MarkFlagRequired("env")

	return cmd
}

type deployParams struct {
	environments  []string
	applications  []string
	concurrency   int
	policy        engine.RunPolicy
	sequential    bool
	dryRun        bool
	verify        bool
	imageTag      string
	registry      string
	vars          []string
	metricsListen string
	traceExporter string
	traceEndpoint string
}

func runDeploy(ctx context.Context, app *app, params deployParams) error {
	if err := runner.CheckTools(app.settings.Tools); err != nil {
		return err
	}

	// Configuration failures abort before any unit is scheduled.
	client, err := app.secretClient()
	if err != nil {
		return err
	}
	resolver := config.NewResolver(client, app.settings.SecretStore.ConfigPath, app.logger.Component("config").Zerolog())
	doc, err := resolver.Load(ctx)
	if err != nil {
		return err
	}

	rc, err := buildRenderContext(doc, params)
	if err != nil {
		return err
	}

	req, err := app.settings.PlanRequest(params.environments, params.applications, params.sequential)
	if err != nil {
		return err
	}

	// Every target environment must have its configuration subtree; a
	// missing one aborts before any unit is scheduled.
	for _, env := range req.Environments {
		if _, err := doc.Environment(env); err != nil {
			return err
		}
	}

	plan, err := engine.BuildPlan(req)
	if err != nil {
		return err
	}

	if params.dryRun {
		if jsonOutput {
			return report.WriteJSONValue(os.Stdout, plan)
		}
		return report.WritePlanText(os.Stdout, plan)
	}

	concurrency := params.concurrency
	if concurrency == 0 {
		concurrency = app.settings.Defaults.Concurrency
	}

	adapter := runner.NewLocalAdapter(app.logger)
	executor := engine.NewExecutor(adapter, app.logger.Component("executor").Zerolog())

	var sink engine.ReportSink
	if app.settings.Store.Path != "" {
		store, err := stores.NewSQLiteStore(app.settings.Store.Path)
		if err != nil {
			return err
		}
		if err := store.Init(ctx); err != nil {
			return err
		}
		defer store.Close()
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		sink = stores.NewSink(store, app.logger)
	}

	scheduler := engine.NewScheduler(concurrency, executor, sink, app.logger.Component("scheduler").Zerolog())

	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{
		Enabled:   params.metricsListen != "",
		Namespace: "caravel",
	})
	if err != nil {
		return err
	}
	scheduler.SetMetrics(metrics)
	if params.metricsListen != "" {
		go serveMetrics(params.metricsListen, metrics, app.logger)
	}

	if params.traceExporter != "" {
		tracer, err := telemetry.NewTracer(telemetry.TracingConfig{
			Enabled:      true,
			Exporter:     params.traceExporter,
			Endpoint:     params.traceEndpoint,
			Insecure:     true,
			SamplingRate: 1.0,
		}, "caravel", "")
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = tracer.Shutdown(shutdownCtx)
		}()
		scheduler.SetTracer(tracer)
	}

	opts := engine.ScheduleOptions{
		Policy:  params.policy,
		Context: rc,
	}
	if params.verify {
		verifier := verify.NewVerifier(adapter, app.logger)
		opts.Verify = verifier.Verify
	}

	runReport, err := scheduler.Run(ctx, plan, opts)
	if err != nil {
		return err
	}

	if jsonOutput {
		if err := report.WriteJSON(os.Stdout, runReport); err != nil {
			return err
		}
	} else {
		if err := report.WriteText(os.Stdout, runReport); err != nil {
			return err
		}
	}

	if code := runReport.ExitCode(); code != 0 {
		return &exitCodeError{code: code}
	}
	return nil
}

// buildRenderContext resolves deployment parameters with explicit flags
// winning over the configuration document.
func buildRenderContext(doc *config.Document, params deployParams) (engine.RenderContext, error) {
	rc := engine.RenderContext{
		Vars: make(map[string]string),
	}

	var err error
	rc.ImageTag, err = doc.Resolve(params.imageTag, "deploy.image_tag")
	if err != nil {
		return rc, err
	}
	rc.Registry, err = doc.Resolve(params.registry, "deploy.registry")
	if err != nil {
		return rc, err
	}
	rc.ChartPath = optionalString(doc, "deploy.chart_path")
	rc.ValuesFile = optionalString(doc, "deploy.values_file")
	rc.Credentials = optionalStringMap(doc, "credentials")

	for _, kv := range params.vars {
		key, value, found := strings.Cut(kv, "=")
		if !found || key == "" {
			return rc, engine.NewPermanentError(
				fmt.Sprintf("invalid --var %q, expected key=value", kv), nil,
			).WithCode(engine.ErrCodeValidation)
		}
		rc.Vars[key] = value
	}

	return rc, nil
}

func optionalString(doc *config.Document, path string) string {
	v, err := doc.String(path)
	if err != nil {
		return ""
	}
	return v
}

func optionalStringMap(doc *config.Document, path string) map[string]string {
	m, err := doc.Submap(path)
	if err != nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func serveMetrics(addr string, metrics *telemetry.Metrics, logger *telemetry.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn().Err(err).Str("addr", addr).Msg("metrics listener stopped")
	}
}
