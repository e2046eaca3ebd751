package engine

import (
	"time"
)

// DeploymentUnit is one schedulable deployment action: an application or
// an infrastructure component targeting a single environment. Units are
// immutable after plan construction; all run-time state lives in Outcome.
type DeploymentUnit struct {
	// ID is the unique identifier, "<kind>/<environment>/<name>".
	ID string `json:"id"`

	// Kind distinguishes infra components from applications.
	Kind UnitKind `json:"kind"`

	// Environment is the target environment name.
	Environment string `json:"environment"`

	// Name is the application or infra component name.
	Name string `json:"name"`

	// Command is the argv template executed by the command adapter.
	// Each element may reference render-context fields
	// (e.g. "{{.Environment}}", "{{.ImageTag}}").
	Command []string `json:"command"`

	// Env is additional process environment for the command, values
	// templated like Command.
	Env map[string]string `json:"env,omitempty"`

	// WorkDir is the working directory for the command, if any.
	WorkDir string `json:"work_dir,omitempty"`

	// VerifyCommand is the readiness-probe argv template, if the unit
	// supports post-deployment verification.
	VerifyCommand []string `json:"verify_command,omitempty"`

	// Dependencies are edges to units that must complete first.
	Dependencies []Dependency `json:"dependencies,omitempty"`

	// Retries is the number of re-attempts after a retryable failure.
	Retries int `json:"retries"`

	// Timeout bounds a single execution attempt.
	Timeout time.Duration `json:"timeout"`

	// Applicable is false when a plan-time predicate excluded this unit
	// (e.g. the application is not deployed in this environment). Such
	// units go straight to Skipped and satisfy their dependents.
	Applicable bool `json:"applicable"`

	// SkipReason explains a plan-time exclusion.
	SkipReason string `json:"skip_reason,omitempty"`
}

// Dependency is an edge in the execution DAG.
type Dependency struct {
	// TargetID is the unit that must complete before this one starts.
	TargetID string `json:"target_id"`

	// Type is the dependency relationship.
	Type DependencyType `json:"type"`
}

// DependencyType distinguishes hard success requirements from pure ordering.
type DependencyType string

const (
	// DependencyRequire means the target must succeed; its failure
	// cascades to this unit as Skipped.
	DependencyRequire DependencyType = "require"

	// DependencyOrder means the target must merely reach a terminal
	// state. Used for sequential-environment mode, where a failed
	// environment does not suppress the next one in best-effort runs.
	DependencyOrder DependencyType = "order"
)

// Outcome is the mutable execution record for one unit. Only the worker
// executing the unit writes it; the orchestrator reads it for
// aggregation and the verifier annotates it.
type Outcome struct {
	// UnitID is the deployment unit this outcome belongs to.
	UnitID string `json:"unit_id"`

	// Status is the current lifecycle state.
	Status UnitStatus `json:"status"`

	// Attempts is the total number of execution attempts made.
	Attempts int `json:"attempts"`

	// LastError is a one-line cause for Failed or Skipped units.
	LastError string `json:"last_error,omitempty"`

	// StartedAt is when the first attempt began (zero if never started).
	StartedAt time.Time `json:"started_at,omitempty"`

	// FinishedAt is when the unit reached a terminal state.
	FinishedAt time.Time `json:"finished_at,omitempty"`

	// Stdout and Stderr hold captured output from the last attempt.
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`

	// Verify is the post-deployment health annotation, if verification ran.
	Verify *VerifyResult `json:"verify,omitempty"`
}

// Duration returns the wall-clock time the unit spent executing.
func (o *Outcome) Duration() time.Duration {
	if o.StartedAt.IsZero() || o.FinishedAt.IsZero() {
		return 0
	}
	return o.FinishedAt.Sub(o.StartedAt)
}

// VerifyResult is the outcome of post-deployment health polling. It is
// distinct from the deployment outcome and never overwrites it.
type VerifyResult struct {
	// Status is the health verdict.
	Status VerifyStatus `json:"status"`

	// Message describes the last observed signal.
	Message string `json:"message,omitempty"`

	// Probes is the number of readiness polls performed.
	Probes int `json:"probes"`
}

// Plan is an immutable expansion of a requested deployment scope into
// deployment units plus their execution graph.
type Plan struct {
	// ID is the unique plan identifier.
	ID string `json:"id"`

	// CreatedAt is when the plan was built.
	CreatedAt time.Time `json:"created_at"`

	// Environments lists the target environments in requested order.
	Environments []string `json:"environments"`

	// Units are the deployment units, in deterministic order.
	Units []DeploymentUnit `json:"units"`

	// Graph is the dependency DAG over Units.
	Graph *ExecutionGraph `json:"graph,omitempty"`

	// Summary provides plan statistics.
	Summary PlanSummary `json:"summary"`
}

// Unit returns the unit with the given ID, or nil.
func (p *Plan) Unit(id string) *DeploymentUnit {
	for i := range p.Units {
		if p.Units[i].ID == id {
			return &p.Units[i]
		}
	}
	return nil
}

// PlanSummary provides statistics about a plan.
type PlanSummary struct {
	// TotalUnits is the number of units in the plan.
	TotalUnits int `json:"total_units"`

	// InfraUnits is the number of infrastructure units.
	InfraUnits int `json:"infra_units"`

	// ApplicationUnits is the number of application units.
	ApplicationUnits int `json:"application_units"`

	// Excluded is the number of units excluded at plan time.
	Excluded int `json:"excluded"`
}

// ExecutionGraph is the DAG over plan units.
type ExecutionGraph struct {
	// Nodes maps unit IDs to graph nodes.
	Nodes map[string]*GraphNode `json:"nodes"`

	// Edges lists all dependency edges.
	Edges []GraphEdge `json:"edges"`

	// Roots are unit IDs with no dependencies.
	Roots []string `json:"roots"`

	// Depth is the number of topological levels.
	Depth int `json:"depth"`
}

// GraphNode is one node of the execution graph.
type GraphNode struct {
	// ID is the unit ID.
	ID string `json:"id"`

	// Level is the topological level (distance from roots).
	Level int `json:"level"`

	// Dependencies are unit IDs this node depends on.
	Dependencies []string `json:"dependencies"`

	// Dependents are unit IDs depending on this node.
	Dependents []string `json:"dependents"`
}

// GraphEdge is one dependency edge.
type GraphEdge struct {
	From string         `json:"from"`
	To   string         `json:"to"`
	Type DependencyType `json:"type"`
}

// RenderContext is the immutable per-run context handed to each unit's
// executor. Unit templates may only reference this data; no ambient
// state crosses unit boundaries.
type RenderContext struct {
	// Environment is filled per unit at render time.
	Environment string

	// Name is the unit's application or component name, filled per unit.
	Name string

	// ImageTag is the container image tag being deployed.
	ImageTag string

	// Registry is the container registry host.
	Registry string

	// ChartPath is the chart or manifest location for the unit.
	ChartPath string

	// ValuesFile is the environment values file, if any.
	ValuesFile string

	// Credentials are secret material resolved before the run started.
	Credentials map[string]string

	// Vars are additional caller-supplied template variables.
	Vars map[string]string
}

// forUnit returns a copy of the context specialised to one unit.
func (rc RenderContext) forUnit(unit *DeploymentUnit) RenderContext {
	out := rc
	out.Environment = unit.Environment
	out.Name = unit.Name
	return out
}

// RunReport aggregates all outcomes of one orchestration invocation.
// It is immutable once the run completes.
type RunReport struct {
	// RunID is the unique run identifier.
	RunID string `json:"run_id"`

	// PlanID is the plan that was executed.
	PlanID string `json:"plan_id"`

	// Policy is the failure-propagation policy the run used.
	Policy RunPolicy `json:"policy"`

	// Status is the aggregate run status.
	Status RunStatus `json:"status"`

	// StartedAt and FinishedAt bound the run.
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration"`

	// Outcomes holds one entry per unit, in plan order.
	Outcomes []Outcome `json:"outcomes"`

	// Summary provides aggregate counts.
	Summary RunSummary `json:"summary"`
}

// Outcome returns the outcome for a unit ID, or nil.
func (r *RunReport) Outcome(unitID string) *Outcome {
	for i := range r.Outcomes {
		if r.Outcomes[i].UnitID == unitID {
			return &r.Outcomes[i]
		}
	}
	return nil
}

// Success reports whether the run passes. Units skipped at plan time
// because they do not apply to an environment do not count against the
// run; failures and failure-induced skips do.
func (r *RunReport) Success() bool {
	return r.Status == RunStatusSucceeded
}

// ExitCode maps the report to a process exit code for the invoking CI system.
func (r *RunReport) ExitCode() int {
	if r.Success() {
		return 0
	}
	return 1
}

// RunSummary provides aggregate outcome counts.
type RunSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}
