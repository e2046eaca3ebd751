package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ComponentSpec describes one deployable component (application or infra)
// independent of environment. Specs come from resolved configuration; the
// planner expands them across the requested environments.
type ComponentSpec struct {
	// Name is the component name.
	Name string

	// Command is the argv template used to deploy the component.
	Command []string

	// Env is extra process environment for the command.
	Env map[string]string

	// WorkDir is the working directory for the command.
	WorkDir string

	// VerifyCommand is the readiness-probe argv template, if any.
	VerifyCommand []string

	// Environments restricts which environments the component is deployed
	// to. Empty means all. A unit for an excluded environment is still
	// planned, marked inapplicable, and reported Skipped.
	Environments []string

	// Retries overrides the default retry budget when non-negative;
	// pass -1 to inherit the default.
	Retries int

	// Timeout overrides the default attempt timeout when non-zero.
	Timeout time.Duration
}

func (c *ComponentSpec) appliesTo(env string) bool {
	if len(c.Environments) == 0 {
		return true
	}
	for _, e := range c.Environments {
		if e == env {
			return true
		}
	}
	return false
}

// PlanRequest is the scope of one orchestration invocation.
type PlanRequest struct {
	// Environments are the target environments, in requested order.
	Environments []string

	// Infra are infrastructure components, deployed in declared order
	// within each environment, before any application.
	Infra []ComponentSpec

	// Applications are deployed concurrently within an environment once
	// its infrastructure has succeeded.
	Applications []ComponentSpec

	// SequentialEnvironments orders environments one after another
	// instead of running them concurrently.
	SequentialEnvironments bool

	// DefaultRetries is the retry budget for components without an override.
	DefaultRetries int

	// DefaultTimeout is the attempt timeout for components without an override.
	DefaultTimeout time.Duration
}

// BuildPlan expands the request into deployment units and their DAG.
// Within one environment, infrastructure components are chained in
// declared order and every application requires all of them. In
// sequential mode each environment is ordered after the previous one
// with order edges, so a failed environment does not suppress the next
// in best-effort runs.
func BuildPlan(req PlanRequest) (*Plan, error) {
	if len(req.Environments) == 0 {
		return nil, NewPermanentError("no target environments", nil).
			WithCode(ErrCodeValidation)
	}
	if len(req.Infra) == 0 && len(req.Applications) == 0 {
		return nil, NewPermanentError("nothing to deploy: no applications or infra in scope", nil).
			WithCode(ErrCodeValidation)
	}
	if req.DefaultTimeout <= 0 {
		req.DefaultTimeout = 10 * time.Minute
	}

	units := make([]DeploymentUnit, 0, len(req.Environments)*(len(req.Infra)+len(req.Applications)))
	var prevEnvUnits []string

	for _, env := range req.Environments {
		envUnits := make([]string, 0, len(req.Infra)+len(req.Applications))
		infraIDs := make([]string, 0, len(req.Infra))

		for i, spec := range req.Infra {
			unit := newUnit(KindInfra, env, &spec, &req)
			if i > 0 {
				unit.Dependencies = append(unit.Dependencies, Dependency{
					TargetID: infraIDs[i-1],
					Type:     DependencyRequire,
				})
			} else if req.SequentialEnvironments {
				unit.Dependencies = appendOrderDeps(unit.Dependencies, prevEnvUnits)
			}
			infraIDs = append(infraIDs, unit.ID)
			envUnits = append(envUnits, unit.ID)
			units = append(units, unit)
		}

		for _, spec := range req.Applications {
			unit := newUnit(KindApplication, env, &spec, &req)
			for _, infraID := range infraIDs {
				unit.Dependencies = append(unit.Dependencies, Dependency{
					TargetID: infraID,
					Type:     DependencyRequire,
				})
			}
			if len(infraIDs) == 0 && req.SequentialEnvironments {
				unit.Dependencies = appendOrderDeps(unit.Dependencies, prevEnvUnits)
			}
			envUnits = append(envUnits, unit.ID)
			units = append(units, unit)
		}

		prevEnvUnits = envUnits
	}

	graph, err := NewDAGBuilder().BuildGraph(units)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		ID:           uuid.New().String(),
		CreatedAt:    time.Now(),
		Environments: req.Environments,
		Units:        units,
		Graph:        graph,
	}
	plan.Summary = summarize(units)

	return plan, nil
}

func newUnit(kind UnitKind, env string, spec *ComponentSpec, req *PlanRequest) DeploymentUnit {
	unit := DeploymentUnit{
		ID:            fmt.Sprintf("%s/%s/%s", kind, env, spec.Name),
		Kind:          kind,
		Environment:   env,
		Name:          spec.Name,
		Command:       spec.Command,
		Env:           spec.Env,
		WorkDir:       spec.WorkDir,
		VerifyCommand: spec.VerifyCommand,
		Retries:       req.DefaultRetries,
		Timeout:       req.DefaultTimeout,
		Applicable:    true,
	}

	if spec.Retries >= 0 {
		unit.Retries = spec.Retries
	}
	if spec.Timeout > 0 {
		unit.Timeout = spec.Timeout
	}
	if !spec.appliesTo(env) {
		unit.Applicable = false
		unit.SkipReason = fmt.Sprintf("%s is not deployed in environment %s", spec.Name, env)
	}

	return unit
}

func appendOrderDeps(deps []Dependency, targets []string) []Dependency {
	for _, id := range targets {
		deps = append(deps, Dependency{TargetID: id, Type: DependencyOrder})
	}
	return deps
}

func summarize(units []DeploymentUnit) PlanSummary {
	summary := PlanSummary{TotalUnits: len(units)}
	for i := range units {
		switch units[i].Kind {
		case KindInfra:
			summary.InfraUnits++
		case KindApplication:
			summary.ApplicationUnits++
		}
		if !units[i].Applicable {
			summary.Excluded++
		}
	}
	return summary
}
