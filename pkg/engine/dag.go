package engine

import (
	"fmt"
	"sort"
	"strings"
)

// DAGBuilder constructs the execution graph over deployment units. It
// validates dependency references, rejects cycles, and computes
// topological levels used for plan rendering.
type DAGBuilder struct {
	units map[string]*DeploymentUnit

	// adjacency maps a unit to the units that depend on it.
	adjacency map[string][]string

	// reverseAdjacency maps a unit to its dependencies.
	reverseAdjacency map[string][]string

	inDegree map[string]int

	levels [][]string
}

// NewDAGBuilder creates an empty builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		units:            make(map[string]*DeploymentUnit),
		adjacency:        make(map[string][]string),
		reverseAdjacency: make(map[string][]string),
		inDegree:         make(map[string]int),
	}
}

// BuildGraph validates the units and returns their execution graph.
func (b *DAGBuilder) BuildGraph(units []DeploymentUnit) (*ExecutionGraph, error) {
	if len(units) == 0 {
		return &ExecutionGraph{
			Nodes: make(map[string]*GraphNode),
			Edges: make([]GraphEdge, 0),
			Roots: make([]string, 0),
		}, nil
	}

	if err := b.initialize(units); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildExecutionGraph(units), nil
}

func (b *DAGBuilder) initialize(units []DeploymentUnit) error {
	for i := range units {
		unit := &units[i]
		if unit.ID == "" {
			return NewPermanentError("deployment unit has empty ID", nil).
				WithCode(ErrCodeValidation)
		}
		if err := unit.Kind.Validate(); err != nil {
			return NewPermanentError("deployment unit has invalid kind", err).
				WithCode(ErrCodeValidation).WithUnit(unit.ID)
		}
		if _, exists := b.units[unit.ID]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate unit ID: %s", unit.ID), nil).
				WithCode(ErrCodeValidation)
		}

		b.units[unit.ID] = unit
		b.adjacency[unit.ID] = make([]string, 0)
		b.reverseAdjacency[unit.ID] = make([]string, 0)
		b.inDegree[unit.ID] = 0
	}

	for _, unit := range b.units {
		for _, dep := range unit.Dependencies {
			targetID := dep.TargetID
			if _, exists := b.units[targetID]; !exists {
				return NewPermanentError(
					fmt.Sprintf("unit %s depends on unknown unit %s", unit.ID, targetID),
					nil,
				).WithCode(ErrCodeValidation).WithUnit(unit.ID)
			}

			b.adjacency[targetID] = append(b.adjacency[targetID], unit.ID)
			b.reverseAdjacency[unit.ID] = append(b.reverseAdjacency[unit.ID], targetID)
			b.inDegree[unit.ID]++
		}
	}

	return nil
}

func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for id := range b.units {
		if !visited[id] {
			if cycle := b.findCycle(id, visited, recStack, nil); cycle != nil {
				return NewPermanentError(
					fmt.Sprintf("circular dependency: %s", strings.Join(cycle, " -> ")),
					nil,
				).WithCode(ErrCodeValidation)
			}
		}
	}

	return nil
}

func (b *DAGBuilder) findCycle(
	nodeID string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, dependent := range b.adjacency[nodeID] {
		if !visited[dependent] {
			if cycle := b.findCycle(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					return append(path[i:], dependent)
				}
			}
		}
	}

	recStack[nodeID] = false
	return nil
}

// computeLevels runs Kahn's algorithm, assigning each unit the earliest
// level at which all its dependencies have completed.
func (b *DAGBuilder) computeLevels() error {
	inDegree := make(map[string]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		inDegree[id] = degree
	}

	current := make([]string, 0)
	for id, degree := range inDegree {
		if degree == 0 {
			current = append(current, id)
		}
	}

	if len(current) == 0 {
		return NewPermanentError("no root units - every unit has dependencies", nil).
			WithCode(ErrCodeValidation)
	}

	processed := 0
	for len(current) > 0 {
		sort.Strings(current)
		b.levels = append(b.levels, current)
		processed += len(current)

		next := make([]string, 0)
		for _, id := range current {
			for _, dependent := range b.adjacency[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	if processed != len(b.units) {
		return NewPermanentError("not all units reachable from roots", nil).
			WithCode(ErrCodeInternal)
	}

	return nil
}

func (b *DAGBuilder) buildExecutionGraph(units []DeploymentUnit) *ExecutionGraph {
	graph := &ExecutionGraph{
		Nodes: make(map[string]*GraphNode, len(b.units)),
		Edges: make([]GraphEdge, 0),
		Roots: make([]string, 0),
		Depth: len(b.levels),
	}

	for level, ids := range b.levels {
		for _, id := range ids {
			graph.Nodes[id] = &GraphNode{
				ID:           id,
				Level:        level,
				Dependencies: b.reverseAdjacency[id],
				Dependents:   b.adjacency[id],
			}
			if level == 0 {
				graph.Roots = append(graph.Roots, id)
			}
		}
	}

	// Preserve plan order for edges.
	for i := range units {
		unit := &units[i]
		for _, dep := range unit.Dependencies {
			graph.Edges = append(graph.Edges, GraphEdge{
				From: dep.TargetID,
				To:   unit.ID,
				Type: dep.Type,
			})
		}
	}

	return graph
}

// Levels returns the computed topological levels. Units within one level
// have no ordering constraints among themselves.
func (b *DAGBuilder) Levels() [][]string {
	return b.levels
}

// ToDOT renders the DAG in Graphviz DOT format, clustered by environment.
func (b *DAGBuilder) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph DeploymentPlan {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	byEnv := make(map[string][]*DeploymentUnit)
	envs := make([]string, 0)
	for _, unit := range b.units {
		if _, seen := byEnv[unit.Environment]; !seen {
			envs = append(envs, unit.Environment)
		}
		byEnv[unit.Environment] = append(byEnv[unit.Environment], unit)
	}
	sort.Strings(envs)

	for i, env := range envs {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_%d {\n", i))
		sb.WriteString(fmt.Sprintf("    label=%q;\n", env))
		sb.WriteString("    style=dashed;\n")

		units := byEnv[env]
		sort.Slice(units, func(a, b int) bool { return units[a].ID < units[b].ID })
		for _, unit := range units {
			color := "lightblue"
			if unit.Kind == KindInfra {
				color = "lightgreen"
			}
			if !unit.Applicable {
				color = "lightgray"
			}
			sb.WriteString(fmt.Sprintf("    %q [label=\"%s\\n%s\", fillcolor=%q, style=\"filled,rounded\"];\n",
				unit.ID, unit.Name, unit.Kind, color))
		}
		sb.WriteString("  }\n\n")
	}

	edgeIDs := make([]string, 0, len(b.units))
	for id := range b.units {
		edgeIDs = append(edgeIDs, id)
	}
	sort.Strings(edgeIDs)
	for _, id := range edgeIDs {
		unit := b.units[id]
		for _, dep := range unit.Dependencies {
			style := "style=solid"
			if dep.Type == DependencyOrder {
				style = "style=dotted"
			}
			sb.WriteString(fmt.Sprintf("  %q -> %q [%s];\n", dep.TargetID, unit.ID, style))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}
