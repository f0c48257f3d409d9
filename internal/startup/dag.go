// Package startup builds the component dependency graph and runs the
// two-phase transactional startup sequence: prepare everything without
// side effects, then start components tier by tier, rolling back in
// reverse order when a required component cannot come up.
package startup

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/triadhq/triad/internal/supervise"
)

// Criticality classifies how a component's failure affects startup.
type Criticality int

const (
	Required Criticality = iota
	DegradedOK
	Optional
)

func (c Criticality) String() string {
	switch c {
	case Required:
		return "required"
	case DegradedOK:
		return "degraded_ok"
	case Optional:
		return "optional"
	default:
		return "unknown"
	}
}

// Dependency names another component this one needs. A soft dependency is
// advisory: the dependent starts even if it is absent or degraded. A hard
// dependency must be healthy before the dependent starts.
type Dependency struct {
	Name string
	Soft bool
}

// Definition describes one component to the startup sequencer.
type Definition struct {
	Name           string
	Criticality    Criticality
	Dependencies   []Dependency
	StartupTimeout time.Duration
	Strategy       supervise.Strategy

	// Prepare validates preconditions without side effects.
	Prepare func(ctx context.Context) error
	// Start launches the component and returns its PID.
	Start func(ctx context.Context) (int, error)
	// Stop terminates the component, used by rollback and shutdown.
	Stop func(ctx context.Context) error
}

// CycleError reports a dependency cycle, which is a configuration error.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("startup: dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// DAG is the validated dependency graph with its topological tiers.
// Components in the same tier have no dependencies among themselves and
// may start in parallel.
type DAG struct {
	defs  map[string]Definition
	tiers [][]string
}

// BuildDAG validates the definitions and computes startup tiers. It fails
// on duplicate names, references to unknown components, and cycles.
func BuildDAG(defs []Definition) (*DAG, error) {
	byName := make(map[string]Definition, len(defs))
	for _, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("startup: component with empty name")
		}
		if _, dup := byName[d.Name]; dup {
			return nil, fmt.Errorf("startup: duplicate component %q", d.Name)
		}
		byName[d.Name] = d
	}
	for _, d := range defs {
		for _, dep := range d.Dependencies {
			if _, ok := byName[dep.Name]; !ok {
				return nil, fmt.Errorf("startup: component %q depends on unknown %q", d.Name, dep.Name)
			}
		}
	}

	if path := findCycle(byName); path != nil {
		return nil, &CycleError{Path: path}
	}

	return &DAG{defs: byName, tiers: tiers(byName)}, nil
}

// Tiers returns the startup tiers in order. Names within a tier are
// sorted for deterministic logs.
func (g *DAG) Tiers() [][]string {
	out := make([][]string, len(g.tiers))
	for i, t := range g.tiers {
		out[i] = append([]string(nil), t...)
	}
	return out
}

// Definition returns the definition for a named component.
func (g *DAG) Definition(name string) (Definition, bool) {
	d, ok := g.defs[name]
	return d, ok
}

// Len returns the number of components in the graph.
func (g *DAG) Len() int { return len(g.defs) }

// findCycle runs a DFS over the dependency edges and returns the cycle
// path when one exists, nil otherwise.
func findCycle(defs map[string]Definition) []string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(defs))

	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)

	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		state[name] = inStack
		stack = append(stack, name)
		deps := defs[name].Dependencies
		sorted := make([]string, 0, len(deps))
		for _, d := range deps {
			sorted = append(sorted, d.Name)
		}
		sort.Strings(sorted)
		for _, dep := range sorted {
			switch state[dep] {
			case inStack:
				// Slice the stack from the first occurrence of dep to
				// report the exact loop.
				for i, n := range stack {
					if n == dep {
						cycle = append(append([]string(nil), stack[i:]...), dep)
						return true
					}
				}
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		return false
	}

	for _, name := range names {
		if state[name] == unvisited && visit(name) {
			return cycle
		}
	}
	return nil
}

// tiers computes Kahn layers: tier 0 has no dependencies, tier n depends
// only on earlier tiers. Assumes the graph is acyclic.
func tiers(defs map[string]Definition) [][]string {
	remainingDeps := make(map[string]int, len(defs))
	dependents := make(map[string][]string)
	for name, d := range defs {
		remainingDeps[name] = len(d.Dependencies)
		for _, dep := range d.Dependencies {
			dependents[dep.Name] = append(dependents[dep.Name], name)
		}
	}

	var out [][]string
	for len(remainingDeps) > 0 {
		var tier []string
		for name, n := range remainingDeps {
			if n == 0 {
				tier = append(tier, name)
			}
		}
		sort.Strings(tier)
		for _, name := range tier {
			delete(remainingDeps, name)
			for _, dependent := range dependents[name] {
				if _, present := remainingDeps[dependent]; present {
					remainingDeps[dependent]--
				}
			}
		}
		out = append(out, tier)
	}
	return out
}
