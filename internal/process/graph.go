// Package process implements the process-manager core: the static step
// graph, its fluent builder, and the orchestration engine that drives
// instances through dispatch, reply handling, retry, and compensation.
package process

import (
	"fmt"
	"strings"
)

// Predicate evaluates a conditional edge against the instance data.
type Predicate func(data map[string]any) bool

// Next is the tagged edge variant attached to a step.
type Next interface{ isNext() }

// Direct advances unconditionally to Target.
type Direct struct{ Target string }

// Conditional advances to TrueTarget or FalseTarget based on Predicate.
type Conditional struct {
	Predicate   Predicate
	TrueTarget  string
	FalseTarget string
}

// Parallel fans out to Branches and converges at JoinStep.
type Parallel struct {
	Branches []string
	JoinStep string
}

// Terminal ends the process.
type Terminal struct{}

func (Direct) isNext()      {}
func (Conditional) isNext() {}
func (Parallel) isNext()    {}
func (Terminal) isNext()    {}

// Step is one node of a process graph.
type Step struct {
	// Name identifies the step; it maps 1:1 to a command submission.
	Name string
	// CompensationStep names the step that undoes this one, if any.
	CompensationStep string
	// Next is the outgoing edge variant.
	Next Next
	// Compensation marks steps that exist only as compensations.
	Compensation bool
}

// Graph is the immutable DAG of steps for one process type. Graphs are
// built once at registration and then read-only.
type Graph struct {
	initialStep string
	steps       map[string]Step
}

// InitialStep returns the entry step name.
func (g *Graph) InitialStep() string { return g.initialStep }

// Step looks up a step by name.
func (g *Graph) Step(name string) (Step, bool) {
	s, ok := g.steps[name]
	return s, ok
}

// NextStep resolves the step following current given the instance data.
// An empty result means the process is complete. Parallel edges are not
// resolved here; the manager fans out when executing a parallel node.
func (g *Graph) NextStep(current string, data map[string]any) (string, error) {
	s, ok := g.steps[current]
	if !ok {
		return "", fmt.Errorf("op=graph.next: unknown step %q", current)
	}
	switch n := s.Next.(type) {
	case Direct:
		return n.Target, nil
	case Conditional:
		if n.Predicate(data) {
			return n.TrueTarget, nil
		}
		return n.FalseTarget, nil
	case Terminal:
		return "", nil
	case Parallel:
		return "", fmt.Errorf("op=graph.next: step %q is a parallel node", current)
	default:
		return "", fmt.Errorf("op=graph.next: step %q has no edge", current)
	}
}

// validate enforces the graph invariants: every referenced step exists, no
// cycles, parallel branches resolve to Direct(join), compensation steps are
// not sources of parallel edges, and Terminal has no outgoing edge.
func (g *Graph) validate() error {
	if g.initialStep == "" {
		return fmt.Errorf("graph: no initial step")
	}
	if _, ok := g.steps[g.initialStep]; !ok {
		return fmt.Errorf("graph: initial step %q not declared", g.initialStep)
	}
	for name, s := range g.steps {
		if s.CompensationStep != "" {
			comp, ok := g.steps[s.CompensationStep]
			if !ok {
				return fmt.Errorf("graph: step %q references undeclared compensation %q", name, s.CompensationStep)
			}
			if _, parallel := comp.Next.(Parallel); parallel {
				return fmt.Errorf("graph: compensation step %q must not fan out", s.CompensationStep)
			}
		}
		switch n := s.Next.(type) {
		case Direct:
			if _, ok := g.steps[n.Target]; !ok {
				return fmt.Errorf("graph: step %q references undeclared step %q", name, n.Target)
			}
		case Conditional:
			if n.Predicate == nil {
				return fmt.Errorf("graph: step %q has a conditional edge without predicate", name)
			}
			for _, t := range []string{n.TrueTarget, n.FalseTarget} {
				if _, ok := g.steps[t]; !ok {
					return fmt.Errorf("graph: step %q references undeclared step %q", name, t)
				}
			}
		case Parallel:
			if len(n.Branches) == 0 {
				return fmt.Errorf("graph: parallel step %q has no branches", name)
			}
			if _, ok := g.steps[n.JoinStep]; !ok {
				return fmt.Errorf("graph: parallel step %q references undeclared join %q", name, n.JoinStep)
			}
			for _, b := range n.Branches {
				bs, ok := g.steps[b]
				if !ok {
					return fmt.Errorf("graph: parallel step %q references undeclared branch %q", name, b)
				}
				d, direct := bs.Next.(Direct)
				if !direct || d.Target != n.JoinStep {
					return fmt.Errorf("graph: branch %q must resolve to Direct(%q)", b, n.JoinStep)
				}
			}
		case Terminal:
		default:
			return fmt.Errorf("graph: step %q has no edge variant", name)
		}
	}
	return g.checkAcyclic()
}

// checkAcyclic walks every edge with a three-color DFS.
func (g *Graph) checkAcyclic() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.steps))
	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case gray:
			return fmt.Errorf("graph: cycle detected through step %q", name)
		case black:
			return nil
		}
		color[name] = gray
		for _, succ := range g.successors(name) {
			if err := visit(succ); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}
	for name := range g.steps {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) successors(name string) []string {
	switch n := g.steps[name].Next.(type) {
	case Direct:
		return []string{n.Target}
	case Conditional:
		return []string{n.TrueTarget, n.FalseTarget}
	case Parallel:
		return append(append([]string{}, n.Branches...), n.JoinStep)
	}
	return nil
}

// CommandNameForStep derives the command name dispatched for a step.
func CommandNameForStep(step string) string { return step + "Command" }

// StepNameForCommand derives the step name from a command name: a trailing
// "Command" suffix is stripped, otherwise the name is used as-is.
func StepNameForCommand(command string) string {
	if s, ok := strings.CutSuffix(command, "Command"); ok && s != "" {
		return s
	}
	return command
}
