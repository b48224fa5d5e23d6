package process

import "fmt"

// Builder composes a process graph fluently. Misuse (edges before
// StartWith, a second StartWith, dangling references) surfaces as a
// configuration error from End, before any instance can be created.
type Builder struct {
	g       *Graph
	current string
	err     error
}

// NewGraph starts an empty builder.
func NewGraph() *Builder {
	return &Builder{g: &Graph{steps: make(map[string]Step)}}
}

func (b *Builder) fail(format string, args ...any) *Builder {
	if b.err == nil {
		b.err = fmt.Errorf(format, args...)
	}
	return b
}

func (b *Builder) declare(name string) {
	if name == "" {
		b.fail("graph: empty step name")
		return
	}
	if _, ok := b.g.steps[name]; !ok {
		b.g.steps[name] = Step{Name: name, Next: Terminal{}}
	}
}

func (b *Builder) setNext(name string, n Next) {
	s := b.g.steps[name]
	s.Next = n
	b.g.steps[name] = s
}

// StartWith declares the initial step.
func (b *Builder) StartWith(step string) *Builder {
	if b.err != nil {
		return b
	}
	if b.g.initialStep != "" {
		return b.fail("graph: StartWith called twice")
	}
	b.declare(step)
	b.g.initialStep = step
	b.current = step
	return b
}

// Then chains a direct edge from the current step.
func (b *Builder) Then(step string) *Builder {
	if b.err != nil {
		return b
	}
	if b.current == "" {
		return b.fail("graph: Then before StartWith")
	}
	b.declare(step)
	b.setNext(b.current, Direct{Target: step})
	b.current = step
	return b
}

// WithCompensation attaches a compensation step to the current step.
func (b *Builder) WithCompensation(step string) *Builder {
	if b.err != nil {
		return b
	}
	if b.current == "" {
		return b.fail("graph: WithCompensation before StartWith")
	}
	b.declare(step)
	comp := b.g.steps[step]
	comp.Compensation = true
	b.g.steps[step] = comp
	s := b.g.steps[b.current]
	s.CompensationStep = step
	b.g.steps[b.current] = s
	return b
}

// ThenIf opens a conditional edge from the current step.
func (b *Builder) ThenIf(pred Predicate) *ConditionalBuilder {
	if b.err == nil && b.current == "" {
		b.fail("graph: ThenIf before StartWith")
	}
	if b.err == nil && pred == nil {
		b.fail("graph: ThenIf with nil predicate")
	}
	return &ConditionalBuilder{b: b, pred: pred}
}

// ThenParallel opens a parallel fan-out from the current step.
func (b *Builder) ThenParallel() *ParallelBuilder {
	if b.err == nil && b.current == "" {
		b.fail("graph: ThenParallel before StartWith")
	}
	return &ParallelBuilder{b: b}
}

// End terminates the graph at the current step, validates, and returns the
// immutable graph.
func (b *Builder) End() (*Graph, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.current == "" {
		return nil, fmt.Errorf("graph: End before StartWith")
	}
	b.setNext(b.current, Terminal{})
	if err := b.g.validate(); err != nil {
		return nil, err
	}
	return b.g, nil
}

// ConditionalBuilder collects the targets of a conditional edge.
type ConditionalBuilder struct {
	b           *Builder
	pred        Predicate
	trueTarget  string
	falseTarget string
}

// WhenTrue names the step taken when the predicate holds.
func (cb *ConditionalBuilder) WhenTrue(step string) *ConditionalBuilder {
	cb.trueTarget = step
	return cb
}

// WhenFalse names the step taken when the predicate does not hold. Omitting
// it short-circuits the false path to the continuation.
func (cb *ConditionalBuilder) WhenFalse(step string) *ConditionalBuilder {
	cb.falseTarget = step
	return cb
}

// Then closes the conditional: both branches converge at continuation, which
// becomes the current step.
func (cb *ConditionalBuilder) Then(continuation string) *Builder {
	b := cb.b
	if b.err != nil {
		return b
	}
	if cb.trueTarget == "" {
		return b.fail("graph: conditional without WhenTrue")
	}
	b.declare(continuation)
	b.declare(cb.trueTarget)
	b.setNext(cb.trueTarget, Direct{Target: continuation})
	falseTarget := continuation
	if cb.falseTarget != "" {
		falseTarget = cb.falseTarget
		b.declare(cb.falseTarget)
		b.setNext(cb.falseTarget, Direct{Target: continuation})
	}
	b.setNext(b.current, Conditional{Predicate: cb.pred, TrueTarget: cb.trueTarget, FalseTarget: falseTarget})
	b.current = continuation
	return b
}

// ParallelBuilder collects the branches of a parallel fan-out.
type ParallelBuilder struct {
	b        *Builder
	branches []string
}

// Branch appends one parallel branch step.
func (pb *ParallelBuilder) Branch(step string) *ParallelBuilder {
	pb.branches = append(pb.branches, step)
	return pb
}

// JoinAt closes the fan-out: a parallel node is inserted after the current
// step, every branch converges at join, and join becomes the current step.
func (pb *ParallelBuilder) JoinAt(join string) *Builder {
	b := pb.b
	if b.err != nil {
		return b
	}
	if len(pb.branches) == 0 {
		return b.fail("graph: parallel without branches")
	}
	node := ParallelNodeName(join)
	b.declare(node)
	b.declare(join)
	for _, br := range pb.branches {
		b.declare(br)
		b.setNext(br, Direct{Target: join})
	}
	b.setNext(node, Parallel{Branches: append([]string{}, pb.branches...), JoinStep: join})
	b.setNext(b.current, Direct{Target: node})
	b.current = join
	return b
}

// ParallelNodeName derives the synthetic node name for a fan-out converging
// at join. The node carries the Parallel edge; executing it dispatches the
// branch commands instead of a command of its own.
func ParallelNodeName(join string) string { return "parallel:" + join }
