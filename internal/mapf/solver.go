// ABOUTME: Solver interface, inputs, outputs and the solver registry
// ABOUTME: Validates problem instances before any search starts

package mapf

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrInvalidInput indicates a malformed problem instance.
	ErrInvalidInput = errors.New("invalid mapf input")

	// ErrNoSolution indicates the solver proved or gave up on finding collision-free paths.
	ErrNoSolution = errors.New("no solution found")

	// ErrTimeLimit indicates the solver's time limit elapsed before a solution was found.
	ErrTimeLimit = errors.New("time limit exceeded")

	// ErrUnknownSolver indicates a registry lookup for an unregistered solver name.
	ErrUnknownSolver = errors.New("unknown mapf solver")
)

// DefaultMaxExpansions caps high-level search nodes when no explicit limit is set.
const DefaultMaxExpansions = 20000

// Path is the sequence of cells an agent occupies at t = 0, 1, 2, ...
// After the last step the agent rests on its final cell.
type Path []Cell

// At returns the cell occupied at time t, clamping to the final cell.
func (p Path) At(t int) Cell {
	if len(p) == 0 {
		return Cell{}
	}
	if t < 0 {
		return p[0]
	}
	if t >= len(p) {
		return p[len(p)-1]
	}
	return p[t]
}

// Cost is the number of time steps needed to reach the final cell.
func (p Path) Cost() int {
	if len(p) == 0 {
		return 0
	}
	return len(p) - 1
}

// Input is one problem instance. Starts[i] and Goals[i] belong to agent i.
type Input struct {
	Map    *Map
	Starts []Cell
	Goals  []Cell
}

// Output is a solution. Paths[i] belongs to agent i of the input.
type Output struct {
	Paths      []Path
	SumOfCosts int
	CPUTime    time.Duration
}

// Solver computes collision-free paths for every agent of an instance.
type Solver interface {
	Name() string
	Solve(ctx context.Context, in Input) (*Output, error)
}

// Validate checks that the instance is well formed.
func (in Input) Validate() error {
	if in.Map == nil {
		return fmt.Errorf("%w: nil map", ErrInvalidInput)
	}
	if len(in.Starts) != len(in.Goals) {
		return fmt.Errorf("%w: %d starts but %d goals", ErrInvalidInput, len(in.Starts), len(in.Goals))
	}

	starts := make(map[Cell]int, len(in.Starts))
	goals := make(map[Cell]int, len(in.Goals))
	for i := range in.Starts {
		s, g := in.Starts[i], in.Goals[i]
		if !in.Map.InBounds(s) {
			return fmt.Errorf("%w: agent %d start %s outside %dx%d map", ErrInvalidInput, i, s, in.Map.Rows, in.Map.Cols)
		}
		if !in.Map.InBounds(g) {
			return fmt.Errorf("%w: agent %d goal %s outside %dx%d map", ErrInvalidInput, i, g, in.Map.Rows, in.Map.Cols)
		}
		if in.Map.Blocked(s) {
			return fmt.Errorf("%w: agent %d starts on obstacle %s", ErrInvalidInput, i, s)
		}
		if in.Map.Blocked(g) {
			return fmt.Errorf("%w: agent %d goal %s is an obstacle", ErrInvalidInput, i, g)
		}
		if j, dup := starts[s]; dup {
			return fmt.Errorf("%w: agents %d and %d share start %s", ErrInvalidInput, j, i, s)
		}
		if j, dup := goals[g]; dup {
			return fmt.Errorf("%w: agents %d and %d share goal %s", ErrInvalidInput, j, i, g)
		}
		starts[s] = i
		goals[g] = i
	}
	return nil
}

// budget tracks the time limit and expansion cap of one Solve call.
type budget struct {
	ctx           context.Context
	deadline      time.Time
	maxExpansions int
	expansions    int
}

func newBudget(ctx context.Context, start time.Time, timeLimit time.Duration, maxExpansions int) *budget {
	b := &budget{ctx: ctx, maxExpansions: maxExpansions}
	if timeLimit > 0 {
		b.deadline = start.Add(timeLimit)
	}
	if b.maxExpansions <= 0 {
		b.maxExpansions = DefaultMaxExpansions
	}
	return b
}

// spend records one expansion and reports why the search must stop, if it must.
func (b *budget) spend() error {
	b.expansions++
	if err := b.ctx.Err(); err != nil {
		return err
	}
	if !b.deadline.IsZero() && time.Now().After(b.deadline) {
		return ErrTimeLimit
	}
	if b.expansions > b.maxExpansions {
		return fmt.Errorf("%w: expansion limit %d reached", ErrNoSolution, b.maxExpansions)
	}
	return nil
}

func sumOfCosts(paths []Path) int {
	total := 0
	for _, p := range paths {
		total += p.Cost()
	}
	return total
}

// Option configures a solver.
type Option func(*options)

type options struct {
	maxExpansions int
}

// WithMaxExpansions caps the search nodes a solver expands before giving up.
func WithMaxExpansions(n int) Option {
	return func(o *options) { o.maxExpansions = n }
}

var registry = map[string]func(time.Duration, options) Solver{
	"CBSSolver": func(limit time.Duration, o options) Solver {
		return &CBSSolver{TimeLimit: limit, MaxExpansions: o.maxExpansions}
	},
	"PrioritizedPlanningSolver": func(limit time.Duration, o options) Solver {
		return &PrioritizedPlanningSolver{TimeLimit: limit, MaxExpansions: o.maxExpansions}
	},
}

// NewSolver returns the solver registered under name.
// A timeLimit of zero or less means no limit.
func NewSolver(name string, timeLimit time.Duration, opts ...Option) (Solver, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownSolver, name, Names())
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return factory(timeLimit, o), nil
}

// Names lists the registered solver names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
