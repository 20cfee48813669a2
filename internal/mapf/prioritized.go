// ABOUTME: Prioritized planning: agents plan one at a time around earlier reservations
// ABOUTME: Fast and incomplete; later agents may find no path even when one exists

package mapf

import (
	"context"
	"fmt"
	"time"
)

// PrioritizedPlanningSolver plans agents in index order. Each agent treats the
// paths of every earlier agent as moving obstacles and their goals as permanent ones.
type PrioritizedPlanningSolver struct {
	TimeLimit time.Duration
	// MaxExpansions caps the low-level search of each agent; zero uses
	// DefaultMaxExpansions.
	MaxExpansions int
}

// Name returns the registry name.
func (s *PrioritizedPlanningSolver) Name() string { return "PrioritizedPlanningSolver" }

// Solve plans every agent in turn.
func (s *PrioritizedPlanningSolver) Solve(ctx context.Context, in Input) (*Output, error) {
	start := time.Now()
	if err := in.Validate(); err != nil {
		return nil, err
	}

	b := newBudget(ctx, start, s.TimeLimit, s.MaxExpansions)
	paths := make([]Path, 0, len(in.Starts))

	for i := range in.Starts {
		if err := b.spend(); err != nil {
			return nil, err
		}

		ct := newConstraintTable()
		for _, earlier := range paths {
			reserve(ct, earlier)
		}

		p, err := findPath(ctx, in.Map, in.Starts[i], in.Goals[i], in.Map.distancesTo(in.Goals[i]), ct, b.maxExpansions)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, fmt.Errorf("%w: agent %d has no path from %s to %s around higher-priority agents",
				ErrNoSolution, i, in.Starts[i], in.Goals[i])
		}
		paths = append(paths, p)
	}

	return &Output{Paths: paths, SumOfCosts: sumOfCosts(paths), CPUTime: time.Since(start)}, nil
}

// reserve adds the cells and moves of p to ct.
func reserve(ct *constraintTable, p Path) {
	for t, c := range p {
		ct.addVertex(c, t)
		if t > 0 {
			// Block the reverse move to prevent swaps.
			ct.addEdge(c, p[t-1], t)
		}
	}
	ct.addPermanent(p.At(len(p)), p.Cost())
}
