// ABOUTME: Conflict-based search over space-time A* single-agent plans
// ABOUTME: Resolves vertex and swap conflicts by branching on per-agent constraints

package mapf

import (
	"container/heap"
	"context"
	"fmt"
	"time"
)

// CBSSolver finds sum-of-costs optimal paths with conflict-based search.
type CBSSolver struct {
	// TimeLimit bounds each Solve call; zero or less means no limit.
	TimeLimit time.Duration
	// MaxExpansions caps high-level nodes; zero uses DefaultMaxExpansions.
	MaxExpansions int
}

// Name returns the registry name.
func (s *CBSSolver) Name() string { return "CBSSolver" }

type conflict struct {
	a, b int
	// cellA/cellB: for a vertex conflict both hold the shared cell; for a swap
	// they hold the cells a and b enter at time t.
	cellA, cellB Cell
	t            int
	swap         bool
}

// agentConstraint forbids one agent a vertex (from unset) or an edge at time t.
type agentConstraint struct {
	agent    int
	from, to Cell
	t        int
	edge     bool
}

type ctNode struct {
	constraints []agentConstraint
	paths       []Path
	cost        int
	conflicts   int
	seq         int
	index       int
}

type ctQueue []*ctNode

func (q ctQueue) Len() int { return len(q) }
func (q ctQueue) Less(i, j int) bool {
	if q[i].cost != q[j].cost {
		return q[i].cost < q[j].cost
	}
	if q[i].conflicts != q[j].conflicts {
		return q[i].conflicts < q[j].conflicts
	}
	return q[i].seq < q[j].seq
}
func (q ctQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *ctQueue) Push(x any) {
	n := x.(*ctNode)
	n.index = len(*q)
	*q = append(*q, n)
}
func (q *ctQueue) Pop() any {
	old := *q
	n := old[len(old)-1]
	old[len(old)-1] = nil
	*q = old[:len(old)-1]
	return n
}

// Solve runs conflict-based search.
func (s *CBSSolver) Solve(ctx context.Context, in Input) (*Output, error) {
	start := time.Now()
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if len(in.Starts) == 0 {
		return &Output{Paths: []Path{}, CPUTime: time.Since(start)}, nil
	}

	dists := make([][]int, len(in.Goals))
	for i, g := range in.Goals {
		dists[i] = in.Map.distancesTo(g)
	}

	b := newBudget(ctx, start, s.TimeLimit, s.MaxExpansions)

	root := &ctNode{paths: make([]Path, len(in.Starts))}
	for i := range in.Starts {
		p, err := findPath(ctx, in.Map, in.Starts[i], in.Goals[i], dists[i], newConstraintTable(), 0)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, fmt.Errorf("%w: agent %d cannot reach goal %s from %s", ErrNoSolution, i, in.Goals[i], in.Starts[i])
		}
		root.paths[i] = p
	}
	root.cost = sumOfCosts(root.paths)
	root.conflicts = countConflicts(root.paths)

	open := &ctQueue{}
	heap.Push(open, root)
	seq := 0

	for open.Len() > 0 {
		if err := b.spend(); err != nil {
			return nil, err
		}
		node := heap.Pop(open).(*ctNode)

		c, found := firstConflict(node.paths)
		if !found {
			return &Output{Paths: node.paths, SumOfCosts: node.cost, CPUTime: time.Since(start)}, nil
		}

		for _, ac := range splitConflict(c) {
			child := &ctNode{
				constraints: append(append([]agentConstraint(nil), node.constraints...), ac),
				paths:       append([]Path(nil), node.paths...),
			}
			ct := tableFor(ac.agent, child.constraints)
			p, err := findPath(ctx, in.Map, in.Starts[ac.agent], in.Goals[ac.agent], dists[ac.agent], ct, 0)
			if err != nil {
				return nil, err
			}
			if p == nil {
				continue
			}
			child.paths[ac.agent] = p
			child.cost = sumOfCosts(child.paths)
			child.conflicts = countConflicts(child.paths)
			seq++
			child.seq = seq
			heap.Push(open, child)
		}
	}

	return nil, fmt.Errorf("%w: conflict tree exhausted", ErrNoSolution)
}

func tableFor(agent int, constraints []agentConstraint) *constraintTable {
	ct := newConstraintTable()
	for _, c := range constraints {
		if c.agent != agent {
			continue
		}
		if c.edge {
			ct.addEdge(c.from, c.to, c.t)
		} else {
			ct.addVertex(c.to, c.t)
		}
	}
	return ct
}

func splitConflict(c conflict) [2]agentConstraint {
	if !c.swap {
		return [2]agentConstraint{
			{agent: c.a, to: c.cellA, t: c.t},
			{agent: c.b, to: c.cellB, t: c.t},
		}
	}
	// Agent a moves cellB -> cellA and agent b moves cellA -> cellB, arriving at t.
	return [2]agentConstraint{
		{agent: c.a, from: c.cellB, to: c.cellA, t: c.t, edge: true},
		{agent: c.b, from: c.cellA, to: c.cellB, t: c.t, edge: true},
	}
}

func horizon(paths []Path) int {
	h := 0
	for _, p := range paths {
		h = max(h, len(p))
	}
	return h
}

// pairConflict returns the earliest conflict between paths a and b.
func pairConflict(ia, ib int, pa, pb Path, until int) (conflict, bool) {
	for t := 0; t < until; t++ {
		ca, cb := pa.At(t), pb.At(t)
		if ca == cb {
			return conflict{a: ia, b: ib, cellA: ca, cellB: cb, t: t}, true
		}
		if t+1 < until {
			na, nb := pa.At(t+1), pb.At(t+1)
			if na == cb && nb == ca {
				return conflict{a: ia, b: ib, cellA: na, cellB: nb, t: t + 1, swap: true}, true
			}
		}
	}
	return conflict{}, false
}

func firstConflict(paths []Path) (conflict, bool) {
	until := horizon(paths)
	var best conflict
	found := false
	for i := range paths {
		for j := i + 1; j < len(paths); j++ {
			c, ok := pairConflict(i, j, paths[i], paths[j], until)
			if ok && (!found || c.t < best.t) {
				best, found = c, true
			}
		}
	}
	return best, found
}

func countConflicts(paths []Path) int {
	return len(FindConflicts(paths))
}

// FindConflicts reports every colliding agent pair in paths. It is exported
// for callers that want to verify a solution.
func FindConflicts(paths []Path) [][2]int {
	until := horizon(paths)
	var pairs [][2]int
	for i := range paths {
		for j := i + 1; j < len(paths); j++ {
			if _, ok := pairConflict(i, j, paths[i], paths[j], until); ok {
				pairs = append(pairs, [2]int{i, j})
			}
		}
	}
	return pairs
}
