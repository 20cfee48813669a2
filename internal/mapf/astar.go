// ABOUTME: Space-time A* for a single agent under vertex, edge and permanent constraints
// ABOUTME: Uses exact breadth-first distances to the goal as the heuristic

package mapf

import (
	"container/heap"
	"context"
	"fmt"
)

type timedCell struct {
	cell Cell
	t    int
}

type timedEdge struct {
	from, to Cell
	t        int // time of arrival at to
}

// constraintTable holds everything one agent must avoid.
type constraintTable struct {
	vertex map[timedCell]struct{}
	edge   map[timedEdge]struct{}
	// permanent cells are blocked from the stored time onward.
	permanent map[Cell]int
	// lastVertex is the latest vertex constraint per cell, for the goal test.
	lastVertex map[Cell]int
	latest     int
}

func newConstraintTable() *constraintTable {
	return &constraintTable{
		vertex:     make(map[timedCell]struct{}),
		edge:       make(map[timedEdge]struct{}),
		permanent:  make(map[Cell]int),
		lastVertex: make(map[Cell]int),
	}
}

func (ct *constraintTable) addVertex(c Cell, t int) {
	ct.vertex[timedCell{c, t}] = struct{}{}
	if last, ok := ct.lastVertex[c]; !ok || t > last {
		ct.lastVertex[c] = t
	}
	ct.latest = max(ct.latest, t)
}

func (ct *constraintTable) addEdge(from, to Cell, t int) {
	ct.edge[timedEdge{from, to, t}] = struct{}{}
	ct.latest = max(ct.latest, t)
}

func (ct *constraintTable) addPermanent(c Cell, from int) {
	if cur, ok := ct.permanent[c]; !ok || from < cur {
		ct.permanent[c] = from
	}
	ct.latest = max(ct.latest, from)
}

// allows reports whether moving from -> to, arriving at time t, is permitted.
func (ct *constraintTable) allows(from, to Cell, t int) bool {
	if _, ok := ct.vertex[timedCell{to, t}]; ok {
		return false
	}
	if _, ok := ct.edge[timedEdge{from, to, t}]; ok {
		return false
	}
	if start, ok := ct.permanent[to]; ok && t >= start {
		return false
	}
	return true
}

// canRest reports whether an agent may stop on c at time t and stay forever.
func (ct *constraintTable) canRest(c Cell, t int) bool {
	if _, ok := ct.permanent[c]; ok {
		return false
	}
	last, ok := ct.lastVertex[c]
	return !ok || last <= t
}

type searchNode struct {
	cell   Cell
	t      int
	f      int
	parent *searchNode
	index  int
}

type openList []*searchNode

func (o openList) Len() int { return len(o) }
func (o openList) Less(i, j int) bool {
	if o[i].f != o[j].f {
		return o[i].f < o[j].f
	}
	// Prefer deeper nodes on ties; they are closer to the goal.
	return o[i].t > o[j].t
}
func (o openList) Swap(i, j int) {
	o[i], o[j] = o[j], o[i]
	o[i].index = i
	o[j].index = j
}
func (o *openList) Push(x any) {
	n := x.(*searchNode)
	n.index = len(*o)
	*o = append(*o, n)
}
func (o *openList) Pop() any {
	old := *o
	n := old[len(old)-1]
	old[len(old)-1] = nil
	*o = old[:len(old)-1]
	return n
}

// ctxCheckInterval is how many low-level expansions pass between context checks.
const ctxCheckInterval = 1024

// findPath returns the shortest constrained path from start to goal.
// dist must come from m.distancesTo(goal). It returns nil when no path exists.
// A positive limit caps the nodes expanded; reaching it returns ErrNoSolution.
func findPath(ctx context.Context, m *Map, start, goal Cell, dist []int, ct *constraintTable, limit int) (Path, error) {
	h := func(c Cell) int { return dist[c.Y*m.Cols+c.X] }
	if h(start) < 0 {
		return nil, nil
	}
	if _, ok := ct.vertex[timedCell{start, 0}]; ok {
		return nil, nil
	}

	// Past the latest constraint, states differ only by cell, so times collapse.
	key := func(c Cell, t int) timedCell {
		return timedCell{c, min(t, ct.latest+1)}
	}

	open := &openList{}
	heap.Push(open, &searchNode{cell: start, f: h(start)})
	closed := make(map[timedCell]struct{})

	expansions := 0
	for open.Len() > 0 {
		cur := heap.Pop(open).(*searchNode)
		k := key(cur.cell, cur.t)
		if _, seen := closed[k]; seen {
			continue
		}
		closed[k] = struct{}{}

		expansions++
		if limit > 0 && expansions > limit {
			return nil, fmt.Errorf("%w: low-level expansion limit %d reached", ErrNoSolution, limit)
		}
		if expansions%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		if cur.cell == goal && ct.canRest(goal, cur.t) {
			return buildPath(cur), nil
		}

		for _, mv := range moves {
			next := Cell{X: cur.cell.X + mv.X, Y: cur.cell.Y + mv.Y}
			if m.Blocked(next) || h(next) < 0 {
				continue
			}
			t := cur.t + 1
			if !ct.allows(cur.cell, next, t) {
				continue
			}
			if _, seen := closed[key(next, t)]; seen {
				continue
			}
			heap.Push(open, &searchNode{cell: next, t: t, f: t + h(next), parent: cur})
		}
	}
	return nil, nil
}

func buildPath(n *searchNode) Path {
	path := make(Path, n.t+1)
	for cur := n; cur != nil; cur = cur.parent {
		path[cur.t] = cur.cell
	}
	return path
}
