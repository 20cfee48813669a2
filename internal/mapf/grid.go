// ABOUTME: Grid map for multi-agent path finding with blocked cells
// ABOUTME: Cells are addressed by column (X) and row (Y); moves are 4-connected plus wait

package mapf

import (
	"fmt"
	"strings"
)

// Cell is a grid location. X is the column, Y the row.
type Cell struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (c Cell) String() string {
	return fmt.Sprintf("(%d, %d)", c.X, c.Y)
}

// moves lists the wait action followed by the four cardinal moves.
var moves = [...]Cell{{0, 0}, {1, 0}, {-1, 0}, {0, 1}, {0, -1}}

// Map is a rectangular grid of free and blocked cells.
type Map struct {
	Rows    int
	Cols    int
	blocked []bool
}

// NewMap creates a rows x cols grid with every cell free.
func NewMap(rows, cols int) *Map {
	if rows < 0 {
		rows = 0
	}
	if cols < 0 {
		cols = 0
	}
	return &Map{Rows: rows, Cols: cols, blocked: make([]bool, rows*cols)}
}

// InBounds reports whether c lies inside the grid.
func (m *Map) InBounds(c Cell) bool {
	return c.X >= 0 && c.Y >= 0 && c.X < m.Cols && c.Y < m.Rows
}

// Block marks c as an obstacle. It reports false when c is out of bounds.
func (m *Map) Block(c Cell) bool {
	if !m.InBounds(c) {
		return false
	}
	m.blocked[c.Y*m.Cols+c.X] = true
	return true
}

// Blocked reports whether c is an obstacle. Out-of-bounds cells count as blocked.
func (m *Map) Blocked(c Cell) bool {
	if !m.InBounds(c) {
		return true
	}
	return m.blocked[c.Y*m.Cols+c.X]
}

// Free reports whether an agent may stand on c.
func (m *Map) Free(c Cell) bool {
	return !m.Blocked(c)
}

// FreeCells counts the cells agents may stand on.
func (m *Map) FreeCells() int {
	n := 0
	for _, b := range m.blocked {
		if !b {
			n++
		}
	}
	return n
}

// String renders the grid with '.' for free and '@' for blocked cells, row 0 first.
func (m *Map) String() string {
	var sb strings.Builder
	for y := range m.Rows {
		for x := range m.Cols {
			if m.blocked[y*m.Cols+x] {
				sb.WriteByte('@')
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// distancesTo runs a breadth-first search from goal and returns the true
// shortest distance of every reachable free cell. Unreachable cells hold -1.
func (m *Map) distancesTo(goal Cell) []int {
	dist := make([]int, m.Rows*m.Cols)
	for i := range dist {
		dist[i] = -1
	}
	if m.Blocked(goal) {
		return dist
	}

	dist[goal.Y*m.Cols+goal.X] = 0
	queue := []Cell{goal}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		d := dist[cur.Y*m.Cols+cur.X]
		for _, mv := range moves[1:] {
			next := Cell{X: cur.X + mv.X, Y: cur.Y + mv.Y}
			if m.Blocked(next) {
				continue
			}
			idx := next.Y*m.Cols + next.X
			if dist[idx] >= 0 {
				continue
			}
			dist[idx] = d + 1
			queue = append(queue, next)
		}
	}
	return dist
}
