// ABOUTME: Goal assignment strategies pairing unassigned goals with idle agents
// ABOUTME: Provides the strict order-based assigner, a nearest-first greedy assigner and a name registry

package assign

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/2389/arena-gateway/internal/arena"
)

// ErrUnknownAssigner indicates a registry lookup for an unregistered assigner name.
var ErrUnknownAssigner = errors.New("unknown goal assigner")

// AssignmentError reports that goals and agents could not be paired.
type AssignmentError struct {
	Agents int
	Goals  int
}

func (e *AssignmentError) Error() string {
	return fmt.Sprintf("amount of agents is not equal to the amount of goals. #goals: %d, #agents: %d", e.Goals, e.Agents)
}

// Candidate is an idle agent and its current location in the arena frame.
type Candidate struct {
	AgentID  string
	Location arena.Vector3
}

// GoalAssigner pairs goals with agents.
// remaining holds the goals left unassigned, in their original order.
type GoalAssigner interface {
	Assign(goals []arena.Position, agents []Candidate) (assigned []arena.AssignedGoal, remaining []arena.Position, err error)
}

// SimpleGoalAssigner pairs goals and agents by list order and requires equal counts.
type SimpleGoalAssigner struct{}

// Assign zips goals and agents.
func (SimpleGoalAssigner) Assign(goals []arena.Position, agents []Candidate) ([]arena.AssignedGoal, []arena.Position, error) {
	if len(goals) != len(agents) {
		return nil, nil, &AssignmentError{Agents: len(agents), Goals: len(goals)}
	}

	assigned := make([]arena.AssignedGoal, len(goals))
	for i := range goals {
		assigned[i] = arena.AssignedGoal{AgentID: agents[i].AgentID, Pos: goals[i]}
	}
	return assigned, []arena.Position{}, nil
}

// GreedyGoalAssigner repeatedly pairs the closest remaining agent and goal.
// Distance is measured in the arena floor plane: agent (x, z) against goal (x, y).
type GreedyGoalAssigner struct{}

type pairing struct {
	agent, goal int
	dist        float64
}

// Assign pairs min(len(goals), len(agents)) agents with goals.
func (GreedyGoalAssigner) Assign(goals []arena.Position, agents []Candidate) ([]arena.AssignedGoal, []arena.Position, error) {
	pairs := make([]pairing, 0, len(goals)*len(agents))
	for a, agent := range agents {
		for g, goal := range goals {
			pairs = append(pairs, pairing{
				agent: a,
				goal:  g,
				dist:  math.Hypot(agent.Location.X-goal.X, agent.Location.Z-goal.Y),
			})
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].dist < pairs[j].dist })

	agentTaken := make([]bool, len(agents))
	goalTaken := make([]bool, len(goals))
	goalOwner := make([]int, len(goals))

	for _, p := range pairs {
		if agentTaken[p.agent] || goalTaken[p.goal] {
			continue
		}
		agentTaken[p.agent] = true
		goalTaken[p.goal] = true
		goalOwner[p.goal] = p.agent
	}

	// Report assignments in agent order so plans are stable across calls.
	assigned := make([]arena.AssignedGoal, 0, min(len(goals), len(agents)))
	for a, agent := range agents {
		for g := range goals {
			if goalTaken[g] && goalOwner[g] == a {
				assigned = append(assigned, arena.AssignedGoal{AgentID: agent.AgentID, Pos: goals[g]})
				break
			}
		}
	}

	remaining := make([]arena.Position, 0, len(goals)-len(assigned))
	for g, goal := range goals {
		if !goalTaken[g] {
			remaining = append(remaining, goal)
		}
	}
	return assigned, remaining, nil
}

var registry = map[string]func() GoalAssigner{
	"SimpleGoalAssigner": func() GoalAssigner { return SimpleGoalAssigner{} },
	"GreedyGoalAssigner": func() GoalAssigner { return GreedyGoalAssigner{} },
}

// New returns the assigner registered under name.
func New(name string) (GoalAssigner, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownAssigner, name, Names())
	}
	return factory(), nil
}

// Names lists the registered assigner names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
