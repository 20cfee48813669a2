// ABOUTME: Goal publisher sending single goal positions without retries
// ABOUTME: Publishing is at-most-once per call; failures are returned and logged

package harness

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/arena-gateway/internal/arena"
)

// GoalSink accepts goal positions.
type GoalSink interface {
	PublishGoal(ctx context.Context, pos arena.Position) error
}

// GoalPublisher sends goals to a GoalSink.
type GoalPublisher struct {
	sink   GoalSink
	logger *slog.Logger
}

// NewGoalPublisher creates a publisher. Pass nil logger for default.
func NewGoalPublisher(sink GoalSink, logger *slog.Logger) *GoalPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &GoalPublisher{sink: sink, logger: logger.With("component", "goal_publisher")}
}

// PublishGoal sends pos once.
func (p *GoalPublisher) PublishGoal(ctx context.Context, pos arena.Position) error {
	if err := p.sink.PublishGoal(ctx, pos); err != nil {
		p.logger.Warn("goal not published", "pos", pos.String(), "error", err)
		return fmt.Errorf("publishing goal %s: %w", pos, err)
	}
	p.logger.Debug("goal published", "pos", pos.String())
	return nil
}
