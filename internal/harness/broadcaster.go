// ABOUTME: Fixed-frame broadcaster that republishes one transform on every tick
// ABOUTME: Stands in for a motion-capture or static frame source in tests and simulations

package harness

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/arena-gateway/internal/arena"
)

// DefaultBroadcastInterval is used when FixedFrameBroadcaster.Interval is zero.
const DefaultBroadcastInterval = 100 * time.Millisecond

// TransformSender publishes transforms.
type TransformSender interface {
	SendTransform(ctx context.Context, ts arena.TransformStamped) error
}

// FixedFrameBroadcaster publishes the same parent/child transform on every tick.
type FixedFrameBroadcaster struct {
	sender      TransformSender
	parent      string
	child       string
	translation arena.Vector3
	interval    time.Duration
	logger      *slog.Logger
}

// NewFixedFrameBroadcaster creates a broadcaster for parent -> child at translation.
// A non-positive interval uses DefaultBroadcastInterval.
func NewFixedFrameBroadcaster(sender TransformSender, parent, child string, translation arena.Vector3, interval time.Duration, logger *slog.Logger) *FixedFrameBroadcaster {
	if interval <= 0 {
		interval = DefaultBroadcastInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FixedFrameBroadcaster{
		sender:      sender,
		parent:      parent,
		child:       child,
		translation: translation,
		interval:    interval,
		logger:      logger.With("component", "broadcaster", "parent", parent, "child", child),
	}
}

// Transform returns the message sent on the next tick, stamped now.
func (b *FixedFrameBroadcaster) Transform() arena.TransformStamped {
	return arena.TransformStamped{
		Stamp:         time.Now().UTC(),
		ParentFrameID: b.parent,
		ChildFrameID:  b.child,
		Transform:     arena.Transform{Translation: b.translation},
	}
}

// BroadcastOnce sends a single transform.
func (b *FixedFrameBroadcaster) BroadcastOnce(ctx context.Context) error {
	if err := b.sender.SendTransform(ctx, b.Transform()); err != nil {
		return fmt.Errorf("broadcasting %s -> %s: %w", b.parent, b.child, err)
	}
	return nil
}

// Run broadcasts immediately and then once per interval until ctx ends.
// Send failures are logged and the next tick tries again.
func (b *FixedFrameBroadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	b.logger.Debug("broadcaster started", "interval", b.interval)
	for {
		if err := b.BroadcastOnce(ctx); err != nil && ctx.Err() == nil {
			b.logger.Warn("broadcast failed", "error", err)
		}
		select {
		case <-ctx.Done():
			b.logger.Debug("broadcaster stopped")
			return
		case <-ticker.C:
		}
	}
}

// Start runs the broadcaster on its own goroutine. The returned stop func
// ends it and waits for the goroutine to exit.
func (b *FixedFrameBroadcaster) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}
