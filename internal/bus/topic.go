// ABOUTME: In-memory fan-out topic used in place of middleware publish/subscribe
// ABOUTME: Delivers each published message to every subscriber without blocking the publisher

package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// DefaultBufferSize is the channel buffer for each subscriber.
const DefaultBufferSize = 64

// Topic is a named publish/subscribe channel carrying messages of type T.
// Subscribers get their own buffered channel; a subscriber that falls behind
// loses messages rather than stalling the publisher.
type Topic[T any] struct {
	name       string
	bufferSize int

	mu          sync.RWMutex
	subscribers map[string]chan T
	closed      bool
	done        chan struct{} // closed by Close

	logger *slog.Logger
}

// NewTopic creates a topic. Pass nil logger for default.
func NewTopic[T any](name string, logger *slog.Logger) *Topic[T] {
	return NewTopicWithBuffer[T](name, DefaultBufferSize, logger)
}

// NewTopicWithBuffer creates a topic whose subscriber channels hold bufferSize messages.
func NewTopicWithBuffer[T any](name string, bufferSize int, logger *slog.Logger) *Topic[T] {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Topic[T]{
		name:        name,
		bufferSize:  bufferSize,
		subscribers: make(map[string]chan T),
		done:        make(chan struct{}),
		logger:      logger.With("component", "bus", "topic", name),
	}
}

// Name returns the topic name.
func (t *Topic[T]) Name() string {
	return t.name
}

// Subscribe registers a subscriber and returns its channel and subscription ID.
// The subscription is removed and the channel closed when ctx is cancelled
// or the topic is closed. Subscribing to a closed topic returns an already-closed channel.
func (t *Topic[T]) Subscribe(ctx context.Context) (<-chan T, string) {
	subID := uuid.New().String()
	ch := make(chan T, t.bufferSize)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		close(ch)
		return ch, subID
	}
	t.subscribers[subID] = ch
	count := len(t.subscribers)
	t.mu.Unlock()

	t.logger.Debug("subscriber added", "sub_id", subID, "subscribers", count)

	go func() {
		select {
		case <-ctx.Done():
			t.Unsubscribe(subID)
		case <-t.done:
		}
	}()

	return ch, subID
}

// Handle subscribes and invokes fn for every message on a dedicated goroutine,
// in publish order. The returned stop func cancels the subscription and waits
// for fn to return.
func (t *Topic[T]) Handle(ctx context.Context, fn func(T)) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	ch, _ := t.Subscribe(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ch {
			fn(msg)
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// Publish delivers msg to all current subscribers and returns how many received it.
// Subscribers whose buffers are full are skipped.
func (t *Topic[T]) Publish(msg T) int {
	// Sends happen under the read lock so Unsubscribe cannot close a channel
	// mid-send. Sends never block, so holding the lock is bounded.
	t.mu.RLock()
	defer t.mu.RUnlock()

	delivered := 0
	for id, ch := range t.subscribers {
		select {
		case ch <- msg:
			delivered++
		default:
			t.logger.Debug("dropped message for slow subscriber", "sub_id", id)
		}
	}
	return delivered
}

// Unsubscribe removes a subscription and closes its channel.
func (t *Topic[T]) Unsubscribe(subID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch, ok := t.subscribers[subID]
	if !ok {
		return
	}
	delete(t.subscribers, subID)
	close(ch)

	t.logger.Debug("subscriber removed", "sub_id", subID)
}

// SubscriberCount returns the number of active subscriptions.
func (t *Topic[T]) SubscriberCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subscribers)
}

// Close closes every subscriber channel. Later publishes are no-ops.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	close(t.done)
	for id, ch := range t.subscribers {
		close(ch)
		delete(t.subscribers, id)
	}

	t.logger.Debug("topic closed")
}
