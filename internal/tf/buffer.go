// ABOUTME: Coordinate frame buffer tracking the latest transform per child frame
// ABOUTME: Resolves lookups between frames by composing translations through a common ancestor

package tf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389/arena-gateway/internal/arena"
	"github.com/2389/arena-gateway/internal/bus"
)

var (
	// ErrInvalidTransform indicates a transform that cannot be stored.
	ErrInvalidTransform = errors.New("invalid transform")

	// ErrFrameNotFound indicates a frame that no transform mentions.
	ErrFrameNotFound = errors.New("frame does not exist")

	// ErrNotConnected indicates two frames without a common ancestor.
	ErrNotConnected = errors.New("frames are not connected")

	// ErrLookupTimeout indicates WaitForTransform gave up.
	ErrLookupTimeout = errors.New("transform lookup timed out")
)

// maxDepth bounds chain walks when resolving frames.
const maxDepth = 1000

type frameEntry struct {
	parent      string
	translation arena.Vector3
	stamp       time.Time
	authority   string
}

// Buffer stores the most recent transform for every child frame.
// It is safe for concurrent use.
type Buffer struct {
	mu     sync.RWMutex
	frames map[string]*frameEntry // child -> latest transform
	// parents records frames only seen as parents, so lookups to a root work.
	parents map[string]struct{}
	// changed is closed and replaced on every SetTransform.
	changed chan struct{}
	logger  *slog.Logger
}

// NewBuffer creates an empty frame buffer. Pass nil logger for default.
func NewBuffer(logger *slog.Logger) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		frames:  make(map[string]*frameEntry),
		parents: make(map[string]struct{}),
		changed: make(chan struct{}),
		logger:  logger.With("component", "tf"),
	}
}

// SetTransform stores ts as the latest transform for its child frame.
// authority identifies the broadcaster and is reported by AllFramesAsYAML.
func (b *Buffer) SetTransform(ts arena.TransformStamped, authority string) error {
	if ts.ParentFrameID == "" || ts.ChildFrameID == "" {
		return fmt.Errorf("%w: frame ids must be non-empty", ErrInvalidTransform)
	}
	if ts.ParentFrameID == ts.ChildFrameID {
		return fmt.Errorf("%w: frame %q cannot be its own parent", ErrInvalidTransform, ts.ChildFrameID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isAncestorLocked(ts.ChildFrameID, ts.ParentFrameID) {
		return fmt.Errorf("%w: %s -> %s would create a cycle", ErrInvalidTransform, ts.ParentFrameID, ts.ChildFrameID)
	}

	stamp := ts.Stamp
	if stamp.IsZero() {
		stamp = time.Now()
	}

	prev, existed := b.frames[ts.ChildFrameID]
	b.frames[ts.ChildFrameID] = &frameEntry{
		parent:      ts.ParentFrameID,
		translation: ts.Transform.Translation,
		stamp:       stamp,
		authority:   authority,
	}
	b.parents[ts.ParentFrameID] = struct{}{}

	if !existed {
		b.logger.Debug("frame added", "frame_id", ts.ChildFrameID, "parent", ts.ParentFrameID)
	} else if prev.parent != ts.ParentFrameID {
		b.logger.Info("frame reparented", "frame_id", ts.ChildFrameID, "old_parent", prev.parent, "new_parent", ts.ParentFrameID)
	}

	close(b.changed)
	b.changed = make(chan struct{})
	return nil
}

// isAncestorLocked reports whether candidate is frame or one of its ancestors. Must be called with mu held.
func (b *Buffer) isAncestorLocked(candidate, frame string) bool {
	cur := frame
	for range maxDepth {
		if cur == candidate {
			return true
		}
		entry, ok := b.frames[cur]
		if !ok {
			return false
		}
		cur = entry.parent
	}
	return true
}

// AllFrameIDs returns the sorted ids of every frame that has a parent.
func (b *Buffer) AllFrameIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.frames))
	for id := range b.frames {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasFrame reports whether id appears in any stored transform, as child or parent.
func (b *Buffer) HasFrame(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.knownLocked(id)
}

func (b *Buffer) knownLocked(id string) bool {
	if _, ok := b.frames[id]; ok {
		return true
	}
	_, ok := b.parents[id]
	return ok
}

type yamlFrame struct {
	Parent              string        `yaml:"parent"`
	Broadcaster         string        `yaml:"broadcaster"`
	MostRecentTransform float64       `yaml:"most_recent_transform"`
	Translation         arena.Vector3 `yaml:"translation"`
}

// AllFramesAsYAML renders every child frame with its parent and latest stamp.
func (b *Buffer) AllFramesAsYAML() (string, error) {
	b.mu.RLock()
	doc := make(map[string]yamlFrame, len(b.frames))
	for id, entry := range b.frames {
		doc[id] = yamlFrame{
			Parent:              entry.parent,
			Broadcaster:         entry.authority,
			MostRecentTransform: float64(entry.stamp.UnixNano()) / float64(time.Second),
			Translation:         entry.translation,
		}
	}
	b.mu.RUnlock()

	if len(doc) == 0 {
		return "", nil
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encoding frames: %w", err)
	}
	return string(out), nil
}

// LookupTransform returns the transform of source expressed in target.
func (b *Buffer) LookupTransform(target, source string) (arena.TransformStamped, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lookupLocked(target, source)
}

// chainLocked returns frame's offset from its root, the root id, and the oldest stamp on the way.
func (b *Buffer) chainLocked(frame string) (arena.Vector3, string, time.Time) {
	var offset arena.Vector3
	var oldest time.Time
	cur := frame
	for range maxDepth {
		entry, ok := b.frames[cur]
		if !ok {
			break
		}
		offset = offset.Add(entry.translation)
		if oldest.IsZero() || entry.stamp.Before(oldest) {
			oldest = entry.stamp
		}
		cur = entry.parent
	}
	return offset, cur, oldest
}

func (b *Buffer) lookupLocked(target, source string) (arena.TransformStamped, error) {
	if !b.knownLocked(target) {
		return arena.TransformStamped{}, fmt.Errorf("%w: %q", ErrFrameNotFound, target)
	}
	if !b.knownLocked(source) {
		return arena.TransformStamped{}, fmt.Errorf("%w: %q", ErrFrameNotFound, source)
	}

	srcOffset, srcRoot, srcStamp := b.chainLocked(source)
	dstOffset, dstRoot, dstStamp := b.chainLocked(target)
	if srcRoot != dstRoot {
		return arena.TransformStamped{}, fmt.Errorf("%w: %q (root %q) and %q (root %q)",
			ErrNotConnected, target, dstRoot, source, srcRoot)
	}

	stamp := srcStamp
	if stamp.IsZero() || (!dstStamp.IsZero() && dstStamp.Before(stamp)) {
		stamp = dstStamp
	}

	return arena.TransformStamped{
		Stamp:         stamp,
		ParentFrameID: target,
		ChildFrameID:  source,
		Transform:     arena.Transform{Translation: srcOffset.Sub(dstOffset)},
	}, nil
}

// WaitForTransform retries LookupTransform until it succeeds, ctx ends, or timeout elapses.
// A zero timeout performs a single lookup.
func (b *Buffer) WaitForTransform(ctx context.Context, target, source string, timeout time.Duration) (arena.TransformStamped, error) {
	if timeout <= 0 {
		return b.LookupTransform(target, source)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		b.mu.RLock()
		ts, err := b.lookupLocked(target, source)
		changed := b.changed
		b.mu.RUnlock()
		if err == nil {
			return ts, nil
		}

		select {
		case <-changed:
		case <-timer.C:
			return arena.TransformStamped{}, fmt.Errorf("%w after %s: %w", ErrLookupTimeout, timeout, err)
		case <-ctx.Done():
			return arena.TransformStamped{}, ctx.Err()
		}
	}
}

// Listen feeds the buffer from a transform topic until ctx is cancelled.
// The returned stop func unsubscribes and waits for the listener to exit.
func (b *Buffer) Listen(ctx context.Context, topic *bus.Topic[arena.TransformStamped]) (stop func()) {
	return topic.Handle(ctx, func(ts arena.TransformStamped) {
		if err := b.SetTransform(ts, topic.Name()); err != nil {
			b.logger.Warn("rejected transform",
				"parent", ts.ParentFrameID,
				"child", ts.ChildFrameID,
				"error", err,
			)
		}
	})
}

// Broadcaster publishes transforms on a topic.
type Broadcaster struct {
	topic *bus.Topic[arena.TransformStamped]
}

// NewBroadcaster creates a broadcaster for topic.
func NewBroadcaster(topic *bus.Topic[arena.TransformStamped]) *Broadcaster {
	return &Broadcaster{topic: topic}
}

// SendTransform stamps ts if needed and publishes it.
func (br *Broadcaster) SendTransform(_ context.Context, ts arena.TransformStamped) error {
	if ts.Stamp.IsZero() {
		ts.Stamp = time.Now()
	}
	br.topic.Publish(ts)
	return nil
}
