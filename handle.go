package dpq

import (
	"context"
	"time"
)

// Handle is returned by Queue.Pop. It carries the popped task's fields
// plus the identifying tuple (payload, group id, priority) needed to
// re-enter the engine from Remove or SetInvisibility. It is a plain
// value type, not a heap-allocated closure, per the pop hot path.
type Handle struct {
	// Payload is the task's raw bytes, as pushed.
	Payload []byte

	// Attempt is the 1-based number of times this task has been popped
	// since it was last (re-)pushed.
	Attempt int

	// GroupID is the task's group, or "" if it belongs to no group.
	GroupID string

	// Expires is the absolute time after which, unless acknowledged or
	// extended, this task becomes visible to other workers again.
	Expires time.Time

	priority float64
	queue    *Queue
}

// Remove acknowledges the task, removing it from the queue. It is a
// no-op, not an error, if the task is no longer present — it may already
// have been promoted and re-popped by another worker.
func (h Handle) Remove(ctx context.Context) error {
	return h.queue.Remove(ctx, h.Payload, h.GroupID, h.priority)
}

// SetInvisibility extends (or shortens) the task's invisibility window to
// seconds from now. A worker that needs more processing time than the
// queue's default visibility calls this to avoid the task being
// re-promoted and handed to another worker while still in progress. It
// is a no-op if the task is no longer in the delayed set.
func (h Handle) SetInvisibility(ctx context.Context, seconds time.Duration) error {
	return h.queue.SetInvisibility(ctx, h.Payload, h.GroupID, h.priority, seconds)
}
