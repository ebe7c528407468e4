package dpq

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestQueue(t *testing.T, name string) (*miniredis.Miniredis, *Queue) {
	t.Helper()

	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(s.Close)

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	q, err := Open(context.Background(), rdb, name)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	return s, q
}

func TestPushPopOrdersByPriority(t *testing.T) {
	_, q := setupTestQueue(t, "q")
	ctx := context.Background()

	if err := q.Push(ctx, []byte("low"), WithPriority(1)); err != nil {
		t.Fatalf("Push low failed: %v", err)
	}
	if err := q.Push(ctx, []byte("high"), WithPriority(10)); err != nil {
		t.Fatalf("Push high failed: %v", err)
	}

	h, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop 1 failed: %v", err)
	}
	if string(h.Payload) != "high" {
		t.Errorf("expected high first, got %q", h.Payload)
	}

	h, err = q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop 2 failed: %v", err)
	}
	if string(h.Payload) != "low" {
		t.Errorf("expected low second, got %q", h.Payload)
	}
}

func TestPopEmptyQueueReturnsNil(t *testing.T) {
	_, q := setupTestQueue(t, "q")

	h, err := q.Pop(context.Background())
	if err != nil {
		t.Fatalf("Pop failed: %v", err)
	}
	if h != nil {
		t.Errorf("expected nil handle on empty queue, got %+v", h)
	}
}

func TestPushDedupesByPayload(t *testing.T) {
	_, q := setupTestQueue(t, "q")
	ctx := context.Background()

	if err := q.Push(ctx, []byte("dup"), WithPriority(1)); err != nil {
		t.Fatalf("Push 1 failed: %v", err)
	}
	if err := q.Push(ctx, []byte("dup"), WithPriority(9)); err != nil {
		t.Fatalf("Push 2 failed: %v", err)
	}

	size, err := q.GetSize(ctx)
	if err != nil {
		t.Fatalf("GetSize failed: %v", err)
	}
	if size != 1 {
		t.Fatalf("expected size 1 after duplicate push, got %d", size)
	}

	h, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop failed: %v", err)
	}
	if h == nil {
		t.Fatal("expected a task")
	}
}

func TestPopMakesTaskInvisibleNotRemoved(t *testing.T) {
	_, q := setupTestQueue(t, "q")
	ctx := context.Background()

	if err := q.Push(ctx, []byte("task"), WithPriority(1)); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	if _, err := q.Pop(ctx); err != nil {
		t.Fatalf("Pop failed: %v", err)
	}

	size, err := q.GetSize(ctx)
	if err != nil {
		t.Fatalf("GetSize failed: %v", err)
	}
	if size != 1 {
		t.Errorf("expected task still counted while invisible, got size %d", size)
	}

	if h, err := q.Pop(ctx); err != nil {
		t.Fatalf("second Pop failed: %v", err)
	} else if h != nil {
		t.Errorf("expected task to stay invisible to a second popper, got %+v", h)
	}
}

func TestRemoveAcknowledgesTask(t *testing.T) {
	_, q := setupTestQueue(t, "q")
	ctx := context.Background()

	if err := q.Push(ctx, []byte("task"), WithPriority(1)); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	h, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop failed: %v", err)
	}

	if err := h.Remove(ctx); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	size, err := q.GetSize(ctx)
	if err != nil {
		t.Fatalf("GetSize failed: %v", err)
	}
	if size != 0 {
		t.Errorf("expected empty queue after Remove, got size %d", size)
	}
}

func TestRePushAfterRemoveResetsAttemptNumber(t *testing.T) {
	_, q := setupTestQueue(t, "q")
	ctx := context.Background()

	if err := q.Push(ctx, []byte("lol"), WithPriority(1)); err != nil {
		t.Fatalf("Push 1 failed: %v", err)
	}

	h, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop 1 failed: %v", err)
	}
	if h.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", h.Attempt)
	}

	if err := h.Remove(ctx); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	if err := q.Push(ctx, []byte("lol"), WithPriority(1)); err != nil {
		t.Fatalf("Push 2 failed: %v", err)
	}

	h, err = q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop 2 failed: %v", err)
	}
	if h == nil {
		t.Fatal("expected the re-pushed task to be runnable")
	}
	if h.Attempt != 1 {
		t.Errorf("expected attempt to reset to 1 after an acked re-push, got %d", h.Attempt)
	}
}

func TestRemoveIsNoOpWhenAlreadyGone(t *testing.T) {
	_, q := setupTestQueue(t, "q")
	ctx := context.Background()

	if err := q.Remove(ctx, []byte("never-pushed"), "", 0); err != nil {
		t.Errorf("expected Remove of absent task to be a no-op, got %v", err)
	}
}

func TestAttemptNumberIncreasesAcrossRetries(t *testing.T) {
	s, q := setupTestQueue(t, "q")
	ctx := context.Background()

	if err := q.Push(ctx, []byte("task"), WithPriority(1), WithRetries(2)); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	h, err := q.PopWithVisibility(ctx, time.Millisecond)
	if err != nil {
		t.Fatalf("Pop 1 failed: %v", err)
	}
	if h.Attempt != 1 {
		t.Errorf("expected attempt 1, got %d", h.Attempt)
	}

	s.FastForward(time.Second)
	if err := q.EnqueueDelayed(ctx); err != nil {
		t.Fatalf("EnqueueDelayed failed: %v", err)
	}

	h, err = q.PopWithVisibility(ctx, time.Millisecond)
	if err != nil {
		t.Fatalf("Pop 2 failed: %v", err)
	}
	if h == nil {
		t.Fatal("expected task to be re-promoted")
	}
	if h.Attempt != 2 {
		t.Errorf("expected attempt 2, got %d", h.Attempt)
	}

	s.FastForward(time.Second)
	if err := q.EnqueueDelayed(ctx); err != nil {
		t.Fatalf("EnqueueDelayed 2 failed: %v", err)
	}

	size, err := q.GetSize(ctx)
	if err != nil {
		t.Fatalf("GetSize failed: %v", err)
	}
	if size != 0 {
		t.Errorf("expected task dropped after exhausting retries, got size %d", size)
	}
}

func TestDelayedTaskNotRunnableUntilDue(t *testing.T) {
	_, q := setupTestQueue(t, "q")
	ctx := context.Background()

	if err := q.Push(ctx, []byte("task"), WithPriority(1), WithDelay(time.Second)); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	h, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop failed: %v", err)
	}
	if h != nil {
		t.Fatalf("expected no runnable task before delay elapses, got %+v", h)
	}

	// Release times are wall-clock seconds computed in Go, so the delay
	// has to pass in real time; miniredis's FastForward does not move it.
	time.Sleep(2 * time.Second)
	if err := q.EnqueueDelayed(ctx); err != nil {
		t.Fatalf("EnqueueDelayed failed: %v", err)
	}

	h, err = q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop after delay failed: %v", err)
	}
	if h == nil {
		t.Fatal("expected task to become runnable after delay elapses")
	}
}

func TestDelayGroupDelaysAllMembers(t *testing.T) {
	s, q := setupTestQueue(t, "q")
	ctx := context.Background()

	if err := q.Push(ctx, []byte("a"), WithPriority(1), WithGroupID("g")); err != nil {
		t.Fatalf("Push a failed: %v", err)
	}
	if err := q.Push(ctx, []byte("b"), WithPriority(2), WithGroupID("g")); err != nil {
		t.Fatalf("Push b failed: %v", err)
	}

	if err := q.DelayGroup(ctx, "g", time.Hour); err != nil {
		t.Fatalf("DelayGroup failed: %v", err)
	}

	h, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop failed: %v", err)
	}
	if h != nil {
		t.Fatalf("expected group members to be delayed, got %+v", h)
	}

	s.FastForward(time.Hour + time.Second)
	if err := q.EnqueueDelayed(ctx); err != nil {
		t.Fatalf("EnqueueDelayed failed: %v", err)
	}

	size, err := q.GetSize(ctx)
	if err != nil {
		t.Fatalf("GetSize failed: %v", err)
	}
	if size != 2 {
		t.Errorf("expected both group members present, got size %d", size)
	}
}

func TestPushRejectsEmptyPayload(t *testing.T) {
	_, q := setupTestQueue(t, "q")

	if err := q.Push(context.Background(), nil); err != ErrEmptyPayload {
		t.Errorf("expected ErrEmptyPayload, got %v", err)
	}
}

func TestPushRejectsReservedGroupID(t *testing.T) {
	_, q := setupTestQueue(t, "q")

	err := q.Push(context.Background(), []byte("task"), WithGroupID("0"))
	if err != ErrReservedGroupID {
		t.Errorf("expected ErrReservedGroupID, got %v", err)
	}
}

func TestPushRejectsNegativeRetries(t *testing.T) {
	_, q := setupTestQueue(t, "q")

	err := q.Push(context.Background(), []byte("task"), WithRetries(-1))
	if err != ErrNegativeRetries {
		t.Errorf("expected ErrNegativeRetries, got %v", err)
	}
}

func TestSetInvisibilityExtendsWindow(t *testing.T) {
	_, q := setupTestQueue(t, "q")
	ctx := context.Background()

	if err := q.Push(ctx, []byte("task"), WithPriority(1)); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	h, err := q.PopWithVisibility(ctx, time.Second)
	if err != nil {
		t.Fatalf("Pop failed: %v", err)
	}

	if err := h.SetInvisibility(ctx, time.Hour); err != nil {
		t.Fatalf("SetInvisibility failed: %v", err)
	}

	// Outlive the original one-second window in real time, so the task
	// would be promoted here had the extension not taken effect.
	time.Sleep(2 * time.Second)
	if err := q.EnqueueDelayed(ctx); err != nil {
		t.Fatalf("EnqueueDelayed failed: %v", err)
	}

	pop, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("second Pop failed: %v", err)
	}
	if pop != nil {
		t.Errorf("expected task to remain invisible after extension, got %+v", pop)
	}
}
