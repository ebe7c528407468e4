// Package dpq implements a durable, shared delayed priority queue on top
// of Redis. It supports priority ordering, per-task and per-group
// delayed visibility, at-least-once delivery with visibility timeouts
// and bounded retries, and deduplication of identical task payloads.
//
// All state-changing operations that touch more than one Redis key
// execute as a single atomic Lua script (see internal/engine), so
// correctness holds under arbitrary interleaving of producers, workers,
// and the scheduler.
package dpq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/quatrix/dpq/internal/engine"
	"github.com/quatrix/dpq/internal/store"
	"github.com/quatrix/dpq/pkg/logger"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

const reservedGroupID = "0"

// DefaultVisibility is the invisibility window applied to a popped task
// when the caller doesn't override it.
const DefaultVisibility = 10 * time.Second

// DefaultRetries is the retry budget applied to a pushed task when the
// caller doesn't override it.
const DefaultRetries = 5

// Queue is a handle to a single named delayed priority queue. Its queue
// operations are safe for concurrent use by multiple goroutines; all
// synchronization happens on the Redis side inside the atomic script.
// ScheduleCron and StopCron are not synchronized and must not be called
// concurrently with each other.
type Queue struct {
	store             store.Store
	reg               *engine.Registrar
	name              string
	defaultVisibility time.Duration
	defaultRetries    int

	cron *cron.Cron
}

// Option configures a Queue at Open time.
type Option func(*Queue)

// WithDefaultVisibility overrides the invisibility window applied to
// popped tasks that don't specify one explicitly.
func WithDefaultVisibility(d time.Duration) Option {
	return func(q *Queue) { q.defaultVisibility = d }
}

// WithDefaultRetries overrides the retry budget applied to pushed tasks
// that don't specify one explicitly.
func WithDefaultRetries(n int) Option {
	return func(q *Queue) { q.defaultRetries = n }
}

// Open connects to the named queue on rdb, registering the atomic engine
// script if it isn't already resident.
func Open(ctx context.Context, rdb *redis.Client, name string, opts ...Option) (*Queue, error) {
	reg, err := engine.NewRegistrar(ctx, rdb)
	if err != nil {
		return nil, fmt.Errorf("dpq: open %q: %w", name, err)
	}

	q := &Queue{
		store:             store.New(rdb),
		reg:               reg,
		name:              name,
		defaultVisibility: DefaultVisibility,
		defaultRetries:    DefaultRetries,
	}

	for _, opt := range opts {
		opt(q)
	}

	return q, nil
}

// pushConfig accumulates PushOption values.
type pushConfig struct {
	priority float64
	delay    time.Duration
	retries  int
	groupID  string
}

// PushOption customizes a single Push call.
type PushOption func(*pushConfig)

// WithPriority sets the task's priority; higher values are popped first.
func WithPriority(p float64) PushOption {
	return func(c *pushConfig) { c.priority = p }
}

// WithDelay makes the task invisible to workers until d has elapsed.
func WithDelay(d time.Duration) PushOption {
	return func(c *pushConfig) { c.delay = d }
}

// WithRetries overrides the queue's default retry budget for this task.
func WithRetries(n int) PushOption {
	return func(c *pushConfig) { c.retries = n }
}

// WithGroupID assigns the task to a group. All tasks in a group can be
// delayed together via Queue.DelayGroup.
func WithGroupID(id string) PushOption {
	return func(c *pushConfig) { c.groupID = id }
}

// Push adds payload to the queue, or — if an identical payload is
// already present in the runnable or delayed set — updates its
// priority/delay, resets its retry budget, and reassigns its group.
// Payload bytes are the queue's deduplication key.
func (q *Queue) Push(ctx context.Context, payload []byte, opts ...PushOption) error {
	if len(payload) == 0 {
		return ErrEmptyPayload
	}

	cfg := pushConfig{retries: q.defaultRetries}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.groupID == reservedGroupID {
		return ErrReservedGroupID
	}
	if cfg.retries < 0 {
		return ErrNegativeRetries
	}

	groupID := cfg.groupID
	if groupID == "" {
		groupID = reservedGroupID
	}

	var delayTS int64
	if cfg.delay > 0 {
		delayTS = time.Now().Add(cfg.delay).Unix()
	}

	_, err := q.reg.Eval(ctx, "push", q.name, payload, cfg.priority, delayTS, cfg.retries, groupID)
	if err != nil {
		return fmt.Errorf("dpq: push: %w", err)
	}

	return nil
}

// GetSize returns the total number of tasks across the runnable and
// delayed sets.
func (q *Queue) GetSize(ctx context.Context) (int64, error) {
	res, err := q.reg.Eval(ctx, "get_size", q.name)
	if err != nil {
		return 0, fmt.Errorf("dpq: get_size: %w", err)
	}

	n, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("dpq: get_size: unexpected reply %T", res)
	}

	return n, nil
}

// Pop pops the highest-priority runnable task, makes it invisible to
// other workers for the queue's default visibility window, and returns a
// Handle for it. It returns (nil, nil) if the queue is empty — an empty
// queue is not an error.
func (q *Queue) Pop(ctx context.Context) (*Handle, error) {
	return q.PopWithVisibility(ctx, q.defaultVisibility)
}

// PopWithVisibility behaves like Pop but applies a caller-chosen
// visibility window instead of the queue's default.
func (q *Queue) PopWithVisibility(ctx context.Context, visibility time.Duration) (*Handle, error) {
	expires := time.Now().Add(visibility)

	res, err := q.reg.Eval(ctx, "pop", q.name, expires.Unix())
	if err != nil {
		return nil, fmt.Errorf("dpq: pop: %w", err)
	}
	if res == nil {
		return nil, nil
	}

	fields, ok := res.([]interface{})
	if !ok || len(fields) != 4 {
		return nil, fmt.Errorf("dpq: pop: unexpected reply %T", res)
	}

	payload := toBytes(fields[0])
	wireGroupID := toBytes(fields[1])
	priority, err := strconv.ParseFloat(string(toBytes(fields[2])), 64)
	if err != nil {
		return nil, fmt.Errorf("dpq: pop: parse priority: %w", err)
	}
	attempt, err := strconv.Atoi(string(toBytes(fields[3])))
	if err != nil {
		return nil, fmt.Errorf("dpq: pop: parse attempt: %w", err)
	}

	groupID := string(wireGroupID)
	if groupID == reservedGroupID {
		groupID = ""
	}

	return &Handle{
		Payload:  payload,
		Attempt:  attempt,
		GroupID:  groupID,
		Expires:  expires,
		priority: priority,
		queue:    q,
	}, nil
}

// EnqueueDelayed promotes every delayed task whose release time has
// passed into the runnable set, dropping any whose retry budget has been
// exhausted. It is intended to be driven by Queue.RunScheduler.
func (q *Queue) EnqueueDelayed(ctx context.Context) error {
	_, err := q.reg.Eval(ctx, "enqueue_delayed", q.name, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("dpq: enqueue_delayed: %w", err)
	}

	return nil
}

// DelayGroup re-delays every task sharing groupID, runnable or already
// delayed, until delay has elapsed from now.
func (q *Queue) DelayGroup(ctx context.Context, groupID string, delay time.Duration) error {
	if groupID == reservedGroupID {
		return ErrReservedGroupID
	}

	release := time.Now().Add(delay)

	_, err := q.reg.Eval(ctx, "delay_group", q.name, groupID, release.Unix(), int64(delay.Seconds()))
	if err != nil {
		return fmt.Errorf("dpq: delay_group: %w", err)
	}

	return nil
}

// Remove acknowledges the task identified by (payload, groupID, priority),
// removing it from the queue. It underlies Handle.Remove and exists as a
// standalone Queue method for callers — such as an HTTP ack endpoint —
// that can't hold a live Handle across a request/response boundary and
// so resubmit the identifying tuple directly. It is a no-op, not an
// error, if the task is no longer present.
func (q *Queue) Remove(ctx context.Context, payload []byte, groupID string, priority float64) error {
	wireGroupID := groupID
	if wireGroupID == "" {
		wireGroupID = reservedGroupID
	}

	_, err := q.reg.Eval(ctx, "remove_from_delayed_queue", q.name, payload, wireGroupID, priority)
	if err != nil {
		return fmt.Errorf("dpq: remove: %w", err)
	}

	return nil
}

// SetInvisibility extends the invisibility window of the task identified
// by (payload, groupID, priority) to seconds from now. It underlies
// Handle.SetInvisibility; see Remove for why it also exists standalone.
// It is a no-op if the task is no longer in the delayed set.
func (q *Queue) SetInvisibility(ctx context.Context, payload []byte, groupID string, priority float64, seconds time.Duration) error {
	wireGroupID := groupID
	if wireGroupID == "" {
		wireGroupID = reservedGroupID
	}

	until := time.Now().Add(seconds).Unix()

	_, err := q.reg.Eval(ctx, "set_visibility", q.name, payload, wireGroupID, priority, until)
	if err != nil {
		return fmt.Errorf("dpq: set_invisibility: %w", err)
	}

	return nil
}

// RunScheduler ticks EnqueueDelayed on interval until ctx is cancelled.
// Running multiple schedulers for the same queue is safe — EnqueueDelayed
// is idempotent and atomic — but wasteful.
func (q *Queue) RunScheduler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.EnqueueDelayed(ctx); err != nil {
				logger.Log.Error().Err(err).Str("queue", q.name).Msg("enqueue_delayed failed")
			}
		}
	}
}

// ScheduleCron registers a cron job that pushes a fresh payload on the
// given schedule (standard cron syntax, seconds field included). build
// is called once per firing so it can stamp a new payload (e.g. with a
// current timestamp) rather than replaying a stale one.
func (q *Queue) ScheduleCron(spec string, build func() ([]byte, []PushOption)) (cron.EntryID, error) {
	if q.cron == nil {
		q.cron = cron.New(cron.WithSeconds())
		q.cron.Start()
	}

	return q.cron.AddFunc(spec, func() {
		payload, opts := build()
		if err := q.Push(context.Background(), payload, opts...); err != nil {
			logger.Log.Error().Err(err).Str("queue", q.name).Str("spec", spec).Msg("scheduled push failed")
		}
	})
}

// StopCron stops the cron scheduler started by ScheduleCron, if any.
func (q *Queue) StopCron() {
	if q.cron != nil {
		q.cron.Stop()
	}
}

func toBytes(v interface{}) []byte {
	switch t := v.(type) {
	case []byte:
		return t
	case string:
		return []byte(t)
	default:
		return []byte(fmt.Sprint(t))
	}
}
