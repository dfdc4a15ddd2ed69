// Package tasks carries the background propagation work the write and
// delete pipelines leave behind: refreshing denormalized relation snapshots
// after a referenced entity changed, and resolving relations after a
// referenced entity was deleted. Payloads are small and self-contained so
// any at-least-once queue can carry them; handlers are idempotent and
// resume through cursors.
package tasks

import (
	"context"
	"fmt"
	"sync"

	"github.com/marrowkit/marrow/db"
	"github.com/marrowkit/marrow/skeleton"
)

// Task is one queued unit of propagation work.
type Task interface {
	isTask()
}

// UpdateRelations refreshes the cached snapshots of every relation pointing
// at DestKey whose edge was last propagated before MinChangeTime.
type UpdateRelations struct {
	// DestKey is the changed entity's encoded key.
	DestKey string

	// MinChangeTime is a unix-microsecond watermark just past the write
	// that scheduled this task; edges stamped at or after it are already
	// current.
	MinChangeTime int64

	// ChangedBone restricts the refresh to edges caching that bone of the
	// changed entity. Empty refreshes all edges.
	ChangedBone string

	// Cursor resumes a partially processed run.
	Cursor string
}

func (UpdateRelations) isTask() {}

// ProcessRemovedRelations resolves every relation that referenced the
// deleted entity according to its consistency rule.
type ProcessRemovedRelations struct {
	// DeletedKey is the deleted entity's encoded key.
	DeletedKey string

	// Cursor resumes a partially processed run.
	Cursor string
}

func (ProcessRemovedRelations) isTask() {}

// Queue accepts tasks for later execution. Delivery is at least once;
// handlers tolerate duplicates.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
}

// Scheduler adapts a Queue to the skeleton store's scheduling hooks.
type Scheduler struct {
	queue Queue
}

// NewScheduler returns a scheduler enqueuing onto queue.
func NewScheduler(queue Queue) *Scheduler {
	return &Scheduler{queue: queue}
}

// ScheduleUpdateRelations implements skeleton.Scheduler.
func (s *Scheduler) ScheduleUpdateRelations(ctx context.Context, destKey *db.Key, minChangeTime int64, changedBone string) error {
	return s.queue.Enqueue(ctx, UpdateRelations{
		DestKey:       destKey.Encode(),
		MinChangeTime: minChangeTime,
		ChangedBone:   changedBone,
	})
}

// ScheduleProcessRemovedRelations implements skeleton.Scheduler.
func (s *Scheduler) ScheduleProcessRemovedRelations(ctx context.Context, deletedKey *db.Key) error {
	return s.queue.Enqueue(ctx, ProcessRemovedRelations{
		DeletedKey: deletedKey.Encode(),
	})
}

var _ skeleton.Scheduler = (*Scheduler)(nil)

// MemQueue is an in-process queue for tests and single-binary deployments.
type MemQueue struct {
	mu    sync.Mutex
	tasks []Task
}

// NewMemQueue returns an empty queue.
func NewMemQueue() *MemQueue {
	return &MemQueue{}
}

// Enqueue implements Queue.
func (q *MemQueue) Enqueue(ctx context.Context, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

// Len returns the number of queued tasks.
func (q *MemQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *MemQueue) pop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil, false
	}
	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	return task, true
}

// drainLimit bounds Drain so a task loop cannot spin forever.
const drainLimit = 10000

// Drain runs queued tasks through handler until the queue is empty,
// including tasks enqueued while draining.
func (q *MemQueue) Drain(ctx context.Context, handler *Handler) error {
	for i := 0; i < drainLimit; i++ {
		task, ok := q.pop()
		if !ok {
			return nil
		}
		if err := handler.Handle(ctx, task); err != nil {
			return err
		}
	}
	return fmt.Errorf("tasks: drain did not settle after %d tasks", drainLimit)
}
