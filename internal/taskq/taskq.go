// Package taskq is the bounded in-memory hand-off between the queue listener
// and the worker pool. Producers never block: when the queue is full the push
// fails and the caller decides whether to drop or retry.
package taskq

import (
	"errors"
	"sync"
	"time"
)

// TaskType discriminates the work a task carries.
type TaskType string

const (
	TypeLogBatch       TaskType = "log_batch"
	TypeStatusUpdate   TaskType = "status_update"
	TypeHeartbeatCheck TaskType = "heartbeat_check"
	TypeProcessEvent   TaskType = "process_event"
	TypeCleanupExpired TaskType = "cleanup_expired"
	TypeCustom         TaskType = "custom"
)

// Task is owned by its submitter until pushed, by the queue until popped, and
// by the executing worker afterwards. Payload is interpreted per Type by the
// worker's executor registry; Done, when set, is invoked exactly once with
// the execution result.
type Task struct {
	Type       TaskType
	Payload    any
	Done       func(error)
	EnqueuedAt time.Time
}

var (
	ErrQueueFull = errors.New("task queue full")
	ErrTimeout   = errors.New("task queue pop timed out")
	ErrClosed    = errors.New("task queue closed")
)

// Queue is a fixed-capacity FIFO safe for many producers and consumers.
type Queue struct {
	tasks     chan Task
	done      chan struct{}
	closeOnce sync.Once
}

func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		tasks: make(chan Task, capacity),
		done:  make(chan struct{}),
	}
}

// Push appends without blocking. It fails with ErrQueueFull at capacity and
// ErrClosed after Close.
func (q *Queue) Push(t Task) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	select {
	case q.tasks <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pop blocks until a task arrives, the timeout elapses, or the queue closes.
// Tasks already queued are preferred over reporting closure, so a closing
// queue still drains.
func (q *Queue) Pop(timeout time.Duration) (Task, error) {
	select {
	case t := <-q.tasks:
		return t, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case t := <-q.tasks:
		return t, nil
	case <-q.done:
		return Task{}, ErrClosed
	case <-timer.C:
		return Task{}, ErrTimeout
	}
}

// Len is a point-in-time snapshot of queued tasks.
func (q *Queue) Len() int { return len(q.tasks) }

// Cap is the fixed capacity.
func (q *Queue) Cap() int { return cap(q.tasks) }

// Close wakes every blocked Pop. Pending tasks may still be drained.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}
