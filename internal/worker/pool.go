// Package worker drains the in-memory task queue with a fixed set of
// goroutines. Each worker pins one pooled session for its whole lifetime, so
// task latency is the database round-trip, not pool contention.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"process-sentinel/internal/config"
	"process-sentinel/internal/pool"
	"process-sentinel/internal/taskq"
	"process-sentinel/internal/telemetry"
)

// Executor runs one task on the worker's session. Errors are counted and
// reported through the task's Done callback; they never stop the worker.
type Executor func(ctx context.Context, sess *pool.Session, t taskq.Task) error

// Stats is a snapshot of worker-pool counters.
type Stats struct {
	ActiveWorkers int64
	FailedWorkers int64
	Completed     int64
	Failed        int64
	TotalDuration time.Duration
}

// Pool owns the worker goroutines. Stop closes the queue and joins them under
// a soft budget; workers still running afterwards are abandoned.
type Pool struct {
	cfg      config.Config
	sessions *pool.Pool
	queue    *taskq.Queue

	mu    sync.Mutex
	execs map[taskq.TaskType]Executor

	wg       sync.WaitGroup
	shutdown atomic.Bool
	started  atomic.Bool

	active    atomic.Int64
	failedWk  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	totalNS   atomic.Int64
}

func New(cfg config.Config, sessions *pool.Pool, queue *taskq.Queue) *Pool {
	return &Pool{
		cfg:      cfg,
		sessions: sessions,
		queue:    queue,
		execs:    make(map[taskq.TaskType]Executor),
	}
}

// Register binds an executor to a task type. Later registrations win.
func (p *Pool) Register(t taskq.TaskType, fn Executor) {
	p.mu.Lock()
	p.execs[t] = fn
	p.mu.Unlock()
}

// Start launches the configured number of workers. Goroutines cannot fail to
// spawn; a worker that cannot get its session exits on its own and is counted
// in FailedWorkers.
func (p *Pool) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.cfg.WorkerThreads; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

// Stop closes the queue, letting workers drain what is already queued, and
// waits up to budget for them to exit.
func (p *Pool) Stop(budget time.Duration) error {
	p.shutdown.Store(true)
	p.queue.Close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(budget):
		return fmt.Errorf("worker pool join exceeded %s, abandoning %d workers", budget, p.active.Load())
	}
}

func (p *Pool) Stats() Stats {
	return Stats{
		ActiveWorkers: p.active.Load(),
		FailedWorkers: p.failedWk.Load(),
		Completed:     p.completed.Load(),
		Failed:        p.failed.Load(),
		TotalDuration: time.Duration(p.totalNS.Load()),
	}
}

func (p *Pool) run(id int) {
	defer p.wg.Done()

	sess, err := p.acquire()
	if err != nil {
		p.failedWk.Add(1)
		log.WithError(err).WithField("worker", id).Error("worker could not get a session, exiting")
		return
	}
	p.active.Add(1)
	defer func() {
		p.active.Add(-1)
		p.sessions.Release(sess)
	}()
	log.WithField("worker", id).Debug("worker started")

	for {
		t, err := p.queue.Pop(p.cfg.TaskTimeout)
		switch {
		case err == taskq.ErrClosed:
			return
		case err == taskq.ErrTimeout:
			if p.shutdown.Load() {
				return
			}
			continue
		}

		if execErr := p.execute(sess, t); execErr != nil && pool.SessionFatal(execErr) {
			// The session died under us. Swap it for a fresh one; if the
			// database is gone too the worker retires.
			sess.MarkBad()
			p.sessions.Release(sess)
			if sess, err = p.acquire(); err != nil {
				p.failedWk.Add(1)
				sess = nil
				log.WithError(err).WithField("worker", id).Error("worker lost its session and could not replace it")
				return
			}
		}
	}
}

func (p *Pool) acquire() (*pool.Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PoolWaitTimeout+time.Second)
	defer cancel()
	return p.sessions.Acquire(ctx)
}

// execute runs one task and settles its callback and counters.
func (p *Pool) execute(sess *pool.Session, t taskq.Task) error {
	p.mu.Lock()
	exec, ok := p.execs[t.Type]
	p.mu.Unlock()

	telemetry.WorkerTasksInFlight.Inc()
	start := time.Now()

	var err error
	if !ok {
		err = fmt.Errorf("no executor registered for task type %s", t.Type)
	} else {
		err = exec(context.Background(), sess, t)
	}

	elapsed := time.Since(start)
	p.totalNS.Add(int64(elapsed))
	telemetry.WorkerTaskDuration.Observe(elapsed.Seconds())
	telemetry.WorkerTasksTotal.Inc()
	telemetry.WorkerTasksInFlight.Dec()

	if err != nil {
		p.failed.Add(1)
		log.WithError(err).WithField("task", t.Type).Warn("task failed")
	} else {
		p.completed.Add(1)
	}
	if t.Done != nil {
		t.Done(err)
	}
	return err
}
