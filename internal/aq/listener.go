// Package aq consumes typed event messages from the Oracle Advanced Queuing
// queue. One goroutine dequeues under visibility-on-commit: the message leaves
// the queue only when the surrounding transaction commits, so a crash between
// handling and commit redelivers the event.
package aq

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"process-sentinel/internal/config"
	"process-sentinel/internal/models"
	"process-sentinel/internal/pool"
	"process-sentinel/internal/telemetry"
)

// Handler processes one dequeued event inside the dequeue transaction. A
// returned error rolls the transaction back and the queue redelivers the
// event, so handlers must be idempotent on event_id.
type Handler func(ctx context.Context, ev *models.Event) error

// Source performs the actual dequeue against the queue, inside the given
// transaction. It returns up to max events, or none when the wait window
// passed without a message.
type Source interface {
	Dequeue(ctx context.Context, tx *sql.Tx, max int) ([]models.Event, error)
}

// errorBackoff is slept after a dequeue failure so a broken queue does not
// spin the loop.
const errorBackoff = time.Second

// Stats is a snapshot of listener counters.
type Stats struct {
	Received  int64
	Processed int64
	Failed    int64
	Errors    int64
}

// Listener runs the dequeue loop. Stop flips the running flag; the loop exits
// at the next iteration boundary, worst case one wait window plus the error
// backoff later.
type Listener struct {
	cfg      config.Config
	sessions *pool.Pool
	source   Source
	handler  Handler

	running atomic.Bool
	wg      sync.WaitGroup

	received  atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	errors    atomic.Int64
}

func New(cfg config.Config, p *pool.Pool, source Source, handler Handler) *Listener {
	return &Listener{cfg: cfg, sessions: p, source: source, handler: handler}
}

// Start launches the dequeue goroutine. Starting twice is a no-op.
func (l *Listener) Start() {
	if !l.running.CompareAndSwap(false, true) {
		return
	}
	l.wg.Add(1)
	go l.loop()
}

// Stop requests exit and waits for the loop to finish.
func (l *Listener) Stop() {
	l.running.Store(false)
	l.wg.Wait()
}

func (l *Listener) Stats() Stats {
	return Stats{
		Received:  l.received.Load(),
		Processed: l.processed.Load(),
		Failed:    l.failed.Load(),
		Errors:    l.errors.Load(),
	}
}

func (l *Listener) loop() {
	defer l.wg.Done()
	log.WithField("queue", l.cfg.QueueName).Info("queue listener started")

	for l.running.Load() {
		if err := l.iterate(); err != nil {
			l.errors.Add(1)
			telemetry.QueueEventsFailed.Inc()
			log.WithError(err).WithField("queue", l.cfg.QueueName).Warn("dequeue iteration failed")
			l.sleep(errorBackoff)
		}
	}
	log.WithField("queue", l.cfg.QueueName).Info("queue listener stopped")
}

// iterate borrows one session for one dequeue transaction. A nil return means
// either events were handled and committed or the wait window closed empty.
func (l *Listener) iterate() error {
	ctx := context.Background()

	sess, err := l.sessions.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire session: %w", err)
	}
	defer l.sessions.Release(sess)

	err = l.drainOnce(ctx, sess)
	if err != nil && pool.SessionFatal(err) {
		sess.MarkBad()
	}
	return err
}

func (l *Listener) drainOnce(ctx context.Context, sess *pool.Session) error {
	tx, err := sess.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin dequeue tx: %w", err)
	}

	events, err := l.source.Dequeue(ctx, tx, l.cfg.DequeueBatch)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("dequeue: %w", err)
	}
	if len(events) == 0 {
		// Wait window closed without a message; not an error.
		_ = tx.Rollback()
		return nil
	}

	l.received.Add(int64(len(events)))
	telemetry.QueueEventsReceived.Add(float64(len(events)))

	for i := range events {
		ev := &events[i]
		if err := ev.Validate(); err != nil {
			// A malformed event would be redelivered forever; handle it as
			// consumed and let the DLQ retry ceiling deal with producers
			// that keep sending garbage.
			l.failed.Add(1)
			telemetry.QueueEventsFailed.Inc()
			log.WithError(err).WithField("event_id", ev.EventID).Warn("dropping invalid event")
			continue
		}
		if err := l.handler(ctx, ev); err != nil {
			_ = tx.Rollback()
			l.failed.Add(1)
			return fmt.Errorf("handle event %s: %w", ev.EventID, err)
		}
	}

	// The commit is what removes the messages from the queue.
	if err := tx.Commit(); err != nil {
		l.failed.Add(int64(len(events)))
		return fmt.Errorf("commit dequeue of %d events: %w", len(events), err)
	}
	l.processed.Add(int64(len(events)))
	telemetry.QueueEventsProcessed.Add(float64(len(events)))
	return nil
}

// sleep waits without delaying shutdown past the running check.
func (l *Listener) sleep(d time.Duration) {
	deadline := time.Now().Add(d)
	for l.running.Load() && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
}
