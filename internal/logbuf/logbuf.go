// Package logbuf accumulates process log rows in memory and lands them in
// process_logs with a single array-bound INSERT per batch.
package logbuf

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"process-sentinel/internal/models"
	"process-sentinel/internal/pool"
	"process-sentinel/internal/telemetry"
)

// insertSQL binds one slice per column; the driver expands the slices into
// an execute-many. logged_at is assigned by the database. Oracle folds empty
// strings to NULL, which is exactly the optional-column contract.
const insertSQL = `INSERT INTO process_logs
	(process_id, tenant_id, log_level, event_type, component, message,
	 details_json, stack_trace, correlation_id, span_id, trace_id,
	 event_duration_us, logged_at)
VALUES (:1, :2, :3, :4, :5, :6, :7, :8, :9, :10, :11, :12, SYSTIMESTAMP)`

// Stats is a snapshot of buffer counters.
type Stats struct {
	Appended    int64
	Flushed     int64
	FlushErrors int64
	Batches     int64
}

// Buffer collects LogRows until a flush lands them. Appends stay cheap and
// never touch the database; flushes are serialized so at most one INSERT is
// in flight.
type Buffer struct {
	batchSize int
	// full carries at most one pending wakeup for the Run loop.
	full chan struct{}

	mu   sync.Mutex
	rows []models.LogRow

	flushMu sync.Mutex

	appended    atomic.Int64
	flushed     atomic.Int64
	flushErrors atomic.Int64
	batches     atomic.Int64
}

func NewBuffer(batchSize int) *Buffer {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Buffer{
		batchSize: batchSize,
		full:      make(chan struct{}, 1),
		rows:      make([]models.LogRow, 0, batchSize),
	}
}

// Append copies the row into the buffer, truncating the message to the
// column width. The buffer grows past batchSize rather than dropping rows;
// reaching batchSize nudges the Run loop so a burst flushes without waiting
// for the next tick.
func (b *Buffer) Append(row models.LogRow) {
	row = row.Truncated()
	b.mu.Lock()
	b.rows = append(b.rows, row)
	reached := len(b.rows) >= b.batchSize
	b.mu.Unlock()
	b.appended.Add(1)

	if reached {
		select {
		case b.full <- struct{}{}:
		default:
		}
	}
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rows)
}

// ShouldFlush reports whether the buffer has reached its batch size.
func (b *Buffer) ShouldFlush() bool { return b.Len() >= b.batchSize }

// Flush writes every buffered row in one INSERT inside an explicit
// transaction and reports how many rows it attempted. A failed batch is
// dropped, not retried; at-least-once queue delivery regenerates what
// matters.
func (b *Buffer) Flush(ctx context.Context, sess *pool.Session) (int, error) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	batch := b.rows
	b.rows = make([]models.LogRow, 0, b.batchSize)
	b.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}
	b.batches.Add(1)

	start := time.Now()
	err := b.insert(ctx, sess, batch)
	telemetry.DBQueryDuration.Observe(time.Since(start).Seconds())
	telemetry.DBQueriesTotal.Inc()

	if err != nil {
		b.flushErrors.Add(1)
		return len(batch), fmt.Errorf("flush %d log rows: %w", len(batch), err)
	}
	b.flushed.Add(int64(len(batch)))
	return len(batch), nil
}

func (b *Buffer) insert(ctx context.Context, sess *pool.Session, batch []models.LogRow) error {
	n := len(batch)
	processIDs := make([]string, n)
	tenantIDs := make([]string, n)
	levels := make([]string, n)
	eventTypes := make([]string, n)
	components := make([]string, n)
	messages := make([]string, n)
	details := make([]string, n)
	stacks := make([]string, n)
	correlationIDs := make([]string, n)
	spanIDs := make([]string, n)
	traceIDs := make([]string, n)
	durations := make([]int64, n)
	for i, r := range batch {
		processIDs[i] = r.ProcessID
		tenantIDs[i] = r.TenantID
		levels[i] = string(r.LogLevel)
		eventTypes[i] = r.EventType
		components[i] = r.Component
		messages[i] = r.Message
		details[i] = r.DetailsJSON
		stacks[i] = r.StackTrace
		correlationIDs[i] = r.CorrelationID
		spanIDs[i] = r.SpanID
		traceIDs[i] = r.TraceID
		durations[i] = r.EventDurationUS
	}

	tx, err := sess.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insertSQL,
		processIDs, tenantIDs, levels, eventTypes, components, messages,
		details, stacks, correlationIDs, spanIDs, traceIDs, durations,
	); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (b *Buffer) Stats() Stats {
	return Stats{
		Appended:    b.appended.Load(),
		Flushed:     b.flushed.Load(),
		FlushErrors: b.flushErrors.Load(),
		Batches:     b.batches.Load(),
	}
}

// Run flushes when the buffer reaches its batch size or on the interval
// tick, whichever comes first, and drains the buffer once more on shutdown.
// A session is held only for the duration of each flush.
func (b *Buffer) Run(ctx context.Context, p *pool.Pool, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.drain(p)
			return
		case <-b.full:
			if !b.ShouldFlush() {
				continue
			}
			b.flushWithSession(ctx, p)
		case <-ticker.C:
			if b.Len() == 0 {
				continue
			}
			b.flushWithSession(ctx, p)
		}
	}
}

func (b *Buffer) flushWithSession(ctx context.Context, p *pool.Pool) {
	sess, err := p.Acquire(ctx)
	if err != nil {
		b.flushErrors.Add(1)
		log.WithError(err).Warn("log flush could not get a session")
		return
	}
	defer p.Release(sess)

	if _, err := b.Flush(ctx, sess); err != nil {
		sess.MarkBad()
		log.WithError(err).Warn("log flush failed, batch dropped")
	}
}

// drain performs the final flush with a fresh context so shutdown does not
// lose buffered rows.
func (b *Buffer) drain(p *pool.Pool) {
	if b.Len() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.flushWithSession(ctx, p)
}
