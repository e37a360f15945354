package aq

import (
	"context"
	"fmt"

	"github.com/godror/godror"

	"process-sentinel/internal/config"
	"process-sentinel/internal/models"
	"process-sentinel/internal/pool"
)

// DLQ browses the dead-letter queue without consuming it. Browsed messages
// stay in place; the surrounding transaction is always rolled back.
type DLQ struct {
	queueName string
	typeName  string
}

func NewDLQ(cfg config.Config) *DLQ {
	return &DLQ{queueName: cfg.DLQName, typeName: cfg.EventTypeName}
}

// Browse returns up to limit dead-lettered events in queue order.
func (d *DLQ) Browse(ctx context.Context, sess *pool.Session, limit int) ([]models.Event, error) {
	if limit < 1 {
		limit = 1
	}

	tx, err := sess.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin browse tx: %w", err)
	}
	defer tx.Rollback()

	q, err := godror.NewQueue(ctx, tx, d.queueName, d.typeName)
	if err != nil {
		return nil, fmt.Errorf("open dlq %s: %w", d.queueName, err)
	}
	defer q.Close()

	opts, err := q.DeqOptions()
	if err != nil {
		return nil, fmt.Errorf("read dequeue options: %w", err)
	}
	opts.Mode = godror.DeqBrowse
	opts.Navigation = godror.NavFirst
	opts.Visibility = godror.VisibleImmediate
	opts.Wait = 0
	if err := q.SetDeqOptions(opts); err != nil {
		return nil, fmt.Errorf("set dequeue options: %w", err)
	}

	msgs := make([]godror.Message, limit)
	n, err := q.Dequeue(msgs)
	if err != nil {
		if isTimeout(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("browse %s: %w", d.queueName, err)
	}

	events := make([]models.Event, 0, n)
	for i := 0; i < n; i++ {
		ev, err := eventFromMessage(&msgs[i])
		if err != nil {
			return nil, fmt.Errorf("extract dlq message %d of %d: %w", i+1, n, err)
		}
		events = append(events, ev)
	}
	return events, nil
}
