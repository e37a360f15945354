package aq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/godror/godror"

	"process-sentinel/internal/config"
	"process-sentinel/internal/models"
)

// Timeout codes the driver raises when the wait window closes empty.
const (
	oraDequeueTimeout     = 25228
	oraNavigationTimeout  = 25235
	oraQueueTimeoutLegacy = 24033
)

// OracleSource dequeues sentinel_event_t messages through godror. A queue
// handle is bound to the transaction each call, so the dequeue shares the
// transaction's commit boundary.
type OracleSource struct {
	queueName string
	typeName  string
	wait      time.Duration
}

func NewOracleSource(cfg config.Config) *OracleSource {
	return &OracleSource{
		queueName: cfg.QueueName,
		typeName:  cfg.EventTypeName,
		wait:      cfg.DequeueWait,
	}
}

// Dequeue implements Source. A timeout from the driver is translated to an
// empty result.
func (s *OracleSource) Dequeue(ctx context.Context, tx *sql.Tx, max int) ([]models.Event, error) {
	if max < 1 {
		max = 1
	}

	q, err := godror.NewQueue(ctx, tx, s.queueName, s.typeName)
	if err != nil {
		return nil, fmt.Errorf("open queue %s: %w", s.queueName, err)
	}
	defer q.Close()

	opts, err := q.DeqOptions()
	if err != nil {
		return nil, fmt.Errorf("read dequeue options: %w", err)
	}
	opts.Mode = godror.DeqRemove
	opts.Navigation = godror.NavFirst
	opts.Visibility = godror.VisibleOnCommit
	opts.Wait = s.wait
	if err := q.SetDeqOptions(opts); err != nil {
		return nil, fmt.Errorf("set dequeue options: %w", err)
	}

	msgs := make([]godror.Message, max)
	n, err := q.Dequeue(msgs)
	if err != nil {
		if isTimeout(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue from %s: %w", s.queueName, err)
	}

	events := make([]models.Event, 0, n)
	for i := 0; i < n; i++ {
		ev, err := eventFromMessage(&msgs[i])
		if err != nil {
			return nil, fmt.Errorf("extract message %d of %d: %w", i+1, n, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func isTimeout(err error) bool {
	var oe *godror.OraErr
	if !errors.As(err, &oe) {
		return false
	}
	switch oe.Code() {
	case oraDequeueTimeout, oraNavigationTimeout, oraQueueTimeoutLegacy:
		return true
	}
	return false
}

// eventFromMessage copies the six sentinel_event_t attributes out of the
// driver-owned object. Everything is owned by the caller afterwards; the
// object itself is released here.
func eventFromMessage(msg *godror.Message) (models.Event, error) {
	obj := msg.Object
	if obj == nil {
		return models.Event{}, errors.New("message carries no object payload")
	}
	defer obj.Close()

	var ev models.Event
	var err error
	if ev.EventID, err = attrString(obj, "EVENT_ID"); err != nil {
		return models.Event{}, err
	}
	rawType, err := attrString(obj, "EVENT_TYPE")
	if err != nil {
		return models.Event{}, err
	}
	ev.EventType = models.EventType(rawType)
	if ev.ProcessID, err = attrString(obj, "PROCESS_ID"); err != nil {
		return models.Event{}, err
	}
	if ev.TenantID, err = attrString(obj, "TENANT_ID"); err != nil {
		return models.Event{}, err
	}
	if ev.TimestampUTC, err = attrTime(obj, "TIMESTAMP_UTC"); err != nil {
		return models.Event{}, err
	}
	if ev.Payload, err = attrLob(obj, "PAYLOAD"); err != nil {
		return models.Event{}, err
	}
	return ev, nil
}

func attrString(obj *godror.Object, name string) (string, error) {
	v, err := obj.Get(name)
	if err != nil {
		return "", fmt.Errorf("attribute %s: %w", name, err)
	}
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	}
	return "", fmt.Errorf("attribute %s: unexpected type %T", name, v)
}

func attrTime(obj *godror.Object, name string) (time.Time, error) {
	v, err := obj.Get(name)
	if err != nil {
		return time.Time{}, fmt.Errorf("attribute %s: %w", name, err)
	}
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("attribute %s: unexpected type %T", name, v)
}

// attrLob streams a CLOB attribute into caller-owned bytes.
func attrLob(obj *godror.Object, name string) ([]byte, error) {
	v, err := obj.Get(name)
	if err != nil {
		return nil, fmt.Errorf("attribute %s: %w", name, err)
	}
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return t, nil
	case string:
		if t == "" {
			return nil, nil
		}
		return []byte(t), nil
	case *godror.Lob:
		if t == nil {
			return nil, nil
		}
		data, err := io.ReadAll(t)
		if err != nil {
			return nil, fmt.Errorf("read %s lob: %w", name, err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("attribute %s: unexpected type %T", name, v)
}
