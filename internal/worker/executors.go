package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"process-sentinel/internal/config"
	"process-sentinel/internal/logbuf"
	"process-sentinel/internal/models"
	"process-sentinel/internal/pool"
	"process-sentinel/internal/store"
	"process-sentinel/internal/taskq"
	"process-sentinel/internal/trace"
)

// eventPayload is the JSON the database procedures attach to an event. Every
// member is optional; unknown members are ignored.
type eventPayload struct {
	ProcessName   string             `json:"process_name"`
	Message       string             `json:"message"`
	ProgressPct   *float64           `json:"progress_pct"`
	Metrics       map[string]float64 `json:"metrics"`
	Traceparent   string             `json:"traceparent"`
	CorrelationID string             `json:"correlation_id"`
	Component     string             `json:"component"`
	StackTrace    string             `json:"stack_trace"`
	DurationUS    int64              `json:"event_duration_us"`
}

// CustomFn is the payload of a TypeCustom task.
type CustomFn func(ctx context.Context, sess *pool.Session) error

// RegisterDefaults wires the standard executor set onto the pool.
func RegisterDefaults(p *Pool, st *store.Store, logs *logbuf.Buffer, cfg config.Config) {
	e := &executors{store: st, logs: logs, cfg: cfg}
	p.Register(taskq.TypeProcessEvent, e.processEvent)
	p.Register(taskq.TypeStatusUpdate, e.statusUpdate)
	p.Register(taskq.TypeHeartbeatCheck, e.heartbeatCheck)
	p.Register(taskq.TypeCleanupExpired, e.cleanupExpired)
	p.Register(taskq.TypeLogBatch, e.logBatch)
	p.Register(taskq.TypeCustom, e.custom)
}

type executors struct {
	store *store.Store
	logs  *logbuf.Buffer
	cfg   config.Config
}

// processEvent lands one lifecycle event: registry upsert, live-status merge,
// metric rows, and a log row. Each step is idempotent on (event_id, state),
// so a redelivered event converges to the same rows.
func (e *executors) processEvent(ctx context.Context, sess *pool.Session, t taskq.Task) error {
	ev, ok := t.Payload.(*models.Event)
	if !ok {
		return fmt.Errorf("process_event task carries %T, want *models.Event", t.Payload)
	}
	var body eventPayload
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &body); err != nil {
			log.WithError(err).WithField("event_id", ev.EventID).Debug("event payload is not JSON, ignoring")
		}
	}

	if err := e.store.UpsertRegistry(ctx, sess, ev, body.ProcessName); err != nil {
		return err
	}
	if err := e.store.MergeLiveStatus(ctx, sess, statusFromEvent(ev, &body)); err != nil {
		return err
	}
	for name, value := range body.Metrics {
		m := models.Metric{
			ProcessID: ev.ProcessID,
			TenantID:  ev.TenantID,
			Name:      name,
			Value:     value,
			At:        ev.TimestampUTC,
		}
		if err := e.store.RecordMetric(ctx, sess, m); err != nil {
			return err
		}
	}

	e.logs.Append(logRowFromEvent(ev, &body))
	return nil
}

func (e *executors) statusUpdate(ctx context.Context, sess *pool.Session, t taskq.Task) error {
	upd, ok := t.Payload.(models.StatusUpdate)
	if !ok {
		return fmt.Errorf("status_update task carries %T, want models.StatusUpdate", t.Payload)
	}
	return e.store.MergeLiveStatus(ctx, sess, upd)
}

func (e *executors) heartbeatCheck(ctx context.Context, sess *pool.Session, _ taskq.Task) error {
	n, err := e.store.MarkStale(ctx, sess, e.cfg.StaleAfter)
	if err != nil {
		return err
	}
	if n > 0 {
		log.WithField("processes", n).Info("marked stale processes")
	}
	return nil
}

func (e *executors) cleanupExpired(ctx context.Context, sess *pool.Session, _ taskq.Task) error {
	n, err := e.store.PurgeExpired(ctx, sess, e.cfg.Retention)
	if err != nil {
		return err
	}
	if n > 0 {
		log.WithField("rows", n).Info("purged expired rows")
	}
	return nil
}

func (e *executors) logBatch(ctx context.Context, sess *pool.Session, _ taskq.Task) error {
	_, err := e.logs.Flush(ctx, sess)
	return err
}

func (e *executors) custom(ctx context.Context, sess *pool.Session, t taskq.Task) error {
	fn, ok := t.Payload.(CustomFn)
	if !ok {
		return fmt.Errorf("custom task carries %T, want worker.CustomFn", t.Payload)
	}
	return fn(ctx, sess)
}

func statusFromEvent(ev *models.Event, body *eventPayload) models.StatusUpdate {
	upd := models.StatusUpdate{
		ProcessID:     ev.ProcessID,
		TenantID:      ev.TenantID,
		ProcessName:   body.ProcessName,
		Status:        models.StatusForEvent(ev.EventType),
		LastEventType: string(ev.EventType),
		ProgressPct:   body.ProgressPct,
		EventTime:     ev.TimestampUTC,
	}
	if ev.EventType == models.EventHeartbeat || ev.EventType == models.EventStarted {
		hb := ev.TimestampUTC
		upd.Heartbeat = &hb
	}
	if ev.EventType == models.EventCompleted && upd.ProgressPct == nil {
		done := 100.0
		upd.ProgressPct = &done
	}
	return upd
}

func logRowFromEvent(ev *models.Event, body *eventPayload) models.LogRow {
	row := models.LogRow{
		ProcessID:       ev.ProcessID,
		TenantID:        ev.TenantID,
		LogLevel:        levelForEvent(ev.EventType),
		EventType:       string(ev.EventType),
		Component:       body.Component,
		Message:         body.Message,
		StackTrace:      body.StackTrace,
		CorrelationID:   body.CorrelationID,
		EventDurationUS: body.DurationUS,
	}
	if row.Message == "" {
		row.Message = fmt.Sprintf("event %s for process %s", ev.EventType, ev.ProcessID)
	}
	if row.CorrelationID == "" {
		row.CorrelationID = uuid.NewString()
	}
	if tc, err := trace.Parse(body.Traceparent); err == nil {
		row.TraceID = tc.TraceID
		row.SpanID = tc.SpanID
	}
	if len(ev.Payload) > 0 && json.Valid(ev.Payload) {
		row.DetailsJSON = string(ev.Payload)
	}
	return row
}

func levelForEvent(et models.EventType) models.LogLevel {
	if et == models.EventError {
		return models.LevelError
	}
	return models.LevelInfo
}

// maintenance task constructors, submitted by the cron scheduler.

// HeartbeatCheckTask marks quiet RUNNING processes stale.
func HeartbeatCheckTask() taskq.Task {
	return taskq.Task{Type: taskq.TypeHeartbeatCheck, EnqueuedAt: time.Now()}
}

// CleanupExpiredTask purges rows past retention.
func CleanupExpiredTask() taskq.Task {
	return taskq.Task{Type: taskq.TypeCleanupExpired, EnqueuedAt: time.Now()}
}
