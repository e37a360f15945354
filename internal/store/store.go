// Package store holds every SQL statement the service issues against the
// sentinel tables. Reads run on a session the HTTP handler borrowed for the
// request and always pass their template through the tenant guard; writes run
// on the session a worker holds for its lifetime.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"process-sentinel/internal/auth"
	"process-sentinel/internal/models"
	"process-sentinel/internal/pool"
	"process-sentinel/internal/telemetry"
	"process-sentinel/internal/tenant"
)

// ErrNotFound is returned when a process id matches no visible row.
var ErrNotFound = errors.New("process not found")

const (
	// DefaultLimit and MaxLimit bound list reads.
	DefaultLimit = 100
	MaxLimit     = 1000
)

const (
	statusSQL = `SELECT process_id, tenant_id, status, last_event_type,
		progress_pct, last_heartbeat, updated_at
	FROM process_live_status
	WHERE process_id = :pid`

	registryNameSQL = `SELECT process_name FROM process_registry
	WHERE process_id = :pid`

	listSQL = `SELECT process_id, tenant_id, status, last_event_type,
		progress_pct, last_heartbeat, updated_at
	FROM process_live_status
	ORDER BY updated_at DESC
	FETCH FIRST :lim ROWS ONLY`

	logsSQL = `SELECT process_id, tenant_id, log_level, event_type, component,
		message, details_json, correlation_id, span_id, trace_id, logged_at
	FROM process_logs
	WHERE process_id = :pid
	ORDER BY logged_at DESC
	FETCH FIRST :lim ROWS ONLY`

	upsertRegistrySQL = `MERGE INTO process_registry r
	USING (SELECT :pid process_id FROM dual) src
	ON (r.process_id = src.process_id)
	WHEN MATCHED THEN UPDATE SET
		r.process_name = NVL(:pname, r.process_name),
		r.last_seen_at = :seen
	WHEN NOT MATCHED THEN INSERT
		(process_id, tenant_id, process_name, first_seen_at, last_seen_at)
	VALUES (:pid, :tid, :pname, :seen, :seen)`

	mergeStatusSQL = `MERGE INTO process_live_status s
	USING (SELECT :pid process_id FROM dual) src
	ON (s.process_id = src.process_id)
	WHEN MATCHED THEN UPDATE SET
		s.status = :status,
		s.last_event_type = :etype,
		s.progress_pct = NVL(:pct, s.progress_pct),
		s.last_heartbeat = NVL(:hb, s.last_heartbeat),
		s.updated_at = SYSTIMESTAMP
	WHEN NOT MATCHED THEN INSERT
		(process_id, tenant_id, status, last_event_type, progress_pct,
		 last_heartbeat, updated_at)
	VALUES (:pid, :tid, :status, :etype, NVL(:pct, 0), :hb, SYSTIMESTAMP)`

	recordMetricSQL = `INSERT INTO process_metrics
		(process_id, tenant_id, metric_name, metric_value, recorded_at)
	VALUES (:pid, :tid, :name, :value, :at)`

	markStaleSQL = `UPDATE process_live_status
	SET status = 'STALE', updated_at = SYSTIMESTAMP
	WHERE status = 'RUNNING'
	  AND last_heartbeat < SYSTIMESTAMP - NUMTODSINTERVAL(:secs, 'SECOND')`

	purgeStatusSQL = `DELETE FROM process_live_status
	WHERE status IN ('COMPLETED', 'FAILED', 'STALE')
	  AND updated_at < SYSTIMESTAMP - NUMTODSINTERVAL(:secs, 'SECOND')`

	purgeLogsSQL = `DELETE FROM process_logs
	WHERE logged_at < SYSTIMESTAMP - NUMTODSINTERVAL(:secs, 'SECOND')`
)

// Store issues the named SQL operations. It holds no connection itself.
type Store struct {
	guard tenant.Guard
}

func New(guard tenant.Guard) *Store {
	return &Store{guard: guard}
}

// scope resolves the tenant predicate for a read. Privileged contexts may
// name any tenant or none at all (no filter); everyone else is pinned to
// their own tenant.
func scope(tctx auth.TenantContext, target string) (string, error) {
	if tctx.Privileged() {
		return target, nil
	}
	if target != "" {
		if err := tenant.CheckAccess(tctx, target); err != nil {
			return "", err
		}
	}
	return tctx.TenantID, nil
}

// guarded applies the tenant predicate to a template when a tenant is in
// scope and returns the final bind set.
func (s *Store) guarded(query, tenantID string, binds ...sql.NamedArg) (string, []any, error) {
	args := make([]any, 0, len(binds)+1)
	for _, b := range binds {
		args = append(args, b)
	}
	if tenantID == "" {
		return query, args, nil
	}
	q, err := s.guard.Apply(query, tenantID)
	if err != nil {
		return "", nil, err
	}
	return q, append(args, sql.Named("tenant_id", tenantID)), nil
}

// ProcessStatus reads the live view of one process, 404-style ErrNotFound
// when it does not exist or is outside the caller's tenant.
func (s *Store) ProcessStatus(ctx context.Context, sess *pool.Session, tctx auth.TenantContext, pid string) (models.ProcessStatus, error) {
	tenantID, err := scope(tctx, "")
	if err != nil {
		return models.ProcessStatus{}, err
	}
	query, args, err := s.guarded(statusSQL, tenantID, sql.Named("pid", pid))
	if err != nil {
		return models.ProcessStatus{}, err
	}

	var st models.ProcessStatus
	var lastEvent, status sql.NullString
	var hb sql.NullTime
	var pct sql.NullFloat64
	err = observeQuery(func() error {
		return sess.QueryRowContext(ctx, query, args...).Scan(
			&st.ProcessID, &st.TenantID, &status, &lastEvent, &pct, &hb, &st.UpdatedAt)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return models.ProcessStatus{}, ErrNotFound
	}
	if err != nil {
		return models.ProcessStatus{}, fmt.Errorf("query process status: %w", err)
	}
	st.Status = status.String
	st.LastEventType = lastEvent.String
	st.ProgressPct = pct.Float64
	if hb.Valid {
		t := hb.Time
		st.LastHeartbeat = &t
	}
	st.ProcessName, _ = s.registryName(ctx, sess, tenantID, pid)
	return st, nil
}

// registryName is best-effort decoration; a missing registry row is not an
// error.
func (s *Store) registryName(ctx context.Context, sess *pool.Session, tenantID, pid string) (string, error) {
	query, args, err := s.guarded(registryNameSQL, tenantID, sql.Named("pid", pid))
	if err != nil {
		return "", err
	}
	var name sql.NullString
	err = observeQuery(func() error {
		return sess.QueryRowContext(ctx, query, args...).Scan(&name)
	})
	if err != nil {
		return "", err
	}
	return name.String, nil
}

// ListProcesses returns the most recently updated processes visible to the
// caller. tenantFilter narrows the view; non-privileged callers may only name
// their own tenant.
func (s *Store) ListProcesses(ctx context.Context, sess *pool.Session, tctx auth.TenantContext, tenantFilter string, limit int) ([]models.ProcessStatus, error) {
	tenantID, err := scope(tctx, tenantFilter)
	if err != nil {
		return nil, err
	}
	query, args, err := s.guarded(listSQL, tenantID, sql.Named("lim", clampLimit(limit)))
	if err != nil {
		return nil, err
	}

	var out []models.ProcessStatus
	err = observeQuery(func() error {
		rows, err := sess.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var st models.ProcessStatus
			var lastEvent, status sql.NullString
			var hb sql.NullTime
			var pct sql.NullFloat64
			if err := rows.Scan(&st.ProcessID, &st.TenantID, &status, &lastEvent, &pct, &hb, &st.UpdatedAt); err != nil {
				return err
			}
			st.Status = status.String
			st.LastEventType = lastEvent.String
			st.ProgressPct = pct.Float64
			if hb.Valid {
				t := hb.Time
				st.LastHeartbeat = &t
			}
			out = append(out, st)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	return out, nil
}

// ProcessLogs returns the newest log rows for one process.
func (s *Store) ProcessLogs(ctx context.Context, sess *pool.Session, tctx auth.TenantContext, pid string, limit int) ([]models.ProcessLog, error) {
	tenantID, err := scope(tctx, "")
	if err != nil {
		return nil, err
	}
	query, args, err := s.guarded(logsSQL, tenantID,
		sql.Named("pid", pid), sql.Named("lim", clampLimit(limit)))
	if err != nil {
		return nil, err
	}

	var out []models.ProcessLog
	err = observeQuery(func() error {
		rows, err := sess.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var l models.ProcessLog
			var etype, comp, details, corr, span, traceID sql.NullString
			if err := rows.Scan(&l.ProcessID, &l.TenantID, &l.LogLevel, &etype, &comp,
				&l.Message, &details, &corr, &span, &traceID, &l.LoggedAt); err != nil {
				return err
			}
			l.EventType = etype.String
			l.Component = comp.String
			l.DetailsJSON = details.String
			l.CorrelationID = corr.String
			l.SpanID = span.String
			l.TraceID = traceID.String
			out = append(out, l)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("query process logs: %w", err)
	}
	return out, nil
}

// UpsertRegistry records that a process exists and was seen now.
func (s *Store) UpsertRegistry(ctx context.Context, sess *pool.Session, ev *models.Event, processName string) error {
	err := observeQuery(func() error {
		_, err := sess.ExecContext(ctx, upsertRegistrySQL,
			sql.Named("pid", ev.ProcessID),
			sql.Named("tid", ev.TenantID),
			sql.Named("pname", nullString(processName)),
			sql.Named("seen", ev.TimestampUTC),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert registry %s: %w", ev.ProcessID, err)
	}
	return nil
}

// MergeLiveStatus folds one status transition into process_live_status. Nil
// optionals keep the stored value.
func (s *Store) MergeLiveStatus(ctx context.Context, sess *pool.Session, upd models.StatusUpdate) error {
	var pct any
	if upd.ProgressPct != nil {
		pct = *upd.ProgressPct
	}
	var hb any
	if upd.Heartbeat != nil {
		hb = *upd.Heartbeat
	}
	err := observeQuery(func() error {
		_, err := sess.ExecContext(ctx, mergeStatusSQL,
			sql.Named("pid", upd.ProcessID),
			sql.Named("tid", upd.TenantID),
			sql.Named("status", upd.Status),
			sql.Named("etype", upd.LastEventType),
			sql.Named("pct", pct),
			sql.Named("hb", hb),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("merge live status %s: %w", upd.ProcessID, err)
	}
	return nil
}

// RecordMetric appends one measurement to process_metrics.
func (s *Store) RecordMetric(ctx context.Context, sess *pool.Session, m models.Metric) error {
	err := observeQuery(func() error {
		_, err := sess.ExecContext(ctx, recordMetricSQL,
			sql.Named("pid", m.ProcessID),
			sql.Named("tid", m.TenantID),
			sql.Named("name", m.Name),
			sql.Named("value", m.Value),
			sql.Named("at", m.At),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("record metric %s/%s: %w", m.ProcessID, m.Name, err)
	}
	return nil
}

// MarkStale transitions RUNNING rows whose heartbeat went quiet.
func (s *Store) MarkStale(ctx context.Context, sess *pool.Session, staleAfter time.Duration) (int64, error) {
	var n int64
	err := observeQuery(func() error {
		res, err := sess.ExecContext(ctx, markStaleSQL,
			sql.Named("secs", int64(staleAfter.Seconds())))
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("mark stale processes: %w", err)
	}
	return n, nil
}

// PurgeExpired removes terminal status rows and log rows past retention.
// The daily range partitions on process_logs make the delete cheap enough to
// run from the maintenance task.
func (s *Store) PurgeExpired(ctx context.Context, sess *pool.Session, retention time.Duration) (int64, error) {
	secs := sql.Named("secs", int64(retention.Seconds()))
	var total int64
	for _, stmt := range []string{purgeStatusSQL, purgeLogsSQL} {
		var n int64
		err := observeQuery(func() error {
			res, err := sess.ExecContext(ctx, stmt, secs)
			if err != nil {
				return err
			}
			n, _ = res.RowsAffected()
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("purge expired rows: %w", err)
		}
		total += n
	}
	return total, nil
}

func clampLimit(limit int) int {
	switch {
	case limit < 1:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// observeQuery wraps one statement with the catalogue's counters.
func observeQuery(f func() error) error {
	start := time.Now()
	err := f()
	telemetry.DBQueryDuration.Observe(time.Since(start).Seconds())
	telemetry.DBQueriesTotal.Inc()
	return err
}
