// Package service assembles the runtime: pool, log flusher, task queue,
// worker pool, queue listener, HTTP surface, and the maintenance scheduler.
// It owns the documented shutdown order; the session pool is the root
// resource and closes last.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"process-sentinel/internal/api"
	"process-sentinel/internal/aq"
	"process-sentinel/internal/auth"
	"process-sentinel/internal/config"
	"process-sentinel/internal/logbuf"
	"process-sentinel/internal/models"
	"process-sentinel/internal/pool"
	"process-sentinel/internal/store"
	"process-sentinel/internal/taskq"
	"process-sentinel/internal/telemetry"
	"process-sentinel/internal/tenant"
	"process-sentinel/internal/worker"
)

// shutdownBudget is the soft limit on the whole ordered shutdown. Components
// that have not finished by then are abandoned and the process exits anyway.
const shutdownBudget = 10 * time.Second

// gaugeInterval paces the pool/queue gauge sampler.
const gaugeInterval = 5 * time.Second

// Service is the assembled process-sentinel runtime.
type Service struct {
	cfg      config.Config
	sessions *pool.Pool
	queue    *taskq.Queue
	logs     *logbuf.Buffer
	workers  *worker.Pool
	listener *aq.Listener
	server   *api.Server
	cron     *cron.Cron
}

// New wires the components. The pool, the queue source, and the key source
// are injected so tests can stand in for Oracle and the JWKS endpoint.
func New(cfg config.Config, sessions *pool.Pool, source aq.Source, dlq api.DLQBrowser, keys auth.KeySource) *Service {
	telemetry.Register()

	queue := taskq.New(cfg.TaskQueueCapacity)
	logs := logbuf.NewBuffer(cfg.LogBatchSize)
	st := store.New(tenant.NewGuard("tenant_id"))

	workers := worker.New(cfg, sessions, queue)
	worker.RegisterDefaults(workers, st, logs, cfg)

	listener := aq.New(cfg, sessions, source, dispatch(queue))

	validator := auth.NewValidator(cfg.Issuer, cfg.Audience, keys, cfg.EnforceSignature)
	server := api.New(cfg, sessions, st, dlq, auth.NewMiddleware(validator))

	return &Service{
		cfg:      cfg,
		sessions: sessions,
		queue:    queue,
		logs:     logs,
		workers:  workers,
		listener: listener,
		server:   server,
		cron:     cron.New(),
	}
}

// dispatch turns a dequeued event into a worker task. A full task queue is
// an error: the dequeue transaction rolls back and the queue redelivers.
func dispatch(queue *taskq.Queue) aq.Handler {
	return func(_ context.Context, ev *models.Event) error {
		err := queue.Push(taskq.Task{Type: taskq.TypeProcessEvent, Payload: ev})
		if err != nil {
			return fmt.Errorf("dispatch event %s: %w", ev.EventID, err)
		}
		return nil
	}
}

// Run starts everything and blocks until ctx is cancelled or a listener bind
// fails. A bind failure is fatal; ordinary shutdown returns nil.
func (s *Service) Run(ctx context.Context) error {
	flushCtx, stopFlusher := context.WithCancel(context.Background())
	flusherDone := make(chan struct{})
	go func() {
		defer close(flusherDone)
		s.logs.Run(flushCtx, s.sessions, s.cfg.LogFlushInterval)
	}()

	s.workers.Start()
	s.listener.Start()
	s.startMaintenance()

	samplerCtx, stopSampler := context.WithCancel(context.Background())
	go s.sampleGauges(samplerCtx)

	apiSrv := &http.Server{
		Addr:              s.cfg.HTTPListen(),
		Handler:           s.server.Router(),
		MaxHeaderBytes:    s.cfg.MaxHeaderBytes,
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := &http.Server{
		Addr:              s.cfg.MetricsListen(),
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	bindErr := make(chan error, 2)
	go serve(apiSrv, "api", bindErr)
	go serve(metricsSrv, "metrics", bindErr)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-bindErr:
	}

	s.shutdown(apiSrv, metricsSrv, stopFlusher, flusherDone, stopSampler)
	return runErr
}

func serve(srv *http.Server, name string, bindErr chan<- error) {
	log.WithFields(log.Fields{"server": name, "addr": srv.Addr}).Info("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		bindErr <- fmt.Errorf("%s server on %s: %w", name, srv.Addr, err)
	}
}

// shutdown stops components in dependency order: listener first so no new
// events arrive, then the HTTP surface, then workers drain the task queue,
// then the flusher lands what is buffered, and the pool closes last.
func (s *Service) shutdown(apiSrv, metricsSrv *http.Server, stopFlusher context.CancelFunc, flusherDone <-chan struct{}, stopSampler context.CancelFunc) {
	log.Info("shutting down")
	deadline := time.Now().Add(shutdownBudget)

	s.cron.Stop()
	stopSampler()
	s.listener.Stop()

	httpCtx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	if err := apiSrv.Shutdown(httpCtx); err != nil {
		log.WithError(err).Warn("api server did not drain cleanly")
	}
	_ = metricsSrv.Shutdown(httpCtx)

	if err := s.workers.Stop(time.Until(deadline)); err != nil {
		log.WithError(err).Warn("abandoning workers")
	}

	stopFlusher()
	select {
	case <-flusherDone:
	case <-time.After(time.Until(deadline)):
		log.Warn("abandoning log flusher")
	}

	if err := s.sessions.Close(); err != nil {
		log.WithError(err).Warn("closing session pool")
	}
	log.Info("shutdown complete")
}

// startMaintenance schedules the heartbeat-staleness check and the retention
// purge. Both run as ordinary worker tasks so they use a worker's session.
func (s *Service) startMaintenance() {
	_, err := s.cron.AddFunc(s.cfg.MaintenanceSpec, func() {
		s.submit(worker.HeartbeatCheckTask())
		s.submit(worker.CleanupExpiredTask())
	})
	if err != nil {
		log.WithError(err).WithField("spec", s.cfg.MaintenanceSpec).
			Warn("invalid maintenance spec, maintenance disabled")
		return
	}
	s.cron.Start()
}

func (s *Service) submit(t taskq.Task) {
	if err := s.queue.Push(t); err != nil {
		log.WithError(err).WithField("task", t.Type).Warn("maintenance task dropped")
	}
}

func (s *Service) sampleGauges(ctx context.Context) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.sessions.Stats()
			telemetry.PoolOpenConnections.Set(float64(st.Open))
			telemetry.PoolBusyConnections.Set(float64(st.Busy))
			telemetry.QueueDepth.Set(float64(s.queue.Len()))
		}
	}
}
