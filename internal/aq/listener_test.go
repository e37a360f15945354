package aq

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"process-sentinel/internal/config"
	"process-sentinel/internal/models"
	"process-sentinel/internal/oratest"
	"process-sentinel/internal/pool"
)

func testEvent(id string) models.Event {
	return models.Event{
		EventID:      id,
		EventType:    models.EventCompleted,
		ProcessID:    "P1",
		TenantID:     "T1",
		TimestampUTC: time.Now().UTC(),
	}
}

// stubSource plays a scripted sequence of dequeue results, then reports
// empty windows forever.
type stubSource struct {
	mu     sync.Mutex
	script []func() ([]models.Event, error)
	calls  int
}

func (s *stubSource) Dequeue(_ context.Context, _ *sql.Tx, _ int) ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.script) == 0 {
		return nil, nil
	}
	step := s.script[0]
	s.script = s.script[1:]
	return step()
}

func (s *stubSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newListener(t *testing.T, source Source, handler Handler) (*Listener, *oratest.Driver) {
	t.Helper()
	stub := oratest.New()
	cfg := config.Config{
		PoolMaxSessions: 2,
		PoolGetMode:     config.GetModeWait,
		QueueName:       "SENTINEL_QUEUE",
		DequeueBatch:    1,
	}
	p := pool.New(stub.Open(), cfg)
	t.Cleanup(func() { _ = p.Close() })
	return New(cfg, p, source, handler), stub
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestHandledEventIsCommitted(t *testing.T) {
	source := &stubSource{script: []func() ([]models.Event, error){
		func() ([]models.Event, error) { return []models.Event{testEvent("E1")}, nil },
	}}

	var mu sync.Mutex
	var seen []string
	l, stub := newListener(t, source, func(_ context.Context, ev *models.Event) error {
		mu.Lock()
		seen = append(seen, ev.EventID)
		mu.Unlock()
		return nil
	})

	l.Start()
	waitFor(t, func() bool { return l.Stats().Processed == 1 })
	l.Stop()

	mu.Lock()
	assert.Equal(t, []string{"E1"}, seen)
	mu.Unlock()
	assert.GreaterOrEqual(t, stub.CommitCount(), 1, "commit removes the message from the queue")
	st := l.Stats()
	assert.Equal(t, int64(1), st.Received)
	assert.Equal(t, int64(0), st.Failed)
}

func TestEmptyWindowIsNotAnError(t *testing.T) {
	source := &stubSource{}
	l, stub := newListener(t, source, func(context.Context, *models.Event) error {
		t.Fatal("handler must not run without an event")
		return nil
	})

	l.Start()
	waitFor(t, func() bool { return source.callCount() >= 3 })
	l.Stop()

	st := l.Stats()
	assert.Equal(t, int64(0), st.Errors)
	assert.Equal(t, int64(0), st.Received)
	assert.Equal(t, 0, stub.CommitCount())
}

func TestHandlerErrorRollsBack(t *testing.T) {
	source := &stubSource{script: []func() ([]models.Event, error){
		func() ([]models.Event, error) { return []models.Event{testEvent("E1")}, nil },
	}}
	l, stub := newListener(t, source, func(context.Context, *models.Event) error {
		return errors.New("downstream full")
	})

	l.Start()
	waitFor(t, func() bool { return l.Stats().Failed == 1 })
	l.Stop()

	assert.Equal(t, 0, stub.CommitCount(), "failed handling must not consume the message")
	assert.GreaterOrEqual(t, stub.RollbackCount(), 1)
	assert.Equal(t, int64(0), l.Stats().Processed)
}

func TestDequeueErrorCountsAndContinues(t *testing.T) {
	source := &stubSource{script: []func() ([]models.Event, error){
		func() ([]models.Event, error) { return nil, errors.New("ORA-00600: boom") },
		func() ([]models.Event, error) { return []models.Event{testEvent("E2")}, nil },
	}}
	l, _ := newListener(t, source, func(context.Context, *models.Event) error { return nil })

	l.Start()
	waitFor(t, func() bool { return l.Stats().Processed == 1 })
	l.Stop()

	st := l.Stats()
	assert.Equal(t, int64(1), st.Errors)
	assert.Equal(t, int64(1), st.Processed)
}

func TestInvalidEventIsDroppedNotRedelivered(t *testing.T) {
	bad := testEvent("E1")
	bad.EventType = "EXPLODED"
	source := &stubSource{script: []func() ([]models.Event, error){
		func() ([]models.Event, error) { return []models.Event{bad}, nil },
	}}
	l, stub := newListener(t, source, func(context.Context, *models.Event) error {
		t.Fatal("handler must not see invalid events")
		return nil
	})

	l.Start()
	waitFor(t, func() bool { return l.Stats().Failed == 1 })
	l.Stop()

	assert.GreaterOrEqual(t, stub.CommitCount(), 1, "invalid events are consumed, not requeued")
}

func TestStopExitsPromptly(t *testing.T) {
	source := &stubSource{}
	l, _ := newListener(t, source, func(context.Context, *models.Event) error { return nil })

	l.Start()
	waitFor(t, func() bool { return source.callCount() >= 1 })

	start := time.Now()
	l.Stop()
	assert.Less(t, time.Since(start), time.Second)
}

func TestNoSessionLeaks(t *testing.T) {
	source := &stubSource{script: []func() ([]models.Event, error){
		func() ([]models.Event, error) { return []models.Event{testEvent("E1")}, nil },
		func() ([]models.Event, error) { return nil, errors.New("transient") },
	}}
	l, _ := newListener(t, source, func(context.Context, *models.Event) error { return nil })

	l.Start()
	waitFor(t, func() bool { return l.Stats().Processed == 1 && l.Stats().Errors == 1 })
	l.Stop()

	require.Equal(t, int64(0), l.sessions.Stats().Busy, "every iteration releases its session")
}
