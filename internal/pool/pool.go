// Package pool manages a fixed-size set of wallet-authenticated Oracle
// sessions. The stdlib sql pool underneath is neutralized (no idle caching,
// no lifetime management) so that session lifecycle decisions live here.
package pool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godror/godror"
	log "github.com/sirupsen/logrus"

	"process-sentinel/internal/config"
)

var (
	// ErrPoolExhausted is returned when no session becomes free within the
	// get-mode's patience.
	ErrPoolExhausted = errors.New("session pool exhausted")
	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("session pool closed")
)

const (
	dialTimeout = 5 * time.Second
	warmTimeout = 30 * time.Second
	closeWait   = 2 * time.Second
)

// Session is one pooled Oracle connection. It is owned by exactly one caller
// between Acquire and Release and must not be used afterwards.
type Session struct {
	conn      *sql.Conn
	createdAt time.Time
	lastUsed  time.Time
	unpooled  bool
	inUse     atomic.Bool
	bad       atomic.Bool
}

func (s *Session) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.conn.ExecContext(ctx, query, args...)
}

func (s *Session) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.conn.QueryContext(ctx, query, args...)
}

func (s *Session) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return s.conn.QueryRowContext(ctx, query, args...)
}

func (s *Session) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return s.conn.BeginTx(ctx, opts)
}

func (s *Session) PingContext(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// Raw exposes the driver connection, for queue binding and OCI-level calls.
func (s *Session) Raw(f func(driverConn any) error) error {
	return s.conn.Raw(f)
}

// MarkBad tags the session so Release retires it instead of recycling it.
func (s *Session) MarkBad() { s.bad.Store(true) }

// Age reports how long ago the physical connection was established.
func (s *Session) Age() time.Duration { return time.Since(s.createdAt) }

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Open          int64
	Busy          int64
	AcquiredTotal int64
	ReleasedTotal int64
	ErrorTotal    int64
}

// Pool hands out Sessions up to MaxSessions, idle-first. A slot token in
// slots represents the right to hold one physical session; every live pooled
// session owns exactly one token.
type Pool struct {
	db  *sql.DB
	cfg config.Config

	idle  chan *Session
	slots chan struct{}
	done  chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup

	open     atomic.Int64
	busy     atomic.Int64
	acquired atomic.Int64
	released atomic.Int64
	errCount atomic.Int64
}

// New wraps an existing database handle. The handle's own pooling is
// disabled; callers that need warm sessions call Warm.
func New(db *sql.DB, cfg config.Config) *Pool {
	db.SetMaxIdleConns(0)
	db.SetMaxOpenConns(0)
	db.SetConnMaxLifetime(0)
	if cfg.PoolMaxSessions < 1 {
		cfg.PoolMaxSessions = 1
	}
	return &Pool{
		db:    db,
		cfg:   cfg,
		idle:  make(chan *Session, cfg.PoolMaxSessions),
		slots: make(chan struct{}, cfg.PoolMaxSessions),
		done:  make(chan struct{}),
	}
}

// Open connects to the configured Oracle endpoint through the wallet
// directory and warms MinSessions sessions. Any failure here is fatal to
// startup.
func Open(cfg config.Config, walletDir string) (*Pool, error) {
	params, err := godror.ParseDSN(buildDSN(cfg, walletDir))
	if err != nil {
		return nil, fmt.Errorf("parse oracle dsn: %w", err)
	}
	p := New(sql.OpenDB(godror.NewConnector(params)), cfg)

	ctx, cancel := context.WithTimeout(context.Background(), warmTimeout)
	defer cancel()
	if err := p.Warm(ctx); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("warm session pool: %w", err)
	}
	return p, nil
}

// buildDSN renders the godror logfmt connection string. External (wallet)
// authentication is the default; a username switches to password auth over
// the same TLS wallet.
func buildDSN(cfg config.Config, walletDir string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "connectString=%q configDir=%q standaloneConnection=1", cfg.TNSName, walletDir)
	if cfg.User != "" {
		fmt.Fprintf(&b, " user=%q password=%q externalAuth=0", cfg.User, cfg.Password)
	} else {
		b.WriteString(" externalAuth=1")
	}
	return b.String()
}

// Warm dials sessions until MinSessions are idle. Stops early at capacity.
func (p *Pool) Warm(ctx context.Context) error {
	for i := 0; i < p.cfg.PoolMinSessions; i++ {
		select {
		case p.slots <- struct{}{}:
		default:
			return nil
		}
		s, err := p.dial(ctx)
		if err != nil {
			<-p.slots
			return fmt.Errorf("warm session %d of %d: %w", i+1, p.cfg.PoolMinSessions, err)
		}
		p.idle <- s
	}
	return nil
}

// Acquire returns a session per the configured get mode: wait blocks until a
// session frees or ctx ends, no-wait fails immediately, timed-wait fails
// with ErrPoolExhausted after WaitTimeout, force-get dials past MaxSessions.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	var timeout <-chan time.Time
	if p.cfg.PoolGetMode == config.GetModeTimedWait {
		timer := time.NewTimer(p.cfg.PoolWaitTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-p.done:
			return nil, ErrPoolClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		// Idle sessions win over dialing.
		select {
		case s := <-p.idle:
			if p.checkout(ctx, s) {
				return s, nil
			}
			continue
		default:
		}

		select {
		case p.slots <- struct{}{}:
			s, err := p.dial(ctx)
			if err != nil {
				<-p.slots
				p.errCount.Add(1)
				return nil, fmt.Errorf("open session: %w", err)
			}
			p.prefetch()
			return p.lease(s), nil
		default:
		}

		switch p.cfg.PoolGetMode {
		case config.GetModeNoWait:
			p.errCount.Add(1)
			return nil, ErrPoolExhausted
		case config.GetModeForceGet:
			s, err := p.dial(ctx)
			if err != nil {
				p.errCount.Add(1)
				return nil, fmt.Errorf("open overflow session: %w", err)
			}
			s.unpooled = true
			return p.lease(s), nil
		}

		select {
		case s := <-p.idle:
			if p.checkout(ctx, s) {
				return s, nil
			}
		case p.slots <- struct{}{}:
			s, err := p.dial(ctx)
			if err != nil {
				<-p.slots
				p.errCount.Add(1)
				return nil, fmt.Errorf("open session: %w", err)
			}
			p.prefetch()
			return p.lease(s), nil
		case <-timeout:
			p.errCount.Add(1)
			return nil, ErrPoolExhausted
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.done:
			return nil, ErrPoolClosed
		}
	}
}

// Release returns the session to the pool. Bad, expired, and overflow
// sessions are destroyed instead of recycled. Releasing twice is a no-op.
func (p *Pool) Release(s *Session) {
	if s == nil || !s.inUse.CompareAndSwap(true, false) {
		return
	}
	p.busy.Add(-1)
	p.released.Add(1)
	s.lastUsed = time.Now()

	if s.unpooled {
		p.destroy(s)
		return
	}
	if s.bad.Load() || p.expired(s) || p.isClosed() {
		p.retire(s)
		return
	}
	select {
	case p.idle <- s:
	default:
		p.retire(s)
	}
}

func (p *Pool) Stats() Stats {
	return Stats{
		Open:          p.open.Load(),
		Busy:          p.busy.Load(),
		AcquiredTotal: p.acquired.Load(),
		ReleasedTotal: p.released.Load(),
		ErrorTotal:    p.errCount.Load(),
	}
}

// Close retires idle sessions, waits briefly for busy ones, and closes the
// underlying handle. Busy sessions released after Close are retired by
// Release.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	p.wg.Wait()

	deadline := time.Now().Add(closeWait)
	for {
		select {
		case s := <-p.idle:
			p.retire(s)
			continue
		default:
		}
		if p.busy.Load() == 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := p.busy.Load(); n > 0 {
		log.WithField("busy", n).Warn("closing session pool with sessions still in use")
	}
	return p.db.Close()
}

func (p *Pool) isClosed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Pool) dial(ctx context.Context) (*Session, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	p.open.Add(1)
	return &Session{conn: conn, createdAt: now, lastUsed: now}, nil
}

// checkout validates an idle session before handing it out. Returns false
// after retiring an unusable one; the caller retries.
func (p *Pool) checkout(ctx context.Context, s *Session) bool {
	if s.bad.Load() || p.expired(s) {
		p.retire(s)
		return false
	}
	if p.cfg.PoolPingInterval > 0 && time.Since(s.lastUsed) > p.cfg.PoolPingInterval {
		if err := s.conn.PingContext(ctx); err != nil {
			log.WithError(err).Debug("idle session failed ping, retiring")
			p.retire(s)
			return false
		}
		s.lastUsed = time.Now()
	}
	p.lease(s)
	return true
}

func (p *Pool) lease(s *Session) *Session {
	s.inUse.Store(true)
	p.busy.Add(1)
	p.acquired.Add(1)
	return s
}

func (p *Pool) expired(s *Session) bool {
	return p.cfg.PoolMaxLifetime > 0 && time.Since(s.createdAt) > p.cfg.PoolMaxLifetime
}

// retire destroys a pooled session and frees its slot.
func (p *Pool) retire(s *Session) {
	p.destroy(s)
	<-p.slots
}

// destroy poisons the driver connection so the stdlib layer cannot recycle
// it, then closes it.
func (p *Pool) destroy(s *Session) {
	_ = s.conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = s.conn.Close()
	p.open.Add(-1)
}

// prefetch dials up to increment-1 extra sessions in the background so the
// next acquisitions find idle ones.
func (p *Pool) prefetch() {
	for i := 0; i < p.cfg.PoolIncrement-1; i++ {
		select {
		case p.slots <- struct{}{}:
		default:
			return
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
			defer cancel()
			s, err := p.dial(ctx)
			if err != nil {
				<-p.slots
				log.WithError(err).Debug("background session dial failed")
				return
			}
			select {
			case p.idle <- s:
			default:
				p.retire(s)
			}
		}()
	}
}
