// Package oratest provides an in-memory database/sql driver that stands in
// for an Oracle endpoint in tests. It records every physical connection,
// ping, statement, and transaction, and lets tests inject failures at each of
// those points.
package oratest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Result is a canned rowset returned for queries matching a stubbed
// substring. Values must be driver.Value kinds (int64, float64, string,
// []byte, time.Time, nil).
type Result struct {
	Columns []string
	Rows    [][]driver.Value
}

// Exec is one recorded statement execution.
type Exec struct {
	Query string
	Args  []driver.NamedValue
}

// Driver is the shared state behind every connection a test opens. The zero
// value is not usable; call New.
type Driver struct {
	mu         sync.Mutex
	connectErr error
	pingErr    error
	execErr    error
	queryErr   error
	execDelay  time.Duration

	stubs []stub

	opened    int
	closed    int
	peakLive  int
	pings     int
	execs     []Exec
	queries   []Exec
	commits   int
	rollbacks int
}

type stub struct {
	substr string
	res    Result
}

func New() *Driver { return &Driver{} }

// Open returns a database handle backed by this driver.
func (d *Driver) Open() *sql.DB { return sql.OpenDB(connector{d}) }

// SetConnectErr makes subsequent physical connects fail.
func (d *Driver) SetConnectErr(err error) { d.mu.Lock(); d.connectErr = err; d.mu.Unlock() }

// SetPingErr makes subsequent pings fail.
func (d *Driver) SetPingErr(err error) { d.mu.Lock(); d.pingErr = err; d.mu.Unlock() }

// SetExecErr makes subsequent statement executions fail.
func (d *Driver) SetExecErr(err error) { d.mu.Lock(); d.execErr = err; d.mu.Unlock() }

// SetQueryErr makes subsequent queries fail.
func (d *Driver) SetQueryErr(err error) { d.mu.Lock(); d.queryErr = err; d.mu.Unlock() }

// SetExecDelay delays each execution, for timeout tests.
func (d *Driver) SetExecDelay(delay time.Duration) { d.mu.Lock(); d.execDelay = delay; d.mu.Unlock() }

// StubQuery registers a canned result for any query containing substr.
// Later registrations win over earlier ones.
func (d *Driver) StubQuery(substr string, res Result) {
	d.mu.Lock()
	d.stubs = append([]stub{{substr, res}}, d.stubs...)
	d.mu.Unlock()
}

func (d *Driver) OpenCount() int { d.mu.Lock(); defer d.mu.Unlock(); return d.opened }
func (d *Driver) ClosedCount() int { d.mu.Lock(); defer d.mu.Unlock(); return d.closed }

// PeakLive reports the highest number of simultaneously open connections.
func (d *Driver) PeakLive() int { d.mu.Lock(); defer d.mu.Unlock(); return d.peakLive }
func (d *Driver) PingCount() int { d.mu.Lock(); defer d.mu.Unlock(); return d.pings }
func (d *Driver) CommitCount() int { d.mu.Lock(); defer d.mu.Unlock(); return d.commits }
func (d *Driver) RollbackCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rollbacks
}

// Execs returns a snapshot of recorded executions in order.
func (d *Driver) Execs() []Exec {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Exec, len(d.execs))
	copy(out, d.execs)
	return out
}

// LastExec returns the most recent execution, or false when none happened.
func (d *Driver) LastExec() (Exec, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.execs) == 0 {
		return Exec{}, false
	}
	return d.execs[len(d.execs)-1], true
}

func (d *Driver) ExecCount() int { d.mu.Lock(); defer d.mu.Unlock(); return len(d.execs) }

// Queries returns a snapshot of recorded row queries in order.
func (d *Driver) Queries() []Exec {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Exec, len(d.queries))
	copy(out, d.queries)
	return out
}

// LastQuery returns the most recent row query, or false when none happened.
func (d *Driver) LastQuery() (Exec, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queries) == 0 {
		return Exec{}, false
	}
	return d.queries[len(d.queries)-1], true
}

type connector struct{ d *Driver }

func (c connector) Connect(context.Context) (driver.Conn, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if c.d.connectErr != nil {
		return nil, c.d.connectErr
	}
	c.d.opened++
	if live := c.d.opened - c.d.closed; live > c.d.peakLive {
		c.d.peakLive = live
	}
	return &conn{d: c.d}, nil
}

func (c connector) Driver() driver.Driver { return drv{} }

type drv struct{}

func (drv) Open(string) (driver.Conn, error) {
	return nil, fmt.Errorf("oratest: open by DSN unsupported")
}

type conn struct{ d *Driver }

var (
	_ driver.Pinger            = (*conn)(nil)
	_ driver.ExecerContext     = (*conn)(nil)
	_ driver.QueryerContext    = (*conn)(nil)
	_ driver.ConnBeginTx       = (*conn)(nil)
	_ driver.NamedValueChecker = (*conn)(nil)
)

func (c *conn) Prepare(query string) (driver.Stmt, error) { return &stmt{c: c, query: query}, nil }

func (c *conn) Close() error {
	c.d.mu.Lock()
	c.d.closed++
	c.d.mu.Unlock()
	return nil
}

func (c *conn) Begin() (driver.Tx, error) { return c.BeginTx(context.Background(), driver.TxOptions{}) }

func (c *conn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	return &tx{d: c.d}, nil
}

func (c *conn) Ping(context.Context) error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	c.d.pings++
	return c.d.pingErr
}

// CheckNamedValue accepts every argument unchanged so that named binds,
// time.Time, and the column slices used by array DML pass through.
func (c *conn) CheckNamedValue(*driver.NamedValue) error { return nil }

func (c *conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.d.mu.Lock()
	delay := c.d.execDelay
	c.d.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	c.d.execs = append(c.d.execs, Exec{Query: query, Args: cloneArgs(args)})
	if c.d.execErr != nil {
		return nil, c.d.execErr
	}
	return driver.RowsAffected(1), nil
}

func (c *conn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	c.d.queries = append(c.d.queries, Exec{Query: query, Args: cloneArgs(args)})
	if c.d.queryErr != nil {
		return nil, c.d.queryErr
	}
	for _, s := range c.d.stubs {
		if strings.Contains(query, s.substr) {
			return newRows(s.res), nil
		}
	}
	return nil, fmt.Errorf("oratest: no stub matches query %q", query)
}

type stmt struct {
	c     *conn
	query string
}

func (s *stmt) Close() error  { return nil }
func (s *stmt) NumInput() int { return -1 }

func (s *stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.c.ExecContext(context.Background(), s.query, valuesToNamed(args))
}

func (s *stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.c.QueryContext(context.Background(), s.query, valuesToNamed(args))
}

type tx struct{ d *Driver }

func (t *tx) Commit() error {
	t.d.mu.Lock()
	t.d.commits++
	t.d.mu.Unlock()
	return nil
}

func (t *tx) Rollback() error {
	t.d.mu.Lock()
	t.d.rollbacks++
	t.d.mu.Unlock()
	return nil
}

type rows struct {
	res Result
	idx int
}

func newRows(res Result) *rows { return &rows{res: res} }

func (r *rows) Columns() []string { return r.res.Columns }
func (r *rows) Close() error      { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.idx >= len(r.res.Rows) {
		return io.EOF
	}
	copy(dest, r.res.Rows[r.idx])
	r.idx++
	return nil
}

func cloneArgs(args []driver.NamedValue) []driver.NamedValue {
	out := make([]driver.NamedValue, len(args))
	copy(out, args)
	return out
}

func valuesToNamed(args []driver.Value) []driver.NamedValue {
	out := make([]driver.NamedValue, len(args))
	for i, v := range args {
		out[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return out
}
