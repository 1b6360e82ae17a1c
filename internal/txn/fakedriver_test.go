package txn

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/obertruper/botcore/internal/txn/dialect"
)

// This file backs the Transaction Orchestrator's tests with an in-memory
// database/sql/driver fake instead of a real Postgres/MySQL instance,
// matching the Dialect/Writer interface seam the teacher module's
// sql/export package keeps swappable for exactly this reason.

// deadlockErr is a sentinel error type a scripted exec step can return to
// exercise ExecuteInTransaction's deadlock-retry path.
type deadlockErr struct{ msg string }

func (e deadlockErr) Error() string { return e.msg }

// testDialect wraps dialect.Postgres but recognizes deadlockErr as a
// deadlock, since the fake driver never produces a real pgconn.PgError.
type testDialect struct{ dialect.Postgres }

func (testDialect) IsDeadlock(err error) bool {
	var d deadlockErr
	return errors.As(err, &d)
}

var _ dialect.Dialect = testDialect{}

type execStep struct {
	affected int64
	err      error
}

type queryStep struct {
	cols []string
	rows [][]driver.Value
	err  error
}

// sharedState is the in-memory backing store for one registered DSN,
// shared across every driver.Conn the pool opens against it.
type sharedState struct {
	mu         sync.Mutex
	execQueue  []execStep
	queryQueue []queryStep
	execCalls  []string
	queryCalls []string
}

func (s *sharedState) nextExec(query string) execStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execCalls = append(s.execCalls, query)
	if len(s.execQueue) == 0 {
		return execStep{affected: 1}
	}
	step := s.execQueue[0]
	s.execQueue = s.execQueue[1:]
	return step
}

func (s *sharedState) nextQuery(query string) queryStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryCalls = append(s.queryCalls, query)
	if len(s.queryQueue) == 0 {
		return queryStep{cols: []string{"count"}, rows: [][]driver.Value{{int64(0)}}}
	}
	step := s.queryQueue[0]
	s.queryQueue = s.queryQueue[1:]
	return step
}

var registry sync.Map // dsn -> *sharedState

type fakeDriver struct{}

func (fakeDriver) Open(dsn string) (driver.Conn, error) {
	v, _ := registry.LoadOrStore(dsn, &sharedState{})
	return &fakeConn{state: v.(*sharedState)}, nil
}

type fakeConn struct {
	state *sharedState
}

var _ driver.Conn = (*fakeConn)(nil)
var _ driver.ConnBeginTx = (*fakeConn)(nil)
var _ driver.ExecerContext = (*fakeConn)(nil)
var _ driver.QueryerContext = (*fakeConn)(nil)

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return nil, errors.New("fakedriver: Prepare unsupported, use ExecContext/QueryContext")
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) Begin() (driver.Tx, error) { return fakeTx{}, nil }

func (c *fakeConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	return fakeTx{}, nil
}

func (c *fakeConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	step := c.state.nextExec(query)
	if step.err != nil {
		return nil, step.err
	}
	return fakeResult{affected: step.affected}, nil
}

func (c *fakeConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	step := c.state.nextQuery(query)
	if step.err != nil {
		return nil, step.err
	}
	return &fakeRows{cols: step.cols, rows: step.rows}, nil
}

type fakeTx struct{}

func (fakeTx) Commit() error   { return nil }
func (fakeTx) Rollback() error { return nil }

type fakeResult struct {
	affected int64
}

func (r fakeResult) LastInsertId() (int64, error) { return 0, errors.New("not supported") }
func (r fakeResult) RowsAffected() (int64, error) { return r.affected, nil }

type fakeRows struct {
	cols []string
	rows [][]driver.Value
	pos  int
}

func (r *fakeRows) Columns() []string { return r.cols }
func (r *fakeRows) Close() error      { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.pos])
	r.pos++
	return nil
}

var driverRegisterOnce sync.Once
var dsnCounter int64

// newFakeDB registers the fake driver (once per process) and opens a
// fresh *sql.DB backed by its own isolated sharedState.
func newFakeDB() (*sql.DB, *sharedState) {
	driverRegisterOnce.Do(func() {
		sql.Register("txnfake", fakeDriver{})
	})
	dsn := "dsn-" + strconv.FormatInt(atomic.AddInt64(&dsnCounter, 1), 10)
	db, err := sql.Open("txnfake", dsn)
	if err != nil {
		panic(err)
	}
	v, _ := registry.LoadOrStore(dsn, &sharedState{})
	return db, v.(*sharedState)
}
