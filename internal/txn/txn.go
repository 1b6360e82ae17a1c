// Package txn implements the Transaction Orchestrator (C6): atomic
// multi-statement execution with savepoints, deadlock retry, and Unit-of-
// Work composition over a SQL-capable storage pool, per spec.md section
// 4.6. It wraps database/sql against a dialect.Dialect (Postgres or
// MySQL), grounded on the teacher module's sql/export package's
// Writer/Reader/Dialect generic split — reworked here into a concrete,
// non-generic orchestrator since the bulk primitives this spec needs
// operate on a fixed (table, columns, rows) shape rather than an
// arbitrary schema-mapped type parameter.
package txn

import (
	"context"
	"database/sql"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obertruper/botcore/internal/cerrors"
	"github.com/obertruper/botcore/internal/obslog"
	"github.com/obertruper/botcore/internal/txn/dialect"
)

// Isolation is the spec-level isolation string. sqlLevel maps it to the
// database/sql isolation level passed to BeginTx; normalizeIsolation
// renders its SQL form but is not called by Transaction or
// ExecuteInTransaction.
type Isolation string

const (
	ReadCommitted  Isolation = "read_committed"
	RepeatableRead Isolation = "repeatable_read"
	Serializable   Isolation = "serializable"
)

func normalizeIsolation(i Isolation) string {
	switch i {
	case RepeatableRead:
		return "REPEATABLE READ"
	case Serializable:
		return "SERIALIZABLE"
	case ReadCommitted, "":
		return "READ COMMITTED"
	default:
		return "READ COMMITTED"
	}
}

func (i Isolation) sqlLevel() sql.IsolationLevel {
	switch i {
	case RepeatableRead:
		return sql.LevelRepeatableRead
	case Serializable:
		return sql.LevelSerializable
	default:
		return sql.LevelReadCommitted
	}
}

// MetricsState is a TransactionMetrics row's lifecycle state, per spec.md
// section 3.
type MetricsState string

const (
	MetricsPending    MetricsState = "pending"
	MetricsActive     MetricsState = "active"
	MetricsCommitted  MetricsState = "committed"
	MetricsRolledBack MetricsState = "rolledBack"
	MetricsFailed     MetricsState = "failed"
)

// TransactionMetrics tracks one transaction's lifecycle, per spec.md
// section 3. Retained in memory for ~60s after completion.
type TransactionMetrics struct {
	ID             string
	StartedAt      time.Time
	EndedAt        time.Time
	State          MetricsState
	OperationCount int
	OperationTimes []time.Duration // supplemented from transaction_manager.py's per-op timing
	Error          string
}

// Orchestrator is the Transaction Orchestrator (C6).
type Orchestrator struct {
	db  *sql.DB
	dl  dialect.Dialect
	log *obslog.Logger

	mu      sync.Mutex
	metrics map[string]*TransactionMetrics

	retentionAfterCompletion time.Duration
}

// New constructs an Orchestrator over db using dl's SQL dialect.
func New(db *sql.DB, dl dialect.Dialect, log *obslog.Logger) *Orchestrator {
	if log == nil {
		log = obslog.Discard()
	}
	return &Orchestrator{
		db:                       db,
		dl:                       dl,
		log:                      obslog.Named(log, "txn"),
		metrics:                  make(map[string]*TransactionMetrics),
		retentionAfterCompletion: 60 * time.Second,
	}
}

func (o *Orchestrator) newMetrics() *TransactionMetrics {
	m := &TransactionMetrics{ID: uuid.NewString(), StartedAt: time.Now(), State: MetricsPending}
	o.mu.Lock()
	o.metrics[m.ID] = m
	o.mu.Unlock()
	return m
}

func (o *Orchestrator) finishMetrics(m *TransactionMetrics, state MetricsState, err error) {
	m.EndedAt = time.Now()
	m.State = state
	if err != nil {
		m.Error = err.Error()
	}
	go func() {
		time.Sleep(o.retentionAfterCompletion)
		o.mu.Lock()
		delete(o.metrics, m.ID)
		o.mu.Unlock()
	}()
}

// Metrics returns a snapshot of id's TransactionMetrics, if still retained.
func (o *Orchestrator) Metrics(id string) (TransactionMetrics, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.metrics[id]
	if !ok {
		return TransactionMetrics{}, false
	}
	return *m, true
}

// Scope wraps an active *sql.Tx with COMMIT-on-success / ROLLBACK-on-error
// semantics, per spec.md section 4.6's Transaction contract.
type Scope struct {
	Tx      *sql.Tx
	metrics *TransactionMetrics
	o       *Orchestrator
	done    bool
}

// Transaction acquires a pooled connection and begins a transaction at
// the requested isolation level through sql.TxOptions, leaving the driver
// to render the level; no separate SET TRANSACTION ISOLATION LEVEL
// statement is issued.
func (o *Orchestrator) Transaction(ctx context.Context, isolation Isolation) (*Scope, error) {
	m := o.newMetrics()
	m.State = MetricsActive

	tx, err := o.db.BeginTx(ctx, &sql.TxOptions{Isolation: isolation.sqlLevel()})
	if err != nil {
		o.finishMetrics(m, MetricsFailed, err)
		return nil, cerrors.Wrap(classifyDBError(o.dl, err), "txn.Transaction", "begin failed", err)
	}
	return &Scope{Tx: tx, metrics: m, o: o}, nil
}

// Commit commits the scope's transaction, marking its metrics committed.
func (s *Scope) Commit() error {
	if s.done {
		return nil
	}
	s.done = true
	err := s.Tx.Commit()
	if err != nil {
		s.o.finishMetrics(s.metrics, MetricsFailed, err)
		return cerrors.Wrap(classifyDBError(s.o.dl, err), "txn.Scope.Commit", "commit failed", err)
	}
	s.o.finishMetrics(s.metrics, MetricsCommitted, nil)
	return nil
}

// Rollback rolls back the scope's transaction, marking its metrics
// rolledBack.
func (s *Scope) Rollback() error {
	if s.done {
		return nil
	}
	s.done = true
	err := s.Tx.Rollback()
	s.o.finishMetrics(s.metrics, MetricsRolledBack, err)
	return err
}

// Savepoint is a nested checkpoint within a Scope's transaction, per
// spec.md section 4.6's nesting rule: names must be unique within the
// enclosing transaction, and releasing a savepoint never commits the
// outer scope.
type Savepoint struct {
	tx   *sql.Tx
	dl   dialect.Dialect
	name string
	done bool
}

// Savepoint creates a named savepoint within an active transaction.
func (o *Orchestrator) Savepoint(ctx context.Context, scope *Scope, name string) (*Savepoint, error) {
	if _, err := scope.Tx.ExecContext(ctx, o.dl.Savepoint(name)); err != nil {
		return nil, cerrors.Wrap(classifyDBError(o.dl, err), "txn.Savepoint", "savepoint failed", err)
	}
	return &Savepoint{tx: scope.Tx, dl: o.dl, name: name}, nil
}

// Release releases the savepoint (does not commit the enclosing
// transaction).
func (sp *Savepoint) Release(ctx context.Context) error {
	if sp.done {
		return nil
	}
	sp.done = true
	_, err := sp.tx.ExecContext(ctx, sp.dl.ReleaseSavepoint(sp.name))
	return err
}

// RollbackTo rolls back to the savepoint on error exit.
func (sp *Savepoint) RollbackTo(ctx context.Context) error {
	if sp.done {
		return nil
	}
	sp.done = true
	_, err := sp.tx.ExecContext(ctx, sp.dl.RollbackToSavepoint(sp.name))
	return err
}

// Operation is one unit of work inside ExecuteInTransaction or a
// UnitOfWork.
type Operation func(ctx context.Context, tx *sql.Tx) (any, error)

// ExecuteInTransaction runs ops sharing one connection inside one
// transaction, with deadlock-aware retry: on a deadlock error, rollback,
// sleep 0.1*2^attempt seconds, and retry up to maxRetries times. Other
// errors propagate immediately, per spec.md section 4.6.
func (o *Orchestrator) ExecuteInTransaction(ctx context.Context, isolation Isolation, maxRetries int, ops []Operation) ([]any, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		results, err := o.executeOnce(ctx, isolation, ops)
		if err == nil {
			return results, nil
		}
		lastErr = err
		if !o.dl.IsDeadlock(unwrapCause(err)) || attempt == maxRetries {
			return nil, err
		}
		backoff := time.Duration(0.1*math.Pow(2, float64(attempt)) * float64(time.Second))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

// classifyDBError picks the cerrors.Kind for a raw database/sql error:
// unique violations are an admission concern (the caller's ON CONFLICT
// intent failed to match reality), persistent errors (bad SQL, missing
// schema, non-unique constraint violations) are not worth retrying, and
// everything else defaults to transient -- a connection drop, timeout, or
// other condition a later retry might clear.
func classifyDBError(dl dialect.Dialect, err error) cerrors.Kind {
	switch {
	case dl.IsUniqueViolation(err):
		return cerrors.KindAdmissionDenied
	case dl.IsPersistent(err):
		return cerrors.KindPersistentDatabase
	default:
		return cerrors.KindTransientDatabase
	}
}

func unwrapCause(err error) error {
	var ce *cerrors.Error
	if e, ok := err.(*cerrors.Error); ok {
		ce = e
	}
	if ce != nil && ce.Cause != nil {
		return ce.Cause
	}
	return err
}

func (o *Orchestrator) executeOnce(ctx context.Context, isolation Isolation, ops []Operation) ([]any, error) {
	m := o.newMetrics()
	m.State = MetricsActive

	tx, err := o.db.BeginTx(ctx, &sql.TxOptions{Isolation: isolation.sqlLevel()})
	if err != nil {
		o.finishMetrics(m, MetricsFailed, err)
		return nil, cerrors.Wrap(classifyDBError(o.dl, err), "txn.ExecuteInTransaction", "begin failed", err)
	}

	results := make([]any, 0, len(ops))
	for _, op := range ops {
		opStart := time.Now()
		r, err := op(ctx, tx)
		m.OperationCount++
		m.OperationTimes = append(m.OperationTimes, time.Since(opStart))
		if err != nil {
			_ = tx.Rollback()
			o.finishMetrics(m, MetricsRolledBack, err)
			return nil, cerrors.Wrap(classifyDBError(o.dl, err), "txn.ExecuteInTransaction", "operation failed", err)
		}
		results = append(results, r)
	}

	if err := tx.Commit(); err != nil {
		o.finishMetrics(m, MetricsFailed, err)
		return nil, cerrors.Wrap(classifyDBError(o.dl, err), "txn.ExecuteInTransaction", "commit failed", err)
	}
	o.finishMetrics(m, MetricsCommitted, nil)
	return results, nil
}

// UnitOfWork accumulates operations to commit atomically, or discards
// them all on Rollback, per spec.md section 4.6.
type UnitOfWork struct {
	o          *Orchestrator
	isolation  Isolation
	operations []Operation
}

// NewUnitOfWork starts an empty unit of work.
func (o *Orchestrator) NewUnitOfWork(isolation Isolation) *UnitOfWork {
	return &UnitOfWork{o: o, isolation: isolation}
}

// Add registers op to run when Commit is called.
func (u *UnitOfWork) Add(op Operation) {
	u.operations = append(u.operations, op)
}

// Commit runs every registered operation inside one transaction, atomically.
func (u *UnitOfWork) Commit(ctx context.Context) ([]any, error) {
	results, err := u.o.executeOnce(ctx, u.isolation, u.operations)
	u.operations = nil
	return results, err
}

// Rollback clears pending operations without executing them.
func (u *UnitOfWork) Rollback() {
	u.operations = nil
}

