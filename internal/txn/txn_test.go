package txn

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/obertruper/botcore/internal/cerrors"
	"github.com/obertruper/botcore/internal/txn/dialect"
)

func TestChunk_SplitsIntoBoundedGroups(t *testing.T) {
	rows := [][]any{{1}, {2}, {3}, {4}, {5}}
	got := chunk(rows, 2)
	require.Len(t, got, 3)
	require.Len(t, got[0], 2)
	require.Len(t, got[2], 1)
}

func TestChunk_ZeroSizeMeansOneChunk(t *testing.T) {
	rows := [][]any{{1}, {2}, {3}}
	got := chunk(rows, 0)
	require.Len(t, got, 1)
	require.Len(t, got[0], 3)
}

func TestChunk_EmptyRowsReturnsNil(t *testing.T) {
	require.Nil(t, chunk(nil, 10))
}

func TestTransaction_CommitMarksMetricsCommitted(t *testing.T) {
	db, _ := newFakeDB()
	o := New(db, testDialect{}, nil)

	scope, err := o.Transaction(context.Background(), ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, scope.Commit())
	require.Equal(t, MetricsCommitted, scope.metrics.State)
}

func TestTransaction_RollbackMarksMetricsRolledBack(t *testing.T) {
	db, _ := newFakeDB()
	o := New(db, testDialect{}, nil)

	scope, err := o.Transaction(context.Background(), Serializable)
	require.NoError(t, err)
	require.NoError(t, scope.Rollback())
	require.Equal(t, MetricsRolledBack, scope.metrics.State)
}

func TestExecuteInTransaction_AllOpsSucceedCommits(t *testing.T) {
	db, _ := newFakeDB()
	o := New(db, testDialect{}, nil)

	results, err := o.ExecuteInTransaction(context.Background(), ReadCommitted, 3, []Operation{
		func(ctx context.Context, tx *sql.Tx) (any, error) {
			_, err := tx.ExecContext(ctx, "INSERT INTO t VALUES (1)")
			return "ok", err
		},
	})
	require.NoError(t, err)
	require.Equal(t, []any{"ok"}, results)
}

func TestExecuteInTransaction_RetriesOnDeadlockThenSucceeds(t *testing.T) {
	db, state := newFakeDB()
	o := New(db, testDialect{}, nil)

	state.execQueue = []execStep{
		{err: deadlockErr{msg: "deadlock detected"}},
		{affected: 1},
	}

	attempts := 0
	results, err := o.ExecuteInTransaction(context.Background(), ReadCommitted, 2, []Operation{
		func(ctx context.Context, tx *sql.Tx) (any, error) {
			attempts++
			_, err := tx.ExecContext(ctx, "UPDATE t SET x = 1")
			return attempts, err
		},
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
	require.Equal(t, []any{2}, results)
}

func TestExecuteInTransaction_ExhaustsRetriesReturnsError(t *testing.T) {
	db, state := newFakeDB()
	o := New(db, testDialect{}, nil)

	state.execQueue = []execStep{
		{err: deadlockErr{msg: "deadlock detected"}},
		{err: deadlockErr{msg: "deadlock detected"}},
	}

	_, err := o.ExecuteInTransaction(context.Background(), ReadCommitted, 1, []Operation{
		func(ctx context.Context, tx *sql.Tx) (any, error) {
			_, err := tx.ExecContext(ctx, "UPDATE t SET x = 1")
			return nil, err
		},
	})
	require.Error(t, err)
}

func TestExecuteInTransaction_NonDeadlockErrorPropagatesImmediately(t *testing.T) {
	db, state := newFakeDB()
	o := New(db, testDialect{}, nil)

	state.execQueue = []execStep{
		{err: errors.New("syntax error")},
	}

	_, err := o.ExecuteInTransaction(context.Background(), ReadCommitted, 5, []Operation{
		func(ctx context.Context, tx *sql.Tx) (any, error) {
			_, err := tx.ExecContext(ctx, "UPDATE t SET x = 1")
			return nil, err
		},
	})
	require.Error(t, err)
	require.Len(t, state.execCalls, 1) // no retry attempted
}

func TestUnitOfWork_CommitRunsAllRegisteredOperations(t *testing.T) {
	db, _ := newFakeDB()
	o := New(db, testDialect{}, nil)

	uow := o.NewUnitOfWork(ReadCommitted)
	var order []int
	uow.Add(func(ctx context.Context, tx *sql.Tx) (any, error) {
		order = append(order, 1)
		return nil, nil
	})
	uow.Add(func(ctx context.Context, tx *sql.Tx) (any, error) {
		order = append(order, 2)
		return nil, nil
	})

	_, err := uow.Commit(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, order)
}

func TestUnitOfWork_RollbackDiscardsPendingOperations(t *testing.T) {
	db, _ := newFakeDB()
	o := New(db, testDialect{}, nil)

	uow := o.NewUnitOfWork(ReadCommitted)
	ran := false
	uow.Add(func(ctx context.Context, tx *sql.Tx) (any, error) {
		ran = true
		return nil, nil
	})
	uow.Rollback()

	_, err := uow.Commit(context.Background())
	require.NoError(t, err)
	require.False(t, ran)
}

func TestBulkInsert_ChunksAndSumsAffectedRows(t *testing.T) {
	db, state := newFakeDB()
	o := New(db, testDialect{}, nil)

	state.execQueue = []execStep{{affected: 2}, {affected: 1}}
	rows := [][]any{{"a"}, {"b"}, {"c"}}

	n, err := o.BulkInsert(context.Background(), "signal_fingerprints", []string{"fingerprint"}, rows, "", nil, 2)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Len(t, state.execCalls, 2)
}

func TestBulkInsert_PersistentSQLErrorClassifiesAsPersistentDatabase(t *testing.T) {
	db, state := newFakeDB()
	o := New(db, testDialect{}, nil)

	state.execQueue = []execStep{{err: &pgconn.PgError{Code: "42703"}}} // undefined_column
	rows := [][]any{{"a"}}

	_, err := o.BulkInsert(context.Background(), "signal_fingerprints", []string{"fingerprint"}, rows, "", nil, 0)
	require.Error(t, err)
	require.True(t, cerrors.Is(err, cerrors.KindPersistentDatabase))
}

func TestBulkInsert_TransientSQLErrorClassifiesAsTransientDatabase(t *testing.T) {
	db, state := newFakeDB()
	o := New(db, testDialect{}, nil)

	state.execQueue = []execStep{{err: errors.New("connection reset by peer")}}
	rows := [][]any{{"a"}}

	_, err := o.BulkInsert(context.Background(), "signal_fingerprints", []string{"fingerprint"}, rows, "", nil, 0)
	require.Error(t, err)
	require.True(t, cerrors.Is(err, cerrors.KindTransientDatabase))
}

func TestCount_ReturnsScannedValue(t *testing.T) {
	db, state := newFakeDB()
	o := New(db, testDialect{}, nil)

	state.queryQueue = []queryStep{{cols: []string{"count"}, rows: [][]driver.Value{{int64(7)}}}}

	n, err := o.Count(context.Background(), "workers", []dialect.Condition{{Column: "kind", Value: "executor"}})
	require.NoError(t, err)
	require.EqualValues(t, 7, n)
}

func TestExists_TrueWhenCountPositive(t *testing.T) {
	db, state := newFakeDB()
	o := New(db, testDialect{}, nil)
	state.queryQueue = []queryStep{{cols: []string{"count"}, rows: [][]driver.Value{{int64(1)}}}}

	ok, err := o.Exists(context.Background(), "workers", nil)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestExists_FalseWhenCountZero(t *testing.T) {
	db, state := newFakeDB()
	o := New(db, testDialect{}, nil)
	state.queryQueue = []queryStep{{cols: []string{"count"}, rows: [][]driver.Value{{int64(0)}}}}

	ok, err := o.Exists(context.Background(), "workers", nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestExecuteInTransaction_RecordsPerOperationTiming(t *testing.T) {
	db, _ := newFakeDB()
	o := New(db, testDialect{}, nil)
	o.retentionAfterCompletion = time.Hour // keep metrics around for the assertion below

	_, err := o.ExecuteInTransaction(context.Background(), ReadCommitted, 0, []Operation{
		func(ctx context.Context, tx *sql.Tx) (any, error) {
			return nil, nil
		},
		func(ctx context.Context, tx *sql.Tx) (any, error) {
			time.Sleep(time.Millisecond)
			return nil, nil
		},
	})
	require.NoError(t, err)

	o.mu.Lock()
	var found *TransactionMetrics
	for _, m := range o.metrics {
		found = m
	}
	o.mu.Unlock()

	require.NotNil(t, found)
	require.Equal(t, 2, found.OperationCount)
	require.Len(t, found.OperationTimes, 2)
}
