package txn

import (
	"context"
	"fmt"

	"github.com/obertruper/botcore/internal/cerrors"
	"github.com/obertruper/botcore/internal/txn/dialect"
)

// chunk splits rows into chunkSize-bounded groups, preserving order. A
// chunkSize <= 0 means "one chunk". Grounded on the teacher module's
// microbatch package's chunking pattern, adapted here into a pure
// synchronous splitter: BulkInsert's caller already awaits the whole
// operation, so no background batching goroutine is needed.
func chunk(rows [][]any, chunkSize int) [][][]any {
	if chunkSize <= 0 || chunkSize >= len(rows) {
		if len(rows) == 0 {
			return nil
		}
		return [][][]any{rows}
	}
	var out [][][]any
	for i := 0; i < len(rows); i += chunkSize {
		end := i + chunkSize
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[i:end])
	}
	return out
}

// BulkInsert performs a chunked multi-VALUES insert against table, per
// spec.md section 4.6. onConflict is passed through verbatim to the
// dialect (e.g. "ON CONFLICT DO NOTHING" / "ON DUPLICATE KEY UPDATE ...");
// returning is appended as a RETURNING clause only by dialects that
// support it (Postgres). Each chunk runs through ExecContext, so the
// returned rows are not passed back; the result is the affected-row count.
func (o *Orchestrator) BulkInsert(ctx context.Context, table string, columns []string, rows [][]any, onConflict string, returning []string, chunkSize int) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	total := 0
	for _, batch := range chunk(rows, chunkSize) {
		snip := o.dl.InsertRows(table, columns, batch, onConflict, returning)
		res, err := o.db.ExecContext(ctx, snip.SQL, snip.Args...)
		if err != nil {
			if o.dl.IsUniqueViolation(err) {
				return total, cerrors.Wrap(cerrors.KindAdmissionDenied, "txn.BulkInsert", "unique violation", err)
			}
			return total, cerrors.Wrap(classifyDBError(o.dl, err), "txn.BulkInsert", "insert failed", err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

// BulkUpsert is BulkInsert with a derived ON CONFLICT ... DO UPDATE SET
// clause, per spec.md section 4.6.
func (o *Orchestrator) BulkUpsert(ctx context.Context, table string, columns []string, rows [][]any, conflictCols, updateCols []string, chunkSize int) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	total := 0
	for _, batch := range chunk(rows, chunkSize) {
		snip := o.dl.UpsertRows(table, columns, batch, conflictCols, updateCols)
		res, err := o.db.ExecContext(ctx, snip.SQL, snip.Args...)
		if err != nil {
			return total, cerrors.Wrap(classifyDBError(o.dl, err), "txn.BulkUpsert", "upsert failed", err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

// UpdateSpec pairs a WHERE clause with the columns it should set, for
// BulkUpdate.
type UpdateSpec struct {
	Where []dialect.Condition
	Set   map[string]any
}

// BulkUpdate runs one UPDATE per UpdateSpec inside a single transaction
// of its own (opened with Transaction at ReadCommitted), reporting total
// affected rows, per spec.md section 4.6.
func (o *Orchestrator) BulkUpdate(ctx context.Context, table string, specs []UpdateSpec) (int, error) {
	if len(specs) == 0 {
		return 0, nil
	}
	scope, err := o.Transaction(ctx, ReadCommitted)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, spec := range specs {
		snip := o.dl.UpdateRows(table, spec.Set, spec.Where)
		res, err := scope.Tx.ExecContext(ctx, snip.SQL, snip.Args...)
		if err != nil {
			_ = scope.Rollback()
			return total, cerrors.Wrap(classifyDBError(o.dl, err), "txn.BulkUpdate", "update failed", err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	if err := scope.Commit(); err != nil {
		return total, err
	}
	return total, nil
}

// BulkDelete deletes rows matching any of orConditions's AND-conjunctions,
// per spec.md section 4.6.
func (o *Orchestrator) BulkDelete(ctx context.Context, table string, orConditions [][]dialect.Condition) (int, error) {
	snip := o.dl.DeleteRows(table, orConditions)
	res, err := o.db.ExecContext(ctx, snip.SQL, snip.Args...)
	if err != nil {
		return 0, cerrors.Wrap(classifyDBError(o.dl, err), "txn.BulkDelete", "delete failed", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Count returns the number of rows in table matching conds.
func (o *Orchestrator) Count(ctx context.Context, table string, conds []dialect.Condition) (int64, error) {
	where, args := dialect.RenderWhere(o.dl, conds)
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
	if where != "" {
		query += " WHERE " + where
	}
	var n int64
	if err := o.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, cerrors.Wrap(classifyDBError(o.dl, err), "txn.Count", "count query failed", err)
	}
	return n, nil
}

// Exists reports whether any row in table matches conds.
func (o *Orchestrator) Exists(ctx context.Context, table string, conds []dialect.Condition) (bool, error) {
	n, err := o.Count(ctx, table, conds)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetBatchByIds fetches every column of the rows in table whose idColumn
// matches any of ids.
func (o *Orchestrator) GetBatchByIds(ctx context.Context, table string, ids []any, idColumn string) ([]map[string]any, error) {
	where, args := dialect.RenderWhere(o.dl, []dialect.Condition{{Column: idColumn, Op: "IN", Value: ids}})
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s", table, where)

	rows, err := o.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, cerrors.Wrap(classifyDBError(o.dl, err), "txn.GetBatchByIds", "query failed", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, cerrors.Wrap(classifyDBError(o.dl, err), "txn.GetBatchByIds", "columns failed", err)
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, cerrors.Wrap(classifyDBError(o.dl, err), "txn.GetBatchByIds", "scan failed", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
