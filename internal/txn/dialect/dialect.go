// Package dialect builds driver-specific SQL snippets for the handful of
// statement shapes the coordination core needs (parameterized INSERT/
// UPDATE/DELETE with upsert support, SAVEPOINT syntax, deadlock detection).
// The Snippet/Dialect split is grounded on the teacher module's
// sql/export package (export.Snippet{SQL, Args}, export.Dialect), adapted
// here from a generic ETL-schema use case to concrete bulk repository
// primitives.
package dialect

import (
	"fmt"
	"reflect"
	"strings"
)

// Snippet models a SQL string plus its positional arguments.
type Snippet struct {
	SQL  string
	Args []any
}

// Condition is a single column comparison, used to build WHERE clauses for
// BulkUpdate/BulkDelete/Count/Exists. Op defaults to "=" when empty.
type Condition struct {
	Column string
	Op     string // "=", "!=", "<", "<=", ">", ">=", "IN"
	Value  any
}

// Dialect builds dialect-specific SQL for the Transaction Orchestrator's
// bulk primitives and savepoint syntax.
type Dialect interface {
	// Name identifies the dialect ("postgres" or "mysql").
	Name() string

	// Placeholder renders the i'th (1-indexed) positional placeholder.
	Placeholder(i int) string

	// Savepoint renders "SAVEPOINT <name>".
	Savepoint(name string) string
	// ReleaseSavepoint renders "RELEASE SAVEPOINT <name>".
	ReleaseSavepoint(name string) string
	// RollbackToSavepoint renders "ROLLBACK TO SAVEPOINT <name>".
	RollbackToSavepoint(name string) string

	// SetIsolationLevel renders "SET TRANSACTION ISOLATION LEVEL <level>".
	SetIsolationLevel(level string) string

	// InsertRows builds one multi-VALUES insert for rows (callers do any
	// chunking), honoring an optional ON CONFLICT clause appended verbatim.
	InsertRows(table string, columns []string, rows [][]any, onConflict string, returning []string) Snippet

	// UpsertRows builds an insert with a dialect-specific upsert clause
	// derived from conflictCols/updateCols.
	UpsertRows(table string, columns []string, rows [][]any, conflictCols, updateCols []string) Snippet

	// UpdateRows builds a single UPDATE statement for one (where, set) pair.
	UpdateRows(table string, set map[string]any, where []Condition) Snippet

	// DeleteRows builds a DELETE statement, OR-ing each Condition group.
	DeleteRows(table string, orConditions [][]Condition) Snippet

	// IsDeadlock reports whether err represents a transient deadlock that
	// ExecuteInTransaction should retry, per spec.md section 4.6.
	IsDeadlock(err error) bool

	// IsUniqueViolation reports whether err represents a unique/primary key
	// constraint violation (used by callers that want ON CONFLICT DO
	// NOTHING semantics without a native clause).
	IsUniqueViolation(err error) bool

	// IsPersistent reports whether err represents a non-retryable
	// structural error -- bad SQL syntax, a missing table/column, or a
	// constraint violation other than uniqueness (not-null, foreign key,
	// check) -- as opposed to a transient condition a retry or backoff
	// might resolve.
	IsPersistent(err error) bool
}

// RenderWhere renders a WHERE clause body (without the "WHERE" keyword)
// ANDing every Condition for dl, for callers (Count/Exists/
// GetBatchByIds) that need a standalone clause outside an UPDATE/DELETE
// statement.
func RenderWhere(dl Dialect, conds []Condition) (string, []any) {
	var args []any
	clause := renderConditions(conds, dl.Placeholder, 0, &args)
	return clause, args
}

// renderConditions renders a WHERE clause body (without the "WHERE"
// keyword) ANDing every Condition, appending args to out.
func renderConditions(conds []Condition, placeholder func(i int) string, argOffset int, out *[]any) string {
	parts := make([]string, 0, len(conds))
	for _, c := range conds {
		op := c.Op
		if op == "" {
			op = "="
		}
		if strings.EqualFold(op, "IN") {
			placeholders := make([]string, 0)
			v := reflect.ValueOf(c.Value)
			if v.Kind() == reflect.Slice || v.Kind() == reflect.Array {
				for i := 0; i < v.Len(); i++ {
					argOffset++
					*out = append(*out, v.Index(i).Interface())
					placeholders = append(placeholders, placeholder(argOffset))
				}
			} else {
				argOffset++
				*out = append(*out, c.Value)
				placeholders = append(placeholders, placeholder(argOffset))
			}
			parts = append(parts, fmt.Sprintf("%s IN (%s)", c.Column, strings.Join(placeholders, ", ")))
			continue
		}
		argOffset++
		*out = append(*out, c.Value)
		parts = append(parts, fmt.Sprintf("%s %s %s", c.Column, op, placeholder(argOffset)))
	}
	return strings.Join(parts, " AND ")
}
