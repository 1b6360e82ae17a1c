package dialect

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres implements Dialect for PostgreSQL / CockroachDB-compatible
// drivers ($N placeholders, SAVEPOINT, ON CONFLICT).
type Postgres struct{}

var _ Dialect = Postgres{}

func (Postgres) Name() string { return "postgres" }

func (Postgres) Placeholder(i int) string { return "$" + strconv.Itoa(i) }

func (Postgres) Savepoint(name string) string { return "SAVEPOINT " + quoteIdent(name) }

func (Postgres) ReleaseSavepoint(name string) string {
	return "RELEASE SAVEPOINT " + quoteIdent(name)
}

func (Postgres) RollbackToSavepoint(name string) string {
	return "ROLLBACK TO SAVEPOINT " + quoteIdent(name)
}

func (Postgres) SetIsolationLevel(level string) string {
	return "SET TRANSACTION ISOLATION LEVEL " + level
}

func (d Postgres) InsertRows(table string, columns []string, rows [][]any, onConflict string, returning []string) Snippet {
	var b strings.Builder
	var args []any

	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", table, strings.Join(columns, ", "))

	argN := 0
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j, v := range row {
			if j > 0 {
				b.WriteString(", ")
			}
			argN++
			b.WriteString(d.Placeholder(argN))
			args = append(args, v)
		}
		b.WriteString(")")
	}

	if onConflict != "" {
		b.WriteString(" ")
		b.WriteString(onConflict)
	}
	if len(returning) > 0 {
		fmt.Fprintf(&b, " RETURNING %s", strings.Join(returning, ", "))
	}

	return Snippet{SQL: b.String(), Args: args}
}

func (d Postgres) UpsertRows(table string, columns []string, rows [][]any, conflictCols, updateCols []string) Snippet {
	setParts := make([]string, 0, len(updateCols))
	for _, c := range updateCols {
		setParts = append(setParts, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}
	onConflict := fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(conflictCols, ", "), strings.Join(setParts, ", "))
	if len(updateCols) == 0 {
		onConflict = fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", strings.Join(conflictCols, ", "))
	}
	return d.InsertRows(table, columns, rows, onConflict, nil)
}

func (d Postgres) UpdateRows(table string, set map[string]any, where []Condition) Snippet {
	var args []any
	setParts := make([]string, 0, len(set))

	// deterministic column order
	cols := make([]string, 0, len(set))
	for c := range set {
		cols = append(cols, c)
	}
	sortStrings(cols)

	argN := 0
	for _, c := range cols {
		argN++
		setParts = append(setParts, fmt.Sprintf("%s = %s", c, d.Placeholder(argN)))
		args = append(args, set[c])
	}

	whereSQL := renderConditions(where, d.Placeholder, argN, &args)

	sql := fmt.Sprintf("UPDATE %s SET %s", table, strings.Join(setParts, ", "))
	if whereSQL != "" {
		sql += " WHERE " + whereSQL
	}
	return Snippet{SQL: sql, Args: args}
}

func (d Postgres) DeleteRows(table string, orConditions [][]Condition) Snippet {
	var args []any
	groups := make([]string, 0, len(orConditions))
	argN := 0
	for _, group := range orConditions {
		sub := renderConditions(group, d.Placeholder, argN, &args)
		argN = len(args)
		groups = append(groups, "("+sub+")")
	}
	sql := fmt.Sprintf("DELETE FROM %s", table)
	if len(groups) > 0 {
		sql += " WHERE " + strings.Join(groups, " OR ")
	}
	return Snippet{SQL: sql, Args: args}
}

// IsDeadlock reports SQLSTATE 40P01 (deadlock_detected), per spec.md
// section 4.6's deadlock-retry contract.
func (Postgres) IsDeadlock(err error) bool {
	var pgErr *pgconn.PgError
	if asPgError(err, &pgErr) {
		return pgErr.Code == "40P01"
	}
	return false
}

// IsUniqueViolation reports SQLSTATE 23505 (unique_violation).
func (Postgres) IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if asPgError(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// persistentSQLStates are SQLSTATEs that a retry can never resolve: class
// 42 (syntax error / undefined table or column) and the non-uniqueness
// integrity-constraint violations (not-null, foreign key, check).
var persistentSQLStates = map[string]bool{
	"42601": true, // syntax_error
	"42P01": true, // undefined_table
	"42703": true, // undefined_column
	"23502": true, // not_null_violation
	"23503": true, // foreign_key_violation
	"23514": true, // check_violation
}

// IsPersistent reports whether err is one of persistentSQLStates.
func (Postgres) IsPersistent(err error) bool {
	var pgErr *pgconn.PgError
	if asPgError(err, &pgErr) {
		return persistentSQLStates[pgErr.Code]
	}
	return false
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
