package dialect

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// MySQL implements Dialect for MySQL/MariaDB (? placeholders,
// SAVEPOINT, ON DUPLICATE KEY UPDATE).
type MySQL struct{}

var _ Dialect = MySQL{}

func (MySQL) Name() string { return "mysql" }

func (MySQL) Placeholder(int) string { return "?" }

func (MySQL) Savepoint(name string) string { return "SAVEPOINT " + quoteIdentBacktick(name) }

func (MySQL) ReleaseSavepoint(name string) string {
	return "RELEASE SAVEPOINT " + quoteIdentBacktick(name)
}

func (MySQL) RollbackToSavepoint(name string) string {
	return "ROLLBACK TO SAVEPOINT " + quoteIdentBacktick(name)
}

func (MySQL) SetIsolationLevel(level string) string {
	return "SET TRANSACTION ISOLATION LEVEL " + level
}

func (d MySQL) InsertRows(table string, columns []string, rows [][]any, onConflict string, returning []string) Snippet {
	var b strings.Builder
	var args []any

	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", table, strings.Join(columns, ", "))

	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j, v := range row {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString("?")
			args = append(args, v)
		}
		b.WriteString(")")
	}

	if onConflict != "" {
		b.WriteString(" ")
		b.WriteString(onConflict)
	}
	// MySQL has no RETURNING, so returning is ignored. Generated ids are
	// only available through the driver's sql.Result (LAST_INSERT_ID()),
	// which internal/txn's BulkInsert does not expose.

	return Snippet{SQL: b.String(), Args: args}
}

func (d MySQL) UpsertRows(table string, columns []string, rows [][]any, conflictCols, updateCols []string) Snippet {
	setParts := make([]string, 0, len(updateCols))
	for _, c := range updateCols {
		setParts = append(setParts, fmt.Sprintf("%s = VALUES(%s)", c, c))
	}
	onConflict := fmt.Sprintf("ON DUPLICATE KEY UPDATE %s", strings.Join(setParts, ", "))
	if len(updateCols) == 0 {
		// no-op update keeps the statement valid while emulating DO NOTHING
		onConflict = fmt.Sprintf("ON DUPLICATE KEY UPDATE %s = %s", conflictCols[0], conflictCols[0])
	}
	return d.InsertRows(table, columns, rows, onConflict, nil)
}

func (d MySQL) UpdateRows(table string, set map[string]any, where []Condition) Snippet {
	var args []any
	setParts := make([]string, 0, len(set))

	cols := make([]string, 0, len(set))
	for c := range set {
		cols = append(cols, c)
	}
	sortStrings(cols)

	for _, c := range cols {
		setParts = append(setParts, fmt.Sprintf("%s = ?", c))
		args = append(args, set[c])
	}

	whereSQL := renderConditions(where, d.Placeholder, 0, &args)

	sql := fmt.Sprintf("UPDATE %s SET %s", table, strings.Join(setParts, ", "))
	if whereSQL != "" {
		sql += " WHERE " + whereSQL
	}
	return Snippet{SQL: sql, Args: args}
}

func (d MySQL) DeleteRows(table string, orConditions [][]Condition) Snippet {
	var args []any
	groups := make([]string, 0, len(orConditions))
	for _, group := range orConditions {
		sub := renderConditions(group, d.Placeholder, 0, &args)
		groups = append(groups, "("+sub+")")
	}
	sql := fmt.Sprintf("DELETE FROM %s", table)
	if len(groups) > 0 {
		sql += " WHERE " + strings.Join(groups, " OR ")
	}
	return Snippet{SQL: sql, Args: args}
}

// IsDeadlock reports MySQL error 1213 (ER_LOCK_DEADLOCK), per spec.md
// section 4.6.
func (MySQL) IsDeadlock(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1213
	}
	return false
}

// IsUniqueViolation reports MySQL error 1062 (ER_DUP_ENTRY).
func (MySQL) IsUniqueViolation(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return false
}

// persistentMySQLErrors are error numbers a retry can never resolve:
// syntax errors, missing tables/columns, and the non-uniqueness
// integrity-constraint violations (not-null, foreign key, check).
var persistentMySQLErrors = map[uint16]bool{
	1064: true, // ER_PARSE_ERROR
	1146: true, // ER_NO_SUCH_TABLE
	1054: true, // ER_BAD_FIELD_ERROR
	1048: true, // ER_BAD_NULL_ERROR
	1452: true, // ER_NO_REFERENCED_ROW_2 (foreign key)
	3819: true, // ER_CHECK_CONSTRAINT_VIOLATED
}

// IsPersistent reports whether err is one of persistentMySQLErrors.
func (MySQL) IsPersistent(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return persistentMySQLErrors[myErr.Number]
	}
	return false
}

func quoteIdentBacktick(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
