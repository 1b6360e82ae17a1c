package dialect

import (
	"errors"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestPostgres_IsPersistent_TrueForSyntaxAndNonUniqueConstraints(t *testing.T) {
	cases := []string{"42601", "42P01", "42703", "23502", "23503", "23514"}
	for _, code := range cases {
		err := &pgconn.PgError{Code: code}
		require.True(t, Postgres{}.IsPersistent(err), "code %s", code)
	}
}

func TestPostgres_IsPersistent_FalseForUniqueViolationAndDeadlock(t *testing.T) {
	require.False(t, Postgres{}.IsPersistent(&pgconn.PgError{Code: "23505"}))
	require.False(t, Postgres{}.IsPersistent(&pgconn.PgError{Code: "40P01"}))
}

func TestPostgres_IsPersistent_FalseForPlainError(t *testing.T) {
	require.False(t, Postgres{}.IsPersistent(errors.New("connection reset")))
}

func TestMySQL_IsPersistent_TrueForSyntaxAndNonUniqueConstraints(t *testing.T) {
	cases := []uint16{1064, 1146, 1054, 1048, 1452, 3819}
	for _, number := range cases {
		err := &mysql.MySQLError{Number: number}
		require.True(t, MySQL{}.IsPersistent(err), "number %d", number)
	}
}

func TestMySQL_IsPersistent_FalseForUniqueViolationAndDeadlock(t *testing.T) {
	require.False(t, MySQL{}.IsPersistent(&mysql.MySQLError{Number: 1062}))
	require.False(t, MySQL{}.IsPersistent(&mysql.MySQLError{Number: 1213}))
}

func TestMySQL_IsPersistent_FalseForPlainError(t *testing.T) {
	require.False(t, MySQL{}.IsPersistent(errors.New("connection reset")))
}
