package source

import (
	"context"
	"errors"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE classes that describe a transient server or connection condition.
var transientSQLStateClasses = map[string]bool{
	"08": true, // connection exception
	"40": true, // transaction rollback: serialization failure, deadlock
	"53": true, // insufficient resources
	"57": true, // operator intervention: shutdown, query canceled
	"58": true, // system error
}

// ClickHouse exception codes for queries that will fail the same way again.
var permanentClickHouseCodes = map[int32]bool{
	16:  true, // NO_SUCH_COLUMN_IN_TABLE
	36:  true, // BAD_ARGUMENTS
	43:  true, // ILLEGAL_TYPE_OF_ARGUMENT
	46:  true, // UNKNOWN_FUNCTION
	47:  true, // UNKNOWN_IDENTIFIER
	53:  true, // TYPE_MISMATCH
	60:  true, // UNKNOWN_TABLE
	62:  true, // SYNTAX_ERROR
	81:  true, // UNKNOWN_DATABASE
	215: true, // NOT_AN_AGGREGATE
	352: true, // AMBIGUOUS_COLUMN_NAME
	497: true, // ACCESS_DENIED
	516: true, // AUTHENTICATION_FAILED
}

// RetryableQueryError reports whether a warehouse query error is worth
// another attempt. Server errors about the query itself are permanent; any
// other failure is retried.
func RetryableQueryError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := pgErr.Code
		if code == "55P03" { // lock_not_available
			return true
		}
		return len(code) >= 2 && transientSQLStateClasses[code[:2]]
	}
	var chErr *clickhouse.Exception
	if errors.As(err, &chErr) {
		return !permanentClickHouseCodes[chErr.Code]
	}

	// Queries are read-only, so network failures, timeouts and connection
	// errors are retried whether or not the server saw the statement.
	return true
}
