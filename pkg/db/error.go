package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// Postgres SQLSTATE codes the services branch on.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgQueryCanceled        = "57014"
)

// IsDuplicateKeyErr reports a unique index rejecting an insert. For the stock
// ledger and group members this is how a concurrent duplicate shows up.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || HasCode(err, pgUniqueViolation) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") // sqlite
}

func IsSerializationFailure(err error) bool {
	return HasCode(err, pgSerializationFailure)
}

// IsContention reports lock waits that gave up: deadlocks, NOWAIT misses and
// statement timeouts. The conditional updates retry these.
func IsContention(err error) bool {
	if err == nil {
		return false
	}
	if HasCode(err, pgDeadlockDetected) || HasCode(err, pgLockNotAvailable) || HasCode(err, pgQueryCanceled) {
		return true
	}
	return strings.Contains(err.Error(), "database is locked") // sqlite
}

// HasCode reports whether err wraps a postgres error with the given SQLSTATE.
func HasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

// IsDriverError reports errors that came out of the database layer rather than
// from domain validation.
func IsDriverError(err error) bool {
	if err == nil || errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidField) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
