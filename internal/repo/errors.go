package repo

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrDuplicate indicates a unique or primary key violation.
var ErrDuplicate = errors.New("duplicate")

// Driver codes inspected when classifying errors.
const (
	pgUniqueViolation  = "23505"
	pgLockNotAvailable = "55P03"

	mysqlDupEntry        = 1062
	mysqlLockWaitTimeout = 1205
)

// sqliteDuplicateText matches glebarez/sqlite, which only exposes messages.
var sqliteDuplicateText = []string{"unique constraint failed", "constraint failed: unique"}

// IsDuplicate reports whether err is a unique-constraint violation on any of
// the supported drivers.
func IsDuplicate(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrDuplicate), errors.Is(err, gorm.ErrDuplicatedKey):
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDupEntry
	}

	msg := strings.ToLower(err.Error())
	for _, s := range sqliteDuplicateText {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// mapDuplicate converts driver duplicate errors into ErrDuplicate.
func mapDuplicate(err error) error {
	if IsDuplicate(err) {
		return ErrDuplicate
	}
	return err
}

// IsLockTimeout reports whether err means a row lock could not be acquired
// in time (Postgres lock_timeout, MySQL innodb_lock_wait_timeout).
func IsLockTimeout(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgLockNotAvailable
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlLockWaitTimeout
	}
	return false
}
