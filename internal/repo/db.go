// Package repo is the GORM persistence layer: subscribers and their tokens,
// issues, the delivery outbox and idempotency records. Every function takes
// the *gorm.DB to run on, so callers can pass a transaction.
package repo

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
)

// Supported DB_DRIVER values.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

const slowQueryThreshold = 250 * time.Millisecond

// Pool sizes the database/sql connection pool.
type Pool struct {
	MaxOpen     int
	MaxIdle     int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// ServerPool suits Postgres and MySQL, where claimers run on separate
// connections.
var ServerPool = Pool{MaxOpen: 25, MaxIdle: 10, MaxIdleTime: 5 * time.Minute, MaxLifetime: 30 * time.Minute}

// SQLitePool pins SQLite to one connection. Writers are serialised by the
// engine anyway, and a single connection avoids SQLITE_BUSY between claimers.
var SQLitePool = Pool{MaxOpen: 1, MaxIdle: 1, MaxIdleTime: 5 * time.Minute, MaxLifetime: 30 * time.Minute}

func (p Pool) apply(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(p.MaxOpen)
	sqlDB.SetMaxIdleConns(p.MaxIdle)
	sqlDB.SetConnMaxIdleTime(p.MaxIdleTime)
	sqlDB.SetConnMaxLifetime(p.MaxLifetime)
	return nil
}

// sqlitePragmas are applied on every new connection through the DSN.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
	"busy_timeout(5000)",
}

// gormLogWriter routes GORM's slow-query and error lines into zerolog.
type gormLogWriter struct{}

func (gormLogWriter) Printf(format string, args ...any) {
	log.Warn().Str("component", "gorm").Msgf(format, args...)
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: logger.New(gormLogWriter{}, logger.Config{
			SlowThreshold:             slowQueryThreshold,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		}),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	}
}

// Open connects to the configured database. For sqlite, dsn is a file path.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	pool := ServerPool

	switch strings.ToLower(driver) {
	case DriverSQLite, "":
		if err := checkParentDir(dsn); err != nil {
			return nil, err
		}
		dialector = sqlite.Open(sqliteDSN(dsn))
		pool = SQLitePool
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverMySQL:
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", driver)
	}

	db, err := gorm.Open(dialector, gormConfig())
	if err != nil {
		return nil, err
	}
	if err := db.Use(tracing.NewPlugin()); err != nil {
		return nil, fmt.Errorf("tracing plugin: %w", err)
	}
	if err := pool.apply(db); err != nil {
		return nil, err
	}
	return db, nil
}

// OpenSQLite opens (or creates) a SQLite database file.
func OpenSQLite(path string) (*gorm.DB, error) {
	return Open(DriverSQLite, path)
}

// checkParentDir fails early on a missing directory; the driver otherwise
// reports an unhelpful "out of memory (14)".
func checkParentDir(path string) error {
	if strings.HasPrefix(path, "file:") || path == ":memory:" {
		return nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return err
		}
	}
	return nil
}

// sqliteDSN appends the connection pragmas to path, keeping any query the
// caller already supplied.
func sqliteDSN(path string) string {
	q := url.Values{}
	for _, p := range sqlitePragmas {
		q.Add("_pragma", p)
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + q.Encode()
}

// AutoMigrate creates or updates the schema for all persisted models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.Subscriber{},
		&domain.SubscriptionToken{},
		&domain.NewsletterIssue{},
		&domain.DeliveryTask{},
		&domain.IdempotencyRecord{},
	)
}

// supportsSkipLocked reports whether the dialect understands
// SELECT ... FOR UPDATE SKIP LOCKED.
func supportsSkipLocked(db *gorm.DB) bool {
	if db == nil || db.Dialector == nil {
		return false
	}
	name := db.Dialector.Name()
	return name == DriverPostgres || name == DriverMySQL
}

// BoundLockWait caps how long statements in tx wait on row locks held by
// other transactions, so a concurrent INSERT on an uncommitted key fails with
// a lock timeout (see IsLockTimeout) instead of blocking until the other
// transaction ends.
//
// SQLite needs no bound: its single pooled connection already serialises
// transactions.
func BoundLockWait(ctx context.Context, tx *gorm.DB, d time.Duration) error {
	if tx == nil || tx.Dialector == nil {
		return nil
	}
	stmt := lockWaitStatement(tx.Dialector.Name(), d)
	if stmt == "" {
		return nil
	}
	return tx.WithContext(ctx).Exec(stmt).Error
}

// lockWaitStatement returns the statement bounding lock waits to d, or "" when
// the dialect needs none. MySQL's innodb_lock_wait_timeout is whole seconds
// and session scoped, so d is rounded up and the bound outlives tx on the
// pooled connection.
func lockWaitStatement(dialect string, d time.Duration) string {
	if d <= 0 {
		return ""
	}
	switch dialect {
	case DriverPostgres:
		return fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", d.Milliseconds())
	case DriverMySQL:
		secs := (d + time.Second - 1) / time.Second
		return fmt.Sprintf("SET SESSION innodb_lock_wait_timeout = %d", int64(secs))
	}
	return ""
}
