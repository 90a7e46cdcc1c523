package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
)

// newServiceDB opens an in-memory database with foreign keys enabled and a
// single connection, mirroring how the service runs on SQLite.
func newServiceDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func seedConfirmed(t *testing.T, db *gorm.DB, emails ...string) {
	t.Helper()
	for i, e := range emails {
		s := &domain.Subscriber{
			ID:           fmt.Sprintf("sub-%d", i),
			Email:        e,
			Name:         "Reader",
			Status:       domain.StatusConfirmed,
			SubscribedAt: time.Now().UTC(),
		}
		if err := repo.CreateSubscriber(context.Background(), db, s); err != nil {
			t.Fatalf("seed subscriber %s: %v", e, err)
		}
	}
}

// fixedClock returns a clock pinned to t0.
func fixedClock(t0 time.Time) func() time.Time {
	return func() time.Time { return t0 }
}

// sequentialIDs returns deterministic issue IDs.
func sequentialIDs(prefix string) func() (string, error) {
	var (
		mu sync.Mutex
		n  int
	)
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%03d", prefix, n), nil
	}
}

type recordedMail struct {
	to, subject, text, html string
}

// fakeSender records confirmation emails and optionally fails.
type fakeSender struct {
	mu   sync.Mutex
	sent []recordedMail
	err  error
}

func (f *fakeSender) Send(_ context.Context, to, subject, text, html string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, recordedMail{to, subject, text, html})
	return f.err
}
