package delivery

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
	"github.com/tbourn/go-newsletter-backend/internal/retry"
)

func newDeliveryDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, repo.AutoMigrate(db))
	return db
}

func seedIssue(t *testing.T, db *gorm.DB, id string, emails ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.CreateIssue(ctx, db, &domain.NewsletterIssue{
		ID: id, Title: "Issue " + id, TextContent: "t", HTMLContent: "<p>h</p>", CreatedAt: t0,
	}))
	_, err := repo.CreateTasks(ctx, db, id, emails, t0)
	require.NoError(t, err)
}

func TestGormStore_WorkerEndToEnd(t *testing.T) {
	db := newDeliveryDB(t)
	seedIssue(t, db, "i1", "a@example.com", "b@example.com", "gone@example.com")

	clk := &clock{now: t0}
	sender := &scriptedSender{script: map[string][]error{
		"b@example.com":    {transient("try later")},
		"gone@example.com": {permanent("hard bounce")},
	}}
	store := &GormStore{DB: db}
	w := newTestWorker(store, sender, nil, clk, retry.DefaultPolicy())

	n, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = repo.GetTask(context.Background(), db, "i1", "a@example.com")
	require.ErrorIs(t, err, repo.ErrNotFound, "delivered task is deleted")

	b, err := repo.GetTask(context.Background(), db, "i1", "b@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, b.State)
	assert.Equal(t, 1, b.AttemptCount)
	assert.True(t, b.NextAttemptAt.Equal(t0.Add(time.Second)))

	gone, err := repo.GetTask(context.Background(), db, "i1", "gone@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskDeadLettered, gone.State)

	clk.Advance(time.Second)
	n, err = w.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var remaining []domain.DeliveryTask
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.Equal(t, "gone@example.com", remaining[0].SubscriberEmail)
}

func TestGormStore_DoubleClaimReturnsNothing(t *testing.T) {
	db := newDeliveryDB(t)
	seedIssue(t, db, "i1", "a@example.com", "b@example.com")
	store := &GormStore{DB: db}

	first, err := store.ClaimBatch(context.Background(), t0, 10)
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := store.ClaimBatch(context.Background(), t0, 10)
	require.NoError(t, err)
	assert.Empty(t, second)

	n, err := store.RequeueStale(context.Background(), t0.Add(time.Hour), 5*time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestGormStore_QueuedTaskSweptMidBatchIsSentOnce(t *testing.T) {
	db := newDeliveryDB(t)
	seedIssue(t, db, "i1", "a@example.com", "b@example.com")
	store := &GormStore{DB: db}

	sender := sweptMidBatch(t, store, store)

	assert.Equal(t, 1, sender.count("b@example.com"))
	var left int64
	require.NoError(t, db.Model(&domain.DeliveryTask{}).Count(&left).Error)
	assert.Zero(t, left)
}

func TestGormStore_RenewRequiresCurrentClaim(t *testing.T) {
	ctx := context.Background()
	db := newDeliveryDB(t)
	seedIssue(t, db, "i1", "a@example.com")
	store := &GormStore{DB: db}

	claimed, err := store.ClaimBatch(ctx, t0, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	renewed, err := store.Renew(ctx, claimed[0], t0.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, renewed.ClaimedAt.Equal(t0.Add(time.Second)))

	_, err = store.Renew(ctx, claimed[0], t0.Add(2*time.Second))
	require.ErrorIs(t, err, repo.ErrNotFound)
	require.ErrorIs(t, store.Complete(ctx, claimed[0], t0.Add(2*time.Second)), repo.ErrNotFound)

	unclaimed := claimed[0]
	unclaimed.ClaimedAt = nil
	require.ErrorIs(t, store.DeadLetter(ctx, unclaimed, 1, "x", t0), repo.ErrNotFound)

	require.NoError(t, store.Complete(ctx, renewed, t0.Add(2*time.Second)))
}

func TestGormStore_RetainDone(t *testing.T) {
	db := newDeliveryDB(t)
	seedIssue(t, db, "i1", "a@example.com")
	w := newTestWorker(&GormStore{DB: db, RetainDone: true}, &scriptedSender{}, nil, &clock{now: t0}, retry.DefaultPolicy())

	_, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)
	tk, err := repo.GetTask(context.Background(), db, "i1", "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskDone, tk.State)
}

func TestUpdateBacklog(t *testing.T) {
	db := newDeliveryDB(t)
	seedIssue(t, db, "i1", "a@example.com", "b@example.com")

	require.NoError(t, UpdateBacklog(context.Background(), db, t0.Add(30*time.Second)))
	assert.Equal(t, 2.0, testutil.ToFloat64(Backlog.WithLabelValues(string(domain.TaskPending))))
	assert.Equal(t, 0.0, testutil.ToFloat64(Backlog.WithLabelValues(string(domain.TaskDeadLettered))))
	assert.InDelta(t, 30.0, testutil.ToFloat64(OldestPendingAge), 0.001)
}
