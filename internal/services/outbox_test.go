package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
)

func newTestOutbox(t *testing.T) (*IssueOutbox, time.Time) {
	t.Helper()
	db := newServiceDB(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	o := NewIssueOutbox(db)
	o.Now = fixedClock(now)
	o.NewID = sequentialIDs("issue")
	return o, now
}

func TestPublish_FansOutToConfirmedSubscribers(t *testing.T) {
	o, now := newTestOutbox(t)
	seedConfirmed(t, o.DB, "a@example.com", "b@example.com", "c@example.com")
	// Pending subscribers are not part of the fan-out.
	require.NoError(t, repo.CreateSubscriber(context.Background(), o.DB, &domain.Subscriber{
		ID: "pending", Email: "p@example.com", Name: "P", Status: domain.StatusPendingConfirmation, SubscribedAt: now,
	}))

	issue, n, err := o.Publish(context.Background(), "  March issue ", "text body", "<p>html body</p>")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "issue-001", issue.ID)
	assert.Equal(t, "March issue", issue.Title)
	assert.True(t, issue.CreatedAt.Equal(now))

	var tasks []domain.DeliveryTask
	require.NoError(t, o.DB.Order("subscriber_email").Find(&tasks, "newsletter_issue_id = ?", issue.ID).Error)
	require.Len(t, tasks, 3)
	seen := map[string]bool{}
	for _, tk := range tasks {
		assert.Equal(t, domain.TaskPending, tk.State)
		assert.Zero(t, tk.AttemptCount)
		assert.True(t, tk.NextAttemptAt.Equal(now), "next_attempt_at = %v", tk.NextAttemptAt)
		assert.False(t, seen[tk.SubscriberEmail], "duplicate task for %s", tk.SubscriberEmail)
		seen[tk.SubscriberEmail] = true
	}
	assert.False(t, seen["p@example.com"])
}

func TestPublish_NoSubscribersStillStoresIssue(t *testing.T) {
	o, _ := newTestOutbox(t)

	issue, n, err := o.Publish(context.Background(), "Quiet", "t", "h")
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := repo.GetIssue(context.Background(), o.DB, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, "Quiet", got.Title)
}

func TestPublish_Validation(t *testing.T) {
	o, _ := newTestOutbox(t)
	seedConfirmed(t, o.DB, "a@example.com")

	cases := []struct {
		name, title, text, html string
	}{
		{"empty title", "   ", "t", "h"},
		{"empty text", "T", "", "h"},
		{"empty html", "T", "t", " \n"},
		{"title too long", strings.Repeat("x", DefaultTitleMaxRunes+1), "t", "h"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, _, err := o.Publish(context.Background(), c.title, c.text, c.html)
			require.ErrorIs(t, err, ErrValidation)
		})
	}

	var issues int64
	require.NoError(t, o.DB.Model(&domain.NewsletterIssue{}).Count(&issues).Error)
	assert.Zero(t, issues, "rejected input must not persist anything")
}

func TestPublish_NormalizesTitleToNFC(t *testing.T) {
	o, _ := newTestOutbox(t)

	// "e" followed by a combining acute accent.
	issue, _, err := o.Publish(context.Background(), "Cafe\u0301", "t", "h")
	require.NoError(t, err)
	assert.Equal(t, "Caf\u00e9", issue.Title)
}

func TestPublish_FailedFanOutRollsBackIssue(t *testing.T) {
	o, _ := newTestOutbox(t)
	seedConfirmed(t, o.DB, "a@example.com", "b@example.com")
	require.NoError(t, o.DB.Migrator().DropTable(&domain.DeliveryTask{}))

	_, _, err := o.Publish(context.Background(), "Broken", "t", "h")
	require.ErrorIs(t, err, ErrStorage)

	var issues int64
	require.NoError(t, o.DB.Model(&domain.NewsletterIssue{}).Count(&issues).Error)
	assert.Zero(t, issues, "issue must not exist without its fan-out")
}

func TestPublish_SkipsUnparsableStoredEmails(t *testing.T) {
	o, now := newTestOutbox(t)
	seedConfirmed(t, o.DB, "good@example.com")
	// Bypass validation the way legacy rows might.
	require.NoError(t, o.DB.Create(&domain.Subscriber{
		ID: "legacy", Email: "not-an-email", Name: "L", Status: domain.StatusConfirmed, SubscribedAt: now,
	}).Error)

	_, n, err := o.Publish(context.Background(), "Issue", "t", "h")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPublishTx_CallerOwnsTransaction(t *testing.T) {
	o, _ := newTestOutbox(t)
	seedConfirmed(t, o.DB, "a@example.com")
	boom := errors.New("later step failed")

	err := o.DB.Transaction(func(tx *gorm.DB) error {
		if _, _, err := o.PublishTx(context.Background(), tx, "In tx", "t", "h"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var tasks int64
	require.NoError(t, o.DB.Model(&domain.DeliveryTask{}).Count(&tasks).Error)
	assert.Zero(t, tasks)
}
