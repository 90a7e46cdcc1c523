// Package delivery runs the background side of the outbox: it claims due
// delivery tasks, sends the issue to each subscriber, and records the
// outcome (done, retry later, or dead-lettered).
package delivery

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
)

// TaskStore is the durable task queue the worker drives.
//
// ClaimBatch must never hand the same pending task to two concurrent
// callers and must skip rows another claimer holds instead of waiting.
// Renew and every transition method only apply to a task that is still
// in_flight under the claim the caller was handed (t.ClaimedAt), and return
// repo.ErrNotFound otherwise. A claim the sweep took away and another worker
// picked up is therefore never written over.
type TaskStore interface {
	ClaimBatch(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryTask, error)
	GetIssue(ctx context.Context, id string) (*domain.NewsletterIssue, error)
	Renew(ctx context.Context, t domain.DeliveryTask, now time.Time) (domain.DeliveryTask, error)
	Complete(ctx context.Context, t domain.DeliveryTask, now time.Time) error
	Reschedule(ctx context.Context, t domain.DeliveryTask, attemptCount int, next time.Time, lastErr string, now time.Time) error
	DeadLetter(ctx context.Context, t domain.DeliveryTask, attemptCount int, reason string, now time.Time) error
}

// StaleRequeuer resets in_flight tasks whose claim is older than staleAfter.
type StaleRequeuer interface {
	RequeueStale(ctx context.Context, now time.Time, staleAfter time.Duration) (int64, error)
}

// claimOf returns the claim stamp a task was handed; the zero time matches
// no stored claim.
func claimOf(t domain.DeliveryTask) time.Time {
	if t.ClaimedAt == nil {
		return time.Time{}
	}
	return *t.ClaimedAt
}

// GormStore is the database-backed TaskStore.
type GormStore struct {
	DB *gorm.DB
	// RetainDone keeps delivered rows in state done instead of deleting them.
	RetainDone bool
}

var (
	_ TaskStore     = (*GormStore)(nil)
	_ StaleRequeuer = (*GormStore)(nil)
)

// ClaimBatch claims up to limit due pending tasks via repo.ClaimTasks.
func (s *GormStore) ClaimBatch(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryTask, error) {
	return repo.ClaimTasks(ctx, s.DB, now, limit)
}

// GetIssue loads the issue a task delivers.
func (s *GormStore) GetIssue(ctx context.Context, id string) (*domain.NewsletterIssue, error) {
	return repo.GetIssue(ctx, s.DB, id)
}

// Renew refreshes t's claim and returns t carrying the new stamp.
func (s *GormStore) Renew(ctx context.Context, t domain.DeliveryTask, now time.Time) (domain.DeliveryTask, error) {
	stamp, err := repo.RenewClaim(ctx, s.DB, t.IssueID, t.SubscriberEmail, claimOf(t), now)
	if err != nil {
		return t, err
	}
	t.ClaimedAt = &stamp
	t.UpdatedAt = now
	return t, nil
}

// Complete deletes the delivered task, or marks it done with RetainDone.
func (s *GormStore) Complete(ctx context.Context, t domain.DeliveryTask, now time.Time) error {
	return repo.CompleteTask(ctx, s.DB, t.IssueID, t.SubscriberEmail, claimOf(t), s.RetainDone, now)
}

// Reschedule returns t to pending, due at next.
func (s *GormStore) Reschedule(ctx context.Context, t domain.DeliveryTask, attemptCount int, next time.Time, lastErr string, now time.Time) error {
	return repo.RescheduleTask(ctx, s.DB, t.IssueID, t.SubscriberEmail, claimOf(t), attemptCount, next, lastErr, now)
}

// DeadLetter parks t in the terminal dead_lettered state.
func (s *GormStore) DeadLetter(ctx context.Context, t domain.DeliveryTask, attemptCount int, reason string, now time.Time) error {
	return repo.DeadLetterTask(ctx, s.DB, t.IssueID, t.SubscriberEmail, claimOf(t), attemptCount, reason, now)
}

// RequeueStale resets abandoned claims via repo.RequeueStaleInFlight.
func (s *GormStore) RequeueStale(ctx context.Context, now time.Time, staleAfter time.Duration) (int64, error) {
	return repo.RequeueStaleInFlight(ctx, s.DB, now, staleAfter)
}
