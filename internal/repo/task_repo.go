// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// DeliveryTask model: fan-out insertion, claiming, state transitions,
// stale-claim recovery and dead-letter administration.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions. State transitions are conditional on the
// current state so a task that lost its claim is never silently overwritten;
// in that case ErrNotFound is returned.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
)

const (
	taskPK = "newsletter_issue_id = ? AND subscriber_email = ?"
	// heldClaim matches a task still in flight under one specific claim.
	heldClaim = taskPK + " AND state = ? AND claimed_at = ?"
)

// ClaimStamp is the claimed_at value written for a claim made at now. It is
// truncated to milliseconds so it survives a round trip through every
// dialect's timestamp column and can be matched by equality.
func ClaimStamp(now time.Time) time.Time {
	return now.UTC().Truncate(time.Millisecond)
}

// CreateTasks inserts one pending task per email for issueID, due at now.
// Emails are inserted in batches; a duplicate pair yields ErrDuplicate.
func CreateTasks(ctx context.Context, db *gorm.DB, issueID string, emails []string, now time.Time) (int, error) {
	if len(emails) == 0 {
		return 0, nil
	}
	tasks := make([]domain.DeliveryTask, 0, len(emails))
	for _, e := range emails {
		tasks = append(tasks, domain.DeliveryTask{
			IssueID:         issueID,
			SubscriberEmail: e,
			AttemptCount:    0,
			NextAttemptAt:   now,
			State:           domain.TaskPending,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}
	if err := db.WithContext(ctx).Omit(clause.Associations).CreateInBatches(&tasks, 500).Error; err != nil {
		return 0, mapDuplicate(err)
	}
	return len(tasks), nil
}

// ClaimTasks moves up to limit due pending tasks to in_flight and returns
// them. Postgres and MySQL lock candidate rows with SKIP LOCKED so concurrent
// claimers never wait on each other; every dialect additionally flips the
// state with a conditional UPDATE so a row is claimed at most once.
//
// Any error rolls the transaction back and nothing is claimed.
func ClaimTasks(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.DeliveryTask, error) {
	if limit <= 0 {
		return nil, nil
	}
	var claimed []domain.DeliveryTask
	stamp := ClaimStamp(now)
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var due []domain.DeliveryTask
		q := tx.Where("state = ? AND next_attempt_at <= ?", domain.TaskPending, now).
			Order("next_attempt_at ASC").
			Limit(limit)
		if supportsSkipLocked(tx) {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := q.Find(&due).Error; err != nil {
			return err
		}

		for _, t := range due {
			res := tx.Model(&domain.DeliveryTask{}).
				Where(taskPK+" AND state = ?", t.IssueID, t.SubscriberEmail, domain.TaskPending).
				Updates(map[string]any{
					"state":      domain.TaskInFlight,
					"claimed_at": stamp,
					"updated_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				// Another claimer won the row.
				continue
			}
			claimedAt := stamp
			t.State = domain.TaskInFlight
			t.ClaimedAt = &claimedAt
			t.UpdatedAt = now
			claimed = append(claimed, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// RenewClaim refreshes the claim a worker holds on a task, as identified by
// the claimed_at it was handed, and returns the new claim stamp. A task that
// was requeued, reclaimed or settled since yields ErrNotFound.
func RenewClaim(ctx context.Context, db *gorm.DB, issueID, email string, claimedAt, now time.Time) (time.Time, error) {
	stamp := ClaimStamp(now)
	res := db.WithContext(ctx).Model(&domain.DeliveryTask{}).
		Where(heldClaim, issueID, email, domain.TaskInFlight, claimedAt).
		Updates(map[string]any{
			"claimed_at": stamp,
			"updated_at": now,
		})
	if res.Error != nil {
		return time.Time{}, res.Error
	}
	if res.RowsAffected == 0 {
		return time.Time{}, ErrNotFound
	}
	return stamp, nil
}

// CompleteTask finalises a successful delivery. By default the row is
// deleted; with retain it is kept in state done for auditing.
//
// Like every write-back below it only applies while the task is still in
// flight under the claim stamped claimedAt.
func CompleteTask(ctx context.Context, db *gorm.DB, issueID, email string, claimedAt time.Time, retain bool, now time.Time) error {
	q := db.WithContext(ctx).Where(heldClaim, issueID, email, domain.TaskInFlight, claimedAt)

	var res *gorm.DB
	if retain {
		res = q.Model(&domain.DeliveryTask{}).Updates(map[string]any{
			"state":      domain.TaskDone,
			"claimed_at": nil,
			"last_error": "",
			"updated_at": now,
		})
	} else {
		res = q.Delete(&domain.DeliveryTask{})
	}
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RescheduleTask returns an in-flight task to pending with a new attempt
// count and due time.
func RescheduleTask(ctx context.Context, db *gorm.DB, issueID, email string, claimedAt time.Time, attemptCount int, next time.Time, lastErr string, now time.Time) error {
	res := db.WithContext(ctx).Model(&domain.DeliveryTask{}).
		Where(heldClaim, issueID, email, domain.TaskInFlight, claimedAt).
		Updates(map[string]any{
			"state":           domain.TaskPending,
			"attempt_count":   attemptCount,
			"next_attempt_at": next,
			"last_error":      lastErr,
			"claimed_at":      nil,
			"updated_at":      now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeadLetterTask moves an in-flight task to the terminal dead_lettered
// state, recording the final attempt count and reason.
func DeadLetterTask(ctx context.Context, db *gorm.DB, issueID, email string, claimedAt time.Time, attemptCount int, reason string, now time.Time) error {
	res := db.WithContext(ctx).Model(&domain.DeliveryTask{}).
		Where(heldClaim, issueID, email, domain.TaskInFlight, claimedAt).
		Updates(map[string]any{
			"state":         domain.TaskDeadLettered,
			"attempt_count": attemptCount,
			"last_error":    reason,
			"claimed_at":    nil,
			"updated_at":    now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueStaleInFlight resets in-flight tasks claimed before now-staleAfter
// back to pending and due immediately. Attempt counts are left unchanged.
// It returns the number of tasks reset.
func RequeueStaleInFlight(ctx context.Context, db *gorm.DB, now time.Time, staleAfter time.Duration) (int64, error) {
	cutoff := now.Add(-staleAfter)
	res := db.WithContext(ctx).Model(&domain.DeliveryTask{}).
		Where("state = ? AND claimed_at IS NOT NULL AND claimed_at < ?", domain.TaskInFlight, cutoff).
		Updates(map[string]any{
			"state":           domain.TaskPending,
			"next_attempt_at": now,
			"claimed_at":      nil,
			"updated_at":      now,
		})
	return res.RowsAffected, res.Error
}

// GetTask fetches a single task by its composite key.
func GetTask(ctx context.Context, db *gorm.DB, issueID, email string) (*domain.DeliveryTask, error) {
	var t domain.DeliveryTask
	if err := db.WithContext(ctx).Where(taskPK, issueID, email).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// CountDeadLettered returns the number of dead-lettered tasks.
func CountDeadLettered(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.DeliveryTask{}).
		Where("state = ?", domain.TaskDeadLettered).
		Count(&total).Error
	return total, err
}

// ListDeadLetteredPage returns a page of dead-lettered tasks, most recently
// failed first.
func ListDeadLetteredPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.DeliveryTask, error) {
	var out []domain.DeliveryTask
	err := db.WithContext(ctx).
		Where("state = ?", domain.TaskDeadLettered).
		Order("updated_at DESC, newsletter_issue_id ASC, subscriber_email ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// RequeueDeadLetter is the explicit operator action that gives a
// dead-lettered task a fresh retry budget: it becomes pending, due now, with
// attempt_count reset to zero.
func RequeueDeadLetter(ctx context.Context, db *gorm.DB, issueID, email string, now time.Time) error {
	res := db.WithContext(ctx).Model(&domain.DeliveryTask{}).
		Where(taskPK+" AND state = ?", issueID, email, domain.TaskDeadLettered).
		Updates(map[string]any{
			"state":           domain.TaskPending,
			"attempt_count":   0,
			"next_attempt_at": now,
			"last_error":      "",
			"updated_at":      now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
