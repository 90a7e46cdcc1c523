package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
	"github.com/tbourn/go-newsletter-backend/internal/utils"
)

// DeliveryAdmin exposes operator actions on the delivery queue: inspecting
// dead letters, giving one a fresh retry budget, and reading queue totals.
type DeliveryAdmin struct {
	DB  *gorm.DB
	Now func() time.Time
}

// NewDeliveryAdmin returns an admin service over db using the wall clock.
func NewDeliveryAdmin(db *gorm.DB) *DeliveryAdmin {
	return &DeliveryAdmin{DB: db, Now: func() time.Time { return time.Now().UTC() }}
}

// ListDeadLetters returns a page of dead-lettered tasks and the total count.
// Out-of-range page or pageSize values are bounded by utils.NewPage.
func (a *DeliveryAdmin) ListDeadLetters(ctx context.Context, page, pageSize int) ([]domain.DeliveryTask, int64, error) {
	pg := utils.NewPage(page, pageSize)

	total, err := repo.CountDeadLettered(ctx, a.DB)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: count dead letters: %w", ErrStorage, err)
	}
	if total == 0 {
		return []domain.DeliveryTask{}, 0, nil
	}

	items, err := repo.ListDeadLetteredPage(ctx, a.DB, pg.Offset(), pg.Size)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: list dead letters: %w", ErrStorage, err)
	}
	return items, total, nil
}

// Requeue moves a dead-lettered task back to pending, due now, with its
// attempt count reset. Tasks in any other state are left alone and
// reported as ErrTaskNotFound.
func (a *DeliveryAdmin) Requeue(ctx context.Context, issueID, email string) error {
	issueID = strings.TrimSpace(issueID)
	email = strings.TrimSpace(email)
	if issueID == "" || email == "" {
		return fmt.Errorf("%w: issue_id and subscriber_email are required", ErrValidation)
	}

	err := repo.RequeueDeadLetter(ctx, a.DB, issueID, email, a.now())
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return ErrTaskNotFound
	case err != nil:
		return fmt.Errorf("%w: requeue dead letter: %w", ErrStorage, err)
	}
	return nil
}

// Stats returns per-state task counts and the oldest pending due time.
func (a *DeliveryAdmin) Stats(ctx context.Context) (repo.QueueStats, error) {
	st, err := repo.DeliveryQueueStats(ctx, a.DB)
	if err != nil {
		return st, fmt.Errorf("%w: queue stats: %w", ErrStorage, err)
	}
	return st, nil
}

func (a *DeliveryAdmin) now() time.Time {
	if a.Now != nil {
		return a.Now().UTC()
	}
	return time.Now().UTC()
}
