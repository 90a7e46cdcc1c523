// Package handlers implements the HTTP endpoints of the newsletter API:
//   - POST /admin/newsletters                  (publish, idempotent)
//   - GET  /admin/deliveries/dead              (dead letters, paginated)
//   - POST /admin/deliveries/dead/requeue      (operator requeue)
//   - GET  /admin/deliveries/stats             (queue totals)
//   - POST /subscriptions                      (subscribe)
//   - GET  /subscriptions/confirm              (confirm)
//
// Handlers are transport-thin: they validate input, call application
// services, and translate results and sentinel errors into HTTP responses.
package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
	"github.com/tbourn/go-newsletter-backend/internal/services"
	"github.com/tbourn/go-newsletter-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// IssuePublisher writes an issue and its delivery tasks inside a
// caller-owned transaction.
type IssuePublisher interface {
	PublishTx(ctx context.Context, tx *gorm.DB, title, text, html string) (*domain.NewsletterIssue, int, error)
}

// KeyGuard runs an action at most once per (principal, idempotency key).
type KeyGuard interface {
	Guard(ctx context.Context, principalID, key string, action services.GuardedAction) (domain.SavedResponse, bool, error)
}

// SubscriptionService manages the subscriber lifecycle.
type SubscriptionService interface {
	Subscribe(ctx context.Context, name, email string) (*services.Subscription, error)
	Confirm(ctx context.Context, token string) (*domain.Subscriber, error)
}

// DeliveryAdmin exposes operator actions on the delivery queue.
type DeliveryAdmin interface {
	ListDeadLetters(ctx context.Context, page, pageSize int) ([]domain.DeliveryTask, int64, error)
	Requeue(ctx context.Context, issueID, email string) error
	Stats(ctx context.Context) (repo.QueueStats, error)
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints. It depends on abstract service
// interfaces to keep transport concerns separate from business logic.
type Handlers struct {
	guard  KeyGuard
	outbox IssuePublisher
	subs   SubscriptionService
	admin  DeliveryAdmin
}

// New constructs and returns a Handlers instance bound to the given services.
func New(guard KeyGuard, outbox IssuePublisher, subs SubscriptionService, admin DeliveryAdmin) *Handlers {
	return &Handlers{guard: guard, outbox: outbox, subs: subs, admin: admin}
}

//
// DTOs
//

// PublishNewsletterRequest is the JSON payload for publishing an issue.
type PublishNewsletterRequest struct {
	Title       string `json:"title"        binding:"required" example:"October digest"`
	TextContent string `json:"text_content" binding:"required" example:"Hello readers..."`
	HTMLContent string `json:"html_content" binding:"required" example:"<p>Hello readers...</p>"`
}

// PublishNewsletterResponse is returned (and replayed) on a successful publish.
type PublishNewsletterResponse struct {
	Issue         *domain.NewsletterIssue `json:"issue"`
	TasksEnqueued int                     `json:"tasks_enqueued" example:"1200"`
}

// SubscribeRequest is the JSON payload for a new subscription.
type SubscribeRequest struct {
	Name  string `json:"name"  binding:"required" example:"Ursula Le Guin"`
	Email string `json:"email" binding:"required" example:"ursula@example.com"`
}

// SubscribeResponse describes the pending subscription.
type SubscribeResponse struct {
	SubscriberID     string                    `json:"subscriber_id"`
	Status           domain.SubscriptionStatus `json:"status" example:"pending_confirmation"`
	ConfirmationLink string                    `json:"confirmation_link"`
}

// RequeueRequest identifies one dead-lettered delivery.
type RequeueRequest struct {
	IssueID         string `json:"issue_id"         binding:"required"`
	SubscriberEmail string `json:"subscriber_email" binding:"required"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListDeadLettersResponse wraps a page of dead-lettered tasks.
type ListDeadLettersResponse struct {
	Deliveries []domain.DeliveryTask `json:"deliveries"`
	Pagination Pagination            `json:"pagination"`
}

// QueueStatsResponse reports delivery queue totals.
type QueueStatsResponse struct {
	ByState         map[domain.TaskState]int64 `json:"by_state"`
	OldestPendingAt *time.Time                 `json:"oldest_pending_at,omitempty"`
}

//
// Helpers
//

// pageFromQuery reads page and page_size from the query string.
func pageFromQuery(c *gin.Context) utils.Page {
	return utils.ParsePage(c.Query("page"), c.Query("page_size"))
}

func newPagination(p utils.Page, total int64) Pagination {
	return Pagination{
		Page:       p.Number,
		PageSize:   p.Size,
		Total:      total,
		TotalPages: p.TotalPages(total),
		HasNext:    p.HasNext(total),
	}
}
