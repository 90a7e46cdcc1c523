package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/http/middleware"
	"github.com/tbourn/go-newsletter-backend/internal/services"
)

// HeaderReplayed marks responses served from the idempotency store.
const HeaderReplayed = "Idempotency-Replayed"

// PublishNewsletter godoc
// @ID          publishNewsletter
// @Summary     Publish a newsletter issue
// @Description Stores the issue and enqueues one delivery per confirmed subscriber in a single transaction. Resending the same Idempotency-Key replays the original response.
// @Tags        Newsletters
// @Accept      json
// @Produce     json
//
// @Param       X-Admin-ID       header  string  false "Operator ID (demo header)"  example(ops-1)
// @Param       Idempotency-Key  header  string  true  "Client-chosen key, at most 50 characters"  example(7c1d6f0e-oct-issue)
// @Param       body             body    handlers.PublishNewsletterRequest  true  "Issue content"
//
// @Success     201  {object}  handlers.PublishNewsletterResponse
// @Header      201  {string}  Idempotency-Replayed  "true when served from a previous request"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing operator identity"
// @Failure     409  {object}  handlers.ErrorResponse  "Same key still in progress"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /admin/newsletters [post]
func (h *Handlers) PublishNewsletter(c *gin.Context) {
	ctx := c.Request.Context()

	principal := middleware.PrincipalID(c)
	if principal == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "operator identity required")
		return
	}
	key, ok := middleware.GetIdempotencyKey(c)
	if !ok {
		key = c.GetHeader(middleware.HeaderIdempotencyKey)
	}
	if _, err := services.ValidateIdempotencyKey(key); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "Idempotency-Key header is required (1-50 characters)")
		return
	}

	var req PublishNewsletterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "title, text_content and html_content are required")
		return
	}

	enqueued := 0
	resp, replayed, err := h.guard.Guard(ctx, principal, key, func(tx *gorm.DB) (domain.SavedResponse, error) {
		issue, n, err := h.outbox.PublishTx(ctx, tx, req.Title, req.TextContent, req.HTMLContent)
		if err != nil {
			return domain.SavedResponse{}, err
		}
		body, err := json.Marshal(PublishNewsletterResponse{Issue: issue, TasksEnqueued: n})
		if err != nil {
			return domain.SavedResponse{}, err
		}
		enqueued = n
		return domain.SavedResponse{
			Status:  http.StatusCreated,
			Headers: []domain.HeaderPair{{Name: "Content-Type", Value: "application/json; charset=utf-8"}},
			Body:    body,
		}, nil
	})
	if err != nil {
		failService(c, err, apiError{http.StatusInternalServerError, ErrCodePublishFailed, "could not publish the newsletter issue"})
		return
	}

	if !replayed {
		services.ObservePublished(enqueued)
		middleware.LoggerFrom(c).Info().Int("tasks_enqueued", enqueued).Msg("newsletter issue published")
	}
	writeSaved(c, resp, replayed)
}
