package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-newsletter-backend/internal/http/middleware"
)

// ListDeadLetters godoc
// @ID          listDeadLetters
// @Summary     List dead-lettered deliveries (paginated)
// @Description Returns deliveries that exhausted their retries or failed permanently, most recent first.
// @Tags        Deliveries
// @Produce     json
//
// @Param       X-Admin-ID  header  string  false "Operator ID (demo header)"  example(ops-1)
// @Param       page        query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size   query   int     false "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object}  handlers.ListDeadLettersResponse
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /admin/deliveries/dead [get]
func (h *Handlers) ListDeadLetters(c *gin.Context) {
	pg := pageFromQuery(c)

	items, total, err := h.admin.ListDeadLetters(c.Request.Context(), pg.Number, pg.Size)
	if err != nil {
		failService(c, err, apiError{http.StatusInternalServerError, ErrCodeListFailed, "could not list dead letters"})
		return
	}
	ok(c, http.StatusOK, ListDeadLettersResponse{
		Deliveries: items,
		Pagination: newPagination(pg, total),
	})
}

// RequeueDeadLetter godoc
// @ID          requeueDeadLetter
// @Summary     Requeue a dead-lettered delivery
// @Description Moves the delivery back to pending with a fresh retry budget.
// @Tags        Deliveries
// @Accept      json
// @Produce     json
//
// @Param       X-Admin-ID  header  string  false "Operator ID (demo header)"  example(ops-1)
// @Param       body        body    handlers.RequeueRequest  true  "Delivery to requeue"
//
// @Success     204  {string}  string  "No Content"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "No such dead letter"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /admin/deliveries/dead/requeue [post]
func (h *Handlers) RequeueDeadLetter(c *gin.Context) {
	var req RequeueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "issue_id and subscriber_email are required")
		return
	}

	err := h.admin.Requeue(c.Request.Context(), req.IssueID, req.SubscriberEmail)
	if err != nil {
		failService(c, err, apiError{http.StatusInternalServerError, ErrCodeRequeueFailed, "could not requeue the delivery"})
		return
	}
	middleware.LoggerFrom(c).Info().
		Str("issue_id", req.IssueID).
		Str("principal", middleware.PrincipalID(c)).
		Msg("dead letter requeued")
	noContent(c)
}

// QueueStats godoc
// @ID          deliveryQueueStats
// @Summary     Delivery queue totals
// @Tags        Deliveries
// @Produce     json
// @Success     200  {object}  handlers.QueueStatsResponse
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /admin/deliveries/stats [get]
func (h *Handlers) QueueStats(c *gin.Context) {
	st, err := h.admin.Stats(c.Request.Context())
	if err != nil {
		failService(c, err, apiError{http.StatusInternalServerError, ErrCodeInternal, "could not read queue stats"})
		return
	}
	ok(c, http.StatusOK, QueueStatsResponse{ByState: st.ByState, OldestPendingAt: st.OldestPendingAt})
}
