package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Subscribe godoc
// @ID          subscribe
// @Summary     Subscribe to the newsletter
// @Description Creates a pending subscription and emails a confirmation link. Re-subscribing a pending address issues a new link.
// @Tags        Subscriptions
// @Accept      json
// @Produce     json
//
// @Param       body  body  handlers.SubscribeRequest  true  "Subscriber"
//
// @Success     201  {object}  handlers.SubscribeResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid name or email"
// @Failure     409  {object}  handlers.ErrorResponse  "Already confirmed"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /subscriptions [post]
func (h *Handlers) Subscribe(c *gin.Context) {
	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "name and email are required")
		return
	}

	sub, err := h.subs.Subscribe(c.Request.Context(), req.Name, req.Email)
	if err != nil {
		failService(c, err, apiError{http.StatusInternalServerError, ErrCodeSubscribeFailed, "could not create the subscription"})
		return
	}

	ok(c, http.StatusCreated, SubscribeResponse{
		SubscriberID:     sub.Subscriber.ID,
		Status:           sub.Subscriber.Status,
		ConfirmationLink: sub.ConfirmationLink,
	})
}

// ConfirmSubscription godoc
// @ID          confirmSubscription
// @Summary     Confirm a subscription
// @Description Confirms the subscriber owning the token; only confirmed subscribers receive issues.
// @Tags        Subscriptions
// @Produce     json
//
// @Param       subscription_token  query  string  true  "Token from the confirmation email"
//
// @Success     200  {object}  domain.Subscriber
// @Failure     401  {object}  handlers.ErrorResponse  "Unknown token"
// @Failure     409  {object}  handlers.ErrorResponse  "Already confirmed"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /subscriptions/confirm [get]
func (h *Handlers) ConfirmSubscription(c *gin.Context) {
	sub, err := h.subs.Confirm(c.Request.Context(), c.Query("subscription_token"))
	if err != nil {
		failService(c, err, apiError{http.StatusInternalServerError, ErrCodeConfirmFailed, "could not confirm the subscription"})
		return
	}
	ok(c, http.StatusOK, sub)
}
