package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-newsletter-backend/internal/http/middleware"
	"github.com/tbourn/go-newsletter-backend/internal/services"
)

// Stable error codes returned in ErrorResponse.Code. Clients branch on
// these, not on messages.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeInternal         = "internal_error"

	ErrCodePublishFailed   = "publish_failed"
	ErrCodeSubscribeFailed = "subscribe_failed"
	ErrCodeConfirmFailed   = "confirm_failed"
	ErrCodeListFailed      = "list_failed"
	ErrCodeRequeueFailed   = "requeue_failed"
)

// apiError is the HTTP rendering of a failure. An empty Message means the
// service error text is safe to show as is.
type apiError struct {
	Status  int
	Code    string
	Message string
}

// serviceErrors maps service sentinels to responses; the first match wins.
var serviceErrors = []struct {
	target error
	resp   apiError
}{
	{services.ErrValidation, apiError{http.StatusBadRequest, ErrCodeBadRequest, ""}},
	{services.ErrInvalidSubscriber, apiError{http.StatusBadRequest, ErrCodeBadRequest, ""}},
	{services.ErrConflict, apiError{http.StatusConflict, ErrCodeConflict, "a request with this Idempotency-Key is in progress"}},
	{services.ErrAlreadyConfirmed, apiError{http.StatusConflict, ErrCodeConflict, "subscription already confirmed"}},
	{services.ErrTokenNotFound, apiError{http.StatusUnauthorized, ErrCodeUnauthorized, "unknown subscription token"}},
	{services.ErrTaskNotFound, apiError{http.StatusNotFound, ErrCodeNotFound, "dead-lettered delivery not found"}},
}

// failService answers with the mapping for err, or with fallback (a 5xx)
// when err matches no sentinel. Unmapped errors are logged with their cause.
func failService(c *gin.Context, err error, fallback apiError) {
	for _, m := range serviceErrors {
		if !errors.Is(err, m.target) {
			continue
		}
		msg := m.resp.Message
		if msg == "" {
			msg = err.Error()
		}
		if errors.Is(err, services.ErrConflict) {
			c.Header("Retry-After", "1")
		}
		fail(c, m.resp.Status, m.resp.Code, msg)
		return
	}
	middleware.LoggerFrom(c).Error().Err(err).
		Int("status", fallback.Status).
		Str("code", fallback.Code).
		Msg(fallback.Message)
	abort(c, fallback.Status, fallback.Code, fallback.Message)
}
