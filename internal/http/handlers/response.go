package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/http/middleware"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	// Echo of X-Request-ID for correlating with server logs
	RequestID string `json:"request_id,omitempty" example:"0199f0c2-7d3e-7a51-9f8e-3c1b2a4d5e6f"`
	// Stable, machine-readable code
	Code string `json:"code" example:"conflict"`
	// Human-readable message
	Message string `json:"message" example:"a request with this Idempotency-Key is in progress"`
}

// fail aborts with an ErrorResponse. 5xx answers are also logged.
func fail(c *gin.Context, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Msg(msg)
	}
	abort(c, status, code, msg)
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: middleware.RequestIDFrom(c),
		Code:      code,
		Message:   msg,
	})
}

// Fail lets the router answer fallbacks in the same envelope.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) { c.JSON(status, body) }

func noContent(c *gin.Context) { c.Status(http.StatusNoContent) }

// writeSaved writes a stored response exactly as it was first produced,
// marking it when it is a replay.
func writeSaved(c *gin.Context, r domain.SavedResponse, replayed bool) {
	hdr := c.Writer.Header()
	for _, p := range r.Headers {
		hdr.Add(p.Name, p.Value)
	}
	if replayed {
		hdr.Set(HeaderReplayed, "true")
	}
	c.Status(r.Status)
	_, _ = c.Writer.Write(r.Body)
}
