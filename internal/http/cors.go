package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-newsletter-backend/internal/http/handlers"
	"github.com/tbourn/go-newsletter-backend/internal/http/middleware"
)

var (
	corsAllowHeaders = []string{
		"Origin", "Content-Type", "Accept", "Authorization",
		middleware.HeaderAdminID, middleware.HeaderIdempotencyKey,
	}
	corsExposeHeaders = []string{
		"X-Request-ID", "Content-Length", "Retry-After",
		"X-RateLimit-Limit", "X-RateLimit-Remaining", handlers.HeaderReplayed,
	}
	corsMethods = []string{
		http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions,
	}
)

// corsHandlers returns the CORS chain for the configured origins. With no
// allow-list every origin is accepted and credentials are never allowed.
// The first handler stamps Access-Control-Allow-Origin on every response,
// including those without an Origin header, which gin-contrib/cors skips.
func corsHandlers(origins []string) []gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  corsMethods,
		AllowHeaders:  corsAllowHeaders,
		ExposeHeaders: corsExposeHeaders,
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return []gin.HandlerFunc{stampOrigin(func(string) string { return "*" }), cors.New(cfg)}
	}

	cfg.AllowOrigins = origins
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	echo := func(origin string) string {
		if allowed[origin] {
			return origin
		}
		return ""
	}
	return []gin.HandlerFunc{stampOrigin(echo), cors.New(cfg)}
}

func stampOrigin(pick func(origin string) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if v := pick(origin); v != "" {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", v)
			if v != "*" {
				h.Add("Vary", "Origin")
			}
		}
		c.Next()
	}
}
