// Package httpapi assembles the Gin engine: the middleware chain, the
// operational endpoints and the versioned newsletter API.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/config"
	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/http/handlers"
	"github.com/tbourn/go-newsletter-backend/internal/http/middleware"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
	"github.com/tbourn/go-newsletter-backend/internal/services"
)

const (
	maxBodyBytes = 1 << 20
	readyTimeout = 2 * time.Second
)

// completedKeyLookup reports whether (principal, key) already holds a
// stored response that is still inside its replay window.
func completedKeyLookup(db *gorm.DB) middleware.IdempotencyLookup {
	return func(ctx context.Context, principalID, key string, now time.Time) (bool, error) {
		rec, err := repo.GetIdempotency(ctx, db, principalID, key)
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if rec.Expired(now) {
			return false, nil
		}
		st, err := rec.State()
		if err != nil {
			return false, err
		}
		_, done := st.(domain.Completed)
		return done, nil
	}
}

// RegisterRoutes installs the middleware chain and every endpoint on r.
// sender delivers confirmation emails; nil disables them.
//
// Order matters: tracing and the request ID come first so every log line
// and error body can reference them. The idempotency validator runs before
// the rate limiter so replays are not throttled.
func RegisterRoutes(r *gin.Engine, db *gorm.DB, cfg config.Config, sender services.ConfirmationSender) {
	r.HandleMethodNotAllowed = true

	r.Use(
		otelgin.Middleware(cfg.OTEL.ServiceName),
		middleware.RequestID(),
		middleware.RedactingLogger(middleware.RedactOptions{MaskHeaders: []string{"X-API-Key"}}),
		middleware.Recovery(),
		limitBody(maxBodyBytes),
		gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})),
		middleware.Metrics(),
		middleware.IdempotencyValidator(
			middleware.IdempotencyOptions{MaxLen: services.MaxIdempotencyKeyLen},
			completedKeyLookup(db),
		),
		middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByPrincipalOrIP()).Handler(),
	)
	r.Use(corsHandlers(cfg.CORS.AllowedOrigins)...)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:        cfg.Security.EnableHSTS,
		HSTSMaxAge:        cfg.Security.HSTSMaxAge,
		EnablePolicy:      true,
		NoStorePrefixes:   []string{cfg.APIBasePath + "/admin", cfg.APIBasePath + "/subscriptions"},
		CSP:               middleware.DefaultAPICSP,
		CSPExemptPrefixes: []string{"/swagger/"},
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/ready", readiness(db))
	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	h := handlers.New(
		services.NewIdempotencyGuard(db, cfg.IdempotencyTTL),
		services.NewIssueOutbox(db),
		services.NewSubscriptionService(db, cfg.BaseURL+cfg.APIBasePath+"/subscriptions/confirm", sender),
		services.NewDeliveryAdmin(db),
	)
	mountAPI(groupWithPrefix(r, cfg.APIBasePath), h)
}

func mountAPI(api *gin.RouterGroup, h *handlers.Handlers) {
	api.POST("/subscriptions", h.Subscribe)
	api.GET("/subscriptions/confirm", h.ConfirmSubscription)

	admin := api.Group("/admin")
	admin.POST("/newsletters", h.PublishNewsletter)
	admin.GET("/deliveries/dead", h.ListDeadLetters)
	admin.POST("/deliveries/dead/requeue", h.RequeueDeadLetter)
	admin.GET("/deliveries/stats", h.QueueStats)
}

// readiness answers 200 while the database accepts connections and 503
// otherwise.
func readiness(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
		defer cancel()

		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			middleware.LoggerFrom(c).Warn().Err(err).Msg("readiness check failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

// limitBody caps request bodies at maxBytes; reads past the cap fail.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
