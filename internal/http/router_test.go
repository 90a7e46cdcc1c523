package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-newsletter-backend/internal/config"
	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/http/handlers"
	"github.com/tbourn/go-newsletter-backend/internal/http/middleware"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:routerdb_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, repo.AutoMigrate(db))
	return db
}

func testConfig() config.Config {
	return config.Config{
		APIBasePath:    "/api/v1",
		BaseURL:        "https://news.example.com",
		RateRPS:        100,
		RateBurst:      10,
		OTEL:           config.OTELConfig{ServiceName: "test-svc"},
		IdempotencyTTL: time.Hour,
	}
}

func newRouter(t *testing.T, cfg config.Config) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)
	r := gin.New()
	RegisterRoutes(r, db, cfg, nil)
	return r, db
}

type call struct {
	method, path, body string
	headers            map[string]string
}

func (c call) do(r http.Handler) *httptest.ResponseRecorder {
	var body io.Reader
	if c.body != "" {
		body = strings.NewReader(c.body)
	}
	req := httptest.NewRequest(c.method, c.path, body)
	if c.body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRegisterRoutes_Operational(t *testing.T) {
	r, db := newRouter(t, testConfig())

	health := call{method: http.MethodGet, path: "/health"}.do(r)
	assert.Equal(t, http.StatusOK, health.Code)
	assert.NotEmpty(t, health.Header().Get("X-Request-ID"))
	assert.Equal(t, "*", health.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "nosniff", health.Header().Get("X-Content-Type-Options"))

	assert.Equal(t, http.StatusOK, call{method: http.MethodGet, path: "/ready"}.do(r).Code)

	metrics := call{method: http.MethodGet, path: "/metrics"}.do(r)
	assert.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), "newsletter_http_requests_total")

	notFound := call{method: http.MethodGet, path: "/nope"}.do(r)
	assert.Equal(t, http.StatusNotFound, notFound.Code)
	assert.Contains(t, notFound.Body.String(), handlers.ErrCodeNotFound)

	assert.Equal(t, http.StatusMethodNotAllowed, call{method: http.MethodPost, path: "/health"}.do(r).Code)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
	assert.Equal(t, http.StatusServiceUnavailable, call{method: http.MethodGet, path: "/ready"}.do(r).Code)
}

func TestRegisterRoutes_NoStoreOnAPI(t *testing.T) {
	r, _ := newRouter(t, testConfig())

	w := call{method: http.MethodGet, path: "/api/v1/admin/deliveries/stats"}.do(r)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Cache-Control"), "no-store")
	assert.Equal(t, middleware.DefaultAPICSP, w.Header().Get("Content-Security-Policy"))

	assert.NotContains(t, call{method: http.MethodGet, path: "/health"}.do(r).Header().Get("Cache-Control"), "no-store")
}

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	build := func(origins []string) *gin.Engine {
		r := gin.New()
		r.Use(corsHandlers(origins)...)
		r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })
		return r
	}
	get := func(r *gin.Engine, origin string) http.Header {
		h := map[string]string{}
		if origin != "" {
			h["Origin"] = origin
		}
		return call{method: http.MethodGet, path: "/x", headers: h}.do(r).Header()
	}

	open := build(nil)
	assert.Equal(t, "*", get(open, "").Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "*", get(open, "https://any.example").Get("Access-Control-Allow-Origin"))

	strict := build([]string{"https://admin.example.com"})
	h := get(strict, "https://admin.example.com")
	assert.Equal(t, "https://admin.example.com", h.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, h.Values("Vary"), "Origin")
	assert.Empty(t, get(strict, "").Get("Access-Control-Allow-Origin"))

	pre := call{method: http.MethodOptions, path: "/x", headers: map[string]string{
		"Origin":                        "https://admin.example.com",
		"Access-Control-Request-Method": http.MethodPost,
	}}.do(strict)
	assert.Equal(t, http.StatusNoContent, pre.Code)
	assert.Contains(t, pre.Header().Get("Access-Control-Allow-Headers"), middleware.HeaderIdempotencyKey)
}

func Test_limitBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	assert.Equal(t, http.StatusOK, call{method: http.MethodPost, path: "/echo", body: "0123456789"}.do(r).Code)
	assert.Equal(t, http.StatusRequestEntityTooLarge, call{method: http.MethodPost, path: "/echo", body: "0123456789AB"}.do(r).Code)
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	for prefix, path := range map[string]string{"/": "/one", "": "/two", "/api": "/three"} {
		p := path
		groupWithPrefix(r, prefix).GET(p, func(c *gin.Context) { c.String(http.StatusOK, p) })
	}

	for _, path := range []string{"/one", "/two", "/api/three"} {
		w := call{method: http.MethodGet, path: path}.do(r)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func seedConfirmed(t *testing.T, db *gorm.DB, emails ...string) {
	t.Helper()
	for _, addr := range emails {
		require.NoError(t, repo.CreateSubscriber(context.Background(), db, &domain.Subscriber{
			ID: uuid.NewString(), Email: addr, Name: "Reader",
			Status: domain.StatusConfirmed, SubscribedAt: time.Now().UTC(),
		}))
	}
}

func TestRegisterRoutes_PublishThenReplay(t *testing.T) {
	r, db := newRouter(t, testConfig())
	seedConfirmed(t, db, "a@example.com", "b@example.com", "c@example.com")

	publish := call{
		method: http.MethodPost,
		path:   "/api/v1/admin/newsletters",
		body:   `{"title":"Weekly","text_content":"hi","html_content":"<p>hi</p>"}`,
		headers: map[string]string{
			middleware.HeaderAdminID:        "ops-1",
			middleware.HeaderIdempotencyKey: "weekly-42",
		},
	}

	first := publish.do(r)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	var resp struct {
		TasksEnqueued int `json:"tasks_enqueued"`
	}
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.TasksEnqueued)

	second := publish.do(r)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get(handlers.HeaderReplayed))
	assert.True(t, bytes.Equal(first.Body.Bytes(), second.Body.Bytes()))

	var n int64
	require.NoError(t, db.Model(&domain.DeliveryTask{}).Count(&n).Error)
	assert.EqualValues(t, 3, n)
}

func TestRegisterRoutes_SubscribeFlowAndStats(t *testing.T) {
	r, _ := newRouter(t, testConfig())

	w := call{method: http.MethodPost, path: "/api/v1/subscriptions", body: `{"name":"Ada","email":"ada@example.com"}`}.do(r)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var sub struct {
		ConfirmationLink string `json:"confirmation_link"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sub))
	const origin = "https://news.example.com"
	assert.True(t, strings.HasPrefix(sub.ConfirmationLink, origin+"/api/v1/subscriptions/confirm?subscription_token="), sub.ConfirmationLink)

	w = call{method: http.MethodGet, path: strings.TrimPrefix(sub.ConfirmationLink, origin)}.do(r)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = call{method: http.MethodGet, path: "/api/v1/admin/deliveries/stats"}.do(r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"by_state"`)
}

func TestRegisterRoutes_SwaggerOnlyWhenEnabled(t *testing.T) {
	swagger := call{method: http.MethodGet, path: "/swagger/index.html"}

	off, _ := newRouter(t, testConfig())
	assert.Equal(t, http.StatusNotFound, swagger.do(off).Code)

	cfg := testConfig()
	cfg.SwaggerEnabled = true
	on, _ := newRouter(t, cfg)
	assert.Equal(t, http.StatusOK, swagger.do(on).Code)
}

func Test_completedKeyLookup(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	lookup := completedKeyLookup(db)

	ok, err := lookup(ctx, "ops-1", "k", now)
	assert.NoError(t, err, "unknown key is a miss")
	assert.False(t, ok)

	_, err = repo.InsertIdempotencyIfAbsent(ctx, db, "ops-1", "k", now, time.Hour)
	require.NoError(t, err)
	ok, err = lookup(ctx, "ops-1", "k", now)
	assert.NoError(t, err)
	assert.False(t, ok, "in progress is not a replay")

	require.NoError(t, repo.SaveIdempotentResponse(ctx, db, "ops-1", "k", domain.SavedResponse{Status: 201, Body: []byte("{}")}))
	ok, err = lookup(ctx, "ops-1", "k", now)
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, _ = lookup(ctx, "ops-1", "k", now.Add(2*time.Hour))
	assert.False(t, ok, "expired")
	ok, _ = lookup(ctx, "ops-2", "k", now)
	assert.False(t, ok, "scoped to the principal")
}

func TestRegisterRoutes_LookupErrorStillServes(t *testing.T) {
	r, db := newRouter(t, testConfig())
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	w := call{method: http.MethodPost, path: "/health", body: "{}", headers: map[string]string{
		middleware.HeaderAdminID:        "ops-1",
		middleware.HeaderIdempotencyKey: "force-error",
	}}.do(r)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
