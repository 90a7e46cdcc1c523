package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withCapturedLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })
	log.Logger = zerolog.New(&buf)
	return &buf
}

// logLines decodes every JSON line written to buf.
func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func accessLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	for _, m := range logLines(t, buf) {
		if m["message"] == "http_request" {
			return m
		}
	}
	t.Fatalf("no access log line in %s", buf.String())
	return nil
}

func TestRedactingLogger_ScrubsQueryAndHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := withCapturedLogger(t)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Header("X-Request-ID", "rid-resp")
		c.Next()
	})
	r.Use(RedactingLogger(RedactOptions{MaskHeaders: []string{"X-Api-Key"}}))
	r.GET("/subscribers/:id", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	q := "email=a.b+tag@example.com&phone=+1-555-123-4567&id=123e4567-e89b-12d3-a456-426614174000"
	req := httptest.NewRequest(http.MethodGet, "/subscribers/123?"+q, nil)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("Cookie", "sid=topsecret")
	req.Header.Set("X-Api-Key", "shhh")
	req.Header.Set("Idempotency-Key", "issue-2026-10")
	req.Header.Set("X-Custom", "email a@b.com id=123e4567-e89b-12d3-a456-426614174000 phone 555-123-4567")
	req.Header.Set("X-Request-ID", "rid-req")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	line := accessLine(t, buf)
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "/subscribers/:id", line["route"])
	assert.Equal(t, "rid-resp", line["request_id"])
	assert.Equal(t, true, line["idempotency_key"])
	assert.Equal(t, false, line["replayed"])

	query, _ := line["query"].(string)
	for _, tag := range []string{"[REDACTED:email]", "[REDACTED:phone]", "[REDACTED:id]"} {
		assert.Contains(t, query, tag)
	}

	headers, _ := line["headers"].(map[string]any)
	for _, h := range []string{"Authorization", "Cookie", "X-Api-Key", "Idempotency-Key"} {
		assert.Equal(t, "[REDACTED]", headers[h], h)
	}
	assert.Equal(t, "email [REDACTED:email] id=[REDACTED:id] phone [REDACTED:phone]", headers["X-Custom"])
	assert.NotContains(t, buf.String(), "issue-2026-10")
}

func TestRedactingLogger_LevelsFollowStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := withCapturedLogger(t)

	r := gin.New()
	r.Use(RedactingLogger(RedactOptions{}))
	r.GET("/warn", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	r.GET("/error", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	for path, rid := range map[string]string{"/warn": "rid-warn", "/error": "rid-err"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("X-Request-ID", rid)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	levels := map[string]string{}
	for _, m := range logLines(t, buf) {
		levels[m["request_id"].(string)] = m["level"].(string)
	}
	assert.Equal(t, "warn", levels["rid-warn"])
	assert.Equal(t, "error", levels["rid-err"])
}

func TestRedactingLogger_ConfirmationTokenAndScopedLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := withCapturedLogger(t)

	r := gin.New()
	r.Use(RedactingLogger(RedactOptions{}))
	r.GET("/subscriptions/confirm", func(c *gin.Context) {
		zerolog.Ctx(c.Request.Context()).Info().Msg("from service")
		LoggerFrom(c).Info().Msg("from handler")
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/subscriptions/confirm?subscription_token=Ab12Cd34Ef56Gh78Ij90Kl12M", nil)
	req.Header.Set("X-Request-ID", "rid-confirm")
	r.ServeHTTP(httptest.NewRecorder(), req)

	assert.NotContains(t, buf.String(), "Ab12Cd34Ef56Gh78Ij90Kl12M")
	assert.Equal(t, "subscription_token=[REDACTED:token]", accessLine(t, buf)["query"])

	scoped := 0
	for _, m := range logLines(t, buf) {
		if m["message"] == "from service" || m["message"] == "from handler" {
			scoped++
			assert.Equal(t, "rid-confirm", m["request_id"])
			assert.Equal(t, "/subscriptions/confirm", m["route"])
			assert.NotContains(t, m, "principal")
		}
	}
	assert.Equal(t, 2, scoped)
}

func TestRedactingLogger_PrincipalAndReplay(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := withCapturedLogger(t)

	r := gin.New()
	r.Use(RedactingLogger(RedactOptions{}))
	r.Use(IdempotencyValidator(IdempotencyOptions{}, func(_ context.Context, principal, key string, _ time.Time) (bool, error) {
		return principal == "ops-1" && key == "k1", nil
	}))
	r.POST("/admin/newsletters", func(c *gin.Context) { c.Status(http.StatusCreated) })

	req := httptest.NewRequest(http.MethodPost, "/admin/newsletters", nil)
	req.Header.Set(HeaderAdminID, "ops-1")
	req.Header.Set(HeaderIdempotencyKey, "k1")
	r.ServeHTTP(httptest.NewRecorder(), req)

	line := accessLine(t, buf)
	assert.Equal(t, "ops-1", line["principal"])
	assert.Equal(t, true, line["replayed"])
}

func Test_redact_Order(t *testing.T) {
	got := redact("id=123e4567-e89b-72d3-a456-426614174000")
	assert.Equal(t, "id=[REDACTED:id]", got)
	assert.Equal(t, "", redact(""))
}
