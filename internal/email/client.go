// Package email is the outbound mail transport. Client talks to a
// Postmark-compatible HTTP API and classifies every failure as either
// transient (worth retrying) or permanent (the message will never be
// accepted).
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tbourn/go-newsletter-backend/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	authHeader = "X-Postmark-Server-Token"

	// DefaultTimeout bounds a single send when Config.Timeout is zero.
	DefaultTimeout = 10 * time.Second

	maxErrorBody = 4 << 10
)

var (
	// ErrTransient marks failures that may succeed on a later attempt:
	// network errors, timeouts, 408, 429 and 5xx responses.
	ErrTransient = errors.New("transient send failure")

	// ErrPermanent marks failures that will not succeed on retry, such as a
	// rejected recipient.
	ErrPermanent = errors.New("permanent send failure")
)

// SendError describes a failed send. It matches ErrTransient or
// ErrPermanent with errors.Is and exposes the HTTP status when there was one.
type SendError struct {
	Kind   error
	Status int
	Reason string
	Err    error
}

func (e *SendError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%v (%s, status %d): %v", e.Kind, e.Reason, e.Status, e.Err)
	}
	return fmt.Sprintf("%v (%s): %v", e.Kind, e.Reason, e.Err)
}

func (e *SendError) Unwrap() []error { return []error{e.Kind, e.Err} }

// Reason returns a low-cardinality label describing err, for metrics.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var se *SendError
	if errors.As(err, &se) {
		return se.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "other"
}

// Config configures a Client.
type Config struct {
	BaseURL   string
	Sender    string
	AuthToken string
	Timeout   time.Duration
}

// Client sends email through the HTTP API.
type Client struct {
	baseURL string
	sender  domain.Email
	token   string
	http    *http.Client
}

// NewClient validates cfg and returns a ready client.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("email: base URL is required")
	}
	sender, err := domain.ParseEmail(cfg.Sender)
	if err != nil {
		return nil, fmt.Errorf("email: sender: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: base,
		sender:  sender,
		token:   cfg.AuthToken,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

type sendEmailRequest struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HTMLBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
}

// Send delivers one message. A nil error means the API accepted it.
func (c *Client) Send(ctx context.Context, to, subject, text, html string) error {
	ctx, span := otel.Tracer("email/Client").Start(ctx, "Send",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	body, err := json.Marshal(sendEmailRequest{
		From:     c.sender.String(),
		To:       to,
		Subject:  subject,
		HTMLBody: html,
		TextBody: text,
	})
	if err != nil {
		return &SendError{Kind: ErrPermanent, Reason: "encode", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/email", bytes.NewReader(body))
	if err != nil {
		return &SendError{Kind: ErrPermanent, Reason: "request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(authHeader, c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		serr := classifyTransportError(err)
		span.RecordError(serr)
		span.SetStatus(codes.Error, serr.Reason)
		return serr
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	serr := classifyStatus(resp.StatusCode, strings.TrimSpace(string(msg)))
	span.RecordError(serr)
	span.SetStatus(codes.Error, serr.Reason)
	return serr
}

func classifyTransportError(err error) *SendError {
	reason := "network"
	low := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.DeadlineExceeded), strings.Contains(low, "timeout"):
		reason = "timeout"
	case strings.Contains(low, "connection refused"):
		reason = "connection_refused"
	case strings.Contains(low, "no such host"):
		reason = "dns_error"
	}
	return &SendError{Kind: ErrTransient, Reason: reason, Err: err}
}

func classifyStatus(status int, body string) *SendError {
	err := fmt.Errorf("email API responded %d: %s", status, body)
	switch {
	case status == http.StatusTooManyRequests:
		return &SendError{Kind: ErrTransient, Status: status, Reason: "http_429", Err: err}
	case status == http.StatusRequestTimeout:
		return &SendError{Kind: ErrTransient, Status: status, Reason: "timeout", Err: err}
	case status >= 500:
		return &SendError{Kind: ErrTransient, Status: status, Reason: "http_5xx", Err: err}
	default:
		return &SendError{Kind: ErrPermanent, Status: status, Reason: "http_4xx", Err: err}
	}
}
