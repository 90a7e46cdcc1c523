// Package services – IssueOutbox
//
// IssueOutbox is the transactional delivery outbox. Publishing inserts the
// newsletter issue, reads the confirmed subscriber list and enqueues one
// pending DeliveryTask per subscriber, all in a single transaction: either
// the issue and its complete fan-out exist, or neither does.
//
// Production callers go through IdempotencyGuard and use PublishTx so the
// guard's in-progress marker shares the same commit.
package services

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"golang.org/x/text/unicode/norm"
)

// DefaultTitleMaxRunes caps issue titles.
const DefaultTitleMaxRunes = 255

// IssueOutbox publishes newsletter issues together with their delivery tasks.
type IssueOutbox struct {
	DB *gorm.DB

	// TitleMaxRunes caps the normalized title length; 0 disables the check.
	TitleMaxRunes int

	// Now and NewID are injectable for tests.
	Now   func() time.Time
	NewID func() (string, error)
}

// NewIssueOutbox returns an outbox with UUIDv7 issue IDs and a UTC clock.
func NewIssueOutbox(db *gorm.DB) *IssueOutbox {
	return &IssueOutbox{
		DB:            db,
		TitleMaxRunes: DefaultTitleMaxRunes,
		Now:           func() time.Time { return time.Now().UTC() },
		NewID:         newIssueID,
	}
}

func newIssueID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Publish validates the input and runs PublishTx in its own transaction.
// It returns the stored issue and the number of delivery tasks enqueued.
func (o *IssueOutbox) Publish(ctx context.Context, title, text, html string) (*domain.NewsletterIssue, int, error) {
	var (
		issue *domain.NewsletterIssue
		n     int
	)
	err := o.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		issue, n, err = o.PublishTx(ctx, tx, title, text, html)
		return err
	})
	if err != nil {
		return nil, 0, asStorageErr(err)
	}
	ObservePublished(n)
	return issue, n, nil
}

// PublishTx performs the publish inside tx. The caller owns the transaction
// and must call ObservePublished after it commits.
func (o *IssueOutbox) PublishTx(ctx context.Context, tx *gorm.DB, title, text, html string) (*domain.NewsletterIssue, int, error) {
	tr := otel.Tracer("services/IssueOutbox")
	ctx, span := tr.Start(ctx, "Publish")
	defer span.End()

	title, text, html, err := o.validate(title, text, html)
	if err != nil {
		return nil, 0, err
	}

	id, err := o.newID()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: issue id: %w", ErrStorage, err)
	}
	now := o.now()

	issue := &domain.NewsletterIssue{
		ID:          id,
		Title:       title,
		TextContent: text,
		HTMLContent: html,
		CreatedAt:   now,
	}
	if err := repo.CreateIssue(ctx, tx, issue); err != nil {
		return nil, 0, fmt.Errorf("%w: insert issue: %w", ErrStorage, err)
	}

	emails, err := repo.ListConfirmedEmails(ctx, tx)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: list subscribers: %w", ErrStorage, err)
	}
	valid := emails[:0]
	for _, e := range emails {
		if _, perr := domain.ParseEmail(e); perr != nil {
			log.Ctx(ctx).Warn().Str("issue_id", id).Err(perr).Msg("skipping confirmed subscriber with invalid stored email")
			continue
		}
		valid = append(valid, e)
	}

	n, err := repo.CreateTasks(ctx, tx, id, valid, now)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: enqueue deliveries: %w", ErrStorage, err)
	}

	span.SetAttributes(
		attribute.String("issue.id", id),
		attribute.Int("tasks.enqueued", n),
	)
	return issue, n, nil
}

func (o *IssueOutbox) validate(title, text, html string) (string, string, string, error) {
	title = norm.NFC.String(strings.TrimSpace(title))
	if title == "" {
		return "", "", "", fmt.Errorf("%w: title is empty", ErrValidation)
	}
	if o.TitleMaxRunes > 0 && utf8.RuneCountInString(title) > o.TitleMaxRunes {
		return "", "", "", fmt.Errorf("%w: title longer than %d characters", ErrValidation, o.TitleMaxRunes)
	}
	if strings.TrimSpace(text) == "" {
		return "", "", "", fmt.Errorf("%w: text content is empty", ErrValidation)
	}
	if strings.TrimSpace(html) == "" {
		return "", "", "", fmt.Errorf("%w: html content is empty", ErrValidation)
	}
	return title, text, html, nil
}

func (o *IssueOutbox) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

func (o *IssueOutbox) newID() (string, error) {
	if o.NewID != nil {
		return o.NewID()
	}
	return newIssueID()
}
