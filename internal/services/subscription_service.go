// Package services – SubscriptionService
//
// SubscriptionService registers subscribers in pending_confirmation state,
// issues confirmation tokens and confirms subscribers. Only confirmed
// subscribers take part in the outbox fan-out.
package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	tokenLen      = 25
	tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// ConfirmationSender delivers the confirmation email. email.Client satisfies it.
type ConfirmationSender interface {
	Send(ctx context.Context, to, subject, text, html string) error
}

// Subscription is the result of a successful Subscribe.
type Subscription struct {
	Subscriber       *domain.Subscriber
	Token            string
	ConfirmationLink string
}

// SubscriptionService manages subscriber sign-up and confirmation.
type SubscriptionService struct {
	DB *gorm.DB

	// ConfirmURL is the absolute URL of the confirmation endpoint; the token
	// is appended as the subscription_token query parameter.
	ConfirmURL string

	// Sender is optional. Confirmation emails are best effort.
	Sender ConfirmationSender

	Now      func() time.Time
	NewToken func() (string, error)
}

// NewSubscriptionService wires a service with random tokens and a UTC clock.
func NewSubscriptionService(db *gorm.DB, confirmURL string, sender ConfirmationSender) *SubscriptionService {
	return &SubscriptionService{
		DB:         db,
		ConfirmURL: confirmURL,
		Sender:     sender,
		Now:        func() time.Time { return time.Now().UTC() },
		NewToken:   GenerateSubscriptionToken,
	}
}

// GenerateSubscriptionToken returns 25 random alphanumeric characters.
func GenerateSubscriptionToken() (string, error) {
	b := make([]byte, tokenLen)
	limit := big.NewInt(int64(len(tokenAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b[i] = tokenAlphabet[n.Int64()]
	}
	return string(b), nil
}

// validToken reports whether s has the shape of a generated token.
func validToken(s string) bool {
	if len(s) != tokenLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

// Subscribe registers (or re-registers) a pending subscriber and stores a
// new confirmation token. Confirmed addresses yield ErrAlreadyConfirmed.
func (s *SubscriptionService) Subscribe(ctx context.Context, name, email string) (*Subscription, error) {
	tr := otel.Tracer("services/SubscriptionService")
	ctx, span := tr.Start(ctx, "Subscribe")
	defer span.End()

	addr, err := domain.ParseEmail(email)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSubscriber, err)
	}
	n, err := domain.ParseSubscriberName(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSubscriber, err)
	}

	token, err := s.newToken()
	if err != nil {
		return nil, fmt.Errorf("%w: token: %w", ErrStorage, err)
	}

	var sub *domain.Subscriber
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := repo.GetSubscriberByEmail(ctx, tx, addr.String())
		switch {
		case err == nil:
			if existing.Status == domain.StatusConfirmed {
				return ErrAlreadyConfirmed
			}
			sub = existing
		case errors.Is(err, repo.ErrNotFound):
			sub = &domain.Subscriber{
				ID:           uuid.NewString(),
				Email:        addr.String(),
				Name:         n,
				Status:       domain.StatusPendingConfirmation,
				SubscribedAt: s.now(),
			}
			if err := repo.CreateSubscriber(ctx, tx, sub); err != nil {
				return err
			}
		default:
			return err
		}
		return repo.StoreToken(ctx, tx, sub.ID, token)
	})
	if errors.Is(err, ErrAlreadyConfirmed) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	span.SetAttributes(attribute.String("subscriber.id", sub.ID))

	out := &Subscription{Subscriber: sub, Token: token, ConfirmationLink: s.confirmationLink(token)}
	s.sendConfirmation(ctx, out)
	return out, nil
}

// Confirm marks the subscriber owning token as confirmed.
func (s *SubscriptionService) Confirm(ctx context.Context, token string) (*domain.Subscriber, error) {
	tr := otel.Tracer("services/SubscriptionService")
	ctx, span := tr.Start(ctx, "Confirm")
	defer span.End()

	if !validToken(token) {
		return nil, ErrTokenNotFound
	}
	sub, err := repo.GetSubscriberByToken(ctx, s.DB, token)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	span.SetAttributes(attribute.String("subscriber.id", sub.ID))

	if sub.Status == domain.StatusConfirmed {
		return sub, ErrAlreadyConfirmed
	}
	if err := repo.ConfirmSubscriber(ctx, s.DB, sub.ID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return sub, ErrAlreadyConfirmed
		}
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	sub.Status = domain.StatusConfirmed
	return sub, nil
}

func (s *SubscriptionService) confirmationLink(token string) string {
	u, err := url.Parse(s.ConfirmURL)
	if err != nil || s.ConfirmURL == "" {
		return "?subscription_token=" + url.QueryEscape(token)
	}
	q := u.Query()
	q.Set("subscription_token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *SubscriptionService) sendConfirmation(ctx context.Context, sub *Subscription) {
	if s.Sender == nil {
		return
	}
	ctx, span := otel.Tracer("services/SubscriptionService").Start(ctx, "sendConfirmation",
		trace.WithAttributes(attribute.String("subscriber.id", sub.Subscriber.ID)),
	)
	defer span.End()

	text := fmt.Sprintf("Welcome to our newsletter!\nVisit %s to confirm your subscription.", sub.ConfirmationLink)
	html := fmt.Sprintf(`Welcome to our newsletter!<br />Click <a href="%s">here</a> to confirm your subscription.`, sub.ConfirmationLink)
	if err := s.Sender.Send(ctx, sub.Subscriber.Email, "Welcome!", text, html); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("subscriber_id", sub.Subscriber.ID).Msg("confirmation email not sent")
	}
}

func (s *SubscriptionService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *SubscriptionService) newToken() (string, error) {
	if s.NewToken != nil {
		return s.NewToken()
	}
	return GenerateSubscriptionToken()
}
