package services

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
)

func TestGenerateSubscriptionToken_Shape(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		tok, err := GenerateSubscriptionToken()
		require.NoError(t, err)
		require.True(t, validToken(tok), "token %q", tok)
		require.False(t, seen[tok], "duplicate token")
		seen[tok] = true
	}
	assert.False(t, validToken("short"))
	assert.False(t, validToken(strings.Repeat("a", 24)+"!"))
}

func TestSubscribeAndConfirm(t *testing.T) {
	db := newServiceDB(t)
	sender := &fakeSender{}
	s := NewSubscriptionService(db, "https://news.example.com/api/v1/subscriptions/confirm", sender)
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "Ursula Le Guin", "ursula@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPendingConfirmation, sub.Subscriber.Status)

	u, err := url.Parse(sub.ConfirmationLink)
	require.NoError(t, err)
	assert.Equal(t, "news.example.com", u.Host)
	assert.Equal(t, sub.Token, u.Query().Get("subscription_token"))

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "ursula@example.com", sender.sent[0].to)
	assert.Contains(t, sender.sent[0].html, sub.ConfirmationLink)

	// Pending subscribers are not fanned out to.
	emails, err := repo.ListConfirmedEmails(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, emails)

	confirmed, err := s.Confirm(ctx, sub.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, confirmed.Status)

	emails, err = repo.ListConfirmedEmails(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, []string{"ursula@example.com"}, emails)

	_, err = s.Confirm(ctx, sub.Token)
	require.ErrorIs(t, err, ErrAlreadyConfirmed)

	_, err = s.Subscribe(ctx, "Ursula Le Guin", "ursula@example.com")
	require.ErrorIs(t, err, ErrAlreadyConfirmed)
}

func TestSubscribe_PendingGetsNewToken(t *testing.T) {
	db := newServiceDB(t)
	s := NewSubscriptionService(db, "", nil)
	ctx := context.Background()

	first, err := s.Subscribe(ctx, "Reader", "reader@example.com")
	require.NoError(t, err)
	second, err := s.Subscribe(ctx, "Reader", "reader@example.com")
	require.NoError(t, err)

	assert.Equal(t, first.Subscriber.ID, second.Subscriber.ID)
	assert.NotEqual(t, first.Token, second.Token)

	// Either token confirms the same subscriber.
	got, err := s.Confirm(ctx, first.Token)
	require.NoError(t, err)
	assert.Equal(t, first.Subscriber.ID, got.ID)
}

func TestSubscribe_InvalidInput(t *testing.T) {
	s := NewSubscriptionService(newServiceDB(t), "", nil)

	cases := []struct{ name, email string }{
		{"Reader", "not-an-email"},
		{"", "reader@example.com"},
		{"<script>", "reader@example.com"},
		{strings.Repeat("n", 257), "reader@example.com"},
	}
	for _, c := range cases {
		_, err := s.Subscribe(context.Background(), c.name, c.email)
		require.ErrorIs(t, err, ErrInvalidSubscriber, "name=%q email=%q", c.name, c.email)
	}
}

func TestSubscribe_ConfirmationEmailIsBestEffort(t *testing.T) {
	sender := &fakeSender{err: errors.New("smtp down")}
	s := NewSubscriptionService(newServiceDB(t), "", sender)

	sub, err := s.Subscribe(context.Background(), "Reader", "reader@example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, sub.Token)
	assert.Len(t, sender.sent, 1)
}

func TestConfirm_UnknownOrMalformedToken(t *testing.T) {
	s := NewSubscriptionService(newServiceDB(t), "", nil)

	_, err := s.Confirm(context.Background(), "bad")
	require.ErrorIs(t, err, ErrTokenNotFound)
	_, err = s.Confirm(context.Background(), strings.Repeat("a", tokenLen))
	require.ErrorIs(t, err, ErrTokenNotFound)
}
