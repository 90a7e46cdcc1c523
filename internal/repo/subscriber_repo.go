// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for subscribers
// and their confirmation tokens.
package repo

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
)

// CreateSubscriber inserts a subscriber. A taken email yields ErrDuplicate.
func CreateSubscriber(ctx context.Context, db *gorm.DB, s *domain.Subscriber) error {
	return mapDuplicate(db.WithContext(ctx).Create(s).Error)
}

// GetSubscriberByEmail fetches a subscriber by address, or ErrNotFound.
func GetSubscriberByEmail(ctx context.Context, db *gorm.DB, email string) (*domain.Subscriber, error) {
	var s domain.Subscriber
	if err := db.WithContext(ctx).Where("email = ?", email).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// StoreToken persists a confirmation token for subscriberID.
func StoreToken(ctx context.Context, db *gorm.DB, subscriberID, token string) error {
	t := &domain.SubscriptionToken{Token: token, SubscriberID: subscriberID}
	return mapDuplicate(db.WithContext(ctx).Omit(clause.Associations).Create(t).Error)
}

// GetSubscriberByToken resolves a confirmation token to its subscriber.
func GetSubscriberByToken(ctx context.Context, db *gorm.DB, token string) (*domain.Subscriber, error) {
	var s domain.Subscriber
	err := db.WithContext(ctx).
		Joins("JOIN subscription_tokens ON subscription_tokens.subscriber_id = subscriptions.id").
		Where("subscription_tokens.token = ?", token).
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ConfirmSubscriber marks a pending subscriber as confirmed.
func ConfirmSubscriber(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).Model(&domain.Subscriber{}).
		Where("id = ? AND status = ?", id, domain.StatusPendingConfirmation).
		Update("status", domain.StatusConfirmed)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListConfirmedEmails returns the addresses of all confirmed subscribers in a
// stable order. Callers pass the transaction the fan-out runs in so the list
// and the inserted tasks agree.
func ListConfirmedEmails(ctx context.Context, db *gorm.DB) ([]string, error) {
	var out []string
	err := db.WithContext(ctx).
		Model(&domain.Subscriber{}).
		Where("status = ?", domain.StatusConfirmed).
		Order("email ASC").
		Pluck("email", &out).Error
	return out, err
}
