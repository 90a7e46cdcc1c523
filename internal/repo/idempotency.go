// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the
// IdempotencyRecord model that backs the publish-once guarantee.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
)

// neverExpires is stored for records kept without a retention window.
var neverExpires = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// InsertIdempotencyIfAbsent inserts an in-progress record for (userID, key)
// unless one already exists. It reports whether this call created the row.
// A ttl <= 0 keeps the record until it is deleted explicitly.
// Run it inside the transaction of the guarded operation: on rollback the
// row disappears and the key is fresh again.
func InsertIdempotencyIfAbsent(ctx context.Context, db *gorm.DB, userID, key string, now time.Time, ttl time.Duration) (bool, error) {
	expires := neverExpires
	if ttl > 0 {
		expires = now.Add(ttl)
	}
	rec := &domain.IdempotencyRecord{
		UserID:    userID,
		Key:       key,
		Phase:     domain.PhaseInProgress,
		CreatedAt: now,
		ExpiresAt: expires,
	}
	res := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// GetIdempotency returns the record for (userID, key) or ErrNotFound.
// Expired records are returned as well; callers decide via Expired.
func GetIdempotency(ctx context.Context, db *gorm.DB, userID, key string) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	err := db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveIdempotentResponse completes an in-progress record with the response
// that must be replayed for later requests. A completed record is never
// overwritten; ErrNotFound is returned when no in-progress row matches.
func SaveIdempotentResponse(ctx context.Context, db *gorm.DB, userID, key string, resp domain.SavedResponse) error {
	status := resp.Status
	headers := resp.Headers
	if headers == nil {
		headers = []domain.HeaderPair{}
	}
	res := db.WithContext(ctx).Model(&domain.IdempotencyRecord{}).
		Where("user_id = ? AND idempotency_key = ? AND state = ?", userID, key, domain.PhaseInProgress).
		Updates(&domain.IdempotencyRecord{
			Phase:           domain.PhaseCompleted,
			ResponseStatus:  &status,
			ResponseHeaders: headers,
			ResponseBody:    resp.Body,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteIdempotency removes the record for (userID, key).
func DeleteIdempotency(ctx context.Context, db *gorm.DB, userID, key string) error {
	return db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		Delete(&domain.IdempotencyRecord{}).Error
}

// PurgeExpiredIdempotency deletes records whose retention window ended
// before now and returns how many were removed.
func PurgeExpiredIdempotency(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&domain.IdempotencyRecord{})
	return res.RowsAffected, res.Error
}
