// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// NewsletterIssue model.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
)

// CreateIssue inserts a newsletter issue. The caller assigns ID and CreatedAt.
func CreateIssue(ctx context.Context, db *gorm.DB, issue *domain.NewsletterIssue) error {
	return mapDuplicate(db.WithContext(ctx).Create(issue).Error)
}

// GetIssue fetches an issue by ID, or ErrNotFound.
func GetIssue(ctx context.Context, db *gorm.DB, id string) (*domain.NewsletterIssue, error) {
	var is domain.NewsletterIssue
	if err := db.WithContext(ctx).Where("id = ?", id).First(&is).Error; err != nil {
		return nil, err
	}
	return &is, nil
}
