// Package services – IdempotencyGuard
//
// IdempotencyGuard makes a mutating administrative request safe to resend.
// The first request for a (principal, key) pair inserts an in-progress
// marker in the same transaction as the guarded action and completes it
// with the produced response before committing. Later requests with the
// same key get the stored response back byte for byte; a request that
// arrives while the first one is still running fails fast with ErrConflict.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// MaxIdempotencyKeyLen bounds client-supplied keys.
	MaxIdempotencyKeyLen = 50

	// MaxPrincipalLen matches the width of idempotency_records.user_id.
	MaxPrincipalLen = 64

	// DefaultIdempotencyTTL is how long a completed response is replayed.
	DefaultIdempotencyTTL = 48 * time.Hour

	// defaultLockWait bounds how long the guard waits on a concurrent
	// request holding the same key before reporting ErrConflict.
	defaultLockWait = 500 * time.Millisecond
)

// GuardedAction performs the side effects of a guarded request inside tx
// and renders the response that will be stored for replays.
type GuardedAction func(tx *gorm.DB) (domain.SavedResponse, error)

// IdempotencyGuard runs actions at most once per (principal, key).
type IdempotencyGuard struct {
	DB *gorm.DB

	// TTL is the replay window; keys older than that are treated as fresh.
	// Zero keeps records forever.
	TTL time.Duration

	// LockWait bounds lock waits on dialects that would otherwise block.
	LockWait time.Duration

	Now func() time.Time
}

// NewIdempotencyGuard returns a guard with the default TTL.
func NewIdempotencyGuard(db *gorm.DB, ttl time.Duration) *IdempotencyGuard {
	if ttl < 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &IdempotencyGuard{
		DB:       db,
		TTL:      ttl,
		LockWait: defaultLockWait,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// ValidateIdempotencyKey trims key and checks it is non-empty and short
// enough to be stored.
func ValidateIdempotencyKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: idempotency key is empty", ErrValidation)
	}
	if utf8.RuneCountInString(key) > MaxIdempotencyKeyLen {
		return "", fmt.Errorf("%w: idempotency key longer than %d characters", ErrValidation, MaxIdempotencyKeyLen)
	}
	return key, nil
}

// Guard runs action once for (principalID, key) and returns its response.
// The bool result reports whether the response was replayed from storage.
//
// Errors returned by action roll back the whole transaction, including the
// in-progress marker, and are returned unchanged.
func (g *IdempotencyGuard) Guard(ctx context.Context, principalID, key string, action GuardedAction) (domain.SavedResponse, bool, error) {
	tr := otel.Tracer("services/IdempotencyGuard")
	ctx, span := tr.Start(ctx, "Guard",
		trace.WithAttributes(attribute.String("user.id", principalID)),
	)
	defer span.End()

	if strings.TrimSpace(principalID) == "" {
		return domain.SavedResponse{}, false, fmt.Errorf("%w: principal is empty", ErrValidation)
	}
	if utf8.RuneCountInString(principalID) > MaxPrincipalLen {
		return domain.SavedResponse{}, false, fmt.Errorf("%w: principal longer than %d characters", ErrValidation, MaxPrincipalLen)
	}
	key, err := ValidateIdempotencyKey(key)
	if err != nil {
		return domain.SavedResponse{}, false, err
	}

	var (
		out       domain.SavedResponse
		replayed  bool
		actionErr error
	)
	err = g.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.BoundLockWait(ctx, tx, g.LockWait); err != nil {
			return storageErr(err)
		}

		now := g.now()
		fresh, err := g.acquire(ctx, tx, principalID, key, now)
		if err != nil {
			return err
		}
		if !fresh {
			rec, err := repo.GetIdempotency(ctx, tx, principalID, key)
			if err != nil {
				return storageErr(err)
			}
			st, err := rec.State()
			if err != nil {
				return storageErr(err)
			}
			switch s := st.(type) {
			case domain.Completed:
				out, replayed = s.Response, true
				return nil
			default:
				return ErrConflict
			}
		}

		resp, err := action(tx)
		if err != nil {
			actionErr = err
			return err
		}
		if err := repo.SaveIdempotentResponse(ctx, tx, principalID, key, resp); err != nil {
			return storageErr(err)
		}
		out = resp
		return nil
	})
	if actionErr != nil {
		return domain.SavedResponse{}, false, actionErr
	}
	if err != nil {
		return domain.SavedResponse{}, false, asStorageErr(err)
	}

	span.SetAttributes(attribute.Bool("idempotency.replayed", replayed))
	if replayed {
		idempotentReplays.Inc()
	}
	return out, replayed, nil
}

// acquire inserts the in-progress marker. It reports false when a live
// record already exists; an expired record is replaced.
func (g *IdempotencyGuard) acquire(ctx context.Context, tx *gorm.DB, principalID, key string, now time.Time) (bool, error) {
	fresh, err := repo.InsertIdempotencyIfAbsent(ctx, tx, principalID, key, now, g.TTL)
	if err != nil {
		return false, storageErr(err)
	}
	if fresh || g.TTL <= 0 {
		return fresh, nil
	}

	rec, err := repo.GetIdempotency(ctx, tx, principalID, key)
	if err != nil {
		return false, storageErr(err)
	}
	if !rec.Expired(now) {
		return false, nil
	}
	if err := repo.DeleteIdempotency(ctx, tx, principalID, key); err != nil {
		return false, storageErr(err)
	}
	fresh, err = repo.InsertIdempotencyIfAbsent(ctx, tx, principalID, key, now, g.TTL)
	if err != nil {
		return false, storageErr(err)
	}
	if !fresh {
		return false, ErrConflict
	}
	return true, nil
}

func (g *IdempotencyGuard) now() time.Time {
	if g.Now != nil {
		return g.Now().UTC()
	}
	return time.Now().UTC()
}

// storageErr classifies a database error raised while handling a key. A lock
// timeout means another request holds the key.
func storageErr(err error) error {
	if repo.IsLockTimeout(err) {
		return ErrConflict
	}
	return fmt.Errorf("%w: %w", ErrStorage, err)
}

// asStorageErr leaves service errors alone and wraps anything else, such as
// a failed commit, as ErrStorage.
func asStorageErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrValidation), errors.Is(err, ErrConflict), errors.Is(err, ErrStorage):
		return err
	default:
		return storageErr(err)
	}
}
