// Package services defines the business logic for publishing newsletter
// issues, guarding administrative requests with idempotency keys, and
// managing subscriptions. This file centralizes the service-level error
// values so callers can check them with errors.Is.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer.
package services

import "errors"

// Publish and idempotency errors.
var (
	// ErrValidation is returned when input is rejected before any
	// persistence happens (empty title or body, malformed idempotency key).
	ErrValidation = errors.New("validation failed")

	// ErrConflict is returned when a request with the same idempotency key
	// is still being processed. The caller should retry later.
	ErrConflict = errors.New("request with this idempotency key is in progress")

	// ErrStorage wraps failures of the underlying database.
	ErrStorage = errors.New("storage failure")
)

// Subscription errors.
var (
	// ErrInvalidSubscriber indicates a malformed name or email address.
	ErrInvalidSubscriber = errors.New("invalid subscriber")

	// ErrTokenNotFound indicates an unknown or malformed confirmation token.
	ErrTokenNotFound = errors.New("subscription token not found")

	// ErrAlreadyConfirmed is returned when confirming or re-subscribing an
	// address that is already confirmed.
	ErrAlreadyConfirmed = errors.New("subscriber already confirmed")
)

// Delivery administration errors.
var (
	// ErrTaskNotFound is returned when no dead-lettered task matches the
	// requested (issue, subscriber) pair.
	ErrTaskNotFound = errors.New("dead-lettered delivery not found")
)
