package domain

import (
	"errors"
	"time"
)

// ErrCorruptIdempotency is returned when a stored record cannot be mapped to
// a valid IdempotencyState (for example completed without a status code).
var ErrCorruptIdempotency = errors.New("corrupt idempotency record")

// IdempotencyPhase is the persisted phase column of an IdempotencyRecord.
type IdempotencyPhase string

const (
	PhaseInProgress IdempotencyPhase = "in_progress"
	PhaseCompleted  IdempotencyPhase = "completed"
)

// HeaderPair is one response header as it was originally written.
type HeaderPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SavedResponse is the complete response produced by a guarded operation.
// Replays return it byte for byte.
type SavedResponse struct {
	Status  int
	Headers []HeaderPair
	Body    []byte
}

// IdempotencyState is either InProgress or Completed.
type IdempotencyState interface {
	isIdempotencyState()
}

// InProgress means another request holds the key and has not finished.
type InProgress struct{}

// Completed carries the stored response of a finished operation.
type Completed struct {
	Response SavedResponse
}

func (InProgress) isIdempotencyState() {}
func (Completed) isIdempotencyState()  {}

// IdempotencyRecord persists the processing state of a client-supplied
// idempotency key, scoped to the principal that sent it.
type IdempotencyRecord struct {
	UserID          string           `gorm:"column:user_id;type:varchar(64);primaryKey"`
	Key             string           `gorm:"column:idempotency_key;type:varchar(64);primaryKey"`
	Phase           IdempotencyPhase `gorm:"column:state;type:varchar(16);not null"`
	ResponseStatus  *int             `gorm:"column:response_status_code"`
	ResponseHeaders []HeaderPair     `gorm:"column:response_headers;type:text;serializer:json"`
	ResponseBody    []byte           `gorm:"column:response_body"`
	CreatedAt       time.Time        `gorm:"not null"`
	ExpiresAt       time.Time        `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (IdempotencyRecord) TableName() string { return "idempotency" }

// State maps the stored columns onto the IdempotencyState union.
func (r IdempotencyRecord) State() (IdempotencyState, error) {
	switch r.Phase {
	case PhaseInProgress:
		return InProgress{}, nil
	case PhaseCompleted:
		if r.ResponseStatus == nil {
			return nil, ErrCorruptIdempotency
		}
		return Completed{Response: SavedResponse{
			Status:  *r.ResponseStatus,
			Headers: r.ResponseHeaders,
			Body:    r.ResponseBody,
		}}, nil
	default:
		return nil, ErrCorruptIdempotency
	}
}

// Expired reports whether the record is past its retention window at now.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}
