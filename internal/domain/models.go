// Package domain defines the persistence models for subscribers, newsletter
// issues, and their delivery tasks. These types are mapped with GORM and form
// the core data layer of the newsletter backend.
package domain

import (
	"time"
)

// SubscriptionStatus is the lifecycle state of a subscriber.
type SubscriptionStatus string

const (
	StatusPendingConfirmation SubscriptionStatus = "pending_confirmation"
	StatusConfirmed           SubscriptionStatus = "confirmed"
)

// Subscriber is a person who asked to receive newsletter issues. Only
// confirmed subscribers are included in the fan-out of a published issue.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - Email: unique address the issues are sent to.
//   - Name: display name captured at subscription time.
//   - Status: pending_confirmation or confirmed.
//   - SubscribedAt: when the subscription was first requested.
type Subscriber struct {
	ID           string             `json:"id"            gorm:"type:char(36);primaryKey"`
	Email        string             `json:"email"         gorm:"type:varchar(320);not null;uniqueIndex:ux_subscriptions_email"`
	Name         string             `json:"name"          gorm:"type:varchar(256);not null"`
	Status       SubscriptionStatus `json:"status"        gorm:"type:varchar(32);not null;index;check:status IN ('pending_confirmation','confirmed')"`
	SubscribedAt time.Time          `json:"subscribed_at" gorm:"not null"`
}

// TableName returns the database table name for Subscriber.
func (Subscriber) TableName() string { return "subscriptions" }

// SubscriptionToken links an opaque confirmation token to a subscriber.
type SubscriptionToken struct {
	Token        string `json:"-" gorm:"type:varchar(25);primaryKey"`
	SubscriberID string `json:"-" gorm:"type:char(36);not null;index"`

	Subscriber Subscriber `json:"-" gorm:"foreignKey:SubscriberID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for SubscriptionToken.
func (SubscriptionToken) TableName() string { return "subscription_tokens" }

// NewsletterIssue is one published piece of content. Issues are immutable
// once created; their IDs are UUIDv7 so they sort by creation time.
type NewsletterIssue struct {
	ID          string    `json:"id"           gorm:"type:char(36);primaryKey"`
	Title       string    `json:"title"        gorm:"type:varchar(255);not null"`
	TextContent string    `json:"text_content" gorm:"type:text;not null"`
	HTMLContent string    `json:"html_content" gorm:"column:html_content;type:text;not null"`
	CreatedAt   time.Time `json:"created_at"   gorm:"not null"`
}

// TableName returns the database table name for NewsletterIssue.
func (NewsletterIssue) TableName() string { return "newsletter_issues" }

// TaskState is the processing state of a DeliveryTask.
type TaskState string

const (
	TaskPending      TaskState = "pending"
	TaskInFlight     TaskState = "in_flight"
	TaskDone         TaskState = "done"
	TaskDeadLettered TaskState = "dead_lettered"
)

// Terminal reports whether no further automatic processing happens in s.
func (s TaskState) Terminal() bool {
	return s == TaskDone || s == TaskDeadLettered
}

// DeliveryTask is the unit of outbound work: deliver one issue to one
// subscriber. The composite primary key (issue, email) guarantees at most one
// task per pair.
//
// Fields:
//   - IssueID / SubscriberEmail: composite primary key.
//   - AttemptCount: failed attempts so far; never decreases automatically.
//   - NextAttemptAt: earliest time the task may be claimed.
//   - State: pending, in_flight, done or dead_lettered.
//   - ClaimedAt: set when a worker claims the task; used to detect stale claims.
//   - LastError: last send failure, kept for operators.
type DeliveryTask struct {
	IssueID         string     `json:"newsletter_issue_id" gorm:"column:newsletter_issue_id;type:char(36);primaryKey"`
	SubscriberEmail string     `json:"subscriber_email"    gorm:"type:varchar(320);primaryKey"`
	AttemptCount    int        `json:"attempt_count"       gorm:"not null;default:0;check:attempt_count >= 0"`
	NextAttemptAt   time.Time  `json:"next_attempt_at"     gorm:"not null;index:idx_delivery_claim,priority:2"`
	State           TaskState  `json:"state"               gorm:"type:varchar(16);not null;default:'pending';index:idx_delivery_claim,priority:1"`
	ClaimedAt       *time.Time `json:"claimed_at,omitempty"`
	LastError       string     `json:"last_error,omitempty" gorm:"type:text"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`

	// Issue is the parent issue. Tasks are removed together with it.
	Issue NewsletterIssue `json:"-" gorm:"foreignKey:IssueID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for DeliveryTask.
func (DeliveryTask) TableName() string { return "issue_delivery_queue" }
