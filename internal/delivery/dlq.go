package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
)

// Envelope identification for dead-letter messages.
const (
	DLQType    = "delivery.dlq"
	DLQVersion = "v1"

	// DefaultDLQTopic is the NSQ topic dead letters are published to.
	DefaultDLQTopic = "newsletter_deliveries_dlq"
)

// TaskSnapshot is the task as it looked when it was dead-lettered.
type TaskSnapshot struct {
	IssueID         string `json:"issue_id"`
	SubscriberEmail string `json:"subscriber_email"`
	AttemptCount    int    `json:"attempt_count"`
	CreatedAt       string `json:"created_at"` // RFC3339
}

// DeadLetter is the envelope published when a task reaches dead_lettered.
type DeadLetter struct {
	Type      string       `json:"type"`    // "delivery.dlq"
	Version   string       `json:"version"` // schema version
	At        string       `json:"at"`      // RFC3339 time the task was dead-lettered
	Reason    string       `json:"reason"`
	Attempt   int          `json:"attempt"` // attempt count when dead-lettered
	LastError string       `json:"last_error,omitempty"`
	Task      TaskSnapshot `json:"task"`
}

// NewDeadLetter builds the envelope for t, dead-lettered at attempt.
func NewDeadLetter(t domain.DeliveryTask, attempt int, lastErr, reason string, at time.Time) DeadLetter {
	return DeadLetter{
		Type:      DLQType,
		Version:   DLQVersion,
		At:        at.UTC().Format(time.RFC3339Nano),
		Reason:    reason,
		Attempt:   attempt,
		LastError: lastErr,
		Task: TaskSnapshot{
			IssueID:         t.IssueID,
			SubscriberEmail: t.SubscriberEmail,
			AttemptCount:    attempt,
			CreatedAt:       t.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}
}

// DeadLetterNotifier is told about every task that reaches dead_lettered.
// The task row is already committed when Notify runs; a notification
// failure never changes the task.
type DeadLetterNotifier interface {
	Notify(ctx context.Context, dl DeadLetter) error
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, DeadLetter) error { return nil }

// Publisher is the subset of *nsq.Producer used by NSQNotifier.
type Publisher interface {
	Publish(topic string, body []byte) error
	Stop()
}

// NSQNotifier publishes dead letters as JSON to an NSQ topic.
type NSQNotifier struct {
	Producer Publisher
	Topic    string
}

// NewNSQNotifier connects a producer to nsqd at addr.
func NewNSQNotifier(addr, topic string) (*NSQNotifier, error) {
	if addr == "" {
		return nil, errors.New("nsqd address is required")
	}
	p, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, err
	}
	if topic == "" {
		topic = DefaultDLQTopic
	}
	return &NSQNotifier{Producer: p, Topic: topic}, nil
}

// Notify publishes dl as JSON to the configured topic.
func (n *NSQNotifier) Notify(_ context.Context, dl DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	return n.Producer.Publish(n.Topic, b)
}

// Stop flushes and closes the producer.
func (n *NSQNotifier) Stop() {
	if n.Producer != nil {
		n.Producer.Stop()
	}
}
