package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope for every message published to Kafka.
//
// Topic naming: stkpush.<domain>.<action>
// Event types are versioned: "payment.completed.v1". Breaking payload
// changes require a new version; consumers must ignore unknown fields.
type Event struct {
	// EventID is a unique identifier for this event instance
	EventID string `json:"event_id"`

	// EventType describes the event in format: <domain>.<action>.v<version>
	EventType string `json:"event_type"`

	// OccurredAt is when the event actually happened (not when it was published)
	OccurredAt time.Time `json:"occurred_at"`

	// CorrelationID links related events (e.g., the payment reference)
	CorrelationID string `json:"correlation_id,omitempty"`

	// Source identifies the service that produced this event
	Source string `json:"source"`

	// Payload contains the event-specific data
	Payload any `json:"payload"`

	// Metadata contains optional key-value pairs for tracing, debugging, etc.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewEvent creates a new event with auto-generated ID and timestamp
func NewEvent(eventType, source string, payload any) *Event {
	return &Event{
		EventID:    uuid.New().String(),
		EventType:  eventType,
		OccurredAt: time.Now().UTC(),
		Source:     source,
		Payload:    payload,
		Metadata:   make(map[string]string),
	}
}

// WithCorrelationID sets the correlation ID for request tracing
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

// WithMetadata adds a metadata key-value pair
func (e *Event) WithMetadata(key, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// Publisher is implemented by event sinks (Kafka in production).
type Publisher interface {
	Publish(ctx context.Context, topic string, event *Event) error
	Close() error
}

const (
	// TopicPaymentInitiated is published when an STK push is accepted by the gateway
	TopicPaymentInitiated = "stkpush.payments.initiated"

	// TopicPaymentCompleted is published when a payment reaches completed
	TopicPaymentCompleted = "stkpush.payments.completed"

	// TopicPaymentFailed is published when a payment reaches failed
	TopicPaymentFailed = "stkpush.payments.failed"

	// TopicPaymentTimeout is published when the polling budget is exhausted
	TopicPaymentTimeout = "stkpush.payments.timeout"

	// TopicUserRegistered is published on successful registration
	TopicUserRegistered = "stkpush.users.registered"

	// TopicWithdrawalCompleted is published when a balance debit succeeds
	TopicWithdrawalCompleted = "stkpush.withdrawals.completed"
)

const (
	EventTypePaymentInitiated    = "payment.initiated.v1"
	EventTypePaymentCompleted    = "payment.completed.v1"
	EventTypePaymentFailed       = "payment.failed.v1"
	EventTypePaymentTimeout      = "payment.timeout.v1"
	EventTypeUserRegistered      = "user.registered.v1"
	EventTypeWithdrawalCompleted = "withdrawal.completed.v1"
)
