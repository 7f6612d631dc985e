// Package webhook manages outbound change notifications: subscription
// registration, HMAC-SHA256 signed delivery, persisted retries with
// exponential backoff, and per-record ordering.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus is the lifecycle of one delivery.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "PENDING"
	DeliveryDelivered DeliveryStatus = "DELIVERED"
	// DeliveryExhausted means the retry budget ran out. Recorded, never
	// retried again; operators are notified through the audit stream.
	DeliveryExhausted DeliveryStatus = "EXHAUSTED"
)

// Subscription is a registered webhook destination.
type Subscription struct {
	ID     uuid.UUID `json:"id"`
	URL    string    `json:"url"`
	Secret string    `json:"-"`
	// Events filters which event types this subscriber receives; "*"
	// matches everything.
	Events      []string  `json:"events"`
	MaxAttempts int       `json:"max_attempts"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Matches reports whether the subscription wants eventType.
func (s *Subscription) Matches(eventType string) bool {
	for _, e := range s.Events {
		if e == "*" || e == eventType {
			return true
		}
	}
	return false
}

// Delivery is one pending or settled notification to one subscriber.
type Delivery struct {
	ID             uuid.UUID `json:"id"`
	SubscriptionID uuid.UUID `json:"subscription_id"`

	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	// RecordKey scopes the ordering guarantee: deliveries to the same
	// subscription for the same key go out in Seq order.
	RecordKey string `json:"record_key"`
	// Seq is assigned per (subscription, record key) at enqueue time.
	Seq     int64           `json:"seq"`
	Payload json.RawMessage `json:"payload"`
	// PayloadHash is the SHA-256 of the serialized payload, kept so a
	// delivery row can be checked against its payload after the fact.
	PayloadHash string `json:"payload_hash"`

	Status      DeliveryStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	LastError   string         `json:"last_error,omitempty"`
	NextRetryAt time.Time      `json:"next_retry_at"`

	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// RetryPolicy controls delivery backoff: base 5s doubling to a 1 hour cap.
type RetryPolicy struct {
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// DefaultMaxAttempts applies to subscriptions that do not set their
	// own budget.
	DefaultMaxAttempts int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BackoffBase:        5 * time.Second,
		BackoffCap:         time.Hour,
		DefaultMaxAttempts: 10,
	}
}

// Backoff returns the delay after the given 1-based attempt number.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.BackoffCap {
			return p.BackoffCap
		}
	}
	if d > p.BackoffCap {
		return p.BackoffCap
	}
	return d
}

// HashPayload computes the hex-encoded SHA-256 digest of payload.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// SignPayload computes the hex-encoded HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches the HMAC-SHA256 of
// payload under secret. Comparison is constant time.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
