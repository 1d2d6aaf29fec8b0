package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Zhima-Mochi/fulfillment-engine/internal/apperr"
)

var ErrNotFound = fmt.Errorf("outbox message: %w", apperr.ErrNotFound)

// MaxErrorLength bounds the stored delivery error.
const MaxErrorLength = 1000

const errMaxAttempts = "Max attempts reached"

type EventType string

const (
	EventRawEmail                   EventType = "RAW_EMAIL"
	EventOrderPaymentSuccess        EventType = "ORDER_PAYMENT_SUCCESS"
	EventOrderConfirmationRequested EventType = "ORDER_CONFIRMATION_REQUESTED"
	EventPasswordReset              EventType = "PASSWORD_RESET"
	EventAdminPasswordReset         EventType = "ADMIN_PASSWORD_RESET"
	EventUserCreatedByAdmin         EventType = "USER_CREATED_BY_ADMIN"
	EventUserUpdatedByAdmin         EventType = "USER_UPDATED_BY_ADMIN"
	EventUserDeletedByAdmin         EventType = "USER_DELETED_BY_ADMIN"
	EventUserLockedByAdmin          EventType = "USER_LOCKED_BY_ADMIN"
	EventUserUnlockedByAdmin        EventType = "USER_UNLOCKED_BY_ADMIN"
	EventSubscriptionThankYou       EventType = "SUBSCRIPTION_THANK_YOU"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
)

// Message is one row of the notification outbox.
type Message struct {
	ID             int64
	EventType      EventType
	Payload        map[string]any
	Status         Status
	Attempts       int
	NextRetryAt    *time.Time
	IdempotencyKey string
	ErrorMessage   string
	CreatedAt      time.Time
	ProcessedAt    *time.Time
}

func NewMessage(eventType EventType, payload map[string]any, key string, now time.Time) *Message {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Message{
		EventType:      eventType,
		Payload:        payload,
		Status:         StatusPending,
		IdempotencyKey: key,
		CreatedAt:      now,
	}
}

// Terminal reports whether the dispatcher gave up on the message.
func (m *Message) Terminal() bool {
	return m.Status == StatusSent || (m.Status == StatusFailed && m.NextRetryAt == nil)
}

// Due reports whether the dispatcher may pick the message up at now.
func (m *Message) Due(now time.Time) bool {
	switch m.Status {
	case StatusPending:
		return m.NextRetryAt == nil || !m.NextRetryAt.After(now)
	case StatusFailed:
		return m.NextRetryAt != nil && !m.NextRetryAt.After(now)
	}
	return false
}

func (m *Message) Exhausted(maxAttempts int) bool {
	return m.Attempts >= maxAttempts
}

func (m *Message) MarkSent(now time.Time) {
	m.Status = StatusSent
	m.ProcessedAt = &now
	m.ErrorMessage = ""
	m.NextRetryAt = nil
}

// MarkExhausted parks the message for good.
func (m *Message) MarkExhausted() {
	m.Status = StatusFailed
	m.NextRetryAt = nil
	if m.ErrorMessage == "" {
		m.ErrorMessage = errMaxAttempts
	}
}

// MarkAttemptFailed counts the failed delivery and schedules the retry. A
// message whose budget is spent is still due once more; the claim that picks
// it up parks it through MarkExhausted without delivering.
func (m *Message) MarkAttemptFailed(cause error, now time.Time, backoff time.Duration) {
	m.Attempts++
	m.Status = StatusFailed
	m.ErrorMessage = truncate(cause.Error(), MaxErrorLength)
	next := now.Add(backoff)
	m.NextRetryAt = &next
}

// Decode converts the payload map into a typed payload.
func Decode[T any](m *Message) (T, error) {
	var out T
	raw, err := json.Marshal(m.Payload)
	if err != nil {
		return out, fmt.Errorf("encode payload: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s payload: %w", m.EventType, err)
	}
	return out, nil
}

// Encode converts a typed payload into the stored map form.
func Encode(payload any) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Payload = make(map[string]any, len(m.Payload))
	for k, v := range m.Payload {
		c.Payload[k] = v
	}
	if m.NextRetryAt != nil {
		at := *m.NextRetryAt
		c.NextRetryAt = &at
	}
	if m.ProcessedAt != nil {
		at := *m.ProcessedAt
		c.ProcessedAt = &at
	}
	return &c
}

// Handler delivers one message.
type Handler func(ctx context.Context, m *Message) error

type Repository interface {
	// Insert stores a new message. It reports false without error when a
	// message with the same idempotency key already exists.
	Insert(ctx context.Context, m *Message) (bool, error)
	ExistsByKey(ctx context.Context, key string) (bool, error)
	// ClaimDue leases up to limit due messages in creation order, pushing
	// their next_retry_at to now+lease so concurrent dispatchers skip them.
	ClaimDue(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]*Message, error)
	Update(ctx context.Context, m *Message) error
	Get(ctx context.Context, id int64) (*Message, error)
}
