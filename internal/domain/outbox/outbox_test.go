package outbox

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestAttemptLifecycle(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m := NewMessage(EventRawEmail, nil, "k", now)
	if !m.Due(now) {
		t.Fatal("new message must be due")
	}

	for i := 1; i <= 5; i++ {
		m.MarkAttemptFailed(errors.New("smtp down"), now, 5*time.Minute)
		if m.Attempts != i || m.Status != StatusFailed || m.NextRetryAt == nil {
			t.Fatalf("attempt %d: unexpected message %+v", i, m)
		}
		if m.Due(now) || !m.Due(now.Add(5*time.Minute)) {
			t.Fatalf("attempt %d: retry not scheduled at backoff", i)
		}
	}

	// The spent budget is only acted on by the next claim.
	if m.Terminal() || !m.Exhausted(5) {
		t.Fatalf("fifth failure must leave a due, exhausted message: %+v", m)
	}
	m.MarkExhausted()
	if !m.Terminal() || m.Attempts != 5 || m.ErrorMessage != "smtp down" {
		t.Fatalf("claim must park the message: %+v", m)
	}
	if m.Due(now.Add(time.Hour)) {
		t.Fatal("terminal message must never be due")
	}
}

func TestMarkExhaustedKeepsLastError(t *testing.T) {
	m := &Message{Status: StatusFailed, ErrorMessage: "timeout"}
	m.MarkExhausted()
	if m.ErrorMessage != "timeout" {
		t.Fatalf("unexpected error %q", m.ErrorMessage)
	}
	m = &Message{Status: StatusPending}
	m.MarkExhausted()
	if m.ErrorMessage != "Max attempts reached" || !m.Terminal() {
		t.Fatalf("unexpected message %+v", m)
	}
}

func TestErrorTruncated(t *testing.T) {
	m := NewMessage(EventRawEmail, nil, "", time.Now())
	m.MarkAttemptFailed(errors.New(strings.Repeat("x", 1500)), time.Now(), time.Minute)
	if len(m.ErrorMessage) != MaxErrorLength {
		t.Fatalf("expected %d chars, got %d", MaxErrorLength, len(m.ErrorMessage))
	}
}

func TestMarkSentClearsRetry(t *testing.T) {
	now := time.Now()
	retry := now.Add(time.Minute)
	m := &Message{Status: StatusFailed, NextRetryAt: &retry, ErrorMessage: "x"}
	m.MarkSent(now)
	if m.Status != StatusSent || m.NextRetryAt != nil || m.ErrorMessage != "" || m.ProcessedAt == nil {
		t.Fatalf("unexpected message %+v", m)
	}
}

func TestEncodeDecode(t *testing.T) {
	payload, err := Encode(OrderPaymentSuccess{OrderID: 12, TransactionID: 34})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	m := NewMessage(EventOrderPaymentSuccess, payload, "", time.Now())
	got, err := Decode[OrderPaymentSuccess](m)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.OrderID != 12 || got.TransactionID != 34 {
		t.Fatalf("unexpected payload %+v", got)
	}
}
