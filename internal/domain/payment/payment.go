package payment

import (
	"fmt"
	"strings"
	"time"

	"github.com/Zhima-Mochi/fulfillment-engine/internal/apperr"
	"github.com/shopspring/decimal"
)

var ErrNotFound = fmt.Errorf("transaction: %w", apperr.ErrNotFound)

type Provider string

const (
	ProviderPayPal Provider = "PAYPAL"
	ProviderVietQR Provider = "VIETQR"
)

// ParseProvider matches a provider tag case-insensitively.
func ParseProvider(s string) (Provider, bool) {
	switch Provider(strings.ToUpper(strings.TrimSpace(s))) {
	case ProviderPayPal:
		return ProviderPayPal, true
	case ProviderVietQR:
		return ProviderVietQR, true
	}
	return "", false
}

// ProviderOrDefault parses s and falls back to VIETQR.
func ProviderOrDefault(s string) Provider {
	if p, ok := ParseProvider(s); ok {
		return p
	}
	return ProviderVietQR
}

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusSuccessful Status = "SUCCESSFUL"
	StatusFailed     Status = "FAILED"
)

// Transaction is one payment attempt for an order. The newest transaction of
// an order is authoritative; SUCCESSFUL is final.
type Transaction struct {
	ID                int64
	OrderID           int64
	Provider          Provider
	Status            Status
	Amount            decimal.Decimal
	Currency          string
	ProviderReference string
	CaptureID         string
	QRContent         string
	WebhookReceivedAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (t *Transaction) Successful() bool { return t.Status == StatusSuccessful }

// MarkSuccessful records the capture; it is a no-op once successful.
func (t *Transaction) MarkSuccessful(now time.Time) {
	if t.Successful() {
		return
	}
	t.Status = StatusSuccessful
	t.UpdatedAt = now
}

// MarkFailed reports false and leaves the transaction untouched when it was
// already captured.
func (t *Transaction) MarkFailed(now time.Time) bool {
	if t.Successful() {
		return false
	}
	t.Status = StatusFailed
	t.UpdatedAt = now
	return true
}

// RecordWebhook stores the provider references a notification carried.
func (t *Transaction) RecordWebhook(providerRef, captureID string, now time.Time) {
	if providerRef != "" {
		t.ProviderReference = providerRef
	}
	if captureID != "" {
		t.CaptureID = captureID
	}
	t.WebhookReceivedAt = &now
	t.UpdatedAt = now
}

// Reusable reports whether a pending attempt can serve a new request for the
// same amount and provider.
func (t *Transaction) Reusable(amount decimal.Decimal, provider Provider) bool {
	return t != nil && t.Status == StatusPending && t.Provider == provider && t.Amount.Equal(amount)
}

func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	if t.WebhookReceivedAt != nil {
		at := *t.WebhookReceivedAt
		c.WebhookReceivedAt = &at
	}
	return &c
}
