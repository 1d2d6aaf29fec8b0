package payment

import (
	"context"

	"github.com/shopspring/decimal"
)

// InitiateRequest is everything an adapter needs to open a payment.
type InitiateRequest struct {
	OrderID     int64
	Transaction *Transaction
	Amount      decimal.Decimal
	Currency    string
	ReturnURL   string
	CancelURL   string
}

// Intent is what the customer needs to complete the payment: a redirect for
// PayPal, a QR payload for VietQR.
type Intent struct {
	ProviderReference string
	CaptureID         string
	QRContent         string
	ApprovalURL       string
	CaptureURL        string
}

type CaptureResult struct {
	CaptureID string
}

// Gateway is the capability set every provider adapter implements.
type Gateway interface {
	Provider() Provider
	Initiate(ctx context.Context, req InitiateRequest) (Intent, error)
	// Capture finalises a payment. Providers that settle on their own
	// return an empty result.
	Capture(ctx context.Context, reference string) (CaptureResult, error)
}

// Canceller is implemented by providers that can void an open payment.
type Canceller interface {
	Cancel(ctx context.Context, tx *Transaction, reason string) error
}

// StatusChecker is implemented by providers that expose payment status lookups.
type StatusChecker interface {
	RemoteStatus(ctx context.Context, tx *Transaction) (Status, error)
}
