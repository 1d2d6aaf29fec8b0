// Package webhook turns provider notifications into payment captures. Every
// delivery is verified before any of its fields are trusted; re-deliveries
// are harmless because captures are no-ops once a transaction succeeded.
package webhook

import (
	"context"
	"errors"

	"github.com/Zhima-Mochi/fulfillment-engine/internal/application"
	appPayment "github.com/Zhima-Mochi/fulfillment-engine/internal/application/payment"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/apperr"
	dompayment "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/payment"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/observability"
)

const (
	webhookService = "webhook-service"

	useCasePayPal = "webhook.paypal"
	useCasePayOS  = "webhook.payos"
	useCaseMock   = "webhook.mock"
)

// ErrUnverified marks deliveries rejected before any state was touched.
var ErrUnverified = errors.New("webhook: unverified")

type verificationError struct{ msg string }

func (e *verificationError) Error() string { return apperr.ErrBusinessRule.Error() + ": " + e.msg }

func (e *verificationError) Is(target error) bool {
	return target == ErrUnverified || target == apperr.ErrBusinessRule
}

func unverified(msg string) error { return &verificationError{msg: msg} }

// Payments is the slice of the payment orchestrator webhooks drive.
type Payments interface {
	MarkCaptured(ctx context.Context, txID int64, providerRef string) (*appPayment.Result, error)
	CaptureLatestForOrder(ctx context.Context, in appPayment.CaptureLatestInput) (*appPayment.Result, error)
	AbandonLatest(ctx context.Context, orderID int64, reason appPayment.AbandonReason) (*appPayment.Result, error)
}

type Outcome string

const (
	OutcomeProcessed Outcome = "PROCESSED"
	OutcomeIgnored   Outcome = "IGNORED"
)

type Service struct {
	payments     Payments
	transactions dompayment.Repository
	paypal       PayPalVerifier
	payos        PayOSVerifier
	webhookID    string
	ins          *application.Instrumentation
	deliveries   observability.Counter
}

type Config struct {
	// PayPalWebhookID is the id PayPal signs deliveries for; empty rejects
	// every PayPal webhook.
	PayPalWebhookID string
}

func NewService(
	payments Payments,
	transactions dompayment.Repository,
	paypal PayPalVerifier,
	payos PayOSVerifier,
	cfg Config,
	tel observability.Observability,
) *Service {
	return &Service{
		payments:     payments,
		transactions: transactions,
		paypal:       paypal,
		payos:        payos,
		webhookID:    cfg.PayPalWebhookID,
		ins:          application.NewInstrumentation(tel, webhookService),
		deliveries:   metricsOf(tel).Counter(observability.MWebhookDeliveries),
	}
}

func metricsOf(tel observability.Observability) observability.Metrics {
	if tel == nil {
		return observability.NopMetrics()
	}
	return tel.Metrics()
}

func (s *Service) record(provider dompayment.Provider, outcome Outcome, err error) {
	label := string(outcome)
	switch {
	case errors.Is(err, ErrUnverified):
		label = "unverified"
	case err != nil:
		label = "error"
	}
	s.deliveries.Add(1, observability.L("provider", string(provider)), observability.L("outcome", label))
}
