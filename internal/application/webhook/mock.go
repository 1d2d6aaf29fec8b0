package webhook

import (
	"context"

	appPayment "github.com/Zhima-Mochi/fulfillment-engine/internal/application/payment"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/apperr"

	"go.opentelemetry.io/otel/attribute"
)

type MockEvent string

const (
	MockCaptured  MockEvent = "payment-captured"
	MockTimeout   MockEvent = "payment-timeout"
	MockCancelled MockEvent = "payment-cancelled"
)

// Simulate drives an order through a provider outcome without a provider.
// It is only reachable when mock webhooks are enabled.
func (s *Service) Simulate(ctx context.Context, event MockEvent, orderID int64, providerRef string) (_ *appPayment.Result, err error) {
	ctx, run := s.ins.Start(ctx, useCaseMock, "Simulate",
		attribute.String("webhook.mock_event", string(event)),
		attribute.Int64("order.id", orderID),
	)
	defer func() { run.End(err) }()

	switch event {
	case MockCaptured:
		return s.payments.CaptureLatestForOrder(ctx, appPayment.CaptureLatestInput{
			OrderID:           orderID,
			ProviderReference: providerRef,
		})
	case MockTimeout:
		return s.payments.AbandonLatest(ctx, orderID, appPayment.AbandonTimeout)
	case MockCancelled:
		return s.payments.AbandonLatest(ctx, orderID, appPayment.AbandonUserCancelled)
	default:
		run.Fail("UNKNOWN_EVENT")
		return nil, apperr.Validation("Unknown mock webhook event: " + string(event))
	}
}
