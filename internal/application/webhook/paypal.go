package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Zhima-Mochi/fulfillment-engine/internal/application"
	appPayment "github.com/Zhima-Mochi/fulfillment-engine/internal/application/payment"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/apperr"
	dompayment "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/payment"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/observability"

	"go.opentelemetry.io/otel/attribute"
)

const (
	eventOrderApproved    = "CHECKOUT.ORDER.APPROVED"
	eventCaptureCompleted = "PAYMENT.CAPTURE.COMPLETED"

	verificationSuccess = "SUCCESS"
)

// PayPalHeaders are the transmission headers PayPal signs a delivery with.
type PayPalHeaders struct {
	AuthAlgo         string
	CertURL          string
	TransmissionID   string
	TransmissionSig  string
	TransmissionTime string
}

func (h PayPalHeaders) complete() bool {
	for _, v := range []string{h.AuthAlgo, h.CertURL, h.TransmissionID, h.TransmissionSig, h.TransmissionTime} {
		if strings.TrimSpace(v) == "" {
			return false
		}
	}
	return true
}

// PayPalVerifier asks PayPal whether a delivery is authentic and returns the
// reported verification status.
type PayPalVerifier interface {
	VerifyWebhookSignature(ctx context.Context, h PayPalHeaders, webhookID string, event json.RawMessage) (string, error)
}

// HandlePayPal verifies and applies one PayPal delivery.
func (s *Service) HandlePayPal(ctx context.Context, h PayPalHeaders, body []byte) (outcome Outcome, err error) {
	ctx, run := s.ins.Start(ctx, useCasePayPal, "HandlePayPal")
	defer func() {
		s.record(dompayment.ProviderPayPal, outcome, err)
		run.End(err)
	}()

	if s.webhookID == "" {
		run.Fail("WEBHOOK_ID_MISSING")
		return "", unverified("PayPal webhook id not configured")
	}
	if !h.complete() {
		run.Fail("HEADERS_MISSING")
		return "", unverified("Missing PayPal webhook headers")
	}
	var event map[string]any
	if err := json.Unmarshal(body, &event); err != nil {
		run.Fail("MALFORMED_PAYLOAD")
		return "", apperr.Validation("Malformed PayPal webhook payload")
	}

	status, err := s.paypal.VerifyWebhookSignature(ctx, h, s.webhookID, json.RawMessage(body))
	if err != nil {
		run.Fail("VERIFICATION_ERROR")
		return "", apperr.Provider("paypal", err)
	}
	if !strings.EqualFold(status, verificationSuccess) {
		run.Fail("VERIFICATION_FAILED")
		return "", unverified("PayPal webhook verification failed")
	}

	eventType := str(event["event_type"])
	run.Field("event_type", eventType)
	resource := obj(event["resource"])
	switch {
	case resource == nil:
		run.Status("IGNORED")
		return OutcomeIgnored, nil
	case eventType == eventOrderApproved:
		return s.orderApproved(ctx, run, resource)
	case eventType == eventCaptureCompleted:
		return s.captureCompleted(ctx, run, resource)
	default:
		run.Logger().Debug("paypal_event_ignored", observability.F("event_type", eventType))
		run.Status("IGNORED")
		return OutcomeIgnored, nil
	}
}

// orderApproved captures the approved PayPal order against the newest
// transaction of the correlated order.
func (s *Service) orderApproved(ctx context.Context, run *application.Run, resource map[string]any) (Outcome, error) {
	paypalOrderID := str(resource["id"])
	orderID, ok := parseOrderID(customID(resource))
	if !ok || paypalOrderID == "" {
		run.Logger().Warn("paypal_webhook_unmapped",
			observability.F("custom_id", customID(resource)),
			observability.F("paypal_order_id", paypalOrderID),
		)
		run.Status("UNMAPPED")
		return OutcomeIgnored, nil
	}
	run.Span().SetAttributes(attribute.Int64("order.id", orderID))

	tx, err := s.transactions.LatestForOrder(ctx, orderID)
	if errors.Is(err, dompayment.ErrNotFound) {
		run.Fail("TRANSACTION_NOT_FOUND")
		return "", apperr.NotFound("Transaction not found for order: %d", orderID)
	}
	if err != nil {
		return "", fmt.Errorf("webhook: lookup transaction: %w", err)
	}
	if _, err := s.payments.MarkCaptured(ctx, tx.ID, paypalOrderID); err != nil {
		run.Fail("CAPTURE_FAILED")
		return "", err
	}
	return OutcomeProcessed, nil
}

// captureCompleted records a capture PayPal already settled.
func (s *Service) captureCompleted(ctx context.Context, run *application.Run, resource map[string]any) (Outcome, error) {
	captureID := str(resource["id"])
	orderID, ok := parseOrderID(customID(resource))
	if !ok {
		run.Logger().Warn("paypal_capture_unmapped", observability.F("capture_id", captureID))
		run.Status("UNMAPPED")
		return OutcomeIgnored, nil
	}
	run.Span().SetAttributes(attribute.Int64("order.id", orderID))

	reference := str(obj(obj(resource["supplementary_data"])["related_ids"])["order_id"])
	if reference == "" {
		reference = captureID
	}
	if _, err := s.payments.CaptureLatestForOrder(ctx, appPayment.CaptureLatestInput{
		OrderID:           orderID,
		ProviderReference: reference,
		CaptureID:         captureID,
	}); err != nil {
		run.Fail("CAPTURE_FAILED")
		return "", err
	}
	return OutcomeProcessed, nil
}

// customID finds the order correlation id: on the resource itself, then on
// any purchase unit, then in the related ids.
func customID(resource map[string]any) string {
	if v := str(resource["custom_id"]); v != "" {
		return v
	}
	if units, ok := resource["purchase_units"].([]any); ok {
		for _, u := range units {
			if v := str(obj(u)["custom_id"]); v != "" {
				return v
			}
		}
	}
	return str(obj(obj(resource["supplementary_data"])["related_ids"])["custom_id"])
}

func parseOrderID(v string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func obj(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func str(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
