package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/Zhima-Mochi/fulfillment-engine/internal/apperr"
	dompayment "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/payment"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/observability"

	"go.opentelemetry.io/otel/attribute"
)

const payosPaidCode = "00"

// PayOSVerifier checks the signature PayOS computed over the data object.
type PayOSVerifier interface {
	VerifyData(data map[string]any, signature string) bool
}

type payosDelivery struct {
	Code      string         `json:"code"`
	Desc      string         `json:"desc"`
	Data      map[string]any `json:"data"`
	Signature string         `json:"signature"`
}

// HandlePayOS verifies and applies one PayOS payment-link delivery.
func (s *Service) HandlePayOS(ctx context.Context, body []byte) (outcome Outcome, err error) {
	ctx, run := s.ins.Start(ctx, useCasePayOS, "HandlePayOS")
	defer func() {
		s.record(dompayment.ProviderVietQR, outcome, err)
		run.End(err)
	}()

	var d payosDelivery
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&d); err != nil {
		run.Fail("MALFORMED_PAYLOAD")
		return "", apperr.Validation("Malformed PayOS webhook payload")
	}
	if d.Data == nil || d.Signature == "" {
		run.Fail("SIGNATURE_MISSING")
		return "", unverified("Missing PayOS webhook data or signature")
	}
	if !s.payos.VerifyData(d.Data, d.Signature) {
		run.Fail("SIGNATURE_INVALID")
		return "", unverified("Invalid PayOS webhook signature")
	}

	if code := scalar(d.Data["code"]); code != "" && code != payosPaidCode {
		run.Logger().Info("payos_event_ignored",
			observability.F("code", code),
			observability.F("desc", scalar(d.Data["desc"])),
		)
		run.Status("IGNORED")
		return OutcomeIgnored, nil
	}

	orderCode := scalar(d.Data["orderCode"])
	if orderCode == "" {
		run.Fail("ORDER_CODE_MISSING")
		return "", apperr.Validation("PayOS webhook has no orderCode")
	}
	run.Field("order_code", orderCode)

	tx, err := s.resolveOrderCode(ctx, orderCode)
	if err != nil {
		run.Fail("TRANSACTION_NOT_FOUND")
		return "", err
	}
	run.Span().SetAttributes(
		attribute.Int64("payment.transaction_id", tx.ID),
		attribute.Int64("order.id", tx.OrderID),
	)
	if _, err := s.payments.MarkCaptured(ctx, tx.ID, ""); err != nil {
		run.Fail("CAPTURE_FAILED")
		return "", err
	}
	return OutcomeProcessed, nil
}

// resolveOrderCode maps a PayOS order code to a transaction: the newest one
// carrying it as capture id, else the transaction with that id.
func (s *Service) resolveOrderCode(ctx context.Context, orderCode string) (*dompayment.Transaction, error) {
	tx, err := s.transactions.LatestByCaptureID(ctx, orderCode)
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, dompayment.ErrNotFound) {
		return nil, fmt.Errorf("webhook: lookup transaction: %w", err)
	}
	id, perr := strconv.ParseInt(orderCode, 10, 64)
	if perr != nil {
		return nil, apperr.NotFound("Payment transaction not found for orderCode: %s", orderCode)
	}
	tx, err = s.transactions.Get(ctx, id)
	if errors.Is(err, dompayment.ErrNotFound) {
		return nil, apperr.NotFound("Payment transaction not found for orderCode: %s", orderCode)
	}
	if err != nil {
		return nil, fmt.Errorf("webhook: lookup transaction: %w", err)
	}
	return tx, nil
}

func scalar(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}
