package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	appPayment "github.com/Zhima-Mochi/fulfillment-engine/internal/application/payment"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/apperr"
	domorder "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/order"
	domain "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/payment"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/infrastructure/memory"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/observability"
	"github.com/shopspring/decimal"
)

type gateway struct {
	provider domain.Provider
	captured []string
}

func (g *gateway) Provider() domain.Provider { return g.provider }

func (g *gateway) Initiate(_ context.Context, req domain.InitiateRequest) (domain.Intent, error) {
	if g.provider == domain.ProviderPayPal {
		return domain.Intent{ProviderReference: "PP-ORDER-1", ApprovalURL: "https://paypal.test/approve"}, nil
	}
	return domain.Intent{QRContent: "000201", CaptureID: strconv.FormatInt(req.Transaction.ID, 10)}, nil
}

func (g *gateway) Capture(_ context.Context, reference string) (domain.CaptureResult, error) {
	if g.provider != domain.ProviderPayPal {
		return domain.CaptureResult{}, nil
	}
	g.captured = append(g.captured, reference)
	return domain.CaptureResult{CaptureID: "CAP-" + reference}, nil
}

type paypalVerifier struct {
	status string
	err    error
	calls  int
}

func (v *paypalVerifier) VerifyWebhookSignature(context.Context, PayPalHeaders, string, json.RawMessage) (string, error) {
	v.calls++
	return v.status, v.err
}

type payosVerifier struct{}

func (payosVerifier) VerifyData(_ map[string]any, signature string) bool { return signature == "good" }

type hooks struct {
	captured, timeouts, cancelled []int64
}

func (h *hooks) HandlePaymentCaptured(_ context.Context, id int64) error {
	h.captured = append(h.captured, id)
	return nil
}

func (h *hooks) HandlePaymentTimeout(_ context.Context, id int64) error {
	h.timeouts = append(h.timeouts, id)
	return nil
}

func (h *hooks) HandleUserCancelled(_ context.Context, id int64) error {
	h.cancelled = append(h.cancelled, id)
	return nil
}

type harness struct {
	store    *memory.Store
	paypal   *gateway
	verifier *paypalVerifier
	hooks    *hooks
	svc      *Service
	order    *domorder.Order
	payments *appPayment.Service
}

func newHarness(t *testing.T, webhookID string) *harness {
	t.Helper()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	store := memory.NewStore()
	order := &domorder.Order{Status: domorder.StatusPendingProcessing, Total: decimal.NewFromInt(132000), CreatedAt: now}
	if err := store.Orders().Insert(context.Background(), order); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	h := &harness{
		store:    store,
		paypal:   &gateway{provider: domain.ProviderPayPal},
		verifier: &paypalVerifier{status: "SUCCESS"},
		hooks:    &hooks{},
		order:    order,
	}
	h.payments = appPayment.NewService(store, store.Orders(), store.Transactions(), nil, nil,
		appPayment.WithClock(func() time.Time { return now }),
		appPayment.WithGateway(h.paypal),
		appPayment.WithGateway(&gateway{provider: domain.ProviderVietQR}),
	)
	h.payments.SetOrderHooks(h.hooks)
	h.svc = NewService(h.payments, store.Transactions(), h.verifier, payosVerifier{}, Config{PayPalWebhookID: webhookID}, nil)
	return h
}

func (h *harness) pay(t *testing.T, provider domain.Provider) *appPayment.Result {
	t.Helper()
	res, err := h.payments.CreatePayment(context.Background(), appPayment.CreatePaymentInput{OrderID: h.order.ID, Provider: provider})
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	return res
}

func (h *harness) tx(t *testing.T, id int64) *domain.Transaction {
	t.Helper()
	tx, err := h.store.Transactions().Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get transaction: %v", err)
	}
	return tx
}

var signed = PayPalHeaders{
	AuthAlgo:         "SHA256withRSA",
	CertURL:          "https://api.paypal.test/cert",
	TransmissionID:   "t-1",
	TransmissionSig:  "sig",
	TransmissionTime: "2025-03-01T10:00:00Z",
}

func paypalEvent(t *testing.T, eventType string, resource map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{"event_type": eventType, "resource": resource})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestPayPalRejectsUnverifiedDeliveries(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name      string
		webhookID string
		headers   PayPalHeaders
		status    string
		calls     int
	}{
		{name: "no webhook id", headers: signed, status: "SUCCESS"},
		{name: "missing header", webhookID: "WH-1", headers: PayPalHeaders{AuthAlgo: "x"}, status: "SUCCESS"},
		{name: "verification failure", webhookID: "WH-1", headers: signed, status: "FAILURE", calls: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.webhookID)
			h.verifier.status = tc.status
			res := h.pay(t, domain.ProviderPayPal)
			body := paypalEvent(t, eventOrderApproved, map[string]any{"id": "PP-ORDER-1", "custom_id": strconv.FormatInt(h.order.ID, 10)})

			_, err := h.svc.HandlePayPal(ctx, tc.headers, body)
			if !errors.Is(err, ErrUnverified) || !errors.Is(err, apperr.ErrBusinessRule) {
				t.Fatalf("expected unverified error, got %v", err)
			}
			if h.verifier.calls != tc.calls {
				t.Fatalf("verifier calls: want %d got %d", tc.calls, h.verifier.calls)
			}
			if tx := h.tx(t, res.TransactionID); tx.Status != domain.StatusPending || len(h.paypal.captured) != 0 {
				t.Fatalf("rejected delivery must not touch state: %+v", tx)
			}
		})
	}
}

func TestPayPalOrderApprovedCapturesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "WH-1")
	res := h.pay(t, domain.ProviderPayPal)
	body := paypalEvent(t, eventOrderApproved, map[string]any{
		"id":             "PP-ORDER-1",
		"purchase_units": []any{map[string]any{"reference_id": "default"}, map[string]any{"custom_id": strconv.FormatInt(h.order.ID, 10)}},
	})

	for i := 0; i < 2; i++ {
		out, err := h.svc.HandlePayPal(ctx, signed, body)
		if err != nil || out != OutcomeProcessed {
			t.Fatalf("delivery %d: %s %v", i, out, err)
		}
	}
	tx := h.tx(t, res.TransactionID)
	if tx.Status != domain.StatusSuccessful || tx.CaptureID != "CAP-PP-ORDER-1" || tx.WebhookReceivedAt == nil {
		t.Fatalf("unexpected transaction %+v", tx)
	}
	if len(h.paypal.captured) != 1 {
		t.Fatalf("re-delivery must not capture again, captured %v", h.paypal.captured)
	}
}

func TestPayPalCaptureCompletedUsesRelatedIDs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "WH-1")
	res := h.pay(t, domain.ProviderPayPal)
	body := paypalEvent(t, eventCaptureCompleted, map[string]any{
		"id": "CAPTURE-9",
		"supplementary_data": map[string]any{
			"related_ids": map[string]any{"order_id": "PP-ORDER-1", "custom_id": strconv.FormatInt(h.order.ID, 10)},
		},
	})

	if out, err := h.svc.HandlePayPal(ctx, signed, body); err != nil || out != OutcomeProcessed {
		t.Fatalf("HandlePayPal: %s %v", out, err)
	}
	tx := h.tx(t, res.TransactionID)
	if tx.Status != domain.StatusSuccessful || tx.ProviderReference != "PP-ORDER-1" || tx.CaptureID != "CAPTURE-9" {
		t.Fatalf("unexpected transaction %+v", tx)
	}
	if len(h.paypal.captured) != 0 {
		t.Fatal("completed captures must not call the provider")
	}
	if len(h.hooks.captured) != 1 || h.hooks.captured[0] != h.order.ID {
		t.Fatalf("captured hook not run: %v", h.hooks.captured)
	}
}

func TestPayPalIgnoresUnknownAndUnmappedEvents(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "WH-1")
	res := h.pay(t, domain.ProviderPayPal)

	for _, body := range [][]byte{
		paypalEvent(t, "PAYMENT.CAPTURE.REFUNDED", map[string]any{"id": "x", "custom_id": "1"}),
		paypalEvent(t, eventOrderApproved, map[string]any{"id": "PP-ORDER-1", "custom_id": "not-a-number"}),
		[]byte(`{"event_type":"CHECKOUT.ORDER.APPROVED"}`),
	} {
		out, err := h.svc.HandlePayPal(ctx, signed, body)
		if err != nil || out != OutcomeIgnored {
			t.Fatalf("expected ignored, got %s %v for %s", out, err, body)
		}
	}
	if tx := h.tx(t, res.TransactionID); tx.Status != domain.StatusPending {
		t.Fatalf("ignored events must not capture, got %s", tx.Status)
	}
}

func TestCustomIDLookupOrder(t *testing.T) {
	cases := []struct {
		name     string
		resource map[string]any
		want     string
	}{
		{"direct", map[string]any{"custom_id": "1", "purchase_units": []any{map[string]any{"custom_id": "2"}}}, "1"},
		{"purchase unit", map[string]any{"purchase_units": []any{map[string]any{"custom_id": " 2 "}}}, "2"},
		{"related ids", map[string]any{"supplementary_data": map[string]any{"related_ids": map[string]any{"custom_id": "3"}}}, "3"},
		{"none", map[string]any{"id": "x"}, ""},
	}
	for _, tc := range cases {
		if got := customID(tc.resource); got != tc.want {
			t.Errorf("%s: want %q got %q", tc.name, tc.want, got)
		}
	}
}

func TestPayOSCapturesByOrderCode(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "")
	res := h.pay(t, domain.ProviderVietQR)
	body := []byte(`{"code":"00","desc":"success","data":{"orderCode":` + strconv.FormatInt(res.TransactionID, 10) +
		`,"amount":132000,"code":"00","desc":"success","paymentLinkId":"link"},"signature":"good"}`)

	for i := 0; i < 2; i++ {
		if out, err := h.svc.HandlePayOS(ctx, body); err != nil || out != OutcomeProcessed {
			t.Fatalf("delivery %d: %s %v", i, out, err)
		}
	}
	if tx := h.tx(t, res.TransactionID); tx.Status != domain.StatusSuccessful {
		t.Fatalf("expected SUCCESSFUL, got %s", tx.Status)
	}
}

func TestPayOSFallsBackToTransactionID(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "")
	res := h.pay(t, domain.ProviderVietQR)
	tx := h.tx(t, res.TransactionID)
	tx.CaptureID = "something-else"
	if err := h.store.Transactions().Update(ctx, tx); err != nil {
		t.Fatalf("Update: %v", err)
	}

	body := []byte(`{"data":{"orderCode":` + strconv.FormatInt(tx.ID, 10) + `},"signature":"good"}`)
	if _, err := h.svc.HandlePayOS(ctx, body); err != nil {
		t.Fatalf("HandlePayOS: %v", err)
	}
	if got := h.tx(t, tx.ID); got.Status != domain.StatusSuccessful {
		t.Fatalf("expected SUCCESSFUL, got %s", got.Status)
	}
}

func TestPayOSRejectsAndIgnores(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "")
	res := h.pay(t, domain.ProviderVietQR)
	code := strconv.FormatInt(res.TransactionID, 10)

	if _, err := h.svc.HandlePayOS(ctx, []byte(`{"data":{"orderCode":`+code+`},"signature":"forged"}`)); !errors.Is(err, ErrUnverified) {
		t.Fatalf("expected unverified for a bad signature, got %v", err)
	}
	if _, err := h.svc.HandlePayOS(ctx, []byte(`{"data":{"orderCode":`+code+`}}`)); !errors.Is(err, ErrUnverified) {
		t.Fatalf("expected unverified without signature, got %v", err)
	}
	if out, err := h.svc.HandlePayOS(ctx, []byte(`{"data":{"orderCode":`+code+`,"code":"01"},"signature":"good"}`)); err != nil || out != OutcomeIgnored {
		t.Fatalf("expected unpaid delivery to be ignored, got %s %v", out, err)
	}
	if _, err := h.svc.HandlePayOS(ctx, []byte(`{"data":{"orderCode":99999},"signature":"good"}`)); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found for an unknown order code, got %v", err)
	}
	if tx := h.tx(t, res.TransactionID); tx.Status != domain.StatusPending {
		t.Fatalf("transaction must stay PENDING, got %s", tx.Status)
	}
}

func TestSimulate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "")
	h.pay(t, domain.ProviderVietQR)

	res, err := h.svc.Simulate(ctx, MockTimeout, h.order.ID, "")
	if err != nil || res.Status != domain.StatusFailed {
		t.Fatalf("timeout: %+v %v", res, err)
	}
	if len(h.hooks.timeouts) != 1 {
		t.Fatalf("timeout hook not run: %v", h.hooks.timeouts)
	}

	h.pay(t, domain.ProviderVietQR)
	res, err = h.svc.Simulate(ctx, MockCaptured, h.order.ID, "MOCK-REF")
	if err != nil || res.Status != domain.StatusSuccessful || res.ProviderReference != "MOCK-REF" {
		t.Fatalf("captured: %+v %v", res, err)
	}

	if _, err := h.svc.Simulate(ctx, MockEvent("refund"), h.order.ID, ""); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

type deliveryCounter struct {
	observability.Counter
	outcomes map[string]int
}

func (c *deliveryCounter) Add(_ float64, labels ...observability.Label) {
	var provider, outcome string
	for _, l := range labels {
		switch l.Key {
		case "provider":
			provider = l.Value
		case "outcome":
			outcome = l.Value
		}
	}
	c.outcomes[provider+"/"+outcome]++
}

type deliveryMetrics struct {
	observability.Metrics
	counter *deliveryCounter
}

func (m deliveryMetrics) Counter(name observability.MetricKey) observability.Counter {
	if name == observability.MWebhookDeliveries {
		return m.counter
	}
	return m.Metrics.Counter(name)
}

type deliveryTelemetry struct {
	observability.Observability
	metrics deliveryMetrics
}

func (t deliveryTelemetry) Metrics() observability.Metrics { return t.metrics }

func TestDeliveriesAreCounted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "WH-1")
	counter := &deliveryCounter{Counter: observability.NopMetrics().Counter(observability.MWebhookDeliveries), outcomes: map[string]int{}}
	tel := deliveryTelemetry{
		Observability: observability.Nop(),
		metrics:       deliveryMetrics{Metrics: observability.NopMetrics(), counter: counter},
	}
	svc := NewService(h.payments, h.store.Transactions(), h.verifier, payosVerifier{}, Config{PayPalWebhookID: "WH-1"}, tel)
	unconfigured := NewService(h.payments, h.store.Transactions(), h.verifier, payosVerifier{}, Config{}, tel)

	body := paypalEvent(t, "PAYMENT.SALE.REFUNDED", map[string]any{"id": "SALE-1"})
	if _, err := svc.HandlePayPal(ctx, signed, body); err != nil {
		t.Fatalf("HandlePayPal: %v", err)
	}
	if _, err := unconfigured.HandlePayPal(ctx, signed, body); !errors.Is(err, ErrUnverified) {
		t.Fatalf("expected unverified, got %v", err)
	}
	if _, err := svc.HandlePayOS(ctx, []byte("{")); err == nil {
		t.Fatal("expected malformed payload error")
	}

	want := map[string]int{"PAYPAL/IGNORED": 1, "PAYPAL/unverified": 1, "VIETQR/error": 1}
	for k, n := range want {
		if counter.outcomes[k] != n {
			t.Fatalf("%s: want %d got %d (all %v)", k, n, counter.outcomes[k], counter.outcomes)
		}
	}
}
