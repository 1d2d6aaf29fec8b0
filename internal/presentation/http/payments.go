package httppresentation

import (
	"net/http"
	"strings"

	appPayment "github.com/Zhima-Mochi/fulfillment-engine/internal/application/payment"
	appWebhook "github.com/Zhima-Mochi/fulfillment-engine/internal/application/webhook"
	dompayment "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/payment"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/observability"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/observability/logctx"
	"github.com/shopspring/decimal"
)

type createPaymentRequest struct {
	OrderID          int64               `json:"orderId" validate:"gt=0"`
	Provider         string              `json:"provider"`
	Amount           decimal.NullDecimal `json:"amount"`
	Currency         string              `json:"currency" validate:"required"`
	SuccessReturnURL string              `json:"successReturnUrl" validate:"required"`
	CancelReturnURL  string              `json:"cancelReturnUrl" validate:"required"`
}

// provider keeps an unknown tag as given so the use case can reject it.
func provider(raw string) dompayment.Provider {
	if p, ok := dompayment.ParseProvider(raw); ok {
		return p
	}
	return dompayment.Provider(strings.ToUpper(strings.TrimSpace(raw)))
}

func (h *Handler) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := h.bind(r, &req); err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	if req.Amount.Valid && req.Amount.Decimal.LessThan(decimal.RequireFromString("0.1")) {
		writeDomainError(r.Context(), w, validationf("amount must be at least 0.1"))
		return
	}
	result, err := h.payments.CreatePayment(r.Context(), appPayment.CreatePaymentInput{
		OrderID:   req.OrderID,
		Provider:  provider(req.Provider),
		Amount:    req.Amount,
		Currency:  req.Currency,
		ReturnURL: req.SuccessReturnURL,
		CancelURL: req.CancelReturnURL,
	})
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeOK(w, paymentOf(result), "Payment initiated")
}

func (h *Handler) handleCapture(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	result, err := h.payments.MarkCaptured(r.Context(), id, r.URL.Query().Get("providerReference"))
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeOK(w, paymentOf(result), "Payment captured")
}

type cancelPaymentRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleCancelPayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	var req cancelPaymentRequest
	if err := h.bindOptional(r, &req); err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	result, err := h.payments.CancelTransaction(r.Context(), id, req.Reason)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeOK(w, paymentOf(result), "Transaction cancelled")
}

func (h *Handler) handleRefreshPayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	result, err := h.payments.RefreshStatus(r.Context(), id)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeOK(w, paymentOf(result), "Payment status refreshed")
}

type webhookResponse struct {
	Status  string             `json:"status"`
	Outcome appWebhook.Outcome `json:"outcome"`
}

func (h *Handler) handlePayPalWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	outcome, err := h.webhooks.HandlePayPal(r.Context(), appWebhook.PayPalHeaders{
		AuthAlgo:         r.Header.Get("PAYPAL-AUTH-ALGO"),
		CertURL:          r.Header.Get("PAYPAL-CERT-URL"),
		TransmissionID:   r.Header.Get("PAYPAL-TRANSMISSION-ID"),
		TransmissionSig:  r.Header.Get("PAYPAL-TRANSMISSION-SIG"),
		TransmissionTime: r.Header.Get("PAYPAL-TRANSMISSION-TIME"),
	}, body)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{Status: "ok", Outcome: outcome})
}

func (h *Handler) handlePayOSWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	outcome, err := h.webhooks.HandlePayOS(r.Context(), body)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{Status: "ok", Outcome: outcome})
}

type mockWebhookRequest struct {
	OrderID           int64  `json:"orderId" validate:"gt=0"`
	ProviderReference string `json:"providerReference"`
}

var mockMessages = map[appWebhook.MockEvent]string{
	appWebhook.MockCaptured:  "Payment captured, order status updated to PAID",
	appWebhook.MockTimeout:   "Payment timeout, stock restored and order cancelled",
	appWebhook.MockCancelled: "Payment cancelled by user, stock restored and order cancelled",
}

func (h *Handler) handleMockWebhook(w http.ResponseWriter, r *http.Request) {
	event := appWebhook.MockEvent(r.PathValue("event"))
	var req mockWebhookRequest
	if err := h.bind(r, &req); err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	logctx.FromOr(r.Context(), h.log).Warn("mock_webhook_received",
		observability.F("event", string(event)),
		observability.F("order_id", req.OrderID),
	)
	result, err := h.webhooks.Simulate(r.Context(), event, req.OrderID, req.ProviderReference)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeOK(w, paymentOf(result), mockMessages[event])
}
