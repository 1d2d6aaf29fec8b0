package httppresentation

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/Zhima-Mochi/fulfillment-engine/internal/apperr"
	domoutbox "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/outbox"
)

const defaultEmailTemplate = "ORDER_CONFIRMATION"

func validationf(format string, args ...any) error {
	return apperr.Validation(fmt.Sprintf(format, args...))
}

type sendEmailRequest struct {
	To           string `json:"to" validate:"required,email"`
	Subject      string `json:"subject" validate:"required"`
	Body         string `json:"body" validate:"required"`
	TemplateType string `json:"templateType"`
}

func (h *Handler) handleSendEmail(w http.ResponseWriter, r *http.Request) {
	var req sendEmailRequest
	if err := h.bind(r, &req); err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	template := strings.ToUpper(strings.TrimSpace(req.TemplateType))
	if template == "" {
		template = defaultEmailTemplate
	}
	err := h.outbox.Enqueue(r.Context(), domoutbox.EventRawEmail, domoutbox.RawEmail{
		To:           req.To,
		Subject:      req.Subject,
		Body:         req.Body,
		TemplateType: template,
	}, "")
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeOK(w, nil, "Email queued")
}

type orderPaymentEmailRequest struct {
	OrderID       int64 `json:"orderId" validate:"gt=0"`
	TransactionID int64 `json:"transactionId"`
}

// handleOrderPaymentEmail shares its idempotency key with the capture path,
// so a manual trigger after a capture never sends a second email.
func (h *Handler) handleOrderPaymentEmail(w http.ResponseWriter, r *http.Request) {
	var req orderPaymentEmailRequest
	if err := h.bind(r, &req); err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	key := fmt.Sprintf("order-payment-success:%d:%d", req.OrderID, req.TransactionID)
	err := h.outbox.Enqueue(r.Context(), domoutbox.EventOrderPaymentSuccess, domoutbox.OrderPaymentSuccess{
		OrderID:       req.OrderID,
		TransactionID: req.TransactionID,
	}, key)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeOK(w, nil, "Email queued")
}

type subscriptionRequest struct {
	Email string `json:"email" validate:"required,email"`
}

func (h *Handler) handleSubscriptionThankYou(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := h.bind(r, &req); err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	if err := h.outbox.Enqueue(r.Context(), domoutbox.EventSubscriptionThankYou, domoutbox.SubscriptionThankYou{Email: req.Email}, ""); err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeOK(w, nil, "Subscription thank you email queued to "+req.Email)
}
