package httppresentation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Zhima-Mochi/fulfillment-engine/internal/apperr"
	appOrder "github.com/Zhima-Mochi/fulfillment-engine/internal/application/order"
	appPayment "github.com/Zhima-Mochi/fulfillment-engine/internal/application/payment"
	appWebhook "github.com/Zhima-Mochi/fulfillment-engine/internal/application/webhook"
	domorder "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/order"
	dompayment "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/payment"
	domstock "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/stock"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/observability"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/observability/logctx"
	"github.com/shopspring/decimal"
)

// envelope is the body of every API response.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeOK(w http.ResponseWriter, data any, message string) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: message, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Success: false, Message: message})
}

// writeDomainError classifies err by its apperr kind. Unknown errors are
// logged and answered with a generic 500.
func writeDomainError(ctx context.Context, w http.ResponseWriter, err error) {
	var outOfStock *domstock.OutOfStockError
	switch {
	case errors.Is(err, apperr.ErrValidation):
		writeError(w, http.StatusBadRequest, apperr.Message(err))
	case errors.Is(err, appWebhook.ErrUnverified):
		writeError(w, http.StatusUnauthorized, apperr.Message(err))
	case errors.Is(err, apperr.ErrNotFound):
		writeError(w, http.StatusNotFound, apperr.Message(err))
	case errors.As(err, &outOfStock), errors.Is(err, apperr.ErrConflict):
		writeError(w, http.StatusConflict, apperr.Message(err))
	case errors.Is(err, apperr.ErrBusinessRule):
		writeError(w, http.StatusUnprocessableEntity, apperr.Message(err))
	case errors.Is(err, apperr.ErrProvider):
		writeError(w, http.StatusBadGateway, apperr.Message(err))
	default:
		logctx.FromOr(ctx, nil).Error("http_unhandled_error", observability.F("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

type itemResponse struct {
	ProductID int64           `json:"productId"`
	Title     string          `json:"productTitle"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"price"`
	LineTotal decimal.Decimal `json:"lineTotal"`
}

type deliveryResponse struct {
	RecipientName string `json:"recipientName"`
	Phone         string `json:"phone"`
	AddressLine   string `json:"addressLine"`
	City          string `json:"city,omitempty"`
	Province      string `json:"province"`
	PostalCode    string `json:"postalCode,omitempty"`
}

type paymentResponse struct {
	TransactionID     int64               `json:"transactionId"`
	Provider          dompayment.Provider `json:"provider"`
	Status            dompayment.Status   `json:"status"`
	ApprovalURL       string              `json:"approvalUrl,omitempty"`
	CaptureURL        string              `json:"captureUrl,omitempty"`
	QRContent         string              `json:"qrContent,omitempty"`
	ProviderReference string              `json:"providerReference,omitempty"`
}

func paymentOf(r *appPayment.Result) *paymentResponse {
	if r == nil {
		return nil
	}
	return &paymentResponse{
		TransactionID:     r.TransactionID,
		Provider:          r.Provider,
		Status:            r.Status,
		ApprovalURL:       r.ApprovalURL,
		CaptureURL:        r.CaptureURL,
		QRContent:         r.QRContent,
		ProviderReference: r.ProviderReference,
	}
}

type orderResponse struct {
	ID                   int64             `json:"id"`
	Status               domorder.Status   `json:"status"`
	CustomerEmail        string            `json:"customerEmail"`
	CustomerName         string            `json:"customerName"`
	Delivery             deliveryResponse  `json:"delivery"`
	ShippingFee          decimal.Decimal   `json:"shippingFee"`
	TotalBeforeVAT       decimal.Decimal   `json:"totalBeforeVat"`
	TotalWithVAT         decimal.Decimal   `json:"totalWithVat"`
	CreatedAt            time.Time         `json:"createdAt"`
	PaymentMinutes       int               `json:"paymentMinutes"`
	Items                []itemResponse    `json:"items"`
	Payment              *paymentResponse  `json:"payment,omitempty"`
	PaymentTransactionID int64             `json:"paymentTransactionId,omitempty"`
	PaymentStatus        dompayment.Status `json:"paymentStatus,omitempty"`
}

func orderOf(v *appOrder.View) *orderResponse {
	if v == nil {
		return nil
	}
	items := make([]itemResponse, 0, len(v.Items))
	for _, it := range v.Items {
		items = append(items, itemResponse{
			ProductID: it.ProductID,
			Title:     it.Title,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			LineTotal: it.LineTotal,
		})
	}
	return &orderResponse{
		ID:            v.ID,
		Status:        v.Status,
		CustomerEmail: v.CustomerEmail,
		CustomerName:  v.CustomerName,
		Delivery: deliveryResponse{
			RecipientName: v.Delivery.RecipientName,
			Phone:         v.Delivery.Phone,
			AddressLine:   v.Delivery.AddressLine,
			City:          v.Delivery.City,
			Province:      v.Delivery.Province,
			PostalCode:    v.Delivery.PostalCode,
		},
		ShippingFee:          v.ShippingFee,
		TotalBeforeVAT:       v.TotalBeforeVAT,
		TotalWithVAT:         v.TotalWithVAT,
		CreatedAt:            v.CreatedAt,
		PaymentMinutes:       v.PaymentMinutes,
		Items:                items,
		Payment:              paymentOf(v.Payment),
		PaymentTransactionID: v.PaymentTransactionID,
		PaymentStatus:        v.PaymentStatus,
	}
}

type checkoutResponse struct {
	Order   *orderResponse   `json:"order"`
	Payment *paymentResponse `json:"payment,omitempty"`
}

func checkoutOf(r *appOrder.CreateOrderResult) checkoutResponse {
	return checkoutResponse{Order: orderOf(r.Order), Payment: paymentOf(r.Payment)}
}

type summaryResponse struct {
	ID            int64           `json:"id"`
	Status        domorder.Status `json:"status"`
	CustomerName  string          `json:"customerName"`
	CustomerEmail string          `json:"customerEmail"`
	TotalWithVAT  decimal.Decimal `json:"totalWithVat"`
	CreatedAt     time.Time       `json:"createdAt"`
}

func summaryOf(s appOrder.Summary) summaryResponse {
	return summaryResponse{
		ID:            s.ID,
		Status:        s.Status,
		CustomerName:  s.CustomerName,
		CustomerEmail: s.CustomerEmail,
		TotalWithVAT:  s.TotalWithVAT,
		CreatedAt:     s.CreatedAt,
	}
}

type pageResponse struct {
	Items []summaryResponse `json:"items"`
	Page  int               `json:"page"`
	Size  int               `json:"size"`
	Total int               `json:"total"`
}

type stateResponse struct {
	Action  appOrder.StateAction `json:"action"`
	OrderID int64                `json:"orderId,omitempty"`
	Message string               `json:"message,omitempty"`
}

type shippingQuoteResponse struct {
	Province    string          `json:"province"`
	CartValue   decimal.Decimal `json:"cartValue"`
	Weight      decimal.Decimal `json:"weight"`
	ShippingFee decimal.Decimal `json:"shippingFee"`
}
