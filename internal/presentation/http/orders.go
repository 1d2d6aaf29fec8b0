package httppresentation

import (
	"net/http"

	appOrder "github.com/Zhima-Mochi/fulfillment-engine/internal/application/order"
	domstock "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/stock"
	"github.com/shopspring/decimal"
)

const defaultPendingPageSize = 30

type orderItemRequest struct {
	ProductID    int64               `json:"productId" validate:"gt=0"`
	ProductTitle string              `json:"productTitle"`
	Quantity     int                 `json:"quantity" validate:"min=1"`
	Price        decimal.NullDecimal `json:"price"`
}

type createOrderRequest struct {
	CustomerEmail  string `json:"customerEmail" validate:"required,email"`
	CustomerName   string `json:"customerName" validate:"required"`
	Phone          string `json:"phone" validate:"required"`
	AddressLine    string `json:"addressLine" validate:"required"`
	Province       string `json:"province" validate:"required"`
	CartSessionKey string `json:"cartSessionKey" validate:"required"`
	// ShippingFee is accepted from older clients but always recomputed.
	ShippingFee      decimal.NullDecimal `json:"shippingFee"`
	Provider         string              `json:"provider"`
	Currency         string              `json:"currency" validate:"required"`
	SuccessReturnURL string              `json:"successReturnUrl" validate:"required"`
	CancelReturnURL  string              `json:"cancelReturnUrl" validate:"required"`
	Items            []orderItemRequest  `json:"items" validate:"required,min=1,dive"`
}

func (h *Handler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := h.bind(r, &req); err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}

	lines := make([]appOrder.Line, 0, len(req.Items))
	for _, it := range req.Items {
		lines = append(lines, appOrder.Line{ProductID: it.ProductID, Quantity: it.Quantity, Price: it.Price})
	}
	result, err := h.orders.CreateOrder(r.Context(), appOrder.CreateOrderInput{
		Customer: appOrder.Customer{Name: req.CustomerName, Email: req.CustomerEmail},
		Delivery: appOrder.Delivery{
			RecipientName: req.CustomerName,
			Phone:         req.Phone,
			AddressLine:   req.AddressLine,
			Province:      req.Province,
		},
		CartKey: req.CartSessionKey,
		Lines:   lines,
		Payment: appOrder.PaymentRequest{
			Provider:  req.Provider,
			Currency:  req.Currency,
			ReturnURL: req.SuccessReturnURL,
			CancelURL: req.CancelReturnURL,
		},
	})
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, envelope{Success: true, Message: "Order created", Data: checkoutOf(result)})
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	view, err := h.orders.GetOrder(r.Context(), id)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeOK(w, orderOf(view), "Order detail")
}

func (h *Handler) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	view, err := h.orders.CancelOrder(r.Context(), id)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeOK(w, orderOf(view), "Order cancelled")
}

type checkOrderStateRequest struct {
	SessionKey string             `json:"sessionKey" validate:"required"`
	Items      []orderItemRequest `json:"items" validate:"dive"`
}

func (h *Handler) handleCheckOrderState(w http.ResponseWriter, r *http.Request) {
	var req checkOrderStateRequest
	if err := h.bind(r, &req); err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	lines := make([]domstock.Line, 0, len(req.Items))
	for _, it := range req.Items {
		lines = append(lines, domstock.Line{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	state, err := h.orders.CheckOrderState(r.Context(), req.SessionKey, lines)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeOK(w, stateResponse{Action: state.Action, OrderID: state.OrderID, Message: state.Message}, "Order state checked")
}

type updateDeliveryRequest struct {
	CustomerEmail    string `json:"customerEmail" validate:"required,email"`
	CustomerName     string `json:"customerName" validate:"required"`
	Phone            string `json:"phone" validate:"required"`
	AddressLine      string `json:"addressLine" validate:"required"`
	Province         string `json:"province" validate:"required"`
	Provider         string `json:"provider"`
	Currency         string `json:"currency"`
	SuccessReturnURL string `json:"successReturnUrl"`
	CancelReturnURL  string `json:"cancelReturnUrl"`
}

func (h *Handler) handleUpdateDeliveryInfo(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	var req updateDeliveryRequest
	if err := h.bind(r, &req); err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	result, err := h.orders.UpdateDeliveryInfo(r.Context(), appOrder.UpdateDeliveryInput{
		OrderID:  id,
		Customer: appOrder.Customer{Name: req.CustomerName, Email: req.CustomerEmail},
		Delivery: appOrder.Delivery{
			RecipientName: req.CustomerName,
			Phone:         req.Phone,
			AddressLine:   req.AddressLine,
			Province:      req.Province,
		},
		Payment: appOrder.PaymentRequest{
			Provider:  req.Provider,
			Currency:  req.Currency,
			ReturnURL: req.SuccessReturnURL,
			CancelURL: req.CancelReturnURL,
		},
	})
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeOK(w, checkoutOf(result), "Delivery info updated")
}

type shippingFeeRequest struct {
	Province       string              `json:"province" validate:"required"`
	Address        string              `json:"address"`
	CartValue      decimal.NullDecimal `json:"cartValue"`
	CartSessionKey string              `json:"cartSessionKey"`
}

func (h *Handler) handleShippingFee(w http.ResponseWriter, r *http.Request) {
	var req shippingFeeRequest
	if err := h.bind(r, &req); err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	quote, err := h.orders.QuoteShippingFee(r.Context(), req.Province, req.CartValue.Decimal, req.CartSessionKey)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeOK(w, shippingQuoteResponse{
		Province:    quote.Province,
		CartValue:   quote.CartValue,
		Weight:      quote.Weight,
		ShippingFee: quote.ShippingFee,
	}, "Shipping fee calculated")
}

func (h *Handler) handleListPending(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 0)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	size, err := queryInt(r, "size", defaultPendingPageSize)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	result, err := h.orders.ListPending(r.Context(), page, size)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	items := make([]summaryResponse, 0, len(result.Items))
	for _, s := range result.Items {
		items = append(items, summaryOf(s))
	}
	writeOK(w, pageResponse{Items: items, Page: result.Page, Size: result.Size, Total: result.Total}, "Pending orders")
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	summary, err := h.orders.Approve(r.Context(), id)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeOK(w, summaryOf(*summary), "Order approved")
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	summary, err := h.orders.Reject(r.Context(), id, r.URL.Query().Get("reason"))
	if err != nil {
		writeDomainError(r.Context(), w, err)
		return
	}
	writeOK(w, summaryOf(*summary), "Order rejected")
}
