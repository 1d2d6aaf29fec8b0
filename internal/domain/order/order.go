package order

import (
	"fmt"
	"time"

	"github.com/Zhima-Mochi/fulfillment-engine/internal/apperr"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/domain/stock"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound               = fmt.Errorf("order: %w", apperr.ErrNotFound)
	ErrInvoiceNotFound        = fmt.Errorf("invoice: %w", apperr.ErrNotFound)
	ErrInvalidStateTransition = fmt.Errorf("order: invalid state transition: %w", apperr.ErrBusinessRule)
)

type Status string

const (
	StatusPendingProcessing Status = "PENDING_PROCESSING"
	StatusApproved          Status = "APPROVED"
	StatusRejected          Status = "REJECTED"
	StatusCancelled         Status = "CANCELLED"
	StatusFailed            Status = "FAILED"
	StatusPaid              Status = "PAID"
)

type Item struct {
	ProductID int64
	Title     string
	Quantity  int
	UnitPrice decimal.Decimal
	LineTotal decimal.Decimal
}

type Order struct {
	ID             int64
	Status         Status
	CustomerEmail  string
	CustomerName   string
	CartSessionKey string
	Subtotal       decimal.Decimal
	ShippingFee    decimal.Decimal
	Total          decimal.Decimal
	Items          []Item
	ExpiresAt      time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Quantities returns the order's aggregated productId -> quantity map.
func (o *Order) Quantities() map[int64]int {
	out := make(map[int64]int, len(o.Items))
	for _, it := range o.Items {
		out[it.ProductID] += it.Quantity
	}
	return out
}

// Lines returns the order items as ledger lines.
func (o *Order) Lines() []stock.Line {
	out := make([]stock.Line, 0, len(o.Items))
	for _, it := range o.Items {
		out = append(out, stock.Line{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return out
}

// ApplyQuote stores the totals of a price quote on the order.
func (o *Order) ApplyQuote(q Quote) {
	o.Subtotal = q.Subtotal
	o.ShippingFee = q.ShippingFee
	o.Total = q.Total
}

// Expired reports whether the payment window closed before now.
func (o *Order) Expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && o.ExpiresAt.Before(now)
}

func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.Items = append([]Item(nil), o.Items...)
	return &c
}
