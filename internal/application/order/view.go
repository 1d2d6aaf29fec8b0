package order

import (
	"time"

	appPayment "github.com/Zhima-Mochi/fulfillment-engine/internal/application/payment"
	domain "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/order"
	dompayment "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/payment"
	"github.com/shopspring/decimal"
)

// View is the client facing projection of an order.
type View struct {
	ID                   int64
	Status               domain.Status
	CustomerEmail        string
	CustomerName         string
	Delivery             domain.DeliveryInfo
	ShippingFee          decimal.Decimal
	TotalBeforeVAT       decimal.Decimal
	TotalWithVAT         decimal.Decimal
	CreatedAt            time.Time
	PaymentMinutes       int
	Items                []domain.Item
	Payment              *appPayment.Result
	PaymentTransactionID int64
	PaymentStatus        dompayment.Status
}

func (s *Service) view(o *domain.Order, inv *domain.Invoice, latest *appPayment.Result) *View {
	v := &View{
		ID:             o.ID,
		Status:         o.Status,
		CustomerEmail:  o.CustomerEmail,
		CustomerName:   o.CustomerName,
		ShippingFee:    o.ShippingFee,
		TotalBeforeVAT: o.Subtotal,
		TotalWithVAT:   o.Total,
		CreatedAt:      o.CreatedAt,
		PaymentMinutes: int(s.paymentWindow / time.Minute),
		Items:          append([]domain.Item(nil), o.Items...),
		Payment:        latest,
	}
	if inv != nil {
		v.Delivery = inv.Delivery
	}
	if latest != nil {
		v.PaymentTransactionID = latest.TransactionID
		v.PaymentStatus = latest.Status
	}
	return v
}

// Summary is the review queue projection of an order.
type Summary struct {
	ID            int64
	Status        domain.Status
	CustomerName  string
	CustomerEmail string
	TotalWithVAT  decimal.Decimal
	CreatedAt     time.Time
}

func summaryOf(o *domain.Order) Summary {
	return Summary{
		ID:            o.ID,
		Status:        o.Status,
		CustomerName:  o.CustomerName,
		CustomerEmail: o.CustomerEmail,
		TotalWithVAT:  o.Total,
		CreatedAt:     o.CreatedAt,
	}
}
