package order

import (
	"time"

	"github.com/shopspring/decimal"
)

type InvoiceStatus string

const (
	InvoiceActive     InvoiceStatus = "ACTIVE"
	InvoiceTerminated InvoiceStatus = "TERMINATED"
)

const (
	defaultCity       = "Unknown"
	defaultPostalCode = "00000"
)

// DeliveryInfo is the shipping snapshot taken when an invoice is issued.
type DeliveryInfo struct {
	RecipientName string
	Phone         string
	AddressLine   string
	City          string
	Province      string
	PostalCode    string
}

// NewDeliveryInfo fills the fields customers are not asked for.
func NewDeliveryInfo(name, phone, address, province string) DeliveryInfo {
	return DeliveryInfo{
		RecipientName: name,
		Phone:         phone,
		AddressLine:   address,
		City:          defaultCity,
		Province:      province,
		PostalCode:    defaultPostalCode,
	}
}

// SameRecipient compares the fields a customer can edit.
func (d DeliveryInfo) SameRecipient(other DeliveryInfo) bool {
	return d.RecipientName == other.RecipientName &&
		d.Phone == other.Phone &&
		d.AddressLine == other.AddressLine &&
		d.Province == other.Province
}

// Invoice is never edited once issued; a delivery change terminates it and
// issues a new ACTIVE one.
type Invoice struct {
	ID          int64
	OrderID     int64
	Status      InvoiceStatus
	Delivery    DeliveryInfo
	Subtotal    decimal.Decimal
	VAT         decimal.Decimal
	ShippingFee decimal.Decimal
	Total       decimal.Decimal
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func NewInvoice(orderID int64, delivery DeliveryInfo, q Quote, now time.Time) *Invoice {
	return &Invoice{
		OrderID:     orderID,
		Status:      InvoiceActive,
		Delivery:    delivery,
		Subtotal:    q.Subtotal,
		VAT:         q.VAT,
		ShippingFee: q.ShippingFee,
		Total:       q.Total,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
