package order

import (
	"context"

	appPayment "github.com/Zhima-Mochi/fulfillment-engine/internal/application/payment"
	domoutbox "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/outbox"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/domain/stock"
)

// Ledger reserves and restores stock inside the caller's unit of work.
type Ledger interface {
	Reserve(ctx context.Context, lines []stock.Line) (map[int64]*stock.Product, error)
	Restore(ctx context.Context, lines []stock.Line) error
}

// Payments is the slice of the payment orchestrator the order engine drives.
type Payments interface {
	CreatePayment(ctx context.Context, in appPayment.CreatePaymentInput) (*appPayment.Result, error)
	Latest(ctx context.Context, orderID int64) (*appPayment.Result, error)
	FailLatest(ctx context.Context, orderID int64) error
}

// Enqueuer records a notification in the outbox.
type Enqueuer interface {
	Enqueue(ctx context.Context, eventType domoutbox.EventType, payload any, key string) error
}
