package order

import (
	"context"
	"time"
)

type Repository interface {
	// Insert assigns the order id.
	Insert(ctx context.Context, o *Order) error
	Get(ctx context.Context, id int64) (*Order, error)
	Update(ctx context.Context, o *Order) error
	// LatestPendingByCart returns the newest PENDING_PROCESSING order for the cart session.
	LatestPendingByCart(ctx context.Context, cartKey string) (*Order, error)
	ListByStatus(ctx context.Context, status Status, page, size int) ([]*Order, int, error)
	ListExpired(ctx context.Context, now time.Time) ([]*Order, error)
	CountUpdatedBefore(ctx context.Context, statuses []Status, before time.Time) (int, error)
}

type InvoiceRepository interface {
	// Insert assigns the invoice id.
	Insert(ctx context.Context, inv *Invoice) error
	Active(ctx context.Context, orderID int64) (*Invoice, error)
	// TerminateAll moves every invoice of the order to TERMINATED.
	TerminateAll(ctx context.Context, orderID int64, now time.Time) error
}
