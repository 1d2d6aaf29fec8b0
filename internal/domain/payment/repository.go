package payment

import "context"

type Repository interface {
	// Insert assigns the transaction id.
	Insert(ctx context.Context, tx *Transaction) error
	Update(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id int64) (*Transaction, error)
	LatestForOrder(ctx context.Context, orderID int64) (*Transaction, error)
	LatestByCaptureID(ctx context.Context, captureID string) (*Transaction, error)
}
