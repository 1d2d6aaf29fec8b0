package cart

import (
	"context"
	"fmt"

	"github.com/Zhima-Mochi/fulfillment-engine/internal/apperr"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/domain/stock"
)

var (
	ErrNotFound          = fmt.Errorf("cart: %w", apperr.ErrNotFound)
	ErrAlreadyCheckedOut = fmt.Errorf("cart already checked out: %w", apperr.ErrConflict)
)

// Store is the shopping cart collaborator keyed by session key.
type Store interface {
	// MarkCheckedOut sets the checked-out flag; a second call for the same
	// session fails with ErrAlreadyCheckedOut.
	MarkCheckedOut(ctx context.Context, key string) error
	ResetCheckout(ctx context.Context, key string) error
	// Clear removes the items and the checked-out flag.
	Clear(ctx context.Context, key string) error
	Items(ctx context.Context, key string) ([]stock.Line, error)
}
