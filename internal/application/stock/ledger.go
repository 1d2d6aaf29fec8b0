package stock

import (
	"context"
	"fmt"

	"github.com/Zhima-Mochi/fulfillment-engine/internal/apperr"
	domain "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/stock"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/observability"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/observability/logctx"
)

const componentLedger = "stock-ledger"

// Ledger reserves and restores stock. It must be called inside the caller's
// unit of work: the row locks it takes are released on that commit.
type Ledger struct {
	catalog domain.Catalog
	log     observability.Logger
}

func NewLedger(catalog domain.Catalog, tel observability.Observability) *Ledger {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Ledger{
		catalog: catalog,
		log:     tel.Logger().With(observability.F("component", componentLedger)),
	}
}

// Reserve locks every requested product in ascending id order, validates the
// whole request and only then decrements stock. The locked products are
// returned so callers can price the lines without a second read.
func (l *Ledger) Reserve(ctx context.Context, lines []domain.Line) (map[int64]*domain.Product, error) {
	quantities, err := aggregate(lines)
	if err != nil {
		return nil, err
	}
	ids := domain.SortedIDs(quantities)

	products, err := l.catalog.LockForUpdate(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("lock products: %w", err)
	}

	for _, id := range ids {
		p, ok := products[id]
		if !ok || p == nil {
			return nil, &domain.NotFoundError{ProductID: id}
		}
		if p.Status == domain.ProductDeactivated {
			return nil, &domain.DeactivatedError{ProductID: id, Title: p.Title}
		}
		if requested := quantities[id]; p.Stock < requested {
			return nil, &domain.OutOfStockError{
				ProductID: id,
				Title:     p.Title,
				Requested: requested,
				Available: p.Stock,
			}
		}
	}

	for _, id := range ids {
		p := products[id]
		p.Stock -= quantities[id]
		if err := l.catalog.SetStock(ctx, id, p.Stock); err != nil {
			return nil, fmt.Errorf("decrement stock of product %d: %w", id, err)
		}
	}

	logctx.FromOr(ctx, l.log).Debug("stock_reserved",
		observability.F("products", len(ids)),
	)
	return products, nil
}

// Restore returns quantities to stock through the same locking path.
// Products that no longer exist are skipped.
func (l *Ledger) Restore(ctx context.Context, lines []domain.Line) error {
	quantities, err := aggregate(lines)
	if err != nil {
		return err
	}
	ids := domain.SortedIDs(quantities)

	products, err := l.catalog.LockForUpdate(ctx, ids)
	if err != nil {
		return fmt.Errorf("lock products: %w", err)
	}

	restored := 0
	for _, id := range ids {
		p, ok := products[id]
		if !ok || p == nil {
			continue
		}
		p.Stock += quantities[id]
		if err := l.catalog.SetStock(ctx, id, p.Stock); err != nil {
			return fmt.Errorf("restore stock of product %d: %w", id, err)
		}
		restored++
	}

	logctx.FromOr(ctx, l.log).Debug("stock_restored",
		observability.F("products", restored),
		observability.F("skipped", len(ids)-restored),
	)
	return nil
}

func aggregate(lines []domain.Line) (map[int64]int, error) {
	for _, line := range lines {
		if line.Quantity <= 0 {
			return nil, apperr.Validation(fmt.Sprintf("quantity for product %d must be at least 1", line.ProductID))
		}
	}
	return domain.Aggregate(lines), nil
}
