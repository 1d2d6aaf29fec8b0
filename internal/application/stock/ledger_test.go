package stock

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/Zhima-Mochi/fulfillment-engine/internal/apperr"
	domain "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/stock"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/infrastructure/memory"
)

func newLedger(t *testing.T, products ...domain.Product) (*Ledger, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	for _, p := range products {
		store.Catalog().Put(p)
	}
	return NewLedger(store.Catalog(), nil), store
}

func TestReserveLocksInAscendingOrder(t *testing.T) {
	ledger, store := newLedger(t,
		domain.Product{ID: 1, Title: "A", Stock: 10, Status: domain.ProductActive},
		domain.Product{ID: 5, Title: "B", Stock: 10, Status: domain.ProductActive},
		domain.Product{ID: 9, Title: "C", Stock: 10, Status: domain.ProductActive},
	)

	_, err := ledger.Reserve(context.Background(), []domain.Line{
		{ProductID: 9, Quantity: 1}, {ProductID: 1, Quantity: 2}, {ProductID: 5, Quantity: 1}, {ProductID: 1, Quantity: 1},
	})
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if got := store.Catalog().LockLog(); !reflect.DeepEqual(got, []int64{1, 5, 9}) {
		t.Fatalf("unexpected lock order %v", got)
	}
	if store.Catalog().Stock(1) != 7 || store.Catalog().Stock(5) != 9 || store.Catalog().Stock(9) != 9 {
		t.Fatal("stock not decremented by aggregated quantities")
	}
}

func TestReserveReportsExactShortfall(t *testing.T) {
	ledger, store := newLedger(t,
		domain.Product{ID: 1, Title: "Vinyl", Stock: 10, Status: domain.ProductActive},
		domain.Product{ID: 2, Title: "CD", Stock: 3, Status: domain.ProductActive},
	)

	_, err := ledger.Reserve(context.Background(), []domain.Line{
		{ProductID: 1, Quantity: 1}, {ProductID: 2, Quantity: 3}, {ProductID: 2, Quantity: 2},
	})
	var oos *domain.OutOfStockError
	if !errors.As(err, &oos) {
		t.Fatalf("expected out of stock, got %v", err)
	}
	if oos.ProductID != 2 || oos.Title != "CD" || oos.Requested != 5 || oos.Available != 3 {
		t.Fatalf("unexpected shortfall %+v", oos)
	}
	if store.Catalog().Stock(1) != 10 {
		t.Fatal("no product may be decremented when any line is short")
	}
}

func TestReserveRejectsUnknownAndDeactivated(t *testing.T) {
	ledger, store := newLedger(t,
		domain.Product{ID: 1, Title: "Old", Stock: 10, Status: domain.ProductDeactivated},
		domain.Product{ID: 2, Title: "New", Stock: 10, Status: domain.ProductActive},
	)
	ctx := context.Background()

	_, err := ledger.Reserve(ctx, []domain.Line{{ProductID: 2, Quantity: 1}, {ProductID: 3, Quantity: 1}})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err = ledger.Reserve(ctx, []domain.Line{{ProductID: 1, Quantity: 1}, {ProductID: 2, Quantity: 1}})
	if !errors.Is(err, domain.ErrDeactivated) {
		t.Fatalf("expected deactivated, got %v", err)
	}
	_, err = ledger.Reserve(ctx, []domain.Line{{ProductID: 2, Quantity: 0}})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if store.Catalog().Stock(2) != 10 {
		t.Fatal("stock changed on rejected reservation")
	}
}

func TestRestoreIsSymmetricAndSkipsMissing(t *testing.T) {
	ledger, store := newLedger(t,
		domain.Product{ID: 1, Title: "A", Stock: 4, Status: domain.ProductActive},
		domain.Product{ID: 2, Title: "B", Stock: 4, Status: domain.ProductActive},
	)
	ctx := context.Background()
	lines := []domain.Line{{ProductID: 2, Quantity: 3}, {ProductID: 1, Quantity: 4}}

	if _, err := ledger.Reserve(ctx, lines); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := ledger.Restore(ctx, append(lines, domain.Line{ProductID: 99, Quantity: 1})); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if store.Catalog().Stock(1) != 4 || store.Catalog().Stock(2) != 4 {
		t.Fatal("restore must undo the reservation exactly")
	}
	if got := store.Catalog().LockLog(); !reflect.DeepEqual(got, []int64{1, 2, 1, 2, 99}) {
		t.Fatalf("restore must lock in ascending order, got %v", got)
	}
}
