package stock

import (
	"context"
	"fmt"
	"sort"

	"github.com/Zhima-Mochi/fulfillment-engine/internal/apperr"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound    = fmt.Errorf("product: %w", apperr.ErrNotFound)
	ErrDeactivated = fmt.Errorf("product: %w", apperr.ErrBusinessRule)
)

type ProductStatus string

const (
	ProductActive      ProductStatus = "ACTIVE"
	ProductDeactivated ProductStatus = "DEACTIVATED"
)

// Product is the catalog view the ledger needs. Price may be absent for
// products that were never priced; Weight is in kilograms.
type Product struct {
	ID     int64
	Title  string
	Price  decimal.NullDecimal
	Weight decimal.Decimal
	Stock  int
	Status ProductStatus
}

// Line is a requested quantity of a single product.
type Line struct {
	ProductID int64
	Quantity  int
}

// OutOfStockError reports the exact shortfall of a reservation.
type OutOfStockError struct {
	ProductID int64
	Title     string
	Requested int
	Available int
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("product %q (id %d) is out of stock: requested %d, available %d",
		e.Title, e.ProductID, e.Requested, e.Available)
}

type NotFoundError struct{ ProductID int64 }

func (e *NotFoundError) Error() string { return fmt.Sprintf("Product not found: %d", e.ProductID) }
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

type DeactivatedError struct {
	ProductID int64
	Title     string
}

func (e *DeactivatedError) Error() string { return "Product is deactivated: " + e.Title }
func (e *DeactivatedError) Unwrap() error { return ErrDeactivated }

// Catalog is the product store. LockForUpdate must acquire exclusive row
// locks in the order given and hold them until the surrounding unit of work
// ends; missing ids are simply absent from the result.
type Catalog interface {
	LockForUpdate(ctx context.Context, ids []int64) (map[int64]*Product, error)
	Get(ctx context.Context, ids []int64) (map[int64]*Product, error)
	SetStock(ctx context.Context, id int64, stock int) error
}

// Aggregate sums quantities per product.
func Aggregate(lines []Line) map[int64]int {
	out := make(map[int64]int, len(lines))
	for _, l := range lines {
		out[l.ProductID] += l.Quantity
	}
	return out
}

// SortedIDs returns the distinct product ids in ascending order.
func SortedIDs(quantities map[int64]int) []int64 {
	ids := make([]int64, 0, len(quantities))
	for id := range quantities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Weight returns Σ product weight × quantity; unknown products weigh nothing.
func Weight(products map[int64]*Product, quantities map[int64]int) decimal.Decimal {
	total := decimal.Zero
	for id, qty := range quantities {
		if p, ok := products[id]; ok && p != nil {
			total = total.Add(p.Weight.Mul(decimal.NewFromInt(int64(qty))))
		}
	}
	return total
}
