package order

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/Zhima-Mochi/fulfillment-engine/internal/domain/stock"
	"github.com/shopspring/decimal"
)

func TestConcurrentCheckoutsConserveStock(t *testing.T) {
	const (
		shoppers = 12
		initial  = 15
	)
	f := newFixture(t)
	ids := []int64{11, 12, 13, 14}
	for _, id := range ids {
		f.store.Catalog().Put(stock.Product{
			ID: id, Title: fmt.Sprintf("Item %d", id), Price: decimal.NewNullDecimal(decimal.NewFromInt(20000)),
			Weight: decimal.RequireFromString("0.1"), Stock: initial, Status: stock.ProductActive,
		})
	}

	var (
		mu       sync.Mutex
		reserved = map[int64]int{}
		failures []error
		refused  int
	)
	var wg sync.WaitGroup
	for g := 0; g < shoppers; g++ {
		cartKey := fmt.Sprintf("cart-%d", g)
		rng := rand.New(rand.NewPCG(uint64(g+1), 42))
		picked := append([]int64(nil), ids...)
		rng.Shuffle(len(picked), func(a, b int) { picked[a], picked[b] = picked[b], picked[a] })

		lines := make([]Line, 0, len(picked))
		cartLines := make([]stock.Line, 0, len(picked))
		for _, id := range picked[:2+rng.IntN(len(picked)-1)] {
			q := 2 + rng.IntN(3)
			lines = append(lines, Line{ProductID: id, Quantity: q})
			cartLines = append(cartLines, stock.Line{ProductID: id, Quantity: q})
		}
		f.carts.Put(cartKey, cartLines...)

		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.CreateOrder(context.Background(), CreateOrderInput{
				Customer: Customer{Name: "An", Email: "an@example.com"},
				Delivery: Delivery{RecipientName: "An", Phone: "0900000000", AddressLine: "1 Le Loi", Province: "Hà Nội"},
				CartKey:  cartKey,
				Lines:    lines,
			})

			mu.Lock()
			defer mu.Unlock()
			var oos *stock.OutOfStockError
			switch {
			case err == nil:
				for _, item := range res.Order.Items {
					reserved[item.ProductID] += item.Quantity
				}
			case errors.As(err, &oos):
				refused++
			default:
				failures = append(failures, err)
			}
		}()
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(30 * time.Second):
		t.Fatal("checkouts did not finish")
	}

	if len(failures) > 0 {
		t.Fatalf("only out-of-stock failures are allowed, got %v", failures)
	}
	if refused == 0 {
		t.Fatal("demand exceeds supply, some checkouts must have been refused")
	}
	for _, id := range ids {
		left := f.store.Catalog().Stock(id)
		if left < 0 {
			t.Fatalf("product %d went negative: %d", id, left)
		}
		if left+reserved[id] != initial {
			t.Fatalf("product %d: left %d + reserved %d != initial %d", id, left, reserved[id], initial)
		}
	}
}
