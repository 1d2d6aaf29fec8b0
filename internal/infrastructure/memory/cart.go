package memory

import (
	"context"
	"sync"

	domain "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/cart"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/domain/stock"
)

// CartStore is an in-process cart collaborator.
type CartStore struct {
	mu         sync.Mutex
	items      map[string][]stock.Line
	checkedOut map[string]bool
}

func NewCartStore() *CartStore {
	return &CartStore{
		items:      make(map[string][]stock.Line),
		checkedOut: make(map[string]bool),
	}
}

// Put replaces the items of a cart session.
func (c *CartStore) Put(key string, lines ...stock.Line) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = append([]stock.Line(nil), lines...)
}

func (c *CartStore) MarkCheckedOut(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[key]; !ok {
		return domain.ErrNotFound
	}
	if c.checkedOut[key] {
		return domain.ErrAlreadyCheckedOut
	}
	c.checkedOut[key] = true
	return nil
}

func (c *CartStore) ResetCheckout(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.checkedOut, key)
	return nil
}

func (c *CartStore) Clear(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	delete(c.checkedOut, key)
	return nil
}

func (c *CartStore) Items(_ context.Context, key string) ([]stock.Line, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lines, ok := c.items[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return append([]stock.Line(nil), lines...), nil
}

// CheckedOut reports whether the session carries the checked-out flag.
func (c *CartStore) CheckedOut(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkedOut[key]
}

// Exists reports whether the session still has a cart.
func (c *CartStore) Exists(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}
