package memory

import (
	"context"

	domain "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/stock"
)

type Catalog struct{ s *Store }

// Put inserts or replaces a product.
func (c *Catalog) Put(p domain.Product) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.data.products[p.ID] = &p
}

func (c *Catalog) LockForUpdate(ctx context.Context, ids []int64) (map[int64]*domain.Product, error) {
	c.s.mu.Lock()
	c.s.lockLog = append(c.s.lockLog, ids...)
	c.s.mu.Unlock()
	return c.Get(ctx, ids)
}

func (c *Catalog) Get(ctx context.Context, ids []int64) (map[int64]*domain.Product, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()

	read, _ := c.s.tables(ctx)
	out := make(map[int64]*domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := read.products[id]; ok {
			cp := *p
			out[id] = &cp
		}
	}
	return out, nil
}

func (c *Catalog) SetStock(ctx context.Context, id int64, stock int) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	read, write := c.s.tables(ctx)
	p, ok := read.products[id]
	if !ok {
		return &domain.NotFoundError{ProductID: id}
	}
	cp := *p
	cp.Stock = stock
	write.products[id] = &cp
	return nil
}

// Stock returns the committed stock of a product, or -1 when unknown.
func (c *Catalog) Stock(id int64) int {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	if p, ok := c.s.data.products[id]; ok {
		return p.Stock
	}
	return -1
}

// LockLog returns every product id passed to LockForUpdate, in call order.
func (c *Catalog) LockLog() []int64 {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	return append([]int64(nil), c.s.lockLog...)
}
