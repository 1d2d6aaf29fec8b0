package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	domain "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/order"
)

type OrderRepository struct{ s *Store }

func (r *OrderRepository) Insert(ctx context.Context, o *domain.Order) error {
	if o == nil {
		return fmt.Errorf("order repository: order is required")
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	_, write := r.s.tables(ctx)
	o.ID = r.s.nextID()
	write.orders[o.ID] = o.Clone()
	return nil
}

func (r *OrderRepository) Get(ctx context.Context, id int64) (*domain.Order, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	read, _ := r.s.tables(ctx)
	o, ok := read.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return o.Clone(), nil
}

func (r *OrderRepository) Update(ctx context.Context, o *domain.Order) error {
	if o == nil || o.ID == 0 {
		return fmt.Errorf("order repository: id is required")
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	read, write := r.s.tables(ctx)
	if _, exists := read.orders[o.ID]; !exists {
		return domain.ErrNotFound
	}
	write.orders[o.ID] = o.Clone()
	return nil
}

func (r *OrderRepository) LatestPendingByCart(ctx context.Context, cartKey string) (*domain.Order, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	read, _ := r.s.tables(ctx)
	var latest *domain.Order
	for _, o := range read.orders {
		if o.CartSessionKey != cartKey || o.Status != domain.StatusPendingProcessing {
			continue
		}
		if latest == nil || newer(o.CreatedAt, o.ID, latest.CreatedAt, latest.ID) {
			latest = o
		}
	}
	if latest == nil {
		return nil, domain.ErrNotFound
	}
	return latest.Clone(), nil
}

func (r *OrderRepository) ListByStatus(ctx context.Context, status domain.Status, page, size int) ([]*domain.Order, int, error) {
	matched := r.filter(ctx, func(o *domain.Order) bool { return o.Status == status })
	total := len(matched)
	if size <= 0 {
		return nil, total, nil
	}
	start := page * size
	if start >= total {
		return []*domain.Order{}, total, nil
	}
	end := min(start+size, total)
	return matched[start:end], total, ctx.Err()
}

func (r *OrderRepository) ListExpired(ctx context.Context, now time.Time) ([]*domain.Order, error) {
	return r.filter(ctx, func(o *domain.Order) bool {
		return o.Status == domain.StatusPendingProcessing && o.Expired(now)
	}), ctx.Err()
}

func (r *OrderRepository) CountUpdatedBefore(ctx context.Context, statuses []domain.Status, before time.Time) (int, error) {
	matched := r.filter(ctx, func(o *domain.Order) bool {
		for _, s := range statuses {
			if o.Status == s && o.UpdatedAt.Before(before) {
				return true
			}
		}
		return false
	})
	return len(matched), ctx.Err()
}

// filter returns matching orders oldest first.
func (r *OrderRepository) filter(ctx context.Context, match func(*domain.Order) bool) []*domain.Order {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	read, _ := r.s.tables(ctx)
	out := make([]*domain.Order, 0)
	for _, o := range read.orders {
		if match(o) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return newer(out[j].CreatedAt, out[j].ID, out[i].CreatedAt, out[i].ID) })
	return out
}

type InvoiceRepository struct{ s *Store }

func (r *InvoiceRepository) Insert(ctx context.Context, inv *domain.Invoice) error {
	if inv == nil {
		return fmt.Errorf("invoice repository: invoice is required")
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	_, write := r.s.tables(ctx)
	inv.ID = r.s.nextID()
	cp := *inv
	write.invoices[inv.ID] = &cp
	return nil
}

func (r *InvoiceRepository) Active(ctx context.Context, orderID int64) (*domain.Invoice, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	read, _ := r.s.tables(ctx)
	var active *domain.Invoice
	for _, inv := range read.invoices {
		if inv.OrderID != orderID || inv.Status != domain.InvoiceActive {
			continue
		}
		if active == nil || newer(inv.CreatedAt, inv.ID, active.CreatedAt, active.ID) {
			active = inv
		}
	}
	if active == nil {
		return nil, domain.ErrInvoiceNotFound
	}
	cp := *active
	return &cp, nil
}

func (r *InvoiceRepository) TerminateAll(ctx context.Context, orderID int64, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	read, write := r.s.tables(ctx)
	for id, inv := range read.invoices {
		if inv.OrderID == orderID && inv.Status != domain.InvoiceTerminated {
			cp := *inv
			cp.Status = domain.InvoiceTerminated
			cp.UpdatedAt = now
			write.invoices[id] = &cp
		}
	}
	return nil
}

// ForOrder lists every invoice of an order oldest first.
func (r *InvoiceRepository) ForOrder(orderID int64) []domain.Invoice {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]domain.Invoice, 0)
	for _, inv := range r.s.data.invoices {
		if inv.OrderID == orderID {
			out = append(out, *inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// newer orders by creation time and breaks ties on the id.
func newer(at time.Time, id int64, thanAt time.Time, thanID int64) bool {
	if !at.Equal(thanAt) {
		return at.After(thanAt)
	}
	return id > thanID
}
