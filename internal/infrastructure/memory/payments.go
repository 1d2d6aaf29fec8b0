package memory

import (
	"context"
	"fmt"

	domain "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/payment"
)

type PaymentRepository struct{ s *Store }

func (r *PaymentRepository) Insert(ctx context.Context, tx *domain.Transaction) error {
	if tx == nil {
		return fmt.Errorf("payment repository: transaction is required")
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	_, write := r.s.tables(ctx)
	tx.ID = r.s.nextID()
	write.transactions[tx.ID] = tx.Clone()
	return nil
}

func (r *PaymentRepository) Update(ctx context.Context, tx *domain.Transaction) error {
	if tx == nil || tx.ID == 0 {
		return fmt.Errorf("payment repository: id is required")
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	read, write := r.s.tables(ctx)
	if _, ok := read.transactions[tx.ID]; !ok {
		return domain.ErrNotFound
	}
	write.transactions[tx.ID] = tx.Clone()
	return nil
}

func (r *PaymentRepository) Get(ctx context.Context, id int64) (*domain.Transaction, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	read, _ := r.s.tables(ctx)
	tx, ok := read.transactions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return tx.Clone(), nil
}

func (r *PaymentRepository) LatestForOrder(ctx context.Context, orderID int64) (*domain.Transaction, error) {
	return r.latest(ctx, func(tx *domain.Transaction) bool { return tx.OrderID == orderID })
}

func (r *PaymentRepository) LatestByCaptureID(ctx context.Context, captureID string) (*domain.Transaction, error) {
	if captureID == "" {
		return nil, domain.ErrNotFound
	}
	return r.latest(ctx, func(tx *domain.Transaction) bool { return tx.CaptureID == captureID })
}

func (r *PaymentRepository) latest(ctx context.Context, match func(*domain.Transaction) bool) (*domain.Transaction, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	read, _ := r.s.tables(ctx)
	var latest *domain.Transaction
	for _, tx := range read.transactions {
		if !match(tx) {
			continue
		}
		if latest == nil || newer(tx.CreatedAt, tx.ID, latest.CreatedAt, latest.ID) {
			latest = tx
		}
	}
	if latest == nil {
		return nil, domain.ErrNotFound
	}
	return latest.Clone(), nil
}

// ForOrder lists every committed transaction of an order oldest first.
func (r *PaymentRepository) ForOrder(orderID int64) []*domain.Transaction {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]*domain.Transaction, 0)
	for id := int64(1); id <= r.s.sequence; id++ {
		if tx, ok := r.s.data.transactions[id]; ok && tx.OrderID == orderID {
			out = append(out, tx.Clone())
		}
	}
	return out
}
