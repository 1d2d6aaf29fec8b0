package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	domain "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/outbox"
)

type OutboxRepository struct{ s *Store }

func (r *OutboxRepository) Insert(ctx context.Context, m *domain.Message) (bool, error) {
	if m == nil {
		return false, fmt.Errorf("outbox repository: message is required")
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	read, write := r.s.tables(ctx)
	if m.IdempotencyKey != "" {
		if _, exists := read.messageKeys[m.IdempotencyKey]; exists {
			return false, nil
		}
	}
	m.ID = r.s.nextID()
	write.messages[m.ID] = m.Clone()
	if m.IdempotencyKey != "" {
		write.messageKeys[m.IdempotencyKey] = m.ID
	}
	return true, nil
}

func (r *OutboxRepository) ExistsByKey(ctx context.Context, key string) (bool, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	read, _ := r.s.tables(ctx)
	_, ok := read.messageKeys[key]
	return ok, nil
}

func (r *OutboxRepository) ClaimDue(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]*domain.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	read, write := r.s.tables(ctx)
	due := make([]*domain.Message, 0)
	for _, m := range read.messages {
		if m.Due(now) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	leasedUntil := now.Add(lease)
	out := make([]*domain.Message, 0, len(due))
	for _, m := range due {
		leased := m.Clone()
		at := leasedUntil
		leased.NextRetryAt = &at
		write.messages[leased.ID] = leased
		out = append(out, leased.Clone())
	}
	return out, nil
}

func (r *OutboxRepository) Update(ctx context.Context, m *domain.Message) error {
	if m == nil || m.ID == 0 {
		return fmt.Errorf("outbox repository: id is required")
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	read, write := r.s.tables(ctx)
	if _, ok := read.messages[m.ID]; !ok {
		return domain.ErrNotFound
	}
	write.messages[m.ID] = m.Clone()
	return nil
}

func (r *OutboxRepository) Get(ctx context.Context, id int64) (*domain.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	read, _ := r.s.tables(ctx)
	m, ok := read.messages[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return m.Clone(), nil
}

// All lists every committed message in insertion order.
func (r *OutboxRepository) All() []*domain.Message {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]*domain.Message, 0, len(r.s.data.messages))
	for _, m := range r.s.data.messages {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
