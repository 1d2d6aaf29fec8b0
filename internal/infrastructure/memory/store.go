package memory

import (
	"context"
	"sync"

	domcart "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/cart"
	domorder "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/order"
	domoutbox "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/outbox"
	dompayment "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/payment"
	domstock "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/stock"
)

// Store keeps every aggregate in process memory. Units of work are
// serialised, which stands in for the row locks of the Postgres adapter.
// A unit of work stages its writes in a private write set: its own reads see
// them, nobody else does, and only that write set is applied on commit.
// Writes made outside a unit of work go straight to the committed state and
// are never undone by another unit's rollback.
type Store struct {
	txMu sync.Mutex

	mu       sync.RWMutex
	data     *state
	lockLog  []int64
	sequence int64
}

type state struct {
	products     map[int64]*domstock.Product
	orders       map[int64]*domorder.Order
	invoices     map[int64]*domorder.Invoice
	transactions map[int64]*dompayment.Transaction
	messages     map[int64]*domoutbox.Message
	messageKeys  map[string]int64
}

func newState() *state {
	return &state{
		products:     make(map[int64]*domstock.Product),
		orders:       make(map[int64]*domorder.Order),
		invoices:     make(map[int64]*domorder.Invoice),
		transactions: make(map[int64]*dompayment.Transaction),
		messages:     make(map[int64]*domoutbox.Message),
		messageKeys:  make(map[string]int64),
	}
}

func overlay[K comparable, V any](base, top map[K]V) map[K]V {
	if len(top) == 0 {
		return base
	}
	out := make(map[K]V, len(base)+len(top))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range top {
		out[k] = v
	}
	return out
}

// with returns the committed state seen through a write set. Entries are
// shared, so callers copy before handing them out and never mutate them.
func (s *state) with(w *state) *state {
	return &state{
		products:     overlay(s.products, w.products),
		orders:       overlay(s.orders, w.orders),
		invoices:     overlay(s.invoices, w.invoices),
		transactions: overlay(s.transactions, w.transactions),
		messages:     overlay(s.messages, w.messages),
		messageKeys:  overlay(s.messageKeys, w.messageKeys),
	}
}

func NewStore() *Store {
	return &Store{data: newState()}
}

// nextID hands out ids from one sequence; ids used by a rolled back unit of
// work are not reused. Callers hold s.mu.
func (s *Store) nextID() int64 {
	s.sequence++
	return s.sequence
}

type txKey struct{}

func writeSet(ctx context.Context) *state {
	w, _ := ctx.Value(txKey{}).(*state)
	return w
}

// tables returns the state a repository call reads and the state it writes.
// Callers hold s.mu.
func (s *Store) tables(ctx context.Context) (read, write *state) {
	w := writeSet(ctx)
	if w == nil {
		return s.data, s.data
	}
	return s.data.with(w), w
}

// WithinTx implements application.TxManager.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if writeSet(ctx) != nil {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	w := newState()
	if err := fn(context.WithValue(ctx, txKey{}, w)); err != nil {
		return err
	}
	s.commit(w)
	return nil
}

// commit applies a write set. An outbox row whose idempotency key was taken
// by a committed row in the meantime is dropped, as the unique index would.
func (s *Store) commit(w *state) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, p := range w.products {
		s.data.products[id] = p
	}
	for id, o := range w.orders {
		s.data.orders[id] = o
	}
	for id, inv := range w.invoices {
		s.data.invoices[id] = inv
	}
	for id, tx := range w.transactions {
		s.data.transactions[id] = tx
	}
	for id, m := range w.messages {
		if m.IdempotencyKey != "" {
			if owner, taken := s.data.messageKeys[m.IdempotencyKey]; taken && owner != id {
				continue
			}
			s.data.messageKeys[m.IdempotencyKey] = id
		}
		s.data.messages[id] = m
	}
}

func (s *Store) Catalog() *Catalog { return &Catalog{s: s} }
func (s *Store) Orders() *OrderRepository { return &OrderRepository{s: s} }
func (s *Store) Invoices() *InvoiceRepository { return &InvoiceRepository{s: s} }
func (s *Store) Transactions() *PaymentRepository { return &PaymentRepository{s: s} }
func (s *Store) Outbox() *OutboxRepository { return &OutboxRepository{s: s} }

var (
	_ domstock.Catalog           = (*Catalog)(nil)
	_ domorder.Repository        = (*OrderRepository)(nil)
	_ domorder.InvoiceRepository = (*InvoiceRepository)(nil)
	_ dompayment.Repository      = (*PaymentRepository)(nil)
	_ domoutbox.Repository       = (*OutboxRepository)(nil)
	_ domcart.Store              = (*CartStore)(nil)
)
