package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/order"
	"github.com/jackc/pgx/v5"
)

type OrderRepository struct{ s *Store }

const orderColumns = `id, status, customer_email, customer_name, cart_session_key,
	subtotal, shipping_fee, total, expires_at, created_at, updated_at`

// Insert writes the order and its items in one unit of work.
func (r *OrderRepository) Insert(ctx context.Context, o *domain.Order) error {
	if o == nil {
		return fmt.Errorf("order repository: order is required")
	}
	return r.s.WithinTx(ctx, func(ctx context.Context) error {
		err := r.s.q(ctx).QueryRow(ctx, `
			INSERT INTO orders (status, customer_email, customer_name, cart_session_key,
				subtotal, shipping_fee, total, expires_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING id`,
			string(o.Status), o.CustomerEmail, o.CustomerName, o.CartSessionKey,
			o.Subtotal, o.ShippingFee, o.Total, nullTime(o.ExpiresAt), o.CreatedAt, updatedAt(o.UpdatedAt, o.CreatedAt),
		).Scan(&o.ID)
		if err != nil {
			return fmt.Errorf("order repository: insert: %w", err)
		}

		batch := &pgx.Batch{}
		for i, it := range o.Items {
			batch.Queue(`
				INSERT INTO order_items (order_id, position, product_id, title, quantity, unit_price, line_total)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				o.ID, i, it.ProductID, it.Title, it.Quantity, it.UnitPrice, it.LineTotal)
		}
		if batch.Len() == 0 {
			return nil
		}
		tx, _ := ctx.Value(txKey{}).(pgx.Tx)
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("order repository: insert items: %w", err)
		}
		return nil
	})
}

func (r *OrderRepository) Get(ctx context.Context, id int64) (*domain.Order, error) {
	row := r.s.q(ctx).QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`+lockClause(ctx), id)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("order repository: get: %w", err)
	}
	if err := r.attachItems(ctx, []*domain.Order{o}); err != nil {
		return nil, err
	}
	return o, nil
}

// Update persists the order columns. Items are fixed at insert time.
func (r *OrderRepository) Update(ctx context.Context, o *domain.Order) error {
	if o == nil || o.ID == 0 {
		return fmt.Errorf("order repository: id is required")
	}
	tag, err := r.s.q(ctx).Exec(ctx, `
		UPDATE orders SET status = $2, customer_email = $3, customer_name = $4, cart_session_key = $5,
			subtotal = $6, shipping_fee = $7, total = $8, expires_at = $9, updated_at = $10
		WHERE id = $1`,
		o.ID, string(o.Status), o.CustomerEmail, o.CustomerName, o.CartSessionKey,
		o.Subtotal, o.ShippingFee, o.Total, nullTime(o.ExpiresAt), updatedAt(o.UpdatedAt, o.CreatedAt))
	if err != nil {
		return fmt.Errorf("order repository: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *OrderRepository) LatestPendingByCart(ctx context.Context, cartKey string) (*domain.Order, error) {
	row := r.s.q(ctx).QueryRow(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE cart_session_key = $1 AND status = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1`+lockClause(ctx),
		cartKey, string(domain.StatusPendingProcessing))
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("order repository: latest pending: %w", err)
	}
	if err := r.attachItems(ctx, []*domain.Order{o}); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *OrderRepository) ListByStatus(ctx context.Context, status domain.Status, page, size int) ([]*domain.Order, int, error) {
	var total int
	if err := r.s.q(ctx).QueryRow(ctx, `SELECT count(*) FROM orders WHERE status = $1`, string(status)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("order repository: count: %w", err)
	}
	if size <= 0 {
		return nil, total, nil
	}
	orders, err := r.list(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2 OFFSET $3`,
		string(status), size, page*size)
	return orders, total, err
}

func (r *OrderRepository) ListExpired(ctx context.Context, now time.Time) ([]*domain.Order, error) {
	return r.list(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = $1 AND expires_at IS NOT NULL AND expires_at < $2
		ORDER BY created_at, id`,
		string(domain.StatusPendingProcessing), now)
}

func (r *OrderRepository) CountUpdatedBefore(ctx context.Context, statuses []domain.Status, before time.Time) (int, error) {
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, string(s))
	}
	var n int
	err := r.s.q(ctx).QueryRow(ctx,
		`SELECT count(*) FROM orders WHERE status = ANY($1) AND updated_at < $2`, names, before,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("order repository: count updated before: %w", err)
	}
	return n, nil
}

func (r *OrderRepository) list(ctx context.Context, query string, args ...any) ([]*domain.Order, error) {
	rows, err := r.s.q(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("order repository: list: %w", err)
	}
	out := make([]*domain.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("order repository: scan: %w", err)
		}
		out = append(out, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order repository: list: %w", err)
	}
	if err := r.attachItems(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *OrderRepository) attachItems(ctx context.Context, orders []*domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(orders))
	byID := make(map[int64]*domain.Order, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
		byID[o.ID] = o
	}
	rows, err := r.s.q(ctx).Query(ctx, `
		SELECT order_id, product_id, title, quantity, unit_price, line_total
		FROM order_items WHERE order_id = ANY($1)
		ORDER BY order_id, position`, ids)
	if err != nil {
		return fmt.Errorf("order repository: items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			orderID int64
			it      domain.Item
		)
		if err := rows.Scan(&orderID, &it.ProductID, &it.Title, &it.Quantity, &it.UnitPrice, &it.LineTotal); err != nil {
			return fmt.Errorf("order repository: scan item: %w", err)
		}
		if o, ok := byID[orderID]; ok {
			o.Items = append(o.Items, it)
		}
	}
	return rows.Err()
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		o         domain.Order
		status    string
		expiresAt *time.Time
	)
	err := row.Scan(&o.ID, &status, &o.CustomerEmail, &o.CustomerName, &o.CartSessionKey,
		&o.Subtotal, &o.ShippingFee, &o.Total, &expiresAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = domain.Status(status)
	if expiresAt != nil {
		o.ExpiresAt = *expiresAt
	}
	return &o, nil
}

type InvoiceRepository struct{ s *Store }

const invoiceColumns = `id, order_id, status, recipient_name, phone, address_line, city, province,
	postal_code, subtotal, vat, shipping_fee, total, created_at, updated_at`

func (r *InvoiceRepository) Insert(ctx context.Context, inv *domain.Invoice) error {
	if inv == nil {
		return fmt.Errorf("invoice repository: invoice is required")
	}
	d := inv.Delivery
	err := r.s.q(ctx).QueryRow(ctx, `
		INSERT INTO invoices (order_id, status, recipient_name, phone, address_line, city, province,
			postal_code, subtotal, vat, shipping_fee, total, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`,
		inv.OrderID, string(inv.Status), d.RecipientName, d.Phone, d.AddressLine, d.City, d.Province,
		d.PostalCode, inv.Subtotal, inv.VAT, inv.ShippingFee, inv.Total, inv.CreatedAt, updatedAt(inv.UpdatedAt, inv.CreatedAt),
	).Scan(&inv.ID)
	if err != nil {
		return fmt.Errorf("invoice repository: insert: %w", err)
	}
	return nil
}

func (r *InvoiceRepository) Active(ctx context.Context, orderID int64) (*domain.Invoice, error) {
	var (
		inv    domain.Invoice
		status string
	)
	d := &inv.Delivery
	err := r.s.q(ctx).QueryRow(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE order_id = $1 AND status = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		orderID, string(domain.InvoiceActive),
	).Scan(&inv.ID, &inv.OrderID, &status, &d.RecipientName, &d.Phone, &d.AddressLine, &d.City, &d.Province,
		&d.PostalCode, &inv.Subtotal, &inv.VAT, &inv.ShippingFee, &inv.Total, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("invoice repository: active: %w", err)
	}
	inv.Status = domain.InvoiceStatus(status)
	return &inv, nil
}

func (r *InvoiceRepository) TerminateAll(ctx context.Context, orderID int64, now time.Time) error {
	_, err := r.s.q(ctx).Exec(ctx,
		`UPDATE invoices SET status = $2, updated_at = $3 WHERE order_id = $1 AND status <> $2`,
		orderID, string(domain.InvoiceTerminated), now)
	if err != nil {
		return fmt.Errorf("invoice repository: terminate: %w", err)
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func updatedAt(updated, created time.Time) time.Time {
	if updated.IsZero() {
		return created
	}
	return updated
}
