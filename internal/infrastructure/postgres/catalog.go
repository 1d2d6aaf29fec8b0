package postgres

import (
	"context"
	"fmt"

	domain "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/stock"
)

type CatalogRepository struct{ s *Store }

const productColumns = `id, title, price, weight, stock, status`

// LockForUpdate locks the rows in ascending id order; callers pass sorted ids.
func (r *CatalogRepository) LockForUpdate(ctx context.Context, ids []int64) (map[int64]*domain.Product, error) {
	return r.load(ctx, `SELECT `+productColumns+` FROM products WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
}

func (r *CatalogRepository) Get(ctx context.Context, ids []int64) (map[int64]*domain.Product, error) {
	return r.load(ctx, `SELECT `+productColumns+` FROM products WHERE id = ANY($1) ORDER BY id`, ids)
}

func (r *CatalogRepository) load(ctx context.Context, query string, ids []int64) (map[int64]*domain.Product, error) {
	out := make(map[int64]*domain.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.s.q(ctx).Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("catalog: query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p      domain.Product
			status string
		)
		if err := rows.Scan(&p.ID, &p.Title, &p.Price, &p.Weight, &p.Stock, &status); err != nil {
			return nil, fmt.Errorf("catalog: scan: %w", err)
		}
		p.Status = domain.ProductStatus(status)
		out[p.ID] = &p
	}
	return out, rows.Err()
}

func (r *CatalogRepository) SetStock(ctx context.Context, id int64, stock int) error {
	tag, err := r.s.q(ctx).Exec(ctx, `UPDATE products SET stock = $2 WHERE id = $1`, id, stock)
	if err != nil {
		return fmt.Errorf("catalog: set stock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.NotFoundError{ProductID: id}
	}
	return nil
}

// Put inserts or replaces a product; used for seeding.
func (r *CatalogRepository) Put(ctx context.Context, p domain.Product) error {
	status := p.Status
	if status == "" {
		status = domain.ProductActive
	}
	_, err := r.s.q(ctx).Exec(ctx, `
		INSERT INTO products (id, title, price, weight, stock, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title, price = EXCLUDED.price, weight = EXCLUDED.weight,
			stock = EXCLUDED.stock, status = EXCLUDED.status`,
		p.ID, p.Title, p.Price, p.Weight, p.Stock, string(status))
	if err != nil {
		return fmt.Errorf("catalog: put: %w", err)
	}
	return nil
}
