package postgres

import (
	"context"
	"errors"
	"fmt"

	domain "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/payment"
	"github.com/jackc/pgx/v5"
)

type PaymentRepository struct{ s *Store }

const transactionColumns = `id, order_id, provider, status, amount, currency, provider_reference,
	capture_id, qr_content, webhook_received_at, created_at, updated_at`

func (r *PaymentRepository) Insert(ctx context.Context, tx *domain.Transaction) error {
	if tx == nil {
		return fmt.Errorf("payment repository: transaction is required")
	}
	err := r.s.q(ctx).QueryRow(ctx, `
		INSERT INTO payment_transactions (order_id, provider, status, amount, currency, provider_reference,
			capture_id, qr_content, webhook_received_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		tx.OrderID, string(tx.Provider), string(tx.Status), tx.Amount, tx.Currency, tx.ProviderReference,
		tx.CaptureID, tx.QRContent, tx.WebhookReceivedAt, tx.CreatedAt, updatedAt(tx.UpdatedAt, tx.CreatedAt),
	).Scan(&tx.ID)
	if err != nil {
		return fmt.Errorf("payment repository: insert: %w", err)
	}
	return nil
}

func (r *PaymentRepository) Update(ctx context.Context, tx *domain.Transaction) error {
	if tx == nil || tx.ID == 0 {
		return fmt.Errorf("payment repository: id is required")
	}
	tag, err := r.s.q(ctx).Exec(ctx, `
		UPDATE payment_transactions SET provider = $2, status = $3, amount = $4, currency = $5,
			provider_reference = $6, capture_id = $7, qr_content = $8, webhook_received_at = $9, updated_at = $10
		WHERE id = $1`,
		tx.ID, string(tx.Provider), string(tx.Status), tx.Amount, tx.Currency,
		tx.ProviderReference, tx.CaptureID, tx.QRContent, tx.WebhookReceivedAt, updatedAt(tx.UpdatedAt, tx.CreatedAt))
	if err != nil {
		return fmt.Errorf("payment repository: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *PaymentRepository) Get(ctx context.Context, id int64) (*domain.Transaction, error) {
	return r.one(ctx, `SELECT `+transactionColumns+` FROM payment_transactions WHERE id = $1`+lockClause(ctx), id)
}

func (r *PaymentRepository) LatestForOrder(ctx context.Context, orderID int64) (*domain.Transaction, error) {
	return r.one(ctx, `
		SELECT `+transactionColumns+` FROM payment_transactions
		WHERE order_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, orderID)
}

func (r *PaymentRepository) LatestByCaptureID(ctx context.Context, captureID string) (*domain.Transaction, error) {
	if captureID == "" {
		return nil, domain.ErrNotFound
	}
	return r.one(ctx, `
		SELECT `+transactionColumns+` FROM payment_transactions
		WHERE capture_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, captureID)
}

func (r *PaymentRepository) one(ctx context.Context, query string, args ...any) (*domain.Transaction, error) {
	var (
		tx               domain.Transaction
		provider, status string
	)
	err := r.s.q(ctx).QueryRow(ctx, query, args...).Scan(
		&tx.ID, &tx.OrderID, &provider, &status, &tx.Amount, &tx.Currency, &tx.ProviderReference,
		&tx.CaptureID, &tx.QRContent, &tx.WebhookReceivedAt, &tx.CreatedAt, &tx.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("payment repository: query: %w", err)
	}
	tx.Provider = domain.Provider(provider)
	tx.Status = domain.Status(status)
	return &tx, nil
}
