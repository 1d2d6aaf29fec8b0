package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	domain "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/outbox"
	"github.com/jackc/pgx/v5"
)

type OutboxRepository struct{ s *Store }

const messageColumns = `id, event_type, payload, status, attempts, next_retry_at, idempotency_key,
	error_message, created_at, processed_at`

// Insert relies on the unique idempotency key; a concurrent duplicate is
// reported as not inserted rather than as an error.
func (r *OutboxRepository) Insert(ctx context.Context, m *domain.Message) (bool, error) {
	if m == nil {
		return false, fmt.Errorf("outbox repository: message is required")
	}
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return false, fmt.Errorf("outbox repository: encode payload: %w", err)
	}
	err = r.s.q(ctx).QueryRow(ctx, `
		INSERT INTO notification_outbox (event_type, payload, status, attempts, next_retry_at,
			idempotency_key, error_message, created_at, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id`,
		string(m.EventType), payload, string(m.Status), m.Attempts, m.NextRetryAt,
		nullString(m.IdempotencyKey), nullString(m.ErrorMessage), m.CreatedAt, m.ProcessedAt,
	).Scan(&m.ID)
	switch {
	case errors.Is(err, pgx.ErrNoRows), isUniqueViolation(err):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("outbox repository: insert: %w", err)
	}
	return true, nil
}

func (r *OutboxRepository) ExistsByKey(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := r.s.q(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM notification_outbox WHERE idempotency_key = $1)`, key,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("outbox repository: exists: %w", err)
	}
	return exists, nil
}

// ClaimDue leases due rows with SKIP LOCKED so concurrent dispatchers take
// disjoint batches, then returns them in creation order.
func (r *OutboxRepository) ClaimDue(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]*domain.Message, error) {
	rows, err := r.s.q(ctx).Query(ctx, `
		WITH due AS (
			SELECT id FROM notification_outbox
			WHERE (status = $1 AND (next_retry_at IS NULL OR next_retry_at <= $3))
			   OR (status = $2 AND next_retry_at IS NOT NULL AND next_retry_at <= $3)
			ORDER BY created_at, id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		UPDATE notification_outbox o SET next_retry_at = $5
		FROM due WHERE o.id = due.id
		RETURNING o.id, o.event_type, o.payload, o.status, o.attempts, o.next_retry_at, o.idempotency_key,
			o.error_message, o.created_at, o.processed_at`,
		string(domain.StatusPending), string(domain.StatusFailed), now, limit, now.Add(lease))
	if err != nil {
		return nil, fmt.Errorf("outbox repository: claim: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("outbox repository: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox repository: claim: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *OutboxRepository) Update(ctx context.Context, m *domain.Message) error {
	if m == nil || m.ID == 0 {
		return fmt.Errorf("outbox repository: id is required")
	}
	tag, err := r.s.q(ctx).Exec(ctx, `
		UPDATE notification_outbox SET status = $2, attempts = $3, next_retry_at = $4,
			error_message = $5, processed_at = $6
		WHERE id = $1`,
		m.ID, string(m.Status), m.Attempts, m.NextRetryAt, nullString(m.ErrorMessage), m.ProcessedAt)
	if err != nil {
		return fmt.Errorf("outbox repository: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *OutboxRepository) Get(ctx context.Context, id int64) (*domain.Message, error) {
	m, err := scanMessage(r.s.q(ctx).QueryRow(ctx, `SELECT `+messageColumns+` FROM notification_outbox WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("outbox repository: get: %w", err)
	}
	return m, nil
}

func scanMessage(row pgx.Row) (*domain.Message, error) {
	var (
		m                 domain.Message
		eventType, status string
		payload           []byte
		key, errMsg       *string
	)
	if err := row.Scan(&m.ID, &eventType, &payload, &status, &m.Attempts, &m.NextRetryAt, &key,
		&errMsg, &m.CreatedAt, &m.ProcessedAt); err != nil {
		return nil, err
	}
	m.EventType = domain.EventType(eventType)
	m.Status = domain.Status(status)
	if key != nil {
		m.IdempotencyKey = *key
	}
	if errMsg != nil {
		m.ErrorMessage = *errMsg
	}
	m.Payload = map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &m.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	return &m, nil
}
