package notification

import (
	"context"
	"fmt"
	"strings"

	"github.com/Zhima-Mochi/fulfillment-engine/internal/application"
	domain "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/outbox"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/observability"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/observability/logctx"
)

const componentOutbox = "notification-outbox"

// Outbox is the producer side of the notification queue.
type Outbox struct {
	repo domain.Repository
	now  application.Clock
	log  observability.Logger
}

func NewOutbox(repo domain.Repository, tel observability.Observability, clock application.Clock) *Outbox {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Outbox{
		repo: repo,
		now:  application.ClockOr(clock),
		log:  tel.Logger().With(observability.F("component", componentOutbox)),
	}
}

// Enqueue stores a PENDING message. A non-empty key that was already used
// makes the call a silent no-op.
func (o *Outbox) Enqueue(ctx context.Context, eventType domain.EventType, payload any, key string) error {
	logger := logctx.FromOr(ctx, o.log).With(observability.F("event_type", string(eventType)))
	key = strings.TrimSpace(key)

	if key != "" {
		exists, err := o.repo.ExistsByKey(ctx, key)
		if err != nil {
			return fmt.Errorf("outbox lookup: %w", err)
		}
		if exists {
			logger.Debug("outbox_enqueue_deduplicated", observability.F("idempotency_key", key))
			return nil
		}
	}

	body, err := domain.Encode(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	inserted, err := o.repo.Insert(ctx, domain.NewMessage(eventType, body, key, o.now()))
	if err != nil {
		return fmt.Errorf("outbox insert: %w", err)
	}
	if !inserted {
		logger.Debug("outbox_enqueue_deduplicated", observability.F("idempotency_key", key))
		return nil
	}
	logger.Debug("outbox_enqueued")
	return nil
}
