package payment

import (
	"context"

	domoutbox "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/outbox"
)

// OrderHooks are the order lifecycle reactions to payment outcomes.
type OrderHooks interface {
	HandlePaymentCaptured(ctx context.Context, orderID int64) error
	HandlePaymentTimeout(ctx context.Context, orderID int64) error
	HandleUserCancelled(ctx context.Context, orderID int64) error
}

// Enqueuer records a notification in the outbox.
type Enqueuer interface {
	Enqueue(ctx context.Context, eventType domoutbox.EventType, payload any, key string) error
}
