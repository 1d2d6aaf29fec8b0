package order

import (
	"context"
	"fmt"
	"time"

	"github.com/Zhima-Mochi/fulfillment-engine/internal/application"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/apperr"
	domain "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/order"
	domoutbox "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/outbox"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/observability"

	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100

	templateOrderConfirmation = "ORDER_CONFIRMATION"
	templateOrderRejected     = "ORDER_REJECTED"
)

type Page struct {
	Items []Summary
	Page  int
	Size  int
	Total int
}

// ListPending returns the review queue, oldest first. Pages start at 0.
func (s *Service) ListPending(ctx context.Context, page, size int) (_ *Page, err error) {
	ctx, run := s.ins.Start(ctx, useCaseListPending, "ListPending")
	defer func() { run.End(err) }()

	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}

	orders, total, err := s.orders.ListByStatus(ctx, domain.StatusPendingProcessing, page, size)
	if err != nil {
		return nil, wrapRepositoryError(err)
	}
	out := &Page{Page: page, Size: size, Total: total, Items: make([]Summary, 0, len(orders))}
	for _, o := range orders {
		out.Items = append(out.Items, summaryOf(o))
	}
	run.Field("returned", len(out.Items))
	return out, nil
}

// Approve accepts a pending order after manual review.
func (s *Service) Approve(ctx context.Context, id int64) (_ *Summary, err error) {
	ctx, run := s.ins.Start(ctx, useCaseApprove, "Approve", attribute.Int64("order.id", id))
	defer func() { run.End(err) }()

	o, err := s.review(ctx, id, (*domain.Order).Approve)
	if err != nil {
		return nil, err
	}
	s.notifyReview(ctx, run, o, fmt.Sprintf("order-approved:%d", o.ID), domoutbox.RawEmail{
		To:           o.CustomerEmail,
		Subject:      "Order approved",
		Body:         "Your order has been approved.",
		TemplateType: templateOrderConfirmation,
	})
	sum := summaryOf(o)
	return &sum, nil
}

// Reject declines a pending order after manual review.
func (s *Service) Reject(ctx context.Context, id int64, reason string) (_ *Summary, err error) {
	ctx, run := s.ins.Start(ctx, useCaseReject, "Reject", attribute.Int64("order.id", id))
	defer func() { run.End(err) }()

	o, err := s.review(ctx, id, (*domain.Order).Reject)
	if err != nil {
		return nil, err
	}
	body := reason
	if body == "" {
		body = "Order rejected"
	}
	s.notifyReview(ctx, run, o, fmt.Sprintf("order-rejected:%d", o.ID), domoutbox.RawEmail{
		To:           o.CustomerEmail,
		Subject:      "Order rejected",
		Body:         body,
		TemplateType: templateOrderRejected,
	})
	sum := summaryOf(o)
	return &sum, nil
}

func (s *Service) review(ctx context.Context, id int64, decide func(*domain.Order, time.Time) error) (*domain.Order, error) {
	var order *domain.Order
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		o, err := s.orders.Get(ctx, id)
		if err != nil {
			return lookupError(id, err)
		}
		if o.Status != domain.StatusPendingProcessing {
			return apperr.Business("Only pending orders can be reviewed, current status: %s", o.Status)
		}
		if err := decide(o, s.now()); err != nil {
			return err
		}
		order = o
		return wrapRepositoryError(s.orders.Update(ctx, o))
	})
	return order, err
}

func (s *Service) notifyReview(ctx context.Context, run *application.Run, o *domain.Order, key string, email domoutbox.RawEmail) {
	if s.outbox == nil || o.CustomerEmail == "" {
		return
	}
	if err := s.outbox.Enqueue(ctx, domoutbox.EventRawEmail, email, key); err != nil {
		run.Logger().Warn("review_notification_enqueue_failed",
			observability.F("order_id", o.ID),
			observability.F("error", err),
		)
	}
}
