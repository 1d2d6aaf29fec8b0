package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/Zhima-Mochi/fulfillment-engine/internal/application"
	domorder "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/order"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/observability"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/observability/logctx"
)

const componentReconciliation = "order-reconciliation"

// Timeouts is the order engine path for closed payment windows.
type Timeouts interface {
	HandlePaymentTimeout(ctx context.Context, orderID int64) error
}

// Payments fails the newest pending transaction of an order.
type Payments interface {
	FailLatest(ctx context.Context, orderID int64) error
}

// Scheduler holds the two reconciliation sweeps. Both are safe to run from
// several instances at once: every order transition is guarded by its own
// unit of work.
type Scheduler struct {
	orders    domorder.Repository
	timeouts  Timeouts
	payments  Payments
	retention time.Duration
	now       application.Clock
	log       observability.Logger
	counter   observability.Counter
}

func NewScheduler(
	orders domorder.Repository,
	timeouts Timeouts,
	payments Payments,
	retention time.Duration,
	tel observability.Observability,
	clock application.Clock,
) *Scheduler {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Scheduler{
		orders:    orders,
		timeouts:  timeouts,
		payments:  payments,
		retention: retention,
		now:       application.ClockOr(clock),
		log:       tel.Logger().With(observability.F("component", componentReconciliation)),
		counter:   tel.Metrics().Counter(observability.MReconciliationOrders),
	}
}

type ExpiryResult struct {
	Scanned int
	Expired int
	Failed  int
}

// ExpireOrders fails every pending order whose payment window has closed.
// A failing order is logged and does not stop the sweep.
func (s *Scheduler) ExpireOrders(ctx context.Context) (ExpiryResult, error) {
	logger := logctx.FromOr(ctx, s.log)
	expired, err := s.orders.ListExpired(ctx, s.now())
	if err != nil {
		return ExpiryResult{}, fmt.Errorf("list expired orders: %w", err)
	}

	res := ExpiryResult{Scanned: len(expired)}
	for _, o := range expired {
		if err := s.expire(ctx, o.ID); err != nil {
			res.Failed++
			s.counter.Add(1, observability.L("sweep", "expiry"), observability.L("outcome", "error"))
			logger.Error("order_expiry_failed",
				observability.F("order_id", o.ID),
				observability.F("error", err),
			)
			continue
		}
		res.Expired++
		s.counter.Add(1, observability.L("sweep", "expiry"), observability.L("outcome", "expired"))
	}
	if res.Scanned > 0 {
		logger.Info("order_expiry_sweep_done",
			observability.F("scanned", res.Scanned),
			observability.F("expired", res.Expired),
			observability.F("failed", res.Failed),
		)
	}
	return res, nil
}

func (s *Scheduler) expire(ctx context.Context, orderID int64) error {
	if err := s.timeouts.HandlePaymentTimeout(ctx, orderID); err != nil {
		return err
	}
	return s.payments.FailLatest(ctx, orderID)
}

var terminalStatuses = []domorder.Status{domorder.StatusFailed, domorder.StatusCancelled}

// CleanupOrders reports terminal orders older than the retention window.
// Rows are kept; archival is left to operators.
func (s *Scheduler) CleanupOrders(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.retention)
	n, err := s.orders.CountUpdatedBefore(ctx, terminalStatuses, cutoff)
	if err != nil {
		return 0, fmt.Errorf("count terminal orders: %w", err)
	}
	s.counter.Add(float64(n), observability.L("sweep", "cleanup"), observability.L("outcome", "eligible"))
	logctx.FromOr(ctx, s.log).Info("order_cleanup_sweep_done",
		observability.F("eligible", n),
		observability.F("cutoff", cutoff.Format(time.RFC3339)),
	)
	return n, nil
}
