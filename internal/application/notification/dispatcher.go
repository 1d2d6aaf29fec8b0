package notification

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Zhima-Mochi/fulfillment-engine/internal/application"
	domain "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/outbox"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/observability"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/observability/logctx"
)

const componentDispatcher = "notification-dispatcher"

const (
	outcomeSent      = "sent"
	outcomeRetry     = "retry"
	outcomeExhausted = "exhausted"
)

type DispatcherConfig struct {
	BatchSize      int
	MaxAttempts    int
	RetryBackoff   time.Duration
	ClaimLease     time.Duration
	Workers        int
	HandlerTimeout time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 5 * time.Minute
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = 2 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	return c
}

// Dispatcher is the consumer side of the outbox. Several dispatchers may
// poll the same store; the claim lease keeps their batches disjoint.
type Dispatcher struct {
	repo     domain.Repository
	cfg      DispatcherConfig
	now      application.Clock
	log      observability.Logger
	counter  observability.Counter
	mu       sync.RWMutex
	handlers map[domain.EventType]domain.Handler
}

func NewDispatcher(repo domain.Repository, cfg DispatcherConfig, tel observability.Observability, clock application.Clock) *Dispatcher {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Dispatcher{
		repo:     repo,
		cfg:      cfg.withDefaults(),
		now:      application.ClockOr(clock),
		log:      tel.Logger().With(observability.F("component", componentDispatcher)),
		counter:  tel.Metrics().Counter(observability.MOutboxDispatched),
		handlers: make(map[domain.EventType]domain.Handler),
	}
}

// Handle registers the delivery action of an event type.
func (d *Dispatcher) Handle(eventType domain.EventType, h domain.Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = h
}

type Stats struct {
	Claimed   int
	Sent      int
	Retried   int
	Exhausted int
}

// DispatchPending claims one batch of due messages and delivers it.
func (d *Dispatcher) DispatchPending(ctx context.Context) (Stats, error) {
	logger := logctx.FromOr(ctx, d.log)
	batch, err := d.repo.ClaimDue(ctx, d.cfg.BatchSize, d.now(), d.cfg.ClaimLease)
	if err != nil {
		return Stats{}, fmt.Errorf("claim outbox batch: %w", err)
	}
	stats := Stats{Claimed: len(batch)}
	if len(batch) == 0 {
		return stats, nil
	}

	ctx = logctx.With(context.WithoutCancel(ctx), logger)
	sem := make(chan struct{}, d.cfg.Workers)
	outcomes := make([]string, len(batch))
	var wg sync.WaitGroup

	for i, m := range batch {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() {
				<-sem
				wg.Done()
			}()
			outcomes[i] = d.process(ctx, m)
		}()
	}
	wg.Wait()

	for _, o := range outcomes {
		switch o {
		case outcomeSent:
			stats.Sent++
		case outcomeRetry:
			stats.Retried++
		case outcomeExhausted:
			stats.Exhausted++
		}
	}
	logger.Debug("outbox_batch_dispatched",
		observability.F("claimed", stats.Claimed),
		observability.F("sent", stats.Sent),
		observability.F("retried", stats.Retried),
		observability.F("exhausted", stats.Exhausted),
	)
	return stats, nil
}

func (d *Dispatcher) process(ctx context.Context, m *domain.Message) string {
	logger := logctx.FromOr(ctx, d.log).With(
		observability.F("outbox_id", m.ID),
		observability.F("event_type", string(m.EventType)),
		observability.F("attempts", m.Attempts),
	)
	ctx = logctx.With(ctx, logger)

	var outcome string
	if m.Exhausted(d.cfg.MaxAttempts) {
		m.MarkExhausted()
		outcome = outcomeExhausted
	} else if err := d.deliver(ctx, m); err != nil {
		m.MarkAttemptFailed(err, d.now(), d.cfg.RetryBackoff)
		outcome = outcomeRetry
		logger.Warn("outbox_delivery_failed",
			observability.F("error", err),
			observability.F("next_retry_at", *m.NextRetryAt),
		)
	} else {
		m.MarkSent(d.now())
		outcome = outcomeSent
	}

	if err := d.repo.Update(ctx, m); err != nil {
		logger.Error("outbox_update_failed", observability.F("error", err))
	}
	d.counter.Add(1,
		observability.L("event_type", string(m.EventType)),
		observability.L("outcome", outcome),
	)
	return outcome
}

// deliver runs the registered handler with a timeout and turns a panic into
// an ordinary delivery failure.
func (d *Dispatcher) deliver(ctx context.Context, m *domain.Message) (err error) {
	d.mu.RLock()
	h, ok := d.handlers[m.EventType]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler for event type %s", m.EventType)
	}

	defer func() {
		if r := recover(); r != nil {
			logctx.FromOr(ctx, d.log).Error("outbox_handler_panic",
				observability.F("panic", r),
				observability.F("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, d.cfg.HandlerTimeout)
	defer cancel()
	return h(ctx, m)
}
