package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Zhima-Mochi/fulfillment-engine/internal/application"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/apperr"
	domorder "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/order"
	domoutbox "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/outbox"
	domain "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/payment"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/observability"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

const (
	paymentService = "payment-service"

	useCaseCreate        = "payment.create"
	useCaseMarkCaptured  = "payment.mark_captured"
	useCaseCaptureLatest = "payment.capture_latest"
	useCaseCancel        = "payment.cancel"
	useCaseRefresh       = "payment.refresh_status"
	useCaseAbandon       = "payment.abandon_latest"

	defaultCancelReason = "User cancelled"
)

var ErrRepository = errors.New("payment: repository failure")

// Service orchestrates payment transactions across provider adapters.
type Service struct {
	tx       application.TxManager
	orders   domorder.Repository
	repo     domain.Repository
	gateways map[domain.Provider]domain.Gateway
	hooks    OrderHooks
	outbox   Enqueuer
	now      application.Clock
	ins      *application.Instrumentation

	// captures collapses concurrent captures of one transaction so the
	// provider is asked at most once per in-flight request.
	captures singleflight.Group
}

type Option func(*Service)

func WithClock(c application.Clock) Option { return func(s *Service) { s.now = application.ClockOr(c) } }

// WithGateway registers a provider adapter.
func WithGateway(g domain.Gateway) Option {
	return func(s *Service) { s.gateways[g.Provider()] = g }
}

func NewService(
	tx application.TxManager,
	orders domorder.Repository,
	repo domain.Repository,
	outbox Enqueuer,
	tel observability.Observability,
	opts ...Option,
) *Service {
	s := &Service{
		tx:       tx,
		orders:   orders,
		repo:     repo,
		gateways: make(map[domain.Provider]domain.Gateway),
		outbox:   outbox,
		now:      application.SystemClock,
		ins:      application.NewInstrumentation(tel, paymentService),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetOrderHooks closes the cycle between the order engine and payments.
func (s *Service) SetOrderHooks(h OrderHooks) { s.hooks = h }

type CreatePaymentInput struct {
	OrderID  int64
	Provider domain.Provider
	// Amount is ignored for VIETQR and defaults to the order total.
	Amount    decimal.NullDecimal
	Currency  string
	ReturnURL string
	CancelURL string
}

type Result struct {
	TransactionID     int64
	Provider          domain.Provider
	Status            domain.Status
	ApprovalURL       string
	CaptureURL        string
	QRContent         string
	ProviderReference string
}

func resultOf(tx *domain.Transaction) *Result {
	if tx == nil {
		return nil
	}
	return &Result{
		TransactionID:     tx.ID,
		Provider:          tx.Provider,
		Status:            tx.Status,
		QRContent:         tx.QRContent,
		ProviderReference: tx.ProviderReference,
	}
}

// CreatePayment opens a payment for the order, reusing the latest pending
// transaction when amount and provider are unchanged.
func (s *Service) CreatePayment(ctx context.Context, in CreatePaymentInput) (_ *Result, err error) {
	ctx, run := s.ins.Start(ctx, useCaseCreate, "CreatePayment",
		attribute.Int64("order.id", in.OrderID),
		attribute.String("payment.provider", string(in.Provider)),
	)
	defer func() { run.End(err) }()

	if in.Provider == "" {
		in.Provider = domain.ProviderVietQR
	}
	gateway, ok := s.gateways[in.Provider]
	if !ok {
		run.Fail("PROVIDER_UNSUPPORTED")
		return nil, apperr.Validation(fmt.Sprintf("Unsupported payment provider: %s", in.Provider))
	}

	var tx *domain.Transaction
	var reused bool
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		order, err := s.orders.Get(ctx, in.OrderID)
		if err != nil {
			return orderLookupError(in.OrderID, err)
		}

		amount := order.Total
		if in.Provider != domain.ProviderVietQR && in.Amount.Valid {
			amount = in.Amount.Decimal
		}

		latest, err := s.latest(ctx, in.OrderID)
		if err != nil {
			return err
		}
		if latest.Reusable(amount, in.Provider) {
			tx, reused = latest, true
			return nil
		}

		now := s.now()
		tx = &domain.Transaction{
			OrderID:           in.OrderID,
			Provider:          in.Provider,
			Status:            domain.StatusPending,
			Amount:            amount,
			Currency:          in.Currency,
			ProviderReference: uuid.NewString(),
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		return wrapRepositoryError(s.repo.Insert(ctx, tx))
	})
	if err != nil {
		return nil, err
	}
	run.Span().SetAttributes(attribute.Int64("payment.transaction_id", tx.ID))
	if reused {
		run.Status("REUSED")
		return resultOf(tx), nil
	}

	start := time.Now()
	intent, initErr := gateway.Initiate(ctx, domain.InitiateRequest{
		OrderID:     in.OrderID,
		Transaction: tx.Clone(),
		Amount:      tx.Amount,
		Currency:    tx.Currency,
		ReturnURL:   in.ReturnURL,
		CancelURL:   in.CancelURL,
	})
	s.ins.External(string(in.Provider), "initiate", start, initErr)

	if initErr != nil {
		run.Fail("PROVIDER_INITIATE_FAILED")
		tx.MarkFailed(s.now())
		if saveErr := s.repo.Update(ctx, tx); saveErr != nil {
			run.Field("save_error", saveErr.Error())
		}
		return nil, apperr.Provider(string(in.Provider), initErr)
	}

	if intent.ProviderReference != "" {
		tx.ProviderReference = intent.ProviderReference
	}
	if intent.CaptureID != "" {
		tx.CaptureID = intent.CaptureID
	}
	tx.QRContent = intent.QRContent
	tx.UpdatedAt = s.now()
	if err := s.repo.Update(ctx, tx); err != nil {
		run.Fail("REPO_UPDATE_FAILED")
		return nil, wrapRepositoryError(err)
	}

	res := resultOf(tx)
	res.ApprovalURL = intent.ApprovalURL
	res.CaptureURL = intent.CaptureURL
	return res, nil
}

// MarkCaptured finalises a transaction, calling the provider's capture API
// where one exists. Already captured transactions are returned unchanged and
// concurrent calls for one transaction share a single provider capture.
func (s *Service) MarkCaptured(ctx context.Context, txID int64, providerRef string) (_ *Result, err error) {
	ctx, run := s.ins.Start(ctx, useCaseMarkCaptured, "MarkCaptured",
		attribute.Int64("payment.transaction_id", txID),
	)
	defer func() { run.End(err) }()

	v, err, _ := s.captures.Do(strconv.FormatInt(txID, 10), func() (any, error) {
		return s.capture(ctx, run, txID, providerRef)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// capture re-reads the transaction inside the flight, so a caller arriving
// after a completed capture sees SUCCESSFUL and never reaches the provider.
func (s *Service) capture(ctx context.Context, run *application.Run, txID int64, providerRef string) (*Result, error) {
	tx, err := s.repo.Get(ctx, txID)
	if err != nil {
		return nil, transactionLookupError(err)
	}
	if tx.Successful() {
		run.Status("ALREADY_CAPTURED")
		return resultOf(tx), nil
	}

	reference := tx.ProviderReference
	if providerRef != "" {
		reference = providerRef
	}
	captureID := providerRef
	if gateway, ok := s.gateways[tx.Provider]; ok {
		start := time.Now()
		captured, capErr := gateway.Capture(ctx, reference)
		s.ins.External(string(tx.Provider), "capture", start, capErr)
		if capErr != nil {
			run.Fail("PROVIDER_CAPTURE_FAILED")
			return nil, apperr.Provider(string(tx.Provider), capErr)
		}
		if captured.CaptureID != "" {
			captureID = captured.CaptureID
		}
	}

	return s.settle(ctx, run, func(context.Context) (int64, error) { return txID, nil }, providerRef, captureID)
}

type CaptureLatestInput struct {
	OrderID           int64
	ProviderReference string
	CaptureID         string
}

// CaptureLatestForOrder records a capture the provider already completed on
// the newest transaction of the order.
func (s *Service) CaptureLatestForOrder(ctx context.Context, in CaptureLatestInput) (_ *Result, err error) {
	ctx, run := s.ins.Start(ctx, useCaseCaptureLatest, "CaptureLatestForOrder",
		attribute.Int64("order.id", in.OrderID),
	)
	defer func() { run.End(err) }()

	return s.settle(ctx, run, func(ctx context.Context) (int64, error) {
		latest, err := s.latest(ctx, in.OrderID)
		if err != nil {
			return 0, err
		}
		if latest == nil {
			return 0, apperr.NotFound("Transaction not found for order: %d", in.OrderID)
		}
		return latest.ID, nil
	}, in.ProviderReference, in.CaptureID)
}

// settle marks the resolved transaction SUCCESSFUL, moves the order to PAID
// and queues the payment confirmation.
func (s *Service) settle(
	ctx context.Context,
	run *application.Run,
	resolve func(ctx context.Context) (int64, error),
	providerRef, captureID string,
) (*Result, error) {
	var tx *domain.Transaction
	var transitioned bool
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		id, err := resolve(ctx)
		if err != nil {
			return err
		}
		tx, err = s.repo.Get(ctx, id)
		if err != nil {
			return transactionLookupError(err)
		}
		if tx.Successful() {
			return nil
		}
		now := s.now()
		tx.RecordWebhook(providerRef, captureID, now)
		tx.MarkSuccessful(now)
		transitioned = true
		return wrapRepositoryError(s.repo.Update(ctx, tx))
	})
	if err != nil {
		return nil, err
	}
	run.Span().SetAttributes(attribute.Int64("payment.transaction_id", tx.ID))
	if !transitioned {
		run.Status("ALREADY_CAPTURED")
	}

	if s.hooks != nil {
		if hookErr := s.hooks.HandlePaymentCaptured(ctx, tx.OrderID); hookErr != nil {
			run.Logger().Warn("order_capture_hook_failed",
				observability.F("order_id", tx.OrderID),
				observability.F("error", hookErr),
			)
		}
	}
	s.notifyPaymentSuccess(ctx, run, tx)
	return resultOf(tx), nil
}

func (s *Service) notifyPaymentSuccess(ctx context.Context, run *application.Run, tx *domain.Transaction) {
	if s.outbox == nil {
		return
	}
	key := fmt.Sprintf("order-payment-success:%d:%d", tx.OrderID, tx.ID)
	payload := domoutbox.OrderPaymentSuccess{OrderID: tx.OrderID, TransactionID: tx.ID}
	if err := s.outbox.Enqueue(ctx, domoutbox.EventOrderPaymentSuccess, payload, key); err != nil {
		run.Logger().Warn("payment_notification_enqueue_failed",
			observability.F("order_id", tx.OrderID),
			observability.F("error", err),
		)
	}
}

// CancelTransaction voids a transaction that has not been captured.
func (s *Service) CancelTransaction(ctx context.Context, txID int64, reason string) (_ *Result, err error) {
	ctx, run := s.ins.Start(ctx, useCaseCancel, "CancelTransaction",
		attribute.Int64("payment.transaction_id", txID),
	)
	defer func() { run.End(err) }()

	tx, err := s.repo.Get(ctx, txID)
	if err != nil {
		return nil, transactionLookupError(err)
	}
	if tx.Successful() {
		run.Fail("ALREADY_CAPTURED")
		return nil, apperr.Business("Cannot cancel captured transaction")
	}

	if reason == "" {
		reason = defaultCancelReason
	}
	if canceller, ok := s.gateways[tx.Provider].(domain.Canceller); ok {
		start := time.Now()
		cancelErr := canceller.Cancel(ctx, tx, reason)
		s.ins.External(string(tx.Provider), "cancel", start, cancelErr)
		if cancelErr != nil {
			run.Logger().Warn("provider_cancel_failed",
				observability.F("transaction_id", tx.ID),
				observability.F("error", cancelErr),
			)
		}
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		current, err := s.repo.Get(ctx, txID)
		if err != nil {
			return transactionLookupError(err)
		}
		if !current.MarkFailed(s.now()) {
			return apperr.Business("Cannot cancel captured transaction")
		}
		tx = current
		return wrapRepositoryError(s.repo.Update(ctx, current))
	})
	if err != nil {
		return nil, err
	}
	return resultOf(tx), nil
}

// RefreshStatus polls the provider for transactions that settle out of band.
func (s *Service) RefreshStatus(ctx context.Context, txID int64) (_ *Result, err error) {
	ctx, run := s.ins.Start(ctx, useCaseRefresh, "RefreshStatus",
		attribute.Int64("payment.transaction_id", txID),
	)
	defer func() { run.End(err) }()

	tx, err := s.repo.Get(ctx, txID)
	if err != nil {
		return nil, transactionLookupError(err)
	}
	if tx.Successful() {
		run.Status("ALREADY_CAPTURED")
		return resultOf(tx), nil
	}
	checker, ok := s.gateways[tx.Provider].(domain.StatusChecker)
	if !ok {
		run.Status("UNSUPPORTED")
		return resultOf(tx), nil
	}

	start := time.Now()
	remote, err := checker.RemoteStatus(ctx, tx)
	s.ins.External(string(tx.Provider), "status", start, err)
	if err != nil {
		return nil, apperr.Provider(string(tx.Provider), err)
	}
	run.Field("remote_status", string(remote))

	switch remote {
	case domain.StatusSuccessful:
		return s.settle(ctx, run, func(context.Context) (int64, error) { return txID, nil }, "", "")
	case domain.StatusFailed:
		failed, err := s.failTransaction(ctx, txID)
		if err != nil {
			return nil, err
		}
		return resultOf(failed), nil
	default:
		return resultOf(tx), nil
	}
}

type AbandonReason string

const (
	AbandonTimeout       AbandonReason = "timeout"
	AbandonUserCancelled AbandonReason = "user_cancelled"
)

// AbandonLatest fails the newest transaction of the order and runs the
// matching order hook.
func (s *Service) AbandonLatest(ctx context.Context, orderID int64, reason AbandonReason) (_ *Result, err error) {
	ctx, run := s.ins.Start(ctx, useCaseAbandon, "AbandonLatest",
		attribute.Int64("order.id", orderID),
		attribute.String("payment.abandon_reason", string(reason)),
	)
	defer func() { run.End(err) }()

	latest, err := s.latest(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		run.Fail("TRANSACTION_NOT_FOUND")
		return nil, apperr.NotFound("Transaction not found for order: %d", orderID)
	}
	failed, err := s.failTransaction(ctx, latest.ID)
	if err != nil {
		return nil, err
	}

	if s.hooks != nil {
		var hookErr error
		if reason == AbandonUserCancelled {
			hookErr = s.hooks.HandleUserCancelled(ctx, orderID)
		} else {
			hookErr = s.hooks.HandlePaymentTimeout(ctx, orderID)
		}
		if hookErr != nil {
			run.Logger().Warn("order_abandon_hook_failed",
				observability.F("order_id", orderID),
				observability.F("error", hookErr),
			)
		}
	}
	return resultOf(failed), nil
}

// FailLatest marks the newest transaction of the order FAILED unless it was
// captured. Orders without transactions are ignored.
func (s *Service) FailLatest(ctx context.Context, orderID int64) error {
	latest, err := s.latest(ctx, orderID)
	if err != nil || latest == nil {
		return err
	}
	if latest.Status != domain.StatusPending {
		return nil
	}
	_, err = s.failTransaction(ctx, latest.ID)
	return err
}

// Latest returns the newest transaction of the order, or nil.
func (s *Service) Latest(ctx context.Context, orderID int64) (*Result, error) {
	latest, err := s.latest(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return resultOf(latest), nil
}

func (s *Service) failTransaction(ctx context.Context, txID int64) (*domain.Transaction, error) {
	var tx *domain.Transaction
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		current, err := s.repo.Get(ctx, txID)
		if err != nil {
			return transactionLookupError(err)
		}
		tx = current
		if !current.MarkFailed(s.now()) {
			return nil
		}
		return wrapRepositoryError(s.repo.Update(ctx, current))
	})
	return tx, err
}

func (s *Service) latest(ctx context.Context, orderID int64) (*domain.Transaction, error) {
	tx, err := s.repo.LatestForOrder(ctx, orderID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapRepositoryError(err)
	}
	return tx, nil
}

func orderLookupError(id int64, err error) error {
	if errors.Is(err, domorder.ErrNotFound) {
		return apperr.NotFound("Order not found: %d", id)
	}
	return wrapRepositoryError(err)
}

func transactionLookupError(err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return apperr.NotFound("Transaction not found")
	}
	return wrapRepositoryError(err)
}

func wrapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrConflict) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrRepository, err)
}
