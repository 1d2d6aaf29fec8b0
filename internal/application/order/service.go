package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Zhima-Mochi/fulfillment-engine/internal/application"
	appPayment "github.com/Zhima-Mochi/fulfillment-engine/internal/application/payment"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/apperr"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/domain/cart"
	domain "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/order"
	dompayment "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/payment"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/domain/stock"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/observability"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/observability/logctx"
	"github.com/shopspring/decimal"

	"go.opentelemetry.io/otel/attribute"
)

const (
	orderService = "order-service"

	useCaseCreate         = "order.create"
	useCaseGet            = "order.get"
	useCaseCancel         = "order.cancel"
	useCaseCheckState     = "order.check_state"
	useCaseUpdateDelivery = "order.update_delivery"
	useCaseQuote          = "order.quote_shipping"
	useCaseCaptured       = "order.payment_captured"
	useCaseAbandoned      = "order.payment_abandoned"
	useCaseListPending    = "order.list_pending"
	useCaseApprove        = "order.approve"
	useCaseReject         = "order.reject"
)

var ErrRepository = errors.New("order: repository failure")

// Service is the order engine. It owns the order lifecycle and reacts to
// payment outcomes through the appPayment.OrderHooks it implements.
type Service struct {
	tx            application.TxManager
	orders        domain.Repository
	invoices      domain.InvoiceRepository
	catalog       stock.Catalog
	ledger        Ledger
	carts         cart.Store
	payments      Payments
	outbox        Enqueuer
	paymentWindow time.Duration
	now           application.Clock
	ins           *application.Instrumentation
}

var _ appPayment.OrderHooks = (*Service)(nil)

type Deps struct {
	Tx       application.TxManager
	Orders   domain.Repository
	Invoices domain.InvoiceRepository
	Catalog  stock.Catalog
	Ledger   Ledger
	Carts    cart.Store
	Payments Payments
	Outbox   Enqueuer
}

type Option func(*Service)

func WithClock(c application.Clock) Option { return func(s *Service) { s.now = application.ClockOr(c) } }

func NewService(deps Deps, paymentWindow time.Duration, tel observability.Observability, opts ...Option) *Service {
	s := &Service{
		tx:            deps.Tx,
		orders:        deps.Orders,
		invoices:      deps.Invoices,
		catalog:       deps.Catalog,
		ledger:        deps.Ledger,
		carts:         deps.Carts,
		payments:      deps.Payments,
		outbox:        deps.Outbox,
		paymentWindow: paymentWindow,
		now:           application.SystemClock,
		ins:           application.NewInstrumentation(tel, orderService),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Line is one requested product. Price is only used when the catalog has no
// current price for the product.
type Line struct {
	ProductID int64
	Quantity  int
	Price     decimal.NullDecimal
}

type Customer struct {
	Name  string
	Email string
}

type Delivery struct {
	RecipientName string
	Phone         string
	AddressLine   string
	Province      string
}

func (d Delivery) info() domain.DeliveryInfo {
	return domain.NewDeliveryInfo(d.RecipientName, d.Phone, d.AddressLine, d.Province)
}

type PaymentRequest struct {
	Provider  string
	Currency  string
	ReturnURL string
	CancelURL string
}

type CreateOrderInput struct {
	Customer Customer
	Delivery Delivery
	CartKey  string
	Lines    []Line
	Payment  PaymentRequest
}

type CreateOrderResult struct {
	Order   *View
	Payment *appPayment.Result
}

// CreateOrder reserves stock, persists the order with its ACTIVE invoice and
// opens a payment for the total.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (_ *CreateOrderResult, err error) {
	ctx, run := s.ins.Start(ctx, useCaseCreate, "CreateOrder",
		attribute.String("cart.key", in.CartKey),
		attribute.Int("order.lines", len(in.Lines)),
	)
	defer func() { run.End(err) }()

	if len(in.Lines) == 0 {
		run.Fail("EMPTY_ORDER")
		return nil, apperr.Validation("Order items must not be empty")
	}
	if err := s.carts.MarkCheckedOut(ctx, in.CartKey); err != nil {
		switch {
		case errors.Is(err, cart.ErrNotFound):
			return nil, apperr.NotFound("Cart not found for session: %s", in.CartKey)
		case errors.Is(err, cart.ErrAlreadyCheckedOut):
			run.Fail("DUPLICATE_CHECKOUT")
			return nil, apperr.Conflict("Cart already checked out for session: %s", in.CartKey)
		default:
			return nil, err
		}
	}

	var order *domain.Order
	var invoice *domain.Invoice
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		lines, prices := collapse(in.Lines)
		products, err := s.ledger.Reserve(ctx, lines)
		if err != nil {
			return err
		}

		now := s.now()
		order = &domain.Order{
			Status:         domain.StatusPendingProcessing,
			CustomerEmail:  in.Customer.Email,
			CustomerName:   in.Customer.Name,
			CartSessionKey: in.CartKey,
			ExpiresAt:      now.Add(s.paymentWindow),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		subtotal := decimal.Zero
		for _, l := range lines {
			p := products[l.ProductID]
			price, err := unitPrice(p, prices[l.ProductID])
			if err != nil {
				return err
			}
			total := price.Mul(decimal.NewFromInt(int64(l.Quantity)))
			order.Items = append(order.Items, domain.Item{
				ProductID: l.ProductID,
				Title:     p.Title,
				Quantity:  l.Quantity,
				UnitPrice: price,
				LineTotal: total,
			})
			subtotal = subtotal.Add(total)
		}

		quote := domain.NewQuote(subtotal, stock.Weight(products, stock.Aggregate(lines)), in.Delivery.Province)
		order.ApplyQuote(quote)
		if err := s.orders.Insert(ctx, order); err != nil {
			return wrapRepositoryError(err)
		}
		invoice = domain.NewInvoice(order.ID, in.Delivery.info(), quote, now)
		return wrapRepositoryError(s.invoices.Insert(ctx, invoice))
	})
	if err != nil {
		s.resetCart(ctx, run, in.CartKey)
		return nil, err
	}
	run.Span().SetAttributes(attribute.Int64("order.id", order.ID))

	result, err := s.payments.CreatePayment(ctx, appPayment.CreatePaymentInput{
		OrderID:   order.ID,
		Provider:  dompayment.ProviderOrDefault(in.Payment.Provider),
		Currency:  in.Payment.Currency,
		ReturnURL: in.Payment.ReturnURL,
		CancelURL: in.Payment.CancelURL,
	})
	if err != nil {
		run.Fail("PAYMENT_INITIATE_FAILED")
		s.compensate(ctx, run, order.ID)
		return nil, err
	}

	return &CreateOrderResult{Order: s.view(order, invoice, result), Payment: result}, nil
}

// compensate fails an order whose payment could not be opened.
func (s *Service) compensate(ctx context.Context, run *application.Run, orderID int64) {
	if _, err := s.abandon(ctx, orderID); err != nil {
		run.Logger().Error("order_compensation_failed",
			observability.F("order_id", orderID),
			observability.F("error", err),
		)
	}
}

// collapse aggregates quantities per product in first-seen order and keeps
// the first client price given for each product.
func collapse(in []Line) ([]stock.Line, map[int64]decimal.NullDecimal) {
	index := make(map[int64]int, len(in))
	prices := make(map[int64]decimal.NullDecimal, len(in))
	var lines []stock.Line
	for _, l := range in {
		if i, ok := index[l.ProductID]; ok {
			lines[i].Quantity += l.Quantity
		} else {
			index[l.ProductID] = len(lines)
			lines = append(lines, stock.Line{ProductID: l.ProductID, Quantity: l.Quantity})
		}
		if _, ok := prices[l.ProductID]; !ok && l.Price.Valid {
			prices[l.ProductID] = l.Price
		}
	}
	return lines, prices
}

func unitPrice(p *stock.Product, requested decimal.NullDecimal) (decimal.Decimal, error) {
	switch {
	case p.Price.Valid:
		return p.Price.Decimal, nil
	case requested.Valid:
		return requested.Decimal, nil
	default:
		return decimal.Zero, apperr.Business("Price is required for product: %d", p.ID)
	}
}

// GetOrder returns the order with its ACTIVE invoice and latest payment.
func (s *Service) GetOrder(ctx context.Context, id int64) (_ *View, err error) {
	ctx, run := s.ins.Start(ctx, useCaseGet, "GetOrder", attribute.Int64("order.id", id))
	defer func() { run.End(err) }()

	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, lookupError(id, err)
	}
	inv, err := s.activeInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	latest, err := s.payments.Latest(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.view(o, inv, latest), nil
}

// CancelOrder is the customer cancellation of a pending or paid order.
func (s *Service) CancelOrder(ctx context.Context, id int64) (_ *View, err error) {
	ctx, run := s.ins.Start(ctx, useCaseCancel, "CancelOrder", attribute.Int64("order.id", id))
	defer func() { run.End(err) }()

	var order *domain.Order
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		o, err := s.orders.Get(ctx, id)
		if err != nil {
			return lookupError(id, err)
		}
		if !o.CanCancel() {
			run.Fail("INVALID_STATE")
			return apperr.Business("Order cannot be cancelled in status: %s", o.Status)
		}
		if err := s.ledger.Restore(ctx, o.Lines()); err != nil {
			return err
		}
		if err := o.Cancel(s.now()); err != nil {
			return err
		}
		order = o
		return wrapRepositoryError(s.orders.Update(ctx, o))
	})
	if err != nil {
		return nil, err
	}

	s.resetCart(ctx, run, order.CartSessionKey)
	if err := s.payments.FailLatest(ctx, id); err != nil {
		run.Logger().Warn("payment_fail_latest_failed",
			observability.F("order_id", id),
			observability.F("error", err),
		)
	}
	return s.GetOrder(ctx, id)
}

type StateAction string

const (
	ActionReuse     StateAction = "REUSE"
	ActionCreateNew StateAction = "CREATE_NEW"
)

type StateResult struct {
	Action  StateAction
	OrderID int64
	Message string
}

// CheckOrderState decides whether the pending order of a cart can be reused
// for the cart's current contents.
func (s *Service) CheckOrderState(ctx context.Context, cartKey string, lines []stock.Line) (_ *StateResult, err error) {
	ctx, run := s.ins.Start(ctx, useCaseCheckState, "CheckOrderState", attribute.String("cart.key", cartKey))
	defer func() { run.End(err) }()

	if cartKey == "" {
		return &StateResult{Action: ActionCreateNew, Message: "No session key provided"}, nil
	}
	pending, err := s.orders.LatestPendingByCart(ctx, cartKey)
	if errors.Is(err, domain.ErrNotFound) {
		return &StateResult{Action: ActionCreateNew, Message: "No pending order found"}, nil
	}
	if err != nil {
		return nil, wrapRepositoryError(err)
	}

	if sameQuantities(pending.Quantities(), stock.Aggregate(lines)) {
		run.Status(string(ActionReuse))
		return &StateResult{Action: ActionReuse, OrderID: pending.ID, Message: "Cart unchanged"}, nil
	}

	if err := s.terminate(ctx, pending.ID); err != nil {
		return nil, err
	}
	s.resetCart(ctx, run, cartKey)
	run.Field("terminated_order_id", pending.ID)
	return &StateResult{Action: ActionCreateNew, OrderID: pending.ID, Message: "Cart changed, previous order terminated"}, nil
}

func sameQuantities(a, b map[int64]int) bool {
	if len(a) != len(b) {
		return false
	}
	for id, qty := range a {
		if b[id] != qty {
			return false
		}
	}
	return true
}

// terminate supersedes a stale pending order: stock restored, status
// CANCELLED and every invoice TERMINATED.
func (s *Service) terminate(ctx context.Context, id int64) error {
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		o, err := s.orders.Get(ctx, id)
		if err != nil {
			return lookupError(id, err)
		}
		if o.Status != domain.StatusPendingProcessing {
			return nil
		}
		if err := s.ledger.Restore(ctx, o.Lines()); err != nil {
			return err
		}
		now := s.now()
		if err := o.Supersede(now); err != nil {
			return err
		}
		if err := s.orders.Update(ctx, o); err != nil {
			return wrapRepositoryError(err)
		}
		return wrapRepositoryError(s.invoices.TerminateAll(ctx, id, now))
	})
}

type UpdateDeliveryInput struct {
	OrderID  int64
	Customer Customer
	Delivery Delivery
	Payment  PaymentRequest
}

// UpdateDeliveryInfo supersedes the ACTIVE invoice when the recipient
// changed and opens a new payment for the recalculated total.
func (s *Service) UpdateDeliveryInfo(ctx context.Context, in UpdateDeliveryInput) (_ *CreateOrderResult, err error) {
	ctx, run := s.ins.Start(ctx, useCaseUpdateDelivery, "UpdateDeliveryInfo", attribute.Int64("order.id", in.OrderID))
	defer func() { run.End(err) }()

	var order *domain.Order
	var invoice *domain.Invoice
	var unchanged bool
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		o, err := s.orders.Get(ctx, in.OrderID)
		if err != nil {
			return lookupError(in.OrderID, err)
		}
		if o.Status != domain.StatusPendingProcessing {
			run.Fail("INVALID_STATE")
			return apperr.Business("Order is not pending: %s", o.Status)
		}
		active, err := s.activeInvoice(ctx, o.ID)
		if err != nil {
			return err
		}
		next := in.Delivery.info()
		if active != nil && active.Delivery.SameRecipient(next) {
			order, invoice, unchanged = o, active, true
			return nil
		}

		products, err := s.catalog.Get(ctx, stock.SortedIDs(o.Quantities()))
		if err != nil {
			return wrapRepositoryError(err)
		}
		now := s.now()
		quote := domain.NewQuote(o.Subtotal, stock.Weight(products, o.Quantities()), next.Province)
		o.ApplyQuote(quote)
		if in.Customer.Email != "" {
			o.CustomerEmail = in.Customer.Email
		}
		if in.Customer.Name != "" {
			o.CustomerName = in.Customer.Name
		}
		o.ExpiresAt = now.Add(s.paymentWindow)
		o.UpdatedAt = now
		if err := s.orders.Update(ctx, o); err != nil {
			return wrapRepositoryError(err)
		}
		if err := s.invoices.TerminateAll(ctx, o.ID, now); err != nil {
			return wrapRepositoryError(err)
		}
		invoice = domain.NewInvoice(o.ID, next, quote, now)
		order = o
		return wrapRepositoryError(s.invoices.Insert(ctx, invoice))
	})
	if err != nil {
		return nil, err
	}

	if unchanged {
		latest, err := s.payments.Latest(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		if latest != nil && latest.Status != dompayment.StatusFailed {
			run.Status("UNCHANGED")
			return &CreateOrderResult{Order: s.view(order, invoice, latest), Payment: latest}, nil
		}
	} else if err := s.payments.FailLatest(ctx, order.ID); err != nil {
		// The invoice swap has committed, so the order cannot stay pending.
		run.Fail("PAYMENT_SUPERSEDE_FAILED")
		s.compensate(ctx, run, order.ID)
		return nil, err
	}

	result, err := s.payments.CreatePayment(ctx, appPayment.CreatePaymentInput{
		OrderID:   order.ID,
		Provider:  dompayment.ProviderOrDefault(in.Payment.Provider),
		Currency:  in.Payment.Currency,
		ReturnURL: in.Payment.ReturnURL,
		CancelURL: in.Payment.CancelURL,
	})
	if err != nil {
		run.Fail("PAYMENT_INITIATE_FAILED")
		s.compensate(ctx, run, order.ID)
		return nil, err
	}
	return &CreateOrderResult{Order: s.view(order, invoice, result), Payment: result}, nil
}

type ShippingQuote struct {
	Province    string
	CartValue   decimal.Decimal
	Weight      decimal.Decimal
	ShippingFee decimal.Decimal
}

// QuoteShippingFee prices delivery of a cart without reserving anything.
// An unknown or empty cart weighs nothing.
func (s *Service) QuoteShippingFee(ctx context.Context, province string, cartValue decimal.Decimal, cartKey string) (_ *ShippingQuote, err error) {
	ctx, run := s.ins.Start(ctx, useCaseQuote, "QuoteShippingFee", attribute.String("cart.key", cartKey))
	defer func() { run.End(err) }()

	weight := decimal.Zero
	if cartKey != "" {
		if lines, err := s.carts.Items(ctx, cartKey); err == nil && len(lines) > 0 {
			quantities := stock.Aggregate(lines)
			if products, err := s.catalog.Get(ctx, stock.SortedIDs(quantities)); err == nil {
				weight = stock.Weight(products, quantities)
			}
		}
	}
	return &ShippingQuote{
		Province:    province,
		CartValue:   cartValue,
		Weight:      weight,
		ShippingFee: domain.ShippingFee(province, weight, cartValue),
	}, nil
}

// HandlePaymentCaptured moves a pending order to PAID and clears its cart.
// Orders in any other status are left untouched.
func (s *Service) HandlePaymentCaptured(ctx context.Context, orderID int64) (err error) {
	ctx, run := s.ins.Start(ctx, useCaseCaptured, "HandlePaymentCaptured", attribute.Int64("order.id", orderID))
	defer func() { run.End(err) }()

	var order *domain.Order
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		o, err := s.orders.Get(ctx, orderID)
		if err != nil {
			return lookupError(orderID, err)
		}
		if o.Status != domain.StatusPendingProcessing {
			return nil
		}
		if err := o.MarkPaid(s.now()); err != nil {
			return err
		}
		order = o
		return wrapRepositoryError(s.orders.Update(ctx, o))
	})
	if err != nil || order == nil {
		if order == nil && err == nil {
			run.Status("NOOP")
		}
		return err
	}

	if err := s.carts.Clear(ctx, order.CartSessionKey); err != nil {
		run.Logger().Warn("cart_clear_failed",
			observability.F("order_id", orderID),
			observability.F("cart_key", order.CartSessionKey),
			observability.F("error", err),
		)
	}
	return nil
}

// HandlePaymentTimeout fails a pending order whose payment window closed.
func (s *Service) HandlePaymentTimeout(ctx context.Context, orderID int64) error {
	return s.handleAbandoned(ctx, orderID, "timeout")
}

// HandleUserCancelled fails a pending order whose payment the customer
// abandoned at the provider.
func (s *Service) HandleUserCancelled(ctx context.Context, orderID int64) error {
	return s.handleAbandoned(ctx, orderID, "user_cancelled")
}

func (s *Service) handleAbandoned(ctx context.Context, orderID int64, reason string) (err error) {
	ctx, run := s.ins.Start(ctx, useCaseAbandoned, "HandlePaymentAbandoned",
		attribute.Int64("order.id", orderID),
		attribute.String("order.abandon_reason", reason),
	)
	defer func() { run.End(err) }()

	changed, err := s.abandon(ctx, orderID)
	if err != nil {
		return err
	}
	if !changed {
		run.Status("NOOP")
	}
	return nil
}

// abandon restores stock, fails a pending order and resets its cart flag.
func (s *Service) abandon(ctx context.Context, orderID int64) (bool, error) {
	var order *domain.Order
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		o, err := s.orders.Get(ctx, orderID)
		if err != nil {
			return lookupError(orderID, err)
		}
		if o.Status != domain.StatusPendingProcessing {
			return nil
		}
		if err := s.ledger.Restore(ctx, o.Lines()); err != nil {
			return err
		}
		if err := o.MarkPaymentAbandoned(s.now()); err != nil {
			return err
		}
		order = o
		return wrapRepositoryError(s.orders.Update(ctx, o))
	})
	if err != nil || order == nil {
		return false, err
	}
	if err := s.carts.ResetCheckout(ctx, order.CartSessionKey); err != nil {
		logctx.FromOr(ctx, s.ins.Logger()).Warn("cart_reset_failed",
			observability.F("order_id", orderID),
			observability.F("error", err),
		)
	}
	return true, nil
}

func (s *Service) resetCart(ctx context.Context, run *application.Run, key string) {
	if key == "" {
		return
	}
	if err := s.carts.ResetCheckout(ctx, key); err != nil {
		run.Logger().Warn("cart_reset_failed",
			observability.F("cart_key", key),
			observability.F("error", err),
		)
	}
}

func (s *Service) activeInvoice(ctx context.Context, orderID int64) (*domain.Invoice, error) {
	inv, err := s.invoices.Active(ctx, orderID)
	if errors.Is(err, domain.ErrInvoiceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapRepositoryError(err)
	}
	return inv, nil
}

func lookupError(id int64, err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return apperr.NotFound("Order not found: %d", id)
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
