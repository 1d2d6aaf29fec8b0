package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	appPayment "github.com/Zhima-Mochi/fulfillment-engine/internal/application/payment"
	appStock "github.com/Zhima-Mochi/fulfillment-engine/internal/application/stock"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/apperr"
	domain "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/order"
	domoutbox "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/outbox"
	dompayment "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/payment"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/domain/stock"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/infrastructure/memory"
	"github.com/shopspring/decimal"
)

type stubGateway struct {
	provider dompayment.Provider
	fail     error

	mu    sync.Mutex
	calls int
}

func (g *stubGateway) Provider() dompayment.Provider { return g.provider }

func (g *stubGateway) Initiate(_ context.Context, req dompayment.InitiateRequest) (dompayment.Intent, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if g.fail != nil {
		return dompayment.Intent{}, g.fail
	}
	return dompayment.Intent{QRContent: "qr-" + req.Transaction.ProviderReference}, nil
}

func (g *stubGateway) Capture(context.Context, string) (dompayment.CaptureResult, error) {
	return dompayment.CaptureResult{}, nil
}

type recordingOutbox struct {
	mu   sync.Mutex
	keys []string
}

func (r *recordingOutbox) Enqueue(_ context.Context, _ domoutbox.EventType, _ any, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	return nil
}

type fixture struct {
	svc      *Service
	payments *appPayment.Service
	store    *memory.Store
	carts    *memory.CartStore
	gateway  *stubGateway
	outbox   *recordingOutbox
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   memory.NewStore(),
		carts:   memory.NewCartStore(),
		gateway: &stubGateway{provider: dompayment.ProviderVietQR},
		outbox:  &recordingOutbox{},
		now:     time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }

	f.store.Catalog().Put(stock.Product{
		ID: 1, Title: "Vinyl", Price: decimal.NewNullDecimal(decimal.NewFromInt(50000)),
		Weight: decimal.RequireFromString("0.5"), Stock: 10, Status: stock.ProductActive,
	})
	f.store.Catalog().Put(stock.Product{
		ID: 2, Title: "Poster", Weight: decimal.RequireFromString("0.2"), Stock: 5, Status: stock.ProductActive,
	})
	f.carts.Put("session-1", stock.Line{ProductID: 1, Quantity: 2})

	f.payments = appPayment.NewService(f.store, f.store.Orders(), f.store.Transactions(), f.outbox, nil,
		appPayment.WithClock(clock), appPayment.WithGateway(f.gateway))
	f.svc = NewService(Deps{
		Tx:       f.store,
		Orders:   f.store.Orders(),
		Invoices: f.store.Invoices(),
		Catalog:  f.store.Catalog(),
		Ledger:   appStock.NewLedger(f.store.Catalog(), nil),
		Carts:    f.carts,
		Payments: f.payments,
		Outbox:   f.outbox,
	}, 5*time.Minute, nil, WithClock(clock))
	f.payments.SetOrderHooks(f.svc)
	return f
}

func (f *fixture) create(t *testing.T, lines ...Line) *CreateOrderResult {
	t.Helper()
	res, err := f.svc.CreateOrder(context.Background(), CreateOrderInput{
		Customer: Customer{Name: "An", Email: "an@example.com"},
		Delivery: Delivery{RecipientName: "An", Phone: "0900000000", AddressLine: "1 Le Loi", Province: "Hà Nội"},
		CartKey:  "session-1",
		Lines:    lines,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return res
}

func TestCreateOrderReservesPricesAndOpensPayment(t *testing.T) {
	f := newFixture(t)

	res := f.create(t, Line{ProductID: 1, Quantity: 1}, Line{ProductID: 1, Quantity: 1, Price: decimal.NewNullDecimal(decimal.NewFromInt(1))})

	if got := f.store.Catalog().Stock(1); got != 8 {
		t.Fatalf("expected stock 8, got %d", got)
	}
	o := res.Order
	if o.Status != domain.StatusPendingProcessing || len(o.Items) != 1 || o.Items[0].Quantity != 2 {
		t.Fatalf("unexpected order %+v", o)
	}
	if !o.Items[0].UnitPrice.Equal(decimal.NewFromInt(50000)) {
		t.Fatalf("catalog price must win over the request price, got %s", o.Items[0].UnitPrice)
	}
	// 1.0 kg to a major locality is within the allowance; subtotal 100000 earns no discount.
	if !o.ShippingFee.Equal(decimal.NewFromInt(22000)) || !o.TotalWithVAT.Equal(decimal.NewFromInt(132000)) {
		t.Fatalf("unexpected totals fee=%s total=%s", o.ShippingFee, o.TotalWithVAT)
	}
	if res.Payment == nil || res.Payment.Provider != dompayment.ProviderVietQR || res.Payment.QRContent == "" {
		t.Fatalf("unexpected payment %+v", res.Payment)
	}
	if !f.carts.CheckedOut("session-1") {
		t.Fatal("cart must be marked checked out")
	}
	invoices := f.store.Invoices().ForOrder(o.ID)
	if len(invoices) != 1 || invoices[0].Status != domain.InvoiceActive {
		t.Fatalf("expected one ACTIVE invoice, got %+v", invoices)
	}
	stored, _ := f.store.Orders().Get(context.Background(), o.ID)
	if !stored.ExpiresAt.Equal(f.now.Add(5 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", stored.ExpiresAt)
	}
}

func TestCreateOrderRejectsDuplicateCheckout(t *testing.T) {
	f := newFixture(t)
	f.create(t, Line{ProductID: 1, Quantity: 2})

	_, err := f.svc.CreateOrder(context.Background(), CreateOrderInput{CartKey: "session-1", Lines: []Line{{ProductID: 1, Quantity: 2}}})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if got := f.store.Catalog().Stock(1); got != 8 {
		t.Fatalf("duplicate checkout must not reserve, stock %d", got)
	}
}

func TestCreateOrderUnknownCart(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateOrder(context.Background(), CreateOrderInput{CartKey: "nope", Lines: []Line{{ProductID: 1, Quantity: 1}}})
	if !errors.Is(err, apperr.ErrNotFound) || apperr.Message(err) != "Cart not found for session: nope" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestCreateOrderShortageLeavesNothingBehind(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateOrder(context.Background(), CreateOrderInput{
		CartKey: "session-1",
		Lines:   []Line{{ProductID: 1, Quantity: 2}, {ProductID: 2, Quantity: 6, Price: decimal.NewNullDecimal(decimal.NewFromInt(1000))}},
	})
	var oos *stock.OutOfStockError
	if !errors.As(err, &oos) || oos.ProductID != 2 || oos.Requested != 6 || oos.Available != 5 {
		t.Fatalf("expected shortage on product 2, got %v", err)
	}
	if f.store.Catalog().Stock(1) != 10 || f.store.Catalog().Stock(2) != 5 {
		t.Fatal("partial reservation leaked")
	}
	if f.carts.CheckedOut("session-1") {
		t.Fatal("checked-out flag must be reset")
	}
	if _, total, _ := f.store.Orders().ListByStatus(context.Background(), domain.StatusPendingProcessing, 0, 10); total != 0 {
		t.Fatalf("no order may be persisted, found %d", total)
	}
}

func TestCreateOrderMissingPrice(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateOrder(context.Background(), CreateOrderInput{CartKey: "session-1", Lines: []Line{{ProductID: 2, Quantity: 1}}})
	if !errors.Is(err, apperr.ErrBusinessRule) {
		t.Fatalf("expected business error, got %v", err)
	}
	if f.store.Catalog().Stock(2) != 5 {
		t.Fatal("stock must roll back when pricing fails")
	}
}

func TestCreateOrderCompensatesWhenPaymentFails(t *testing.T) {
	f := newFixture(t)
	f.gateway.fail = errors.New("gateway down")

	_, err := f.svc.CreateOrder(context.Background(), CreateOrderInput{CartKey: "session-1", Lines: []Line{{ProductID: 1, Quantity: 2}}})
	if !errors.Is(err, apperr.ErrProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if f.store.Catalog().Stock(1) != 10 {
		t.Fatal("stock must be restored")
	}
	if f.carts.CheckedOut("session-1") {
		t.Fatal("cart flag must be reset")
	}
	failed, _, _ := f.store.Orders().ListByStatus(context.Background(), domain.StatusFailed, 0, 10)
	if len(failed) != 1 {
		t.Fatalf("expected the order to be FAILED, got %d", len(failed))
	}
}

func TestCancelOrderRestoresStockAndResetsCart(t *testing.T) {
	f := newFixture(t)
	res := f.create(t, Line{ProductID: 1, Quantity: 2})

	view, err := f.svc.CancelOrder(context.Background(), res.Order.ID)
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if view.Status != domain.StatusFailed || view.PaymentStatus != dompayment.StatusFailed {
		t.Fatalf("unexpected view %+v", view)
	}
	if f.store.Catalog().Stock(1) != 10 {
		t.Fatal("stock must be restored")
	}
	if f.carts.CheckedOut("session-1") {
		t.Fatal("cart flag must be cleared")
	}

	if _, err := f.svc.CancelOrder(context.Background(), res.Order.ID); !errors.Is(err, apperr.ErrBusinessRule) {
		t.Fatalf("second cancel must be rejected, got %v", err)
	}
	if f.store.Catalog().Stock(1) != 10 {
		t.Fatal("rejected cancel must not restore twice")
	}
}

func TestCheckOrderState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.create(t, Line{ProductID: 1, Quantity: 2})

	same, err := f.svc.CheckOrderState(ctx, "session-1", []stock.Line{{ProductID: 1, Quantity: 1}, {ProductID: 1, Quantity: 1}})
	if err != nil || same.Action != ActionReuse || same.OrderID != res.Order.ID {
		t.Fatalf("expected REUSE, got %+v %v", same, err)
	}

	changed, err := f.svc.CheckOrderState(ctx, "session-1", []stock.Line{{ProductID: 1, Quantity: 3}})
	if err != nil || changed.Action != ActionCreateNew {
		t.Fatalf("expected CREATE_NEW, got %+v %v", changed, err)
	}
	stale, _ := f.store.Orders().Get(ctx, res.Order.ID)
	if stale.Status != domain.StatusCancelled {
		t.Fatalf("stale order must be CANCELLED, got %s", stale.Status)
	}
	for _, inv := range f.store.Invoices().ForOrder(res.Order.ID) {
		if inv.Status != domain.InvoiceTerminated {
			t.Fatalf("invoice %d still %s", inv.ID, inv.Status)
		}
	}
	if f.store.Catalog().Stock(1) != 10 {
		t.Fatal("stale order stock must be restored")
	}

	none, _ := f.svc.CheckOrderState(ctx, "", nil)
	if none.Action != ActionCreateNew || none.Message != "No session key provided" {
		t.Fatalf("unexpected result %+v", none)
	}
}

func TestUpdateDeliveryInfo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.create(t, Line{ProductID: 1, Quantity: 2})
	firstTx := res.Payment.TransactionID

	unchanged, err := f.svc.UpdateDeliveryInfo(ctx, UpdateDeliveryInput{
		OrderID:  res.Order.ID,
		Delivery: Delivery{RecipientName: "An", Phone: "0900000000", AddressLine: "1 Le Loi", Province: "Hà Nội"},
	})
	if err != nil || unchanged.Payment.TransactionID != firstTx {
		t.Fatalf("identical delivery must keep the payment: %+v %v", unchanged, err)
	}

	f.now = f.now.Add(2 * time.Minute)
	moved, err := f.svc.UpdateDeliveryInfo(ctx, UpdateDeliveryInput{
		OrderID:  res.Order.ID,
		Delivery: Delivery{RecipientName: "An", Phone: "0900000000", AddressLine: "2 Tran Phu", Province: "Da Nang"},
	})
	if err != nil {
		t.Fatalf("UpdateDeliveryInfo: %v", err)
	}
	if moved.Payment.TransactionID == firstTx {
		t.Fatal("delivery change must rotate the payment")
	}
	// 1.0 kg outside the major localities: 30000 + 1 step of 2500.
	if !moved.Order.ShippingFee.Equal(decimal.NewFromInt(32500)) {
		t.Fatalf("unexpected fee %s", moved.Order.ShippingFee)
	}
	invoices := f.store.Invoices().ForOrder(res.Order.ID)
	if len(invoices) != 2 || invoices[0].Status != domain.InvoiceTerminated || invoices[1].Status != domain.InvoiceActive {
		t.Fatalf("unexpected invoices %+v", invoices)
	}
	old, _ := f.store.Transactions().Get(ctx, firstTx)
	if old.Status != dompayment.StatusFailed {
		t.Fatalf("superseded transaction must be FAILED, got %s", old.Status)
	}
	stored, _ := f.store.Orders().Get(ctx, res.Order.ID)
	if !stored.ExpiresAt.Equal(f.now.Add(5 * time.Minute)) {
		t.Fatal("expiry must be extended")
	}
}

func TestUpdateDeliveryInfoCompensatesWhenPaymentFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.create(t, Line{ProductID: 1, Quantity: 2})
	f.gateway.fail = errors.New("gateway down")

	_, err := f.svc.UpdateDeliveryInfo(ctx, UpdateDeliveryInput{
		OrderID:  res.Order.ID,
		Delivery: Delivery{RecipientName: "An", Phone: "0900000000", AddressLine: "2 Tran Phu", Province: "Da Nang"},
	})
	if !errors.Is(err, apperr.ErrProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	stored, _ := f.store.Orders().Get(ctx, res.Order.ID)
	if stored.Status != domain.StatusFailed {
		t.Fatalf("order must be FAILED once its payment is gone, got %s", stored.Status)
	}
	if f.store.Catalog().Stock(1) != 10 {
		t.Fatal("stock must be restored")
	}
	if f.carts.CheckedOut("session-1") {
		t.Fatal("cart flag must be reset")
	}
	for _, tx := range f.store.Transactions().ForOrder(res.Order.ID) {
		if tx.Status != dompayment.StatusFailed {
			t.Fatalf("transaction %d still %s", tx.ID, tx.Status)
		}
	}
}

func TestPaymentHooks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.create(t, Line{ProductID: 1, Quantity: 2})

	if _, err := f.payments.MarkCaptured(ctx, res.Payment.TransactionID, ""); err != nil {
		t.Fatalf("MarkCaptured: %v", err)
	}
	paid, _ := f.store.Orders().Get(ctx, res.Order.ID)
	if paid.Status != domain.StatusPaid {
		t.Fatalf("expected PAID, got %s", paid.Status)
	}
	if f.carts.Exists("session-1") {
		t.Fatal("cart must be cleared after capture")
	}

	// Late timeouts do not touch a paid order.
	if err := f.svc.HandlePaymentTimeout(ctx, res.Order.ID); err != nil {
		t.Fatalf("HandlePaymentTimeout: %v", err)
	}
	again, _ := f.store.Orders().Get(ctx, res.Order.ID)
	if again.Status != domain.StatusPaid || f.store.Catalog().Stock(1) != 8 {
		t.Fatal("timeout must be a no-op for paid orders")
	}
}

func TestReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.create(t, Line{ProductID: 1, Quantity: 2})

	page, err := f.svc.ListPending(ctx, 0, 0)
	if err != nil || page.Total != 1 || page.Size != defaultPageSize {
		t.Fatalf("unexpected page %+v %v", page, err)
	}
	if _, err := f.svc.Reject(ctx, res.Order.ID, ""); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if _, err := f.svc.Approve(ctx, res.Order.ID); !errors.Is(err, apperr.ErrBusinessRule) {
		t.Fatalf("reviewed orders are terminal, got %v", err)
	}
	found := false
	for _, k := range f.outbox.keys {
		if k == fmt.Sprintf("order-rejected:%d", res.Order.ID) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected rejection email key, got %v", f.outbox.keys)
	}
}

func TestQuoteShippingFee(t *testing.T) {
	f := newFixture(t)
	q, err := f.svc.QuoteShippingFee(context.Background(), "Ho Chi Minh", decimal.NewFromInt(50000), "session-1")
	if err != nil {
		t.Fatalf("QuoteShippingFee: %v", err)
	}
	if !q.Weight.Equal(decimal.NewFromInt(1)) || !q.ShippingFee.Equal(decimal.NewFromInt(22000)) {
		t.Fatalf("unexpected quote %+v", q)
	}

	empty, _ := f.svc.QuoteShippingFee(context.Background(), "Hue", decimal.Zero, "unknown")
	if !empty.Weight.IsZero() || !empty.ShippingFee.Equal(decimal.NewFromInt(30000)) {
		t.Fatalf("unknown cart must weigh nothing, got %+v", empty)
	}
}
