package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	domorder "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/order"
	domoutbox "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/outbox"
	domstock "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/stock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

func TestIsUniqueViolation(t *testing.T) {
	wrapped := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	if !isUniqueViolation(wrapped) {
		t.Fatal("expected wrapped 23505 to be detected")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) || isUniqueViolation(errors.New("23505")) {
		t.Fatal("only unique violations may match")
	}
}

func TestLockClauseOnlyInsideUnitOfWork(t *testing.T) {
	if got := lockClause(context.Background()); got != "" {
		t.Fatalf("expected no lock outside a unit of work, got %q", got)
	}
}

// openTestStore connects to FULFILLMENT_TEST_POSTGRES_DSN; the integration
// tests are skipped without it.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("FULFILLMENT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FULFILLMENT_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn, 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if _, err := s.pool.Exec(ctx, `TRUNCATE notification_outbox, payment_transactions, invoices, order_items, orders, products RESTART IDENTITY CASCADE`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return s
}

func TestUnitOfWorkRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Catalog().Put(ctx, domstock.Product{ID: 1, Title: "Vinyl", Weight: decimal.RequireFromString("0.5"), Stock: 10}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(ctx context.Context) error {
		locked, err := s.Catalog().LockForUpdate(ctx, []int64{1, 2})
		if err != nil {
			return err
		}
		if len(locked) != 1 {
			t.Errorf("missing ids must be absent, got %d rows", len(locked))
		}
		if err := s.Catalog().SetStock(ctx, 1, 3); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	got, err := s.Catalog().Get(ctx, []int64{1})
	if err != nil || got[1].Stock != 10 {
		t.Fatalf("stock must be rolled back, got %+v %v", got[1], err)
	}
	if err := s.Catalog().SetStock(ctx, 99, 1); !errors.Is(err, domstock.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOrderRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	o := &domorder.Order{
		Status:         domorder.StatusPendingProcessing,
		CustomerEmail:  "an@example.com",
		CartSessionKey: "session-1",
		Subtotal:       decimal.NewFromInt(100000),
		ShippingFee:    decimal.NewFromInt(22000),
		Total:          decimal.NewFromInt(132000),
		Items: []domorder.Item{
			{ProductID: 1, Title: "Vinyl", Quantity: 2, UnitPrice: decimal.NewFromInt(50000), LineTotal: decimal.NewFromInt(100000)},
		},
		ExpiresAt: now.Add(-time.Minute),
		CreatedAt: now,
	}
	if err := s.Orders().Insert(ctx, o); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, err := s.Orders().Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Items) != 1 || !got.Total.Equal(o.Total) || got.CartSessionKey != "session-1" {
		t.Fatalf("unexpected order %+v", got)
	}
	if latest, err := s.Orders().LatestPendingByCart(ctx, "session-1"); err != nil || latest.ID != o.ID {
		t.Fatalf("LatestPendingByCart: %+v %v", latest, err)
	}
	if expired, err := s.Orders().ListExpired(ctx, now); err != nil || len(expired) != 1 {
		t.Fatalf("ListExpired: %d %v", len(expired), err)
	}
	if _, err := s.Orders().Get(ctx, o.ID+100); !errors.Is(err, domorder.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	inv := domorder.NewInvoice(o.ID, domorder.NewDeliveryInfo("An", "0900", "1 Le Loi", "Ha Noi"), domorder.Quote{Total: o.Total}, now)
	if err := s.Invoices().Insert(ctx, inv); err != nil {
		t.Fatalf("Insert invoice: %v", err)
	}
	if err := s.Invoices().TerminateAll(ctx, o.ID, now); err != nil {
		t.Fatalf("TerminateAll: %v", err)
	}
	if _, err := s.Invoices().Active(ctx, o.ID); !errors.Is(err, domorder.ErrInvoiceNotFound) {
		t.Fatalf("expected no active invoice, got %v", err)
	}
}

func TestOutboxDeduplicatesAndClaimsOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	first := domoutbox.NewMessage(domoutbox.EventRawEmail, map[string]any{"to": "a@b.c"}, "k-1", now)
	if ok, err := s.Outbox().Insert(ctx, first); err != nil || !ok {
		t.Fatalf("Insert: %v %v", ok, err)
	}
	dup := domoutbox.NewMessage(domoutbox.EventRawEmail, map[string]any{"to": "a@b.c"}, "k-1", now)
	if ok, err := s.Outbox().Insert(ctx, dup); err != nil || ok {
		t.Fatalf("duplicate key must be skipped: %v %v", ok, err)
	}

	claimed, err := s.Outbox().ClaimDue(ctx, 10, now, time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimDue: %d %v", len(claimed), err)
	}
	if claimed[0].Payload["to"] != "a@b.c" {
		t.Fatalf("payload lost: %#v", claimed[0].Payload)
	}
	if again, _ := s.Outbox().ClaimDue(ctx, 10, now, time.Minute); len(again) != 0 {
		t.Fatal("leased row must not be claimed twice")
	}

	m := claimed[0]
	m.MarkSent(now)
	if err := s.Outbox().Update(ctx, m); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if later, _ := s.Outbox().ClaimDue(ctx, 10, now.Add(time.Hour), time.Minute); len(later) != 0 {
		t.Fatal("sent rows are never claimed")
	}
}
