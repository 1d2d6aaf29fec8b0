package cart

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	domain "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/cart"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/domain/stock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestParseItems(t *testing.T) {
	lines, err := parseItems(map[string]string{"7": "2", "3": "1", "9": "0"})
	if err != nil {
		t.Fatalf("parseItems: %v", err)
	}
	if len(lines) != 2 || lines[0] != (stock.Line{ProductID: 3, Quantity: 1}) || lines[1] != (stock.Line{ProductID: 7, Quantity: 2}) {
		t.Fatalf("unexpected lines %+v", lines)
	}
	if _, err := parseItems(map[string]string{"x": "1"}); err == nil {
		t.Fatal("expected error for a non numeric product id")
	}
}

func TestRedisCheckoutGuard(t *testing.T) {
	addr := os.Getenv("FULFILLMENT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FULFILLMENT_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	s := NewRedisStore(rdb, time.Minute)
	key := "test-" + uuid.NewString()
	t.Cleanup(func() { _ = s.Clear(ctx, key) })

	if err := s.MarkCheckedOut(ctx, key); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for an empty session, got %v", err)
	}
	if err := s.Put(ctx, key, stock.Line{ProductID: 1, Quantity: 2}, stock.Line{ProductID: 1, Quantity: 1}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.MarkCheckedOut(ctx, key); err != nil {
		t.Fatalf("MarkCheckedOut: %v", err)
	}
	if err := s.MarkCheckedOut(ctx, key); !errors.Is(err, domain.ErrAlreadyCheckedOut) {
		t.Fatalf("expected already checked out, got %v", err)
	}
	if err := s.ResetCheckout(ctx, key); err != nil {
		t.Fatalf("ResetCheckout: %v", err)
	}
	if err := s.MarkCheckedOut(ctx, key); err != nil {
		t.Fatalf("MarkCheckedOut after reset: %v", err)
	}

	lines, err := s.Items(ctx, key)
	if err != nil || len(lines) != 1 || lines[0].Quantity != 3 {
		t.Fatalf("Items: %+v %v", lines, err)
	}
	if err := s.Clear(ctx, key); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := s.Items(ctx, key); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected cleared cart, got %v", err)
	}
}
