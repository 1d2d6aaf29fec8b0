package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindsSurviveWrapping(t *testing.T) {
	err := fmt.Errorf("cancel order: %w", Business("Order cannot be cancelled at this stage"))
	if !errors.Is(err, ErrBusinessRule) {
		t.Fatalf("expected business rule kind, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("unexpected not found kind")
	}
}

func TestMessage(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{NotFound("Order not found: %d", 3), "Order not found: 3"},
		{Validation("Order items must not be empty"), "Order items must not be empty"},
		{Provider("paypal", errors.New("timeout")), "paypal: timeout"},
		{errors.New("plain"), "plain"},
		{nil, ""},
	}
	for _, tc := range cases {
		if got := Message(tc.err); got != tc.want {
			t.Errorf("Message(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
