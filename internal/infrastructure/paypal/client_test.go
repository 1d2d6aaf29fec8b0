package paypal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	appWebhook "github.com/Zhima-Mochi/fulfillment-engine/internal/application/webhook"
	domain "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/payment"
	"github.com/shopspring/decimal"
)

type fakePayPal struct {
	tokens  int32
	created map[string]any
	verify  map[string]any
}

func (f *fakePayPal) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "id" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		atomic.AddInt32(&f.tokens, 1)
		_, _ = w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
	})
	mux.HandleFunc("POST /v2/checkout/orders", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&f.created); err != nil {
			t.Errorf("decode create: %v", err)
		}
		_, _ = w.Write([]byte(`{"id":"5O190127TN364715T","status":"CREATED","links":[
			{"href":"https://paypal.test/checkoutnow?token=5O1","rel":"approve","method":"GET"}]}`))
	})
	mux.HandleFunc("POST /v2/checkout/orders/{id}/capture", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "ALREADY" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"name":"UNPROCESSABLE_ENTITY","details":[{"issue":"ORDER_ALREADY_CAPTURED"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"` + r.PathValue("id") + `","status":"COMPLETED",
			"purchase_units":[{"payments":{"captures":[{"id":"3C679366HH908993F","status":"COMPLETED"}]}}]}`))
	})
	mux.HandleFunc("POST /v1/notifications/verify-webhook-signature", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&f.verify); err != nil {
			t.Errorf("decode verify: %v", err)
		}
		_, _ = w.Write([]byte(`{"verification_status":"SUCCESS"}`))
	})
	return mux
}

func newTestClient(t *testing.T, currency string) (*Client, *fakePayPal) {
	t.Helper()
	fake := &fakePayPal{}
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)
	c := NewClient(Config{
		BaseURL:      srv.URL + "/",
		ClientID:     "id",
		ClientSecret: "secret",
		Currency:     currency,
		VNDToUSDRate: decimal.NewFromInt(25000),
	}, srv.Client())
	return c, fake
}

func TestInitiateConvertsVNDAndCarriesCustomID(t *testing.T) {
	c, fake := newTestClient(t, "USD")
	intent, err := c.Initiate(context.Background(), domain.InitiateRequest{
		OrderID:   42,
		Amount:    decimal.NewFromInt(132000),
		Currency:  "VND",
		ReturnURL: "https://shop.test/ok",
		CancelURL: "https://shop.test/cancel",
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if intent.ProviderReference != "5O190127TN364715T" || intent.ApprovalURL == "" {
		t.Fatalf("unexpected intent %+v", intent)
	}
	if want := c.cfg.BaseURL + "/v2/checkout/orders/5O190127TN364715T/capture"; intent.CaptureURL != want {
		t.Fatalf("capture url: want %s got %s", want, intent.CaptureURL)
	}

	unit := fake.created["purchase_units"].([]any)[0].(map[string]any)
	amount := unit["amount"].(map[string]any)
	if unit["custom_id"] != "42" || amount["currency_code"] != "USD" || amount["value"] != "5.28" {
		t.Fatalf("unexpected purchase unit %#v", unit)
	}
}

func TestChargeAmount(t *testing.T) {
	c, _ := newTestClient(t, "USD")
	cases := []struct {
		amount, currency string
		want, wantCur    string
	}{
		{"25000", "", "1.00", "USD"},
		{"12500", "vnd", "0.50", "USD"},
		{"10.005", "USD", "10.01", "USD"},
	}
	for _, tc := range cases {
		got, cur := c.chargeAmount(decimal.RequireFromString(tc.amount), tc.currency)
		if got.StringFixed(2) != tc.want || cur != tc.wantCur {
			t.Errorf("%s %s: want %s %s got %s %s", tc.amount, tc.currency, tc.want, tc.wantCur, got.StringFixed(2), cur)
		}
	}

	vnd, _ := newTestClient(t, "VND")
	if got, cur := vnd.chargeAmount(decimal.NewFromInt(132000), "VND"); cur != "VND" || !got.Equal(decimal.NewFromInt(132000)) {
		t.Fatalf("same currency must not convert, got %s %s", got, cur)
	}
}

func TestCaptureReturnsCaptureIDAndReusesToken(t *testing.T) {
	c, fake := newTestClient(t, "USD")
	ctx := context.Background()
	res, err := c.Capture(ctx, "5O190127TN364715T")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if res.CaptureID != "3C679366HH908993F" {
		t.Fatalf("unexpected capture id %q", res.CaptureID)
	}
	if _, err := c.Capture(ctx, "ALREADY"); err == nil {
		t.Fatal("expected provider error to surface")
	}
	if fake.tokens != 1 {
		t.Fatalf("token must be cached, fetched %d times", fake.tokens)
	}
}

func TestVerifyWebhookSignature(t *testing.T) {
	c, fake := newTestClient(t, "USD")
	status, err := c.VerifyWebhookSignature(context.Background(), appWebhook.PayPalHeaders{
		AuthAlgo:         "SHA256withRSA",
		CertURL:          "https://api.paypal.test/cert",
		TransmissionID:   "t-1",
		TransmissionSig:  "sig",
		TransmissionTime: "2025-03-01T10:00:00Z",
	}, "WH-1", json.RawMessage(`{"event_type":"CHECKOUT.ORDER.APPROVED"}`))
	if err != nil || status != "SUCCESS" {
		t.Fatalf("VerifyWebhookSignature: %s %v", status, err)
	}
	if fake.verify["webhook_id"] != "WH-1" || fake.verify["transmission_id"] != "t-1" {
		t.Fatalf("unexpected verification request %#v", fake.verify)
	}
	event, _ := fake.verify["webhook_event"].(map[string]any)
	if event["event_type"] != "CHECKOUT.ORDER.APPROVED" {
		t.Fatalf("event must be forwarded verbatim, got %#v", fake.verify["webhook_event"])
	}
}
