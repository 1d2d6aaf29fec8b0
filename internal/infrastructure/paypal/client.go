// Package paypal is the PayPal Orders v2 adapter: redirect-based checkout
// with an explicit capture call, plus remote webhook signature verification.
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	appWebhook "github.com/Zhima-Mochi/fulfillment-engine/internal/application/webhook"
	domain "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/payment"
	"github.com/shopspring/decimal"
)

const (
	tokenPath  = "/v1/oauth2/token"
	ordersPath = "/v2/checkout/orders"
	verifyPath = "/v1/notifications/verify-webhook-signature"

	// Tokens are refreshed this long before PayPal expires them.
	tokenSkew = time.Minute

	maxErrorBody = 2048
)

const sourceCurrency = "VND"

type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	// Currency is what PayPal is charged in; VND amounts are converted with
	// VNDToUSDRate when it differs.
	Currency     string
	VNDToUSDRate decimal.Decimal
	Timeout      time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client

	mu      sync.Mutex
	token   string
	expires time.Time
	now     func() time.Time
}

func NewClient(cfg Config, hc *http.Client) *Client {
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, http: hc, now: time.Now}
}

var (
	_ domain.Gateway            = (*Client)(nil)
	_ appWebhook.PayPalVerifier = (*Client)(nil)
)

func (c *Client) Provider() domain.Provider { return domain.ProviderPayPal }

type link struct {
	Href   string `json:"href"`
	Rel    string `json:"rel"`
	Method string `json:"method"`
}

type orderResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Links         []link `json:"links"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

func (r orderResponse) link(rel string) string {
	for _, l := range r.Links {
		if strings.EqualFold(l.Rel, rel) {
			return l.Href
		}
	}
	return ""
}

// Initiate creates a CAPTURE-intent order carrying the order id as custom_id
// so webhooks can be correlated.
func (c *Client) Initiate(ctx context.Context, req domain.InitiateRequest) (domain.Intent, error) {
	amount, currency := c.chargeAmount(req.Amount, req.Currency)
	payload := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []any{map[string]any{
			"reference_id": strconv.FormatInt(req.OrderID, 10),
			"custom_id":    strconv.FormatInt(req.OrderID, 10),
			"amount": map[string]any{
				"currency_code": currency,
				"value":         amount.StringFixed(2),
			},
		}},
		"application_context": map[string]any{
			"return_url": req.ReturnURL,
			"cancel_url": req.CancelURL,
		},
	}

	var out orderResponse
	if err := c.call(ctx, http.MethodPost, ordersPath, payload, &out); err != nil {
		return domain.Intent{}, fmt.Errorf("create order: %w", err)
	}
	captureURL := out.link("capture")
	if captureURL == "" {
		captureURL = fmt.Sprintf("%s%s/%s/capture", c.cfg.BaseURL, ordersPath, out.ID)
	}
	return domain.Intent{
		ProviderReference: out.ID,
		ApprovalURL:       out.link("approve"),
		CaptureURL:        captureURL,
	}, nil
}

// chargeAmount converts VND into the configured PayPal currency, rounded half
// up to cents.
func (c *Client) chargeAmount(amount decimal.Decimal, currency string) (decimal.Decimal, string) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = sourceCurrency
	}
	target := strings.ToUpper(c.cfg.Currency)
	if currency == sourceCurrency && target != sourceCurrency && c.cfg.VNDToUSDRate.IsPositive() {
		return amount.Div(c.cfg.VNDToUSDRate).Round(2), target
	}
	return amount.Round(2), currency
}

// Capture captures an approved order; reference is the PayPal order id.
func (c *Client) Capture(ctx context.Context, reference string) (domain.CaptureResult, error) {
	if reference == "" {
		return domain.CaptureResult{}, fmt.Errorf("capture: paypal order id is required")
	}
	var out orderResponse
	if err := c.call(ctx, http.MethodPost, ordersPath+"/"+url.PathEscape(reference)+"/capture", nil, &out); err != nil {
		return domain.CaptureResult{}, fmt.Errorf("capture: %w", err)
	}
	captureID := out.ID
	for _, pu := range out.PurchaseUnits {
		if len(pu.Payments.Captures) > 0 && pu.Payments.Captures[0].ID != "" {
			captureID = pu.Payments.Captures[0].ID
			break
		}
	}
	return domain.CaptureResult{CaptureID: captureID}, nil
}

// VerifyWebhookSignature asks PayPal to verify a delivery and returns the
// verification_status it reports.
func (c *Client) VerifyWebhookSignature(ctx context.Context, h appWebhook.PayPalHeaders, webhookID string, event json.RawMessage) (string, error) {
	payload := map[string]any{
		"auth_algo":         h.AuthAlgo,
		"cert_url":          h.CertURL,
		"transmission_id":   h.TransmissionID,
		"transmission_sig":  h.TransmissionSig,
		"transmission_time": h.TransmissionTime,
		"webhook_id":        webhookID,
		"webhook_event":     event,
	}
	var out struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := c.call(ctx, http.MethodPost, verifyPath, payload, &out); err != nil {
		return "", fmt.Errorf("verify webhook: %w", err)
	}
	return out.VerificationStatus, nil
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.expires) {
		return c.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+tokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := c.do(req, &out); err != nil {
		return "", fmt.Errorf("access token: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("access token: empty token in response")
	}
	c.token = out.AccessToken
	c.expires = c.now().Add(time.Duration(out.ExpiresIn)*time.Second - tokenSkew)
	return c.token, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
