// Package payos is the VietQR adapter built on PayOS payment links. The
// link's order code is the local transaction id, which is how webhooks find
// their transaction again.
package payos

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	appWebhook "github.com/Zhima-Mochi/fulfillment-engine/internal/application/webhook"
	domain "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/payment"
)

const (
	paymentRequestsPath = "/v2/payment-requests"

	codeOK       = "00"
	maxErrorBody = 2048
)

type Config struct {
	BaseURL     string
	ClientID    string
	APIKey      string
	ChecksumKey string
	Timeout     time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config, hc *http.Client) *Client {
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, http: hc}
}

var (
	_ domain.Gateway           = (*Client)(nil)
	_ domain.Canceller         = (*Client)(nil)
	_ domain.StatusChecker     = (*Client)(nil)
	_ appWebhook.PayOSVerifier = (*Client)(nil)
)

func (c *Client) Provider() domain.Provider { return domain.ProviderVietQR }

type envelope struct {
	Code      string          `json:"code"`
	Desc      string          `json:"desc"`
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
}

type paymentLink struct {
	OrderCode     int64  `json:"orderCode"`
	Amount        int64  `json:"amount"`
	Status        string `json:"status"`
	PaymentLinkID string `json:"paymentLinkId"`
	CheckoutURL   string `json:"checkoutUrl"`
	QRCode        string `json:"qrCode"`
}

// Initiate opens a payment link for the whole order total in VND.
func (c *Client) Initiate(ctx context.Context, req domain.InitiateRequest) (domain.Intent, error) {
	if req.Transaction == nil || req.Transaction.ID == 0 {
		return domain.Intent{}, fmt.Errorf("create payment link: transaction id is required")
	}
	orderCode := req.Transaction.ID
	amount := req.Amount.Round(0).IntPart()
	description := fmt.Sprintf("AIMS order %d", req.OrderID)

	signature := c.sign(map[string]string{
		"amount":      strconv.FormatInt(amount, 10),
		"cancelUrl":   req.CancelURL,
		"description": description,
		"orderCode":   strconv.FormatInt(orderCode, 10),
		"returnUrl":   req.ReturnURL,
	})
	body := map[string]any{
		"orderCode":   orderCode,
		"amount":      amount,
		"description": description,
		"returnUrl":   req.ReturnURL,
		"cancelUrl":   req.CancelURL,
		"signature":   signature,
	}

	var link paymentLink
	if err := c.call(ctx, http.MethodPost, paymentRequestsPath, body, &link); err != nil {
		return domain.Intent{}, fmt.Errorf("create payment link: %w", err)
	}
	return domain.Intent{
		ProviderReference: link.PaymentLinkID,
		CaptureID:         strconv.FormatInt(orderCode, 10),
		QRContent:         link.QRCode,
		ApprovalURL:       link.CheckoutURL,
	}, nil
}

// Capture is a no-op: PayOS settles QR payments on its own and reports them
// through the webhook.
func (c *Client) Capture(context.Context, string) (domain.CaptureResult, error) {
	return domain.CaptureResult{}, nil
}

func (c *Client) Cancel(ctx context.Context, tx *domain.Transaction, reason string) error {
	path := paymentRequestsPath + "/" + url.PathEscape(linkRef(tx)) + "/cancel"
	if err := c.call(ctx, http.MethodPost, path, map[string]any{"cancellationReason": reason}, nil); err != nil {
		return fmt.Errorf("cancel payment link: %w", err)
	}
	return nil
}

// RemoteStatus maps the payment link status onto transaction statuses.
func (c *Client) RemoteStatus(ctx context.Context, tx *domain.Transaction) (domain.Status, error) {
	var link paymentLink
	if err := c.call(ctx, http.MethodGet, paymentRequestsPath+"/"+url.PathEscape(linkRef(tx)), nil, &link); err != nil {
		return "", fmt.Errorf("get payment link: %w", err)
	}
	return MapStatus(link.Status), nil
}

func MapStatus(status string) domain.Status {
	switch strings.ToUpper(status) {
	case "PAID":
		return domain.StatusSuccessful
	case "CANCELLED", "EXPIRED", "FAILED", "UNDERPAID":
		return domain.StatusFailed
	default:
		return domain.StatusPending
	}
}

// linkRef is the order code PayOS accepts in place of the payment link id.
func linkRef(tx *domain.Transaction) string {
	if tx.CaptureID != "" {
		return tx.CaptureID
	}
	return strconv.FormatInt(tx.ID, 10)
}

// VerifyData checks a webhook's data object against its signature.
func (c *Client) VerifyData(data map[string]any, signature string) bool {
	if c.cfg.ChecksumKey == "" || signature == "" {
		return false
	}
	fields := make(map[string]string, len(data))
	for k, v := range data {
		fields[k] = fieldValue(v)
	}
	expected := c.sign(fields)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// sign is HMAC-SHA256 over the fields sorted by key as k=v joined with &.
func (c *Client) sign(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
	}
	mac := hmac.New(sha256.New, []byte(c.cfg.ChecksumKey))
	mac.Write([]byte(b.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

// fieldValue renders a data value the way PayOS does when signing: null and
// the literal strings "null"/"undefined" become empty, nested values JSON.
func fieldValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		if x == "null" || x == "undefined" {
			return ""
		}
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		raw, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(raw)
	}
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
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
	req.Header.Set("x-client-id", c.cfg.ClientID)
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Code != codeOK {
		return fmt.Errorf("payos code %s: %s", env.Code, env.Desc)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}
