package notification

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	domorder "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/order"
	domain "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/outbox"
	dompayment "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/payment"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/observability/logctx"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	TemplateOrderPayment         = "order-payment-confirmation"
	TemplatePasswordReset        = "password-reset"
	TemplateUserCreated          = "user-created"
	TemplateUserUpdated          = "user-updated"
	TemplateUserDeleted          = "user-deleted"
	TemplateUserLocked           = "user-locked"
	TemplateUserUnlocked         = "user-unlocked"
	TemplateSubscriptionThankYou = "subscription-thank-you"

	missingValue     = "NULL"
	dateTimeLayout   = "2006-01-02 15:04:05"
	resetLinkExpires = "15 minutes"
)

// Renderer turns a template name and its variables into an HTML body.
type Renderer interface {
	Render(template string, vars map[string]string) (string, error)
}

// Email is a message ready for the transport.
type Email struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	HTML    bool   `json:"html"`
}

type Sender interface {
	Send(ctx context.Context, e Email) error
}

type Settings struct {
	From           string
	FrontendURL    string
	SupportEmail   string
	OrderDetailURL string
}

// Actions implements the delivery of every notification event type.
type Actions struct {
	renderer Renderer
	sender   Sender
	orders   domorder.Repository
	invoices domorder.InvoiceRepository
	payments dompayment.Repository
	cfg      Settings
}

func NewActions(
	renderer Renderer,
	sender Sender,
	orders domorder.Repository,
	invoices domorder.InvoiceRepository,
	payments dompayment.Repository,
	cfg Settings,
) *Actions {
	return &Actions{renderer: renderer, sender: sender, orders: orders, invoices: invoices, payments: payments, cfg: cfg}
}

// Register binds every action to the dispatcher.
func (a *Actions) Register(d *Dispatcher) {
	d.Handle(domain.EventRawEmail, a.rawEmail)
	d.Handle(domain.EventOrderPaymentSuccess, a.orderPaymentSuccess)
	d.Handle(domain.EventOrderConfirmationRequested, a.orderConfirmationRequested)
	d.Handle(domain.EventPasswordReset, a.passwordReset)
	d.Handle(domain.EventAdminPasswordReset, a.passwordReset)
	d.Handle(domain.EventUserCreatedByAdmin, a.userCreated)
	d.Handle(domain.EventUserUpdatedByAdmin, a.userNotice(TemplateUserUpdated, "AIMS Account Update Notification", "supportEmail"))
	d.Handle(domain.EventUserDeletedByAdmin, a.userNotice(TemplateUserDeleted, "AIMS Account Deletion", "contactEmail"))
	d.Handle(domain.EventUserLockedByAdmin, a.userNotice(TemplateUserLocked, "AIMS Account Locked", "supportEmail"))
	d.Handle(domain.EventUserUnlockedByAdmin, a.userNotice(TemplateUserUnlocked, "AIMS Account Unlocked", ""))
	d.Handle(domain.EventSubscriptionThankYou, a.subscriptionThankYou)
}

func (a *Actions) rawEmail(ctx context.Context, m *domain.Message) error {
	p, err := domain.Decode[domain.RawEmail](m)
	if err != nil {
		return err
	}
	if p.To == "" {
		return errors.New("raw email requires a recipient")
	}
	return a.sender.Send(ctx, Email{From: a.cfg.From, To: p.To, Subject: p.Subject, Body: p.Body})
}

func (a *Actions) orderPaymentSuccess(ctx context.Context, m *domain.Message) error {
	p, err := domain.Decode[domain.OrderPaymentSuccess](m)
	if err != nil {
		return err
	}
	if p.OrderID == 0 {
		return errors.New("order payment email requires an order id")
	}
	o, err := a.orders.Get(ctx, p.OrderID)
	if err != nil {
		return fmt.Errorf("load order %d: %w", p.OrderID, err)
	}
	if strings.TrimSpace(o.CustomerEmail) == "" {
		logctx.FromOr(ctx, nil).Info("order_payment_email_skipped_no_recipient")
		return nil
	}

	inv, err := a.invoices.Active(ctx, o.ID)
	if err != nil && !errors.Is(err, domorder.ErrInvoiceNotFound) {
		return fmt.Errorf("load invoice: %w", err)
	}
	tx, err := a.transaction(ctx, p)
	if err != nil {
		return err
	}

	vars := orderPaymentVars(o, inv, tx)
	vars["orderDetailsUrl"] = orDefault(a.orderDetailURL(o.ID), "#")
	return a.sendHTML(ctx, o.CustomerEmail, paymentSubject(o.ID), TemplateOrderPayment, vars)
}

func (a *Actions) transaction(ctx context.Context, p domain.OrderPaymentSuccess) (*dompayment.Transaction, error) {
	var tx *dompayment.Transaction
	var err error
	if p.TransactionID != 0 {
		tx, err = a.payments.Get(ctx, p.TransactionID)
	} else {
		tx, err = a.payments.LatestForOrder(ctx, p.OrderID)
	}
	if errors.Is(err, dompayment.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load transaction: %w", err)
	}
	return tx, nil
}

func orderPaymentVars(o *domorder.Order, inv *domorder.Invoice, tx *dompayment.Transaction) map[string]string {
	var delivery domorder.DeliveryInfo
	total := o.Total
	if inv != nil {
		delivery = inv.Delivery
		total = inv.Total
	}
	currency, code, content, at := "", "", "", ""
	if tx != nil {
		currency = tx.Currency
		code = strconv.FormatInt(tx.ID, 10)
		content = firstNonBlank(tx.ProviderReference, tx.CaptureID, tx.QRContent)
		when := tx.UpdatedAt
		if when.IsZero() {
			when = tx.CreatedAt
		}
		at = when.Format(dateTimeLayout)
	}
	return map[string]string{
		"customerName":       orMissing(firstNonBlank(delivery.RecipientName, o.CustomerName)),
		"customerPhone":      orMissing(delivery.Phone),
		"shippingAddress":    orMissing(delivery.AddressLine),
		"provinceCity":       orMissing(joinNonBlank(delivery.City, delivery.Province, ", ")),
		"orderTotal":         orMissing(FormatAmount(total, currency)),
		"transactionCode":    orMissing(code),
		"transactionContent": orMissing(content),
		"transactionTime":    orMissing(at),
	}
}

func (a *Actions) orderConfirmationRequested(ctx context.Context, m *domain.Message) error {
	p, err := domain.Decode[domain.OrderConfirmationRequested](m)
	if err != nil {
		return err
	}
	if p.RecipientEmail == "" {
		logctx.FromOr(ctx, nil).Info("order_confirmation_skipped_no_recipient")
		return nil
	}
	total := p.TotalAmount
	if d, err := decimal.NewFromString(p.TotalAmount); err == nil {
		total = FormatAmount(d, "")
	}
	code := ""
	if p.TransactionID != 0 {
		code = strconv.FormatInt(p.TransactionID, 10)
	}
	vars := map[string]string{
		"customerName":       orMissing(p.CustomerName),
		"customerPhone":      orMissing(p.CustomerPhone),
		"shippingAddress":    orMissing(p.ShippingAddress),
		"provinceCity":       orMissing(p.ProvinceCity),
		"orderTotal":         orMissing(total),
		"transactionCode":    orMissing(code),
		"transactionContent": orMissing(p.TransactionContent),
		"transactionTime":    orMissing(p.TransactionTime),
		"orderDetailsUrl":    orDefault(a.orderDetailURL(p.OrderID), "#"),
	}
	return a.sendHTML(ctx, p.RecipientEmail, paymentSubject(p.OrderID), TemplateOrderPayment, vars)
}

func (a *Actions) passwordReset(ctx context.Context, m *domain.Message) error {
	p, err := domain.Decode[domain.PasswordReset](m)
	if err != nil {
		return err
	}
	return a.sendHTML(ctx, p.Email, "AIMS Password Reset Request", TemplatePasswordReset, map[string]string{
		"email":          p.Email,
		"resetLink":      fmt.Sprintf("%s/reset-password?token=%s", a.cfg.FrontendURL, p.Token),
		"expirationTime": resetLinkExpires,
	})
}

func (a *Actions) userCreated(ctx context.Context, m *domain.Message) error {
	p, err := domain.Decode[domain.UserCreated](m)
	if err != nil {
		return err
	}
	return a.sendHTML(ctx, p.Email, "Welcome to AIMS - Account Created", TemplateUserCreated, map[string]string{
		"email":             p.Email,
		"temporaryPassword": p.TemporaryPassword,
		"loginUrl":          a.cfg.FrontendURL + "/login",
	})
}

// userNotice builds the account notices that only differ by template,
// subject and the name of the contact variable.
func (a *Actions) userNotice(template, subject, contactVar string) domain.Handler {
	return func(ctx context.Context, m *domain.Message) error {
		p, err := domain.Decode[domain.UserNotice](m)
		if err != nil {
			return err
		}
		vars := map[string]string{"email": p.Email}
		if contactVar != "" {
			vars[contactVar] = a.cfg.SupportEmail
		} else {
			vars["loginUrl"] = a.cfg.FrontendURL + "/login"
		}
		return a.sendHTML(ctx, p.Email, subject, template, vars)
	}
}

func (a *Actions) subscriptionThankYou(ctx context.Context, m *domain.Message) error {
	p, err := domain.Decode[domain.SubscriptionThankYou](m)
	if err != nil {
		return err
	}
	return a.sendHTML(ctx, p.Email, "Thank you for subscribing to AIMS!", TemplateSubscriptionThankYou, map[string]string{
		"homeUrl": a.cfg.FrontendURL,
	})
}

func (a *Actions) sendHTML(ctx context.Context, to, subject, template string, vars map[string]string) error {
	if to == "" {
		return fmt.Errorf("%s email requires a recipient", template)
	}
	body, err := a.renderer.Render(template, vars)
	if err != nil {
		return fmt.Errorf("render %s: %w", template, err)
	}
	return a.sender.Send(ctx, Email{From: a.cfg.From, To: to, Subject: subject, Body: body, HTML: true})
}

func (a *Actions) orderDetailURL(orderID int64) string {
	if orderID == 0 || a.cfg.OrderDetailURL == "" {
		return ""
	}
	return strings.ReplaceAll(a.cfg.OrderDetailURL, "{orderId}", strconv.FormatInt(orderID, 10))
}

func paymentSubject(orderID int64) string {
	if orderID == 0 {
		return "Payment confirmation"
	}
	return fmt.Sprintf("Payment confirmation - Order #%d", orderID)
}

var amountPrinter = message.NewPrinter(language.AmericanEnglish)

// FormatAmount renders an amount as #,##0.00 (half-up) followed by the
// upper-cased currency when one is known.
func FormatAmount(amount decimal.Decimal, currency string) string {
	rounded := amount.Round(2)
	whole := rounded.Truncate(0)
	frac := rounded.Sub(whole).Abs().Shift(2).IntPart()
	sign := ""
	if rounded.IsNegative() {
		sign = "-"
		whole = whole.Abs()
	}
	out := fmt.Sprintf("%s%s.%02d", sign, amountPrinter.Sprintf("%d", whole.IntPart()), frac)
	if currency = strings.TrimSpace(currency); currency != "" {
		out += " " + strings.ToUpper(currency)
	}
	return out
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func joinNonBlank(first, second, sep string) string {
	first, second = strings.TrimSpace(first), strings.TrimSpace(second)
	switch {
	case first == "":
		return second
	case second == "":
		return first
	}
	return first + sep + second
}

func orMissing(v string) string { return orDefault(v, missingValue) }

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
