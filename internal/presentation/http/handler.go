// Package httppresentation exposes the order, payment, webhook and
// notification use cases over JSON/HTTP.
package httppresentation

import (
	"context"
	"net/http"
	"strings"
	"time"

	appOrder "github.com/Zhima-Mochi/fulfillment-engine/internal/application/order"
	appPayment "github.com/Zhima-Mochi/fulfillment-engine/internal/application/payment"
	appWebhook "github.com/Zhima-Mochi/fulfillment-engine/internal/application/webhook"
	domoutbox "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/outbox"
	domstock "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/stock"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/observability"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/observability/logctx"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type OrderService interface {
	CreateOrder(ctx context.Context, in appOrder.CreateOrderInput) (*appOrder.CreateOrderResult, error)
	GetOrder(ctx context.Context, id int64) (*appOrder.View, error)
	CancelOrder(ctx context.Context, id int64) (*appOrder.View, error)
	CheckOrderState(ctx context.Context, cartKey string, lines []domstock.Line) (*appOrder.StateResult, error)
	UpdateDeliveryInfo(ctx context.Context, in appOrder.UpdateDeliveryInput) (*appOrder.CreateOrderResult, error)
	QuoteShippingFee(ctx context.Context, province string, cartValue decimal.Decimal, cartKey string) (*appOrder.ShippingQuote, error)
	ListPending(ctx context.Context, page, size int) (*appOrder.Page, error)
	Approve(ctx context.Context, id int64) (*appOrder.Summary, error)
	Reject(ctx context.Context, id int64, reason string) (*appOrder.Summary, error)
}

type PaymentService interface {
	CreatePayment(ctx context.Context, in appPayment.CreatePaymentInput) (*appPayment.Result, error)
	MarkCaptured(ctx context.Context, txID int64, providerRef string) (*appPayment.Result, error)
	CancelTransaction(ctx context.Context, txID int64, reason string) (*appPayment.Result, error)
	RefreshStatus(ctx context.Context, txID int64) (*appPayment.Result, error)
}

type WebhookService interface {
	HandlePayPal(ctx context.Context, h appWebhook.PayPalHeaders, body []byte) (appWebhook.Outcome, error)
	HandlePayOS(ctx context.Context, body []byte) (appWebhook.Outcome, error)
	Simulate(ctx context.Context, event appWebhook.MockEvent, orderID int64, providerRef string) (*appPayment.Result, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, eventType domoutbox.EventType, payload any, key string) error
}

type Options struct {
	// MockWebhooks mounts /api/webhooks/mock/*; never enable it in production.
	MockWebhooks bool
}

type Handler struct {
	orders   OrderService
	payments PaymentService
	webhooks WebhookService
	outbox   Enqueuer
	validate *validatorv10.Validate
	opts     Options
	log      observability.Logger
	tel      observability.Observability
}

const (
	componentHTTPHandler = "http_server"
	headerRequestID      = "X-Request-ID"

	// maxBodyBytes bounds every request body, webhook deliveries included.
	maxBodyBytes = 1 << 20
)

func NewHandler(
	orders OrderService,
	payments PaymentService,
	webhooks WebhookService,
	outbox Enqueuer,
	opts Options,
	tel observability.Observability,
) *Handler {
	if tel == nil {
		tel = observability.Nop()
	}
	baseLogger := tel.Logger()
	if baseLogger == nil {
		baseLogger = observability.NopLogger()
	}
	return &Handler{
		orders:   orders,
		payments: payments,
		webhooks: webhooks,
		outbox:   outbox,
		validate: newValidator(),
		opts:     opts,
		log:      baseLogger.With(observability.F("component", componentHTTPHandler)),
		tel:      tel,
	}
}

func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	// Trace → ObservabilityMiddleware (request logger, metrics) → Access log → Handler
	h.muxHandle(mux, "POST /api/orders", h.handleCreateOrder)
	h.muxHandle(mux, "GET /api/orders/{id}", h.handleGetOrder)
	h.muxHandle(mux, "POST /api/orders/{id}/cancel", h.handleCancelOrder)
	h.muxHandle(mux, "POST /api/orders/check-order-state", h.handleCheckOrderState)
	h.muxHandle(mux, "PUT /api/orders/{id}/delivery-info", h.handleUpdateDeliveryInfo)
	h.muxHandle(mux, "POST /api/orders/shipping-fee", h.handleShippingFee)

	h.muxHandle(mux, "GET /api/admin/orders/pending", h.handleListPending)
	h.muxHandle(mux, "POST /api/admin/orders/{id}/approve", h.handleApprove)
	h.muxHandle(mux, "POST /api/admin/orders/{id}/reject", h.handleReject)

	h.muxHandle(mux, "POST /api/payments", h.handleCreatePayment)
	h.muxHandle(mux, "POST /api/payments/{id}/capture", h.handleCapture)
	h.muxHandle(mux, "POST /api/payments/{id}/cancel", h.handleCancelPayment)
	h.muxHandle(mux, "POST /api/payments/{id}/refresh", h.handleRefreshPayment)

	h.muxHandle(mux, "POST /api/payments/webhooks/paypal", h.handlePayPalWebhook)
	h.muxHandle(mux, "POST /api/payments/webhooks/payos", h.handlePayOSWebhook)
	if h.opts.MockWebhooks {
		h.muxHandle(mux, "POST /api/webhooks/mock/{event}", h.handleMockWebhook)
	}

	h.muxHandle(mux, "POST /api/notifications/email", h.handleSendEmail)
	h.muxHandle(mux, "POST /api/notifications/order-payment-email", h.handleOrderPaymentEmail)
	h.muxHandle(mux, "POST /api/notifications/subscription-thank-you", h.handleSubscriptionThankYou)

	h.muxHandle(mux, "GET /health", h.handleHealth)

	return mux
}

// muxHandle registers pattern and labels metrics, logs and spans with it so
// path parameters never reach a label.
func (h *Handler) muxHandle(mux *http.ServeMux, pattern string, handler http.HandlerFunc) {
	wrapped := h.withTrace(
		ObservabilityMiddleware(
			h.log,
			func(r *http.Request) string { return r.Header.Get(headerRequestID) },
			h.tel,
		)(
			h.withAccessLog(http.HandlerFunc(handler)),
		),
	)
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		wrapped.ServeHTTP(w, r.WithContext(contextWithRoute(r.Context(), pattern)))
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// withAccessLog writes a single access log after the handler completes.
// It relies on the request-scoped logger already injected by ObservabilityMiddleware.
func (h *Handler) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(lrw, r)

		logctx.FromOr(r.Context(), h.log).Info("http_access",
			observability.F("method", r.Method),
			observability.F("route", routeFromContext(r.Context())),
			observability.F("path", r.URL.Path),
			observability.F("status", lrw.status),
			observability.F("latency_ms", time.Since(start).Milliseconds()),
		)
	})
}

// withTrace creates a server span for the request using OTel and W3C propagation.
func (h *Handler) withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tracer := otel.Tracer("fulfillment.http")
		parentCtx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		route := routeFromContext(parentCtx)
		spanName := route
		if spanName == "unknown" {
			spanName = r.Method + " " + r.URL.Path
		}
		template := route
		if idx := strings.Index(template, " "); idx >= 0 {
			template = template[idx+1:]
		}
		if template == "unknown" || template == "" {
			template = r.URL.Path
		}

		ctxWithSpan, span := tracer.Start(parentCtx,
			spanName,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", template),
				attribute.String("http.target", r.URL.Path),
				attribute.String("http.user_agent", r.UserAgent()),
			),
		)
		defer span.End()

		next.ServeHTTP(w, r.WithContext(ctxWithSpan))
	})
}

type routeKey struct{}

// contextWithRoute stores the stable route template in the context so downstream
// metrics/logging can rely on low-cardinality values.
func contextWithRoute(ctx context.Context, route string) context.Context {
	if route == "" {
		return ctx
	}
	return context.WithValue(ctx, routeKey{}, route)
}

func routeFromContext(ctx context.Context) string {
	if ctx == nil {
		return "unknown"
	}
	if route, ok := ctx.Value(routeKey{}).(string); ok && route != "" {
		return route
	}
	return "unknown"
}
