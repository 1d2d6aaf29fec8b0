package application

import (
	"context"
	"errors"
	"time"

	"github.com/Zhima-Mochi/fulfillment-engine/internal/apperr"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/observability"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/observability/logctx"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const spanPrefix = "UC."

// Instrumentation carries the tracer, base logger and RED instruments a
// service records its use cases with.
type Instrumentation struct {
	tracer observability.Tracer
	// Base logger with fixed fields prebound (vendor must remain hidden).
	log observability.Logger
	// RED metrics (supplied via DI; do not instantiate inside methods).
	reqCounter   observability.Counter   // usecase_requests_total{use_case,outcome}
	durHistogram observability.Histogram // usecase_duration_seconds{use_case}

	extCounter   observability.Counter   // external_requests_total{peer,endpoint,outcome}
	extHistogram observability.Histogram // external_request_duration_seconds{peer,endpoint}
}

func NewInstrumentation(tel observability.Observability, service string) *Instrumentation {
	if tel == nil {
		tel = observability.Nop()
	}
	metrics := tel.Metrics()
	return &Instrumentation{
		tracer:       tel.Tracer(),
		log:          tel.Logger().With(observability.F("service", service)),
		reqCounter:   metrics.Counter(observability.MUsecaseRequests),
		durHistogram: metrics.Histogram(observability.MUsecaseDuration),
		extCounter:   metrics.Counter(observability.MExternalRequests),
		extHistogram: metrics.Histogram(observability.MExternalRequestDuration),
	}
}

// Logger returns the service logger.
func (in *Instrumentation) Logger() observability.Logger { return in.log }

// Run is one in-flight use case execution.
type Run struct {
	in         *Instrumentation
	ctx        context.Context
	useCase    string
	span       trace.Span
	start      time.Time
	logger     observability.Logger
	outcome    string
	statusText string
	fields     []observability.Field
}

// Start opens the span of a use case and returns the derived context. The
// caller must defer End with its named error return.
func (in *Instrumentation) Start(ctx context.Context, useCase, name string, attrs ...attribute.KeyValue) (context.Context, *Run) {
	logger := logctx.FromOr(ctx, in.log).With(observability.F("use_case", useCase))
	attrs = append([]attribute.KeyValue{attribute.String("use_case", useCase)}, attrs...)
	ctx, span := in.tracer.Start(ctx, spanPrefix+name, attrs...)
	ctx = logctx.With(ctx, logger)
	return ctx, &Run{
		in:         in,
		ctx:        ctx,
		useCase:    useCase,
		span:       span,
		start:      time.Now(),
		logger:     logger,
		outcome:    "success",
		statusText: "OK",
	}
}

// Logger returns the use case scoped logger.
func (r *Run) Logger() observability.Logger { return r.logger }

// Span returns the use case span.
func (r *Run) Span() trace.Span { return r.span }

// Fail marks the execution as failed with a status code for logs and spans.
func (r *Run) Fail(status string) {
	r.outcome, r.statusText = "error", status
}

// Status records a non-error status such as a replay.
func (r *Run) Status(status string) {
	r.statusText = status
}

// Field adds a field to the closing log entry.
func (r *Run) Field(key string, value any) {
	r.fields = append(r.fields, observability.F(key, value))
}

// End records span status, RED metrics and the use_case_done entry.
func (r *Run) End(err error) {
	lat := time.Since(r.start).Seconds()
	if err != nil && r.outcome == "success" {
		r.Fail(statusFor(err))
	}

	if r.span != nil {
		if err != nil {
			r.span.RecordError(err)
			r.span.SetStatus(codes.Error, r.statusText)
		} else {
			r.span.SetStatus(codes.Ok, r.statusText)
		}
		r.span.End()
	}

	if r.in.reqCounter != nil {
		r.in.reqCounter.Add(1,
			observability.L("use_case", r.useCase),
			observability.L("outcome", r.outcome),
		)
	}
	if r.in.durHistogram != nil {
		r.in.durHistogram.Observe(lat,
			observability.L("use_case", r.useCase),
		)
	}

	fields := append([]observability.Field{
		observability.F("outcome", r.outcome),
		observability.F("status", r.statusText),
		observability.F("latency_seconds", lat),
	}, r.fields...)
	if sc := trace.SpanContextFromContext(r.ctx); sc.IsValid() {
		fields = append(fields,
			observability.F("trace_id", sc.TraceID().String()),
			observability.F("span_id", sc.SpanID().String()),
		)
	}
	if err != nil {
		fields = append(fields, observability.F("error", err.Error()))
	}

	r.logger.Info("use_case_done", fields...)
}

// External records one call to a remote peer.
func (in *Instrumentation) External(peer, endpoint string, start time.Time, err error) {
	outcome := "success"
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		outcome = "canceled"
	case err != nil:
		outcome = "error"
	}
	if in.extCounter != nil {
		in.extCounter.Add(1,
			observability.L("peer", peer),
			observability.L("endpoint", endpoint),
			observability.L("outcome", outcome),
		)
	}
	if in.extHistogram != nil {
		in.extHistogram.Observe(time.Since(start).Seconds(),
			observability.L("peer", peer),
			observability.L("endpoint", endpoint),
		)
	}
}

func statusFor(err error) string {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return "VALIDATION_FAILED"
	case errors.Is(err, apperr.ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, apperr.ErrBusinessRule):
		return "BUSINESS_RULE"
	case errors.Is(err, apperr.ErrConflict):
		return "CONFLICT"
	case errors.Is(err, apperr.ErrProvider):
		return "PROVIDER_FAILED"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "CONTEXT_CANCELED"
	default:
		return "INTERNAL"
	}
}
