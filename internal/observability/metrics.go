package observability

// Metric keys. Use case and external call metrics are recorded by the
// application instrumentation; the rest by the component named in the help
// text registered for them.
const (
	MUsecaseRequests         MetricKey = "usecase_requests_total"
	MUsecaseDuration         MetricKey = "usecase_duration_seconds"
	MHTTPRequests            MetricKey = "http_requests_total"
	MHTTPRequestDuration     MetricKey = "http_request_duration_seconds"
	MExternalRequests        MetricKey = "external_requests_total"
	MExternalRequestDuration MetricKey = "external_request_duration_seconds"

	// MOutboxDispatched counts outbox rows by event_type and outcome
	// (sent, retry, exhausted).
	MOutboxDispatched MetricKey = "outbox_dispatch_total"
	// MReconciliationOrders counts orders touched by a sweep.
	MReconciliationOrders MetricKey = "reconciliation_orders_total"
	// MWebhookDeliveries counts provider deliveries by provider and outcome;
	// rejected deliveries are labelled "unverified".
	MWebhookDeliveries MetricKey = "webhook_deliveries_total"
)
