package observability

import (
	"testing"

	"github.com/Zhima-Mochi/fulfillment-engine/internal/infrastructure/observability/prometrics"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestProviderFallsBackToNops(t *testing.T) {
	p := New(nil, nil, nil, nil)
	if p.Tracer() == nil || p.Logger() == nil || p.Metrics() == nil {
		t.Fatal("expected non-nil fallbacks")
	}
	p.Metrics().Counter("missing").Add(1)
	p.Metrics().Histogram("missing").Observe(1)
}

func TestInstrumentsAreResolvable(t *testing.T) {
	reg := prometheus.NewRegistry()
	counters, histograms := Instruments(prometrics.NewWithRegisterer(reg, "", ""))
	p := New(nil, nil, counters, histograms)

	p.Metrics().Counter(observability.MOutboxDispatched).Add(1,
		observability.L("event_type", "RAW_EMAIL"),
		observability.L("outcome", "sent"),
	)
	if got := testutil.CollectAndCount(reg, string(observability.MOutboxDispatched)); got != 1 {
		t.Fatalf("expected outbox counter to be collected, got %d", got)
	}
}
