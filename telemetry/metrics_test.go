package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsInitialized(t *testing.T) {
	Init()

	if APIRequestDuration == nil {
		t.Error("APIRequestDuration histogram not initialized")
	}
	if RenewalDuration == nil {
		t.Error("RenewalDuration histogram not initialized")
	}
	if RenewalsStarted == nil || RenewalsFailed == nil || RenewalsSucceeded == nil {
		t.Error("renewal counters not initialized")
	}
	if ChatConnectionsOpen == nil {
		t.Error("ChatConnectionsOpen gauge not initialized")
	}
}

func TestInitIdempotent(t *testing.T) {
	Init()
	before := RenewalsStarted
	Init()
	if RenewalsStarted != before {
		t.Error("Init re-registered counters on second call")
	}
}

func TestIncNilSafe(t *testing.T) {
	// Must not panic on uninitialized metrics.
	Inc(nil)
	AddGauge(nil, 1)
	ObserveSince(nil, time.Now())
}

func TestIncCounts(t *testing.T) {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_inc_total", Help: "test"})
	Inc(c)
	Inc(c)
	if got := testutil.ToFloat64(c); got != 2 {
		t.Errorf("counter = %v, want 2", got)
	}

	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "test"})
	AddGauge(g, 3)
	AddGauge(g, -1)
	if got := testutil.ToFloat64(g); got != 2 {
		t.Errorf("gauge = %v, want 2", got)
	}
}

func TestObserveSinceRecordsObservation(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration",
		Buckets: prometheus.DefBuckets,
	})

	start := time.Now().Add(-20 * time.Millisecond)
	d := ObserveSince(h, start)
	if d < 20*time.Millisecond {
		t.Errorf("ObserveSince duration = %v, want >= 20ms", d)
	}

	metric := &dto.Metric{}
	if err := h.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.Histogram == nil || metric.Histogram.GetSampleCount() != 1 {
		t.Error("ObserveSince did not record exactly one observation")
	}
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if got := GetCorrelation(ctx); got != "" {
		t.Errorf("GetCorrelation on bare ctx = %q, want empty", got)
	}
	ctx = WithCorrelation(ctx, "abc-123")
	if got := GetCorrelation(ctx); got != "abc-123" {
		t.Errorf("GetCorrelation = %q, want abc-123", got)
	}
	if LoggerWithCorr(ctx) == nil {
		t.Error("LoggerWithCorr returned nil")
	}
}
