// Package telemetry provides Prometheus metrics, OpenTelemetry spans and
// correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	APIRequests         prometheus.Counter
	APIAuthFailures     prometheus.Counter
	RenewalsStarted     prometheus.Counter
	RenewalsSucceeded   prometheus.Counter
	RenewalsFailed      prometheus.Counter
	RequestsReplayed    prometheus.Counter
	SessionsEnded       prometheus.Counter
	ChatFramesReceived  prometheus.Counter
	ChatFramesMalformed prometheus.Counter
	ChatMessagesSent    prometheus.Counter
	ChatTransportErrors prometheus.Counter
	HistoryLoadsFailed  prometheus.Counter

	// Histograms (seconds)
	APIRequestDuration prometheus.Observer
	RenewalDuration    prometheus.Observer

	// Gauges
	ChatConnectionsOpen prometheus.Gauge
	RenewalWaiters      prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		APIRequests = promauto.NewCounter(prometheus.CounterOpts{Name: "trpg_api_requests_total", Help: "REST requests dispatched (including replays)"})
		APIAuthFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "trpg_api_auth_failures_total", Help: "REST responses carrying the expiry signal"})
		RenewalsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "trpg_renewals_started_total", Help: "Credential renewal round-trips issued"})
		RenewalsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "trpg_renewals_succeeded_total", Help: "Credential renewals that produced a new access token"})
		RenewalsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "trpg_renewals_failed_total", Help: "Credential renewals that ended the session"})
		RequestsReplayed = promauto.NewCounter(prometheus.CounterOpts{Name: "trpg_requests_replayed_total", Help: "Pending requests replayed after renewal"})
		SessionsEnded = promauto.NewCounter(prometheus.CounterOpts{Name: "trpg_sessions_ended_total", Help: "Sessions torn down after renewal failure"})
		ChatFramesReceived = promauto.NewCounter(prometheus.CounterOpts{Name: "trpg_chat_frames_received_total", Help: "Inbound chat frames"})
		ChatFramesMalformed = promauto.NewCounter(prometheus.CounterOpts{Name: "trpg_chat_frames_malformed_total", Help: "Inbound chat frames that failed to parse"})
		ChatMessagesSent = promauto.NewCounter(prometheus.CounterOpts{Name: "trpg_chat_messages_sent_total", Help: "Outbound chat messages queued for transmission"})
		ChatTransportErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "trpg_chat_transport_errors_total", Help: "Chat socket read/write/dial failures"})
		HistoryLoadsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "trpg_history_loads_failed_total", Help: "Room history fetches that degraded to empty"})
		APIRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "trpg_api_request_duration_seconds", Help: "REST round-trip seconds", Buckets: prometheus.DefBuckets})
		RenewalDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "trpg_renewal_duration_seconds", Help: "Renewal round-trip seconds", Buckets: prometheus.DefBuckets})
		ChatConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{Name: "trpg_chat_connections_open", Help: "Chat sockets currently open"})
		RenewalWaiters = promauto.NewGauge(prometheus.GaugeOpts{Name: "trpg_renewal_waiters", Help: "Requests parked behind an in-flight renewal"})
	})
}

// Inc increments c if metrics have been initialized.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// AddGauge adds delta to g if metrics have been initialized.
func AddGauge(g prometheus.Gauge, delta float64) {
	if g != nil {
		g.Add(delta)
	}
}

// ObserveSince records the seconds elapsed since start in obs if non-nil.
func ObserveSince(obs prometheus.Observer, start time.Time) time.Duration {
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
