// Package server exposes the local diagnostics HTTP surface: liveness,
// readiness, chat status and Prometheus metrics. Every request carries a
// correlation ID in its context for consistent logging.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seji7/trpgweb/chat"
	"github.com/seji7/trpgweb/telemetry"
)

// Authenticator reports whether a session is held. *session.Store implements it.
type Authenticator interface {
	Authenticated() bool
}

// Pinger checks a backing store. *db.SessionPersister implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the diagnostics handlers read from.
type Deps struct {
	Session Authenticator
	// Persister is pinged by /readyz when set.
	Persister Pinger
	// Status reports the active room. Nil means no room is wired.
	Status func() chat.Status
	// Token, when set, guards /status with X-Diag-Token or a bearer header.
	Token string
}

// NewMux returns the diagnostics handler with all routes.
func NewMux(deps Deps) http.Handler {
	h := &handlers{deps: deps}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.HandleFunc("GET /readyz", h.readyz)
	mux.Handle("GET /status", tokenAuth(http.HandlerFunc(h.status), deps.Token))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, telemetry.ComponentDiag, "request", telemetry.RequestAttrs(r.Method, r.URL.Path)...)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(rec, r.WithContext(ctx))
		telemetry.SpanResponse(span, rec.statusCode)
	})
}

// Start serves handler on addr and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("diagnostics server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("diagnostics server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("diagnostics server error", slog.Any("err", err))
		return err
	}
	return nil
}
