package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Component groups spans by the part of the client that emits them. Each
// component gets its own tracer, "trpgweb/<component>".
type Component string

const (
	ComponentAPI  Component = "api"
	ComponentChat Component = "chat"
	ComponentDiag Component = "diag"
)

// TracingOptions describes the exporting process. Endpoint empty disables export.
type TracingOptions struct {
	ServiceName    string
	ServiceVersion string
	Profile        string
	Endpoint       string
	// SampleRatio in (0,1]; anything else samples every root span.
	SampleRatio float64
}

// TracingFromEnv reads OTEL_EXPORTER_OTLP_ENDPOINT and OTEL_TRACES_SAMPLER_ARG.
func TracingFromEnv(service, version, profile string) TracingOptions {
	opts := TracingOptions{
		ServiceName:    service,
		ServiceVersion: version,
		Profile:        profile,
		Endpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	if v, err := strconv.ParseFloat(os.Getenv("OTEL_TRACES_SAMPLER_ARG"), 64); err == nil {
		opts.SampleRatio = v
	}
	return opts
}

func (o TracingOptions) sampler() sdktrace.Sampler {
	if o.SampleRatio > 0 && o.SampleRatio < 1 {
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(o.SampleRatio))
	}
	return sdktrace.ParentBased(sdktrace.AlwaysSample())
}

// InitTracing installs an OTLP/gRPC exporter. Without an endpoint the global
// no-op provider stays in place and spans cost nothing.
func InitTracing(opts TracingOptions) (func(), error) {
	if opts.Endpoint == "" {
		slog.Debug("trace export off", slog.String("component", "telemetry"))
		return func() {}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithEndpoint(opts.Endpoint),
	)
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(opts.ServiceVersion),
			attribute.String("trpg.session_profile", opts.Profile),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(opts.sampler()),
	)
	otel.SetTracerProvider(tp)
	slog.Info("trace export on", slog.String("endpoint", opts.Endpoint), slog.Float64("sample_ratio", opts.SampleRatio), slog.String("component", "telemetry"))

	return func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := tp.Shutdown(flushCtx); err != nil {
			slog.Warn("trace flush failed", slog.Any("err", err), slog.String("component", "telemetry"))
		}
	}, nil
}

// SpanName is "<component>.<op>", e.g. "api.renew" or "chat.history.load".
func SpanName(c Component, op string) string { return string(c) + "." + op }

// StartSpan opens span c.op on the component's tracer and tags it with the
// correlation id carried by ctx.
func StartSpan(ctx context.Context, c Component, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if corr := GetCorrelation(ctx); corr != "" {
		attrs = append(attrs, attribute.String("trpg.correlation_id", corr))
	}
	return otel.Tracer("trpgweb/"+string(c)).Start(ctx, SpanName(c, op), trace.WithAttributes(attrs...))
}

// SpanFailed marks span as errored. A nil err is ignored.
func SpanFailed(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func SpanOK(span trace.Span) { span.SetStatus(codes.Ok, "") }

// SpanResponse records an HTTP response code; 401 and 5xx are errors, other
// 4xx are answers the caller handles.
func SpanResponse(span trace.Span, status int) {
	span.SetAttributes(attribute.Int("http.response.status_code", status))
	if status == 401 || status >= 500 {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
	}
}

// RequestAttrs tags an outgoing or served REST call.
func RequestAttrs(method, path string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("http.request.method", method),
		attribute.String("url.path", path),
	}
}

func RoomAttr(roomID int64) attribute.KeyValue { return attribute.Int64("trpg.room_id", roomID) }

// ReplayAttr marks a REST call that went through renewal and was sent again.
func ReplayAttr(replayed bool) attribute.KeyValue { return attribute.Bool("trpg.replayed", replayed) }

func ConnAttr(id string) attribute.KeyValue { return attribute.String("trpg.conn_id", id) }
