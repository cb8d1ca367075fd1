package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vyrodovalexey/svcgw/internal/util"
)

const (
	otlpTimeout       = 10 * time.Second
	otlpReconnect     = 10 * time.Second
	otlpRetryInitial  = time.Second
	otlpRetryMax      = 30 * time.Second
	otlpRetryDeadline = time.Minute

	// forwardTracerName names the spans opened around upstream attempts.
	forwardTracerName = "svcgw/proxy"
)

// Span attributes specific to the gateway.
const (
	AttrService  = attribute.Key("gateway.service")
	AttrInstance = attribute.Key("gateway.instance")
	AttrAttempt  = attribute.Key("gateway.attempt")

	attrStatusCode = attribute.Key("http.response.status_code")
)

// TracerConfig contains tracing configuration.
type TracerConfig struct {
	ServiceName  string
	OTLPEndpoint string
	SamplingRate float64
	Enabled      bool
}

// Tracer owns the process tracer provider. A disabled Tracer has no
// provider and opens non-recording spans.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer installs the W3C trace context propagator and, when enabled,
// an SDK provider exporting to OTLPEndpoint over gRPC. Without an endpoint
// spans are sampled but not exported.
func NewTracer(cfg TracerConfig) (*Tracer, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enabled {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer(cfg.ServiceName)}, nil
	}

	res, err := resource.Merge(resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(createSampler(cfg.SamplingRate)),
	}
	if cfg.OTLPEndpoint != "" {
		exporter, err := newOTLPExporter(cfg.OTLPEndpoint)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter %s: %w", cfg.OTLPEndpoint, err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)

	return &Tracer{provider: provider, tracer: provider.Tracer(cfg.ServiceName)}, nil
}

func newOTLPExporter(endpoint string) (*otlptrace.Exporter, error) {
	return otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(otlpTimeout),
		otlptracegrpc.WithReconnectionPeriod(otlpReconnect),
		otlptracegrpc.WithRetry(otlptracegrpc.RetryConfig{
			Enabled:         true,
			InitialInterval: otlpRetryInitial,
			MaxInterval:     otlpRetryMax,
			MaxElapsedTime:  otlpRetryDeadline,
		}),
	)
}

// createSampler follows the parent's decision for fractional rates.
func createSampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Shutdown flushes pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// StartSpan starts a span on the gateway tracer.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// TracingMiddleware opens one server span per request, continuing any
// incoming W3C trace. Once the dispatcher has resolved the service the
// span is renamed to "METHOD service".
func TracingMiddleware(tracer *Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.StartSpan(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
					attribute.String("user_agent.original", r.UserAgent()),
					attribute.String("server.address", r.Host),
				),
			)
			defer span.End()

			if sc := span.SpanContext(); sc.IsValid() {
				ctx = ContextWithTraceID(ctx, sc.TraceID().String())
				ctx = ContextWithSpanID(ctx, sc.SpanID().String())
			}
			ctx, meta := util.EnsureRequestMeta(ctx)

			rw := util.NewStatusCapturingResponseWriter(w)
			next.ServeHTTP(rw, r.WithContext(ctx))

			span.SetAttributes(attrStatusCode.Int(rw.StatusCode))
			if service := meta.Service(); service != "" {
				span.SetName(r.Method + " " + service)
				span.SetAttributes(AttrService.String(service))
			}
			if instance := meta.Instance(); instance != "" {
				span.SetAttributes(AttrInstance.String(instance))
			}
			if rw.StatusCode >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rw.StatusCode))
			}
		})
	}
}

// StartForwardSpan opens a client span for one upstream attempt on the
// global provider. It is a no-op span when tracing is disabled.
func StartForwardSpan(ctx context.Context, service, instance string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(forwardTracerName).Start(ctx, "forward "+service,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrService.String(service),
			AttrInstance.String(instance),
			AttrAttempt.Int(attempt),
		),
	)
}

// EndForwardSpan records the attempt's outcome and ends span. status is
// ignored when err is set.
func EndForwardSpan(span trace.Span, status int, err error) {
	defer span.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport failure")
		return
	}
	span.SetAttributes(attrStatusCode.Int(status))
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
	}
}

// InjectTraceContext writes the trace context of ctx into r's headers.
func InjectTraceContext(ctx context.Context, r *http.Request) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(r.Header))
}
