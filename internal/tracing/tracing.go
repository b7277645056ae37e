// Package tracing configures OpenTelemetry for the server.
package tracing

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const defaultServiceName = "media-gateway"

// Options controls tracing initialization.
type Options struct {
	// Endpoint is the OTLP/HTTP collector, host:port or URL. Empty disables export.
	Endpoint    string
	SampleRatio float64
	ServiceName string
}

// Init sets the global tracer provider and propagator. The returned function
// flushes pending spans and must be called on shutdown.
func Init(ctx context.Context, log *zap.Logger, opt Options) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	if strings.TrimSpace(opt.Endpoint) == "" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		log.Info("tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	svc := opt.ServiceName
	if strings.TrimSpace(svc) == "" {
		svc = defaultServiceName
	}
	res, err := resource.New(ctx,
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithAttributes(attribute.String("service.name", svc)),
	)
	if err != nil {
		log.Warn("tracing resource init failed", zap.Error(err))
		res = resource.Empty()
	}

	httpOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(stripScheme(opt.Endpoint))}
	if isInsecure(opt.Endpoint) {
		httpOpts = append(httpOpts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, httpOpts...)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(opt.SampleRatio)),
		sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	otel.SetTracerProvider(tp)
	log.Info("tracing enabled", zap.String("endpoint", opt.Endpoint), zap.Float64("sample_ratio", opt.SampleRatio))
	return tp.Shutdown, nil
}

// Sampler maps a ratio to a sampler: >=1 samples everything, <=0 nothing.
func Sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.AlwaysSample()
	case ratio <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// Middleware starts a server span per request, continuing any trace carried
// in the request headers. Health and metrics endpoints are not traced. Spans are
// named after the matched route and never record the query string, which may
// carry a credential.
func Middleware(next http.Handler) http.Handler {
	tracer := otel.Tracer("github.com/classhub/media/internal/tracing")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer.Start(ctx, r.Method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
			attribute.Int("http.status_code", status),
			attribute.Int("http.response_size", ww.BytesWritten()),
			attribute.String("user_agent.original", r.UserAgent()),
		)
		if route := routePattern(r); route != "" {
			span.SetName(r.Method + " " + route)
			span.SetAttributes(attribute.String("http.route", route))
		}
	})
}

// routePattern is the chi pattern the request matched, once routing is done.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return ""
	}
	return rctx.RoutePattern()
}

func isInsecure(endpoint string) bool {
	ep := strings.ToLower(strings.TrimSpace(endpoint))
	return strings.HasPrefix(ep, "http://") ||
		strings.Contains(ep, "localhost") || strings.Contains(ep, "127.0.0.1")
}

func stripScheme(endpoint string) string {
	e := strings.TrimSpace(endpoint)
	for _, scheme := range []string{"http://", "https://"} {
		if strings.HasPrefix(strings.ToLower(e), scheme) {
			return e[len(scheme):]
		}
	}
	return e
}
