package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/frankli0324/go-dispatch"

type tracer struct {
	t trace.Tracer
}

// NewTracer starts a client span per hop. the global tracer provider is
// used when tp is nil.
func NewTracer(tp trace.TracerProvider) Observer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &tracer{t: tp.Tracer(tracerName)}
}

func (o *tracer) HopStarted(ctx context.Context, h Hop) context.Context {
	ctx, _ = o.t.Start(ctx, "dispatch "+h.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("dispatch.request_id", h.RequestID),
			attribute.Int("dispatch.hop", h.N),
			attribute.String("dispatch.conn", h.Kind),
			attribute.Bool("dispatch.tunnel", h.Tunnel),
			attribute.String("http.request.method", h.Method),
			attribute.String("url.full", h.URL),
		),
	)
	return ctx
}

func (o *tracer) HopFinished(ctx context.Context, _ Hop, status int, _ time.Duration, err error) {
	span := trace.SpanFromContext(ctx)
	if status != 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", status))
	}
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case status >= 400:
		span.SetStatus(codes.Error, "")
	}
	span.End()
}

func (o *tracer) Redirected(ctx context.Context, _ Hop, location string) {
	trace.SpanFromContext(ctx).AddEvent("redirect", trace.WithAttributes(attribute.String("location", location)))
}

func (o *tracer) RequestBody(ctx context.Context, _ Hop, body []byte) {
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("http.request.body.size", len(body)))
}

func (o *tracer) ResponseBody(ctx context.Context, _ Hop, body []byte) {
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("http.response.body.size", len(body)))
}
