package hub

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultTracerName = "localstore/hub"

func newTracer(provider trace.TracerProvider, name string) trace.Tracer {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	if name == "" {
		name = defaultTracerName
	}
	return provider.Tracer(name)
}

// startSpan opens the server span for one hub request.
func (s *Server) startSpan(r *http.Request, route string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("localstore.route", route),
		attribute.String("http.method", r.Method),
	}
	if key := r.URL.Query().Get("key"); key != "" {
		attrs = append(attrs, attribute.String("localstore.key", key))
	}
	if source := sourceOf(r); source != "" {
		attrs = append(attrs, attribute.String("localstore.source", source))
	}

	return s.tracer.Start(r.Context(), "localstore."+route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
}

func endSpan(span trace.Span, status int, err error) {
	span.SetAttributes(attribute.Int("http.status_code", status))
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case status >= http.StatusInternalServerError:
		span.SetStatus(codes.Error, http.StatusText(status))
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

