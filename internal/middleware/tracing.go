package middleware

import (
	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracing starts a server span per request and propagates incoming
// trace context.
func Tracing(serviceName string) fiber.Handler {
	tracer := otel.Tracer(serviceName)
	propagator := otel.GetTextMapPropagator()

	return func(c *fiber.Ctx) error {
		ctx := propagator.Extract(c.UserContext(), &fiberCarrier{c: c})

		spanName := c.Method() + " " + c.Route().Path
		if spanName == " " {
			spanName = c.Method() + " " + c.Path()
		}

		ctx, span := tracer.Start(ctx, spanName,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPMethod(c.Method()),
				semconv.HTTPURL(c.OriginalURL()),
				semconv.HTTPRoute(c.Route().Path),
				semconv.HTTPTarget(c.Path()),
				attribute.String("http.client_ip", c.IP()),
			),
		)
		defer span.End()

		c.SetUserContext(ctx)
		if span.SpanContext().HasTraceID() {
			c.Locals("trace_id", span.SpanContext().TraceID().String())
			c.Set("X-Trace-Id", span.SpanContext().TraceID().String())
		}

		err := c.Next()

		statusCode := c.Response().StatusCode()
		span.SetAttributes(semconv.HTTPStatusCode(statusCode))

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}

		switch {
		case statusCode >= 500:
			span.SetStatus(codes.Error, "Internal server error")
		case statusCode >= 400:
			span.SetStatus(codes.Error, "Client error")
		default:
			span.SetStatus(codes.Ok, "")
		}

		return nil
	}
}

// fiberCarrier adapts fiber.Ctx to propagation.TextMapCarrier.
type fiberCarrier struct {
	c *fiber.Ctx
}

func (fc *fiberCarrier) Get(key string) string {
	return fc.c.Get(key)
}

func (fc *fiberCarrier) Set(key, value string) {
	fc.c.Set(key, value)
}

func (fc *fiberCarrier) Keys() []string {
	keys := make([]string, 0)
	fc.c.Request().Header.VisitAll(func(key, _ []byte) {
		keys = append(keys, string(key))
	})
	return keys
}
