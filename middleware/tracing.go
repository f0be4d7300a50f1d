package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"echorpc/message"
	"echorpc/rpc"
)

const instrumentationName = "echorpc/middleware"

// TracingMiddleware opens a client span per call. A nil tracer uses the
// global provider, which records nothing until one is installed.
func TracingMiddleware(tracer trace.Tracer) Middleware {
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			ctx, span := tracer.Start(ctx, req.ServiceMethod,
				trace.WithSpanKind(trace.SpanKindClient),
				trace.WithAttributes(
					attribute.String("rpc.system", "echorpc"),
					attribute.Int64("rpc.log_id", int64(req.LogID)),
				))
			defer span.End()

			resp := next(ctx, req)
			if resp.Failed() {
				span.SetAttributes(attribute.Int("rpc.code", int(resp.Code)))
				span.SetStatus(codes.Error, "client failed")
				span.RecordError(rpc.Errorf(resp.Code, "%s", resp.Error))
			} else {
				span.SetStatus(codes.Ok, "OK")
			}
			return resp
		}
	}
}
