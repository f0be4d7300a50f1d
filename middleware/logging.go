package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"echorpc/logging"
	"echorpc/message"
)

// LoggingMiddleware logs every call with its log id, status and duration.
func LoggingMiddleware(lg *zap.SugaredLogger) Middleware {
	lg = logging.OrNop(lg)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)
			duration := time.Since(start)
			if resp.Failed() {
				lg.Warnw(
					"rpc failed",
					"service_method", req.ServiceMethod,
					"log_id", req.LogID,
					"code", resp.Code,
					"err", resp.Error,
					"duration", duration,
				)
				return resp
			}
			lg.Debugw(
				"rpc done",
				"service_method", req.ServiceMethod,
				"log_id", req.LogID,
				"duration", duration,
			)
			return resp
		}
	}
}
