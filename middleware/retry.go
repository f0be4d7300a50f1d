package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"echorpc/logging"
	"echorpc/message"
	"echorpc/rpc"
)

// RetryMiddleware sends the request again, up to maxRetries times, while the
// response carries a retryable code. The delay starts at baseDelay and doubles
// per attempt. No attempt starts once ctx is done.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, lg *zap.SugaredLogger) Middleware {
	lg = logging.OrNop(lg)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			resp := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if !rpc.Retryable(resp.Code) {
					return resp
				}
				if !sleep(ctx, baseDelay<<i) {
					return resp
				}
				lg.Debugw(
					"retrying",
					"service_method", req.ServiceMethod,
					"log_id", req.LogID,
					"attempt", i+1,
					"err", resp.Error,
				)
				resp = next(ctx, req)
			}
			return resp
		}
	}
}

// sleep waits for d and reports whether ctx is still alive afterwards.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return ctx.Err() == nil
	}
}
