package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"echorpc/message"
	"echorpc/rpc"
)

// RateLimitMiddleware rejects requests beyond r per second (token bucket with
// the given burst) with ECodeLimited.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if !limiter.Allow() {
				return failure(req, rpc.ECodeLimited, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
