// Package middleware implements the onion-style interceptor chain shared by
// the client and the server. The same HandlerFunc shape wraps the server's
// dispatch to a service method and the client's send of a single attempt.
package middleware

import (
	"context"

	"echorpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one is the outermost layer.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

func failure(req *message.RPCMessage, code int32, text string) *message.RPCMessage {
	return &message.RPCMessage{
		ServiceMethod: req.ServiceMethod,
		LogID:         req.LogID,
		Code:          code,
		Error:         text,
	}
}
