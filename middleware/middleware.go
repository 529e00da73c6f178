// Package middleware wraps client calls to the management service.
//
// A HandlerFunc performs one call and returns the raw JSON reply. Middlewares
// decorate it with logging, deadlines, rate limiting and retries; the client
// builds the chain once and runs every call through it.
package middleware

import (
	"context"
	"encoding/json"

	"p2phun-rpc/message"
)

type HandlerFunc func(ctx context.Context, call *message.Call) (json.RawMessage, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件，第一个位于最外层
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
