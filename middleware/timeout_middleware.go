package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"p2phun-rpc/message"
	"p2phun-rpc/transport"
)

// TimeOutMiddleware bounds each call. The handler sees the deadline through
// ctx; if it does not return in time the call fails with transport.ErrTimeout.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (json.RawMessage, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type result struct {
				reply json.RawMessage
				err   error
			}
			done := make(chan result, 1)
			go func() {
				reply, err := next(ctx, call)
				done <- result{reply, err}
			}()

			select {
			case res := <-done:
				return res.reply, res.err
			case <-ctx.Done():
				if ctx.Err() == context.Canceled {
					return nil, ctx.Err()
				}
				return nil, fmt.Errorf("%w: %s after %s", transport.ErrTimeout, call.Method(), timeout)
			}
		}
	}
}
