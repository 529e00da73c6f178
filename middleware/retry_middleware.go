package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"p2phun-rpc/message"
	"p2phun-rpc/transport"
)

// Retryable reports whether a failed call may be sent again. Only connection
// failures and timeouts qualify; protocol and validation errors never do.
func Retryable(err error) bool {
	return errors.Is(err, transport.ErrConnection) || errors.Is(err, transport.ErrTimeout)
}

// RetryMiddleware retries retryable failures up to maxRetries times with
// exponential backoff starting at baseDelay.
//
// A timed out call may already have run on the node, so only put this in
// front of calls that are safe to repeat.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (json.RawMessage, error) {
			reply, err := next(ctx, call)
			for i := 0; i < maxRetries && err != nil && Retryable(err); i++ {
				delay := baseDelay * time.Duration(1<<i)
				logger.Info("retrying call",
					zap.String("method", call.Method()),
					zap.Int("attempt", i+1),
					zap.Duration("backoff", delay),
					zap.Error(err))

				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, errors.Join(err, ctx.Err())
				case <-timer.C:
				}
				reply, err = next(ctx, call)
			}
			return reply, err
		}
	}
}
