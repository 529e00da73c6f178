package middleware

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"p2phun-rpc/message"
)

// LoggingMiddleware logs every call with its duration, at debug level on
// success and warn level on failure.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (json.RawMessage, error) {
			start := time.Now()
			reply, err := next(ctx, call)
			fields := []zap.Field{
				zap.String("method", call.Method()),
				zap.Int("args", len(call.Args)),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("call failed", append(fields, zap.Error(err))...)
				return reply, err
			}
			logger.Debug("call done", append(fields, zap.Int("reply_bytes", len(reply)))...)
			return reply, nil
		}
	}
}
