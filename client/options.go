package client

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"p2phun-rpc/middleware"
	"p2phun-rpc/registry"
	"p2phun-rpc/transport"
)

var ErrInvalidCfg = errors.New("client: invalid configuration")

type config struct {
	service     string
	poolSize    int
	logger      *zap.Logger
	transport   []transport.Option
	middlewares []middleware.Middleware
}

func defaultConfig() config {
	return config{
		service:  registry.DefaultService,
		poolSize: 4,
		logger:   zap.NewNop(),
	}
}

type Option func(*config) error

// WithService sets the registry service name the client resolves.
func WithService(name string) Option {
	return func(c *config) error {
		if name == "" {
			return fmt.Errorf("%w: empty service name", ErrInvalidCfg)
		}
		c.service = name
		return nil
	}
}

// WithPoolSize bounds the channels kept per management service.
func WithPoolSize(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return fmt.Errorf("%w: pool size %d", ErrInvalidCfg, n)
		}
		c.poolSize = n
		return nil
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *config) error {
		if logger == nil {
			return fmt.Errorf("%w: nil logger", ErrInvalidCfg)
		}
		c.logger = logger
		return nil
	}
}

// WithTransportOptions are applied to every channel the client dials.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(c *config) error {
		c.transport = append(c.transport, opts...)
		return nil
	}
}

// WithMiddleware appends to the call chain; the first one added is outermost.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *config) error {
		c.middlewares = append(c.middlewares, mws...)
		return nil
	}
}
