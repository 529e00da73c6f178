package server

import (
	"time"

	"go.uber.org/zap"

	"p2phun-rpc/protocol"
	"p2phun-rpc/registry"
)

type config struct {
	logger         *zap.Logger
	maxMessageSize int
	writeChunk     int
	writePause     time.Duration
	registry       registry.Registry
	service        string
	advertiseAddr  string
	ttl            int64
}

func defaultConfig() config {
	return config{
		logger:         zap.NewNop(),
		maxMessageSize: protocol.DefaultMaxMessageSize,
		service:        registry.DefaultService,
		ttl:            10,
	}
}

type Option func(*config)

func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMaxMessageSize bounds a single request.
func WithMaxMessageSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxMessageSize = n
		}
	}
}

// WithWriteChunks makes the server write every reply in chunks of size bytes,
// sleeping pause between them, to exercise clients against fragmented streams.
func WithWriteChunks(size int, pause time.Duration) Option {
	return func(c *config) {
		c.writeChunk = size
		c.writePause = pause
	}
}

// WithRegistry announces the server under service at advertiseAddr once it is
// listening, and withdraws it on Shutdown. advertiseAddr must be routable
// from clients, unlike a listen address such as ":4999".
func WithRegistry(reg registry.Registry, service, advertiseAddr string) Option {
	return func(c *config) {
		c.registry = reg
		if service != "" {
			c.service = service
		}
		c.advertiseAddr = advertiseAddr
	}
}
