package transport

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"

	"p2phun-rpc/protocol"
)

type config struct {
	dialTimeout    time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	readSize       int
	maxMessageSize int
	numberSettle   time.Duration
	logger         *zap.Logger
	metricLabels   []metrics.Label
}

func defaultConfig() config {
	return config{
		dialTimeout:    10 * time.Second,
		readSize:       protocol.DefaultReadSize,
		maxMessageSize: protocol.DefaultMaxMessageSize,
		numberSettle:   50 * time.Millisecond,
		logger:         zap.NewNop(),
	}
}

func newConfig(opts []Option) (config, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, err
		}
	}
	return cfg, nil
}

// Option to pass to `Dial` or `NewChannel`.
type Option func(*config) error

// WithDialTimeout controls how long we wait for the management service to
// accept the connection.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return fmt.Errorf("%w: negative dial timeout", ErrInvalidCfg)
		}
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		c.dialTimeout = timeout
		return nil
	}
}

// WithReadTimeout bounds how long ReceiveOne waits for a complete reply.
// Zero keeps the default, which is to wait as long as the connection lives.
func WithReadTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return fmt.Errorf("%w: negative read timeout", ErrInvalidCfg)
		}
		c.readTimeout = timeout
		return nil
	}
}

// WithWriteTimeout bounds how long Send may block on a full socket buffer.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return fmt.Errorf("%w: negative write timeout", ErrInvalidCfg)
		}
		c.writeTimeout = timeout
		return nil
	}
}

// WithReadBufferSize sets how many bytes each read asks the socket for.
func WithReadBufferSize(size int) Option {
	return func(c *config) error {
		if size < 0 {
			return fmt.Errorf("%w: negative read buffer size", ErrInvalidCfg)
		}
		if size == 0 {
			size = protocol.DefaultReadSize
		}
		c.readSize = size
		return nil
	}
}

// WithMaxMessageSize bounds the size of a single reply.
func WithMaxMessageSize(size int) Option {
	return func(c *config) error {
		if size < 0 {
			return fmt.Errorf("%w: negative max message size", ErrInvalidCfg)
		}
		if size == 0 {
			size = protocol.DefaultMaxMessageSize
		}
		c.maxMessageSize = size
		return nil
	}
}

// WithNumberSettle controls how long a reply that is a bare number waits for
// more digits once the socket went quiet. Zero disables the wait: such a reply
// then needs trailing whitespace or the end of the connection.
func WithNumberSettle(d time.Duration) Option {
	return func(c *config) error {
		if d < 0 {
			return fmt.Errorf("%w: negative number settle", ErrInvalidCfg)
		}
		c.numberSettle = d
		return nil
	}
}

// WithLogger specifies which `zap.Logger` to use.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) error {
		if logger == nil {
			logger = zap.NewNop()
		}
		c.logger = logger
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the channel.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}
