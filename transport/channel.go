// Package transport implements the framed RPC channel to a p2phun management service.
//
// A Channel owns one TCP connection and strictly alternates request and reply:
//
//	Call ──Send(call)──────────────► management service
//	     ◄──ReceiveOne()── reply ────┘   (bytes may arrive in any number of reads)
//
// There are no sequence numbers on this wire, so replies can only be matched to
// requests by order. That is why a Channel never has more than one call in
// flight; concurrent callers either wait on the channel's lock or borrow
// separate channels from a Pool.
//
// Any I/O failure leaves the stream at an unknown position (a late reply could
// still arrive and be taken for the answer to the next call), so a channel that
// returned an I/O error closes itself. Validation errors do not close it.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"

	"p2phun-rpc/codec"
	"p2phun-rpc/message"
	"p2phun-rpc/protocol"
)

// Channel is a connection to one management service.
type Channel struct {
	conn   net.Conn
	reader *protocol.Reader
	cfg    config
	logger *zap.Logger
	labels []metrics.Label

	mu        sync.Mutex // held for a whole Send, ReceiveOne or Call
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the management service at address:port.
func Dial(ctx context.Context, address string, port int, opts ...Option) (*Channel, error) {
	return DialAddr(ctx, net.JoinHostPort(address, strconv.Itoa(port)), opts...)
}

// DialAddr connects to a "host:port" address, the form kept in the registry.
func DialAddr(ctx context.Context, addr string, opts ...Option) (*Channel, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	labels := withLabels(cfg.metricLabels, LabelRemote.M(addr))
	dialer := net.Dialer{Timeout: cfg.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		metrics.IncrCounterWithLabels(MetricDialErrorCount, 1, labels)
		cfg.logger.Warn("dial failed", zap.String("remote", addr), zap.Error(err))
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnection, addr, err)
	}
	metrics.IncrCounterWithLabels(MetricDialCount, 1, labels)

	return newChannel(conn, cfg), nil
}

// NewChannel wraps an established connection. The channel takes ownership of
// conn and closes it on Close.
func NewChannel(conn net.Conn, opts ...Option) (*Channel, error) {
	if conn == nil {
		return nil, fmt.Errorf("%w: nil connection", ErrInvalidCfg)
	}
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	return newChannel(conn, cfg), nil
}

func newChannel(conn net.Conn, cfg config) *Channel {
	remote := conn.RemoteAddr().String()
	ch := &Channel{
		conn: conn,
		reader: protocol.NewReader(conn,
			protocol.WithReadSize(cfg.readSize),
			protocol.WithMaxMessageSize(cfg.maxMessageSize),
			protocol.WithNumberSettle(cfg.numberSettle),
		),
		cfg:    cfg,
		logger: cfg.logger.With(zap.String("remote", remote)),
		labels: withLabels(cfg.metricLabels, LabelRemote.M(remote)),
	}
	ch.logger.Debug("channel open")
	return ch
}

// Call sends call and waits for its reply. The reply is returned undecoded;
// its shape depends on the remote function and is none of the channel's business.
func (ch *Channel) Call(ctx context.Context, call *message.Call) (json.RawMessage, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	start := time.Now()
	labels := ch.labels
	if call != nil {
		labels = withLabels(ch.labels, LabelMethod.M(call.Method()))
	}
	metrics.IncrCounterWithLabels(MetricCallCount, 1, labels)
	defer metrics.MeasureSinceWithLabels(MetricCallLatency, start, labels)

	if err := ch.send(ctx, call); err != nil {
		metrics.IncrCounterWithLabels(MetricCallErrorCount, 1, labels)
		return nil, err
	}
	reply, err := ch.receive(ctx)
	if err != nil {
		metrics.IncrCounterWithLabels(MetricCallErrorCount, 1, labels)
		return nil, err
	}
	return reply, nil
}

// Send writes one call to the connection. Most callers want Call instead.
func (ch *Channel) Send(ctx context.Context, call *message.Call) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.send(ctx, call)
}

// ReceiveOne blocks until one complete message has been read. Bytes read past
// the end of that message stay buffered for the next ReceiveOne.
func (ch *Channel) ReceiveOne(ctx context.Context) (json.RawMessage, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.receive(ctx)
}

func (ch *Channel) send(ctx context.Context, call *message.Call) error {
	if ch.closed.Load() {
		return ErrClosed
	}
	if err := call.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrSend, err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrSend, err)
	}

	if err := ch.conn.SetWriteDeadline(deadline(ctx, ch.cfg.writeTimeout)); err != nil {
		return ch.fail(ch.classify(ErrSend, err))
	}
	n, err := protocol.WriteCall(ch.conn, call)
	metrics.IncrCounterWithLabels(MetricBytesOut, float32(n), ch.labels)
	if err != nil {
		ch.logger.Warn("send failed", zap.String("method", call.Method()), zap.Int("written", n), zap.Error(err))
		return ch.fail(ch.classify(ErrSend, err))
	}
	ch.logger.Debug("call sent", zap.String("method", call.Method()), zap.Int("bytes", n))
	return nil
}

func (ch *Channel) receive(ctx context.Context) (json.RawMessage, error) {
	if ch.closed.Load() {
		return nil, ErrClosed
	}

	ch.reader.SetDeadline(deadline(ctx, ch.cfg.readTimeout))
	stop := func() bool { return true }
	if ctx.Done() != nil {
		stop = context.AfterFunc(ctx, func() {
			ch.reader.Interrupt(ctx.Err())
		})
	}

	msg, err := ch.reader.ReadMessage()
	if !stop() {
		// The interrupt fired: the reader now fails every read, whether or not
		// this one made it.
		defer ch.Close()
	}
	if err != nil {
		err = ch.classify(ErrConnection, err)
		ch.logger.Warn("receive failed", zap.Error(err))
		return nil, ch.fail(err)
	}

	metrics.IncrCounterWithLabels(MetricBytesIn, float32(len(msg)), ch.labels)
	ch.logger.Debug("reply received", zap.Int("bytes", len(msg)), zap.Int("buffered", len(ch.reader.Buffered())))
	return json.RawMessage(msg), nil
}

// classify maps an I/O or decode error onto the channel's error classes.
// fallback is used for plain connection failures.
func (ch *Channel) classify(fallback error, err error) error {
	switch {
	case ch.closed.Load():
		return fmt.Errorf("%w: %w", ErrClosed, err)
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", fallback, err)
	case errors.Is(err, codec.ErrMalformed),
		errors.Is(err, codec.ErrTruncated),
		errors.Is(err, protocol.ErrMessageTooLarge):
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	case errors.Is(err, io.EOF):
		return fmt.Errorf("%w: remote closed the connection: %w", ErrConnection, err)
	default:
		return fmt.Errorf("%w: %w", fallback, err)
	}
}

func (ch *Channel) fail(err error) error {
	ch.Close()
	return err
}

// Close releases the connection. A ReceiveOne blocked on the socket returns
// ErrClosed right away. Close is idempotent.
func (ch *Channel) Close() error {
	ch.closeOnce.Do(func() {
		ch.closed.Store(true)
		ch.closeErr = ch.conn.Close()
		ch.logger.Debug("channel closed")
	})
	return ch.closeErr
}

// Closed reports whether the channel was closed, explicitly or after an I/O error.
func (ch *Channel) Closed() bool {
	return ch.closed.Load()
}

// RemoteAddr returns the address of the management service.
func (ch *Channel) RemoteAddr() net.Addr {
	return ch.conn.RemoteAddr()
}

// deadline picks the earlier of ctx's deadline and now+timeout.
// The zero time means no deadline.
func deadline(ctx context.Context, timeout time.Duration) time.Time {
	var d time.Time
	if timeout > 0 {
		d = time.Now().Add(timeout)
	}
	if cd, ok := ctx.Deadline(); ok && (d.IsZero() || cd.Before(d)) {
		d = cd
	}
	return d
}
