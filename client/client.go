// Package client is the entry point for driving p2phun nodes.
//
// A Client resolves management services through a registry, picks one per
// call with a balancer, and runs the call over a pooled transport.Channel:
//
//	Call ─► middleware chain ─► Discover ─► Pick ─► Pool.Get ─► Channel.Call ─► Pool.Put
//
// Calls about a particular node carry its base64 node id as the balancing key,
// so with a ConsistentHash balancer they keep reaching the host that created it.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"p2phun-rpc/codec"
	"p2phun-rpc/loadbalance"
	"p2phun-rpc/message"
	"p2phun-rpc/middleware"
	"p2phun-rpc/registry"
	"p2phun-rpc/routing"
	"p2phun-rpc/transport"
)

var ErrClosed = errors.New("client: closed")

type Client struct {
	registry registry.Registry
	balancer loadbalance.Balancer
	cfg      config
	handler  middleware.HandlerFunc

	mu     sync.Mutex
	pools  map[string]*transport.Pool // one pool per management service address
	closed bool
}

// NewClient builds a client. A nil balancer means round robin.
func NewClient(reg registry.Registry, bal loadbalance.Balancer, opts ...Option) (*Client, error) {
	if reg == nil {
		return nil, fmt.Errorf("%w: nil registry", ErrInvalidCfg)
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if bal == nil {
		bal = &loadbalance.RoundRobinBalancer{}
	}

	c := &Client{
		registry: reg,
		balancer: bal,
		cfg:      cfg,
		pools:    make(map[string]*transport.Pool),
	}
	c.handler = middleware.Chain(cfg.middlewares...)(c.invoke)
	return c, nil
}

type routeKey struct{}

// WithRouteKey attaches a balancing key to ctx. Typed calls set it themselves.
func WithRouteKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, routeKey{}, key)
}

func routeKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(routeKey{}).(string)
	return key
}

// Call runs call through the middleware chain and decodes the reply into
// reply, unless reply is nil. Large integers decode losslessly into
// json.Number when reply holds an interface.
func (c *Client) Call(ctx context.Context, call *message.Call, reply any) error {
	raw, err := c.CallRaw(ctx, call)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	if err := codec.Decode(raw, reply); err != nil {
		return fmt.Errorf("client: decode %s reply: %w", call.Method(), err)
	}
	return nil
}

// CallRaw is Call without decoding.
func (c *Client) CallRaw(ctx context.Context, call *message.Call) (json.RawMessage, error) {
	if err := call.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrSend, err)
	}
	return c.handler(ctx, call)
}

// Apply is the untyped form: it calls mod:fun with args and returns the raw reply.
func (c *Client) Apply(ctx context.Context, mod, fun string, args ...any) (json.RawMessage, error) {
	return c.CallRaw(ctx, message.NewCall(mod, fun, args...))
}

// invoke is the innermost handler.
func (c *Client) invoke(ctx context.Context, call *message.Call) (json.RawMessage, error) {
	instances, err := c.registry.Discover(ctx, c.cfg.service)
	if err != nil {
		return nil, fmt.Errorf("%w: discover %s: %w", transport.ErrConnection, c.cfg.service, err)
	}
	instance, err := c.balancer.Pick(routeKeyFrom(ctx), instances)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrConnection, err)
	}

	pool, err := c.pool(instance.Addr)
	if err != nil {
		return nil, err
	}
	ch, err := pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer pool.Put(ch)

	return ch.Call(ctx, call)
}

func (c *Client) pool(addr string) (*transport.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if p, ok := c.pools[addr]; ok {
		return p, nil
	}

	opts := append([]transport.Option{transport.WithLogger(c.cfg.logger)}, c.cfg.transport...)
	p := transport.NewPool(addr, c.cfg.poolSize, func(ctx context.Context) (*transport.Channel, error) {
		return transport.DialAddr(ctx, addr, opts...)
	})
	c.pools[addr] = p
	c.cfg.logger.Debug("pool created", zap.String("addr", addr), zap.Int("size", c.cfg.poolSize))
	return p, nil
}

// Close closes every pooled channel. Calls already running finish on their
// channel, which is then closed when returned.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	for addr, p := range c.pools {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pool %s: %w", addr, err))
		}
		delete(c.pools, addr)
	}
	return errors.Join(errs...)
}

// CreateNode asks a management service to start node id listening on port,
// with the given routing table layout. The reply is whatever the service
// returns for a started node (typically its process id).
func (c *Client) CreateNode(ctx context.Context, id uint64, port int, rt routing.Partition) (json.RawMessage, error) {
	ctx = WithRouteKey(ctx, routing.NewNodeID(id).Base64())
	return c.Apply(ctx, "p2phun_node_sup", "create_node", map[string]any{
		"id":               id,
		"port":             port,
		"routingtable_cfg": rt,
	})
}

// FetchRoutingTable returns the peer table of node fromID.
func (c *Client) FetchRoutingTable(ctx context.Context, fromID uint64) (json.RawMessage, error) {
	ctx = WithRouteKey(ctx, routing.NewNodeID(fromID).Base64())
	return c.Apply(ctx, "p2phun_peertable_operations", "fetch_all", fromID)
}

// FindNode asks node myID to look up id2find in the swarm.
func (c *Client) FindNode(ctx context.Context, myID, id2find routing.NodeID) (json.RawMessage, error) {
	ctx = WithRouteKey(ctx, myID.Base64())
	return c.Apply(ctx, "p2phun_swarm", "find_node", myID.Base64(), id2find.Base64())
}
