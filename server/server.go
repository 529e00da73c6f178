// Package server emulates a p2phun management service.
//
// It speaks the same wire protocol as the real service: JSON call objects
// {"mod","fun","args"} back to back on a TCP stream, each answered by one JSON
// value. There is no request id, so calls on one connection are handled one at
// a time and answered in order.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (bufio.Scanner split by a per-connection codec.Framer)
//	  → decode call → middleware chain → dispatch (Handle / Register) → write reply
//
// Failures are answered with {"error": "..."} and the connection stays open;
// only an undecodable stream closes it.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"p2phun-rpc/codec"
	"p2phun-rpc/message"
	"p2phun-rpc/middleware"
	"p2phun-rpc/protocol"
	"p2phun-rpc/registry"
)

var (
	ErrUndefined = errors.New("server: undefined function")
	ErrBadArg    = errors.New("server: bad argument")
)

// Func handles one mod:fun. args are the positional arguments, undecoded.
type Func func(ctx context.Context, args []json.RawMessage) (any, error)

// ErrorReply is what the server answers when a call fails.
type ErrorReply struct {
	Error string `json:"error"`
}

type Server struct {
	cfg    config
	logger *zap.Logger

	mu          sync.RWMutex
	funcs       map[string]Func // "mod:fun" → handler
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
	listener    net.Listener
	advertised  string
	conns       map[net.Conn]struct{}

	wg       sync.WaitGroup // in-flight calls
	shutdown atomic.Bool
}

func NewServer(opts ...Option) *Server {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		cfg:    cfg,
		logger: cfg.logger,
		funcs:  make(map[string]Func),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Handle registers fn for mod:fun, replacing any previous handler.
func (svr *Server) Handle(mod, fun string, fn Func) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.funcs[mod+":"+fun] = fn
}

// Register exposes the methods of rcvr under module mod.
func (svr *Server) Register(mod string, rcvr any) error {
	svc, err := newService(mod, rcvr)
	if err != nil {
		return err
	}
	for fun, m := range svc.method {
		m := m
		svr.Handle(mod, fun, func(ctx context.Context, args []json.RawMessage) (any, error) {
			return svc.call(ctx, m, args)
		})
	}
	return nil
}

// Use adds a middleware; it must be called before Serve.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve listens on address and serves until Shutdown.
func (svr *Server) Serve(network, address string) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.ServeListener(l)
}

// ServeListener serves connections accepted from l until Shutdown.
func (svr *Server) ServeListener(l net.Listener) error {
	svr.mu.Lock()
	svr.listener = l
	svr.handler = middleware.Chain(svr.middlewares...)(svr.dispatch)
	svr.mu.Unlock()

	if reg := svr.cfg.registry; reg != nil {
		addr := svr.cfg.advertiseAddr
		if addr == "" {
			addr = l.Addr().String()
		}
		if err := reg.Register(context.Background(), svr.cfg.service, registry.ServiceInstance{Addr: addr, Weight: 1}, svr.cfg.ttl); err != nil {
			l.Close()
			return fmt.Errorf("server: register %s: %w", addr, err)
		}
		svr.mu.Lock()
		svr.advertised = addr
		svr.mu.Unlock()
	}
	svr.logger.Info("serving", zap.Stringer("addr", l.Addr()))

	for {
		conn, err := l.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

// Addr returns the listening address, or nil before Serve.
func (svr *Server) Addr() net.Addr {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

func (svr *Server) track(conn net.Conn, add bool) bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if add {
		if svr.shutdown.Load() {
			return false
		}
		svr.conns[conn] = struct{}{}
	} else {
		delete(svr.conns, conn)
	}
	return true
}

// handleConn reads calls one at a time and answers each before reading on.
func (svr *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	if !svr.track(conn, true) {
		return
	}
	defer svr.track(conn, false)

	logger := svr.logger.With(zap.Stringer("remote", conn.RemoteAddr()))
	logger.Debug("connection open")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, protocol.DefaultReadSize), svr.cfg.maxMessageSize)
	scanner.Split(codec.NewFramer().Split)

	for scanner.Scan() {
		if !svr.begin() {
			return
		}
		reply := svr.handleRequest(scanner.Bytes(), logger)
		svr.wg.Done()
		if err := svr.writeReply(conn, reply); err != nil {
			logger.Warn("write reply failed", zap.Error(err))
			return
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("closing connection", zap.Error(err))
		return
	}
	logger.Debug("connection closed by peer")
}

type wireCall struct {
	Mod  string            `json:"mod"`
	Fun  string            `json:"fun"`
	Args []json.RawMessage `json:"args"`
}

// begin counts a call as in flight unless the server is shutting down.
func (svr *Server) begin() bool {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.wg.Add(1)
	return true
}

func (svr *Server) handleRequest(raw []byte, logger *zap.Logger) any {
	var wc wireCall
	if err := json.Unmarshal(raw, &wc); err != nil {
		return ErrorReply{Error: fmt.Sprintf("badarg: %v", err)}
	}
	args := make([]any, len(wc.Args))
	for i, a := range wc.Args {
		args[i] = a
	}
	call := message.NewCall(wc.Mod, wc.Fun, args...)
	if err := call.Validate(); err != nil {
		return ErrorReply{Error: err.Error()}
	}

	svr.mu.RLock()
	handler := svr.handler
	svr.mu.RUnlock()

	reply, err := handler(context.Background(), call)
	if err != nil {
		logger.Info("call failed", zap.String("method", call.Method()), zap.Error(err))
		return ErrorReply{Error: err.Error()}
	}
	return reply
}

// dispatch is the innermost handler.
func (svr *Server) dispatch(ctx context.Context, call *message.Call) (json.RawMessage, error) {
	svr.mu.RLock()
	fn, ok := svr.funcs[call.Method()]
	svr.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUndefined, call.Method())
	}

	args := make([]json.RawMessage, len(call.Args))
	for i, a := range call.Args {
		raw, ok := a.(json.RawMessage)
		if !ok {
			enc, err := codec.Encode(a)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrBadArg, err)
			}
			raw = enc
		}
		args[i] = raw
	}

	result, err := fn(ctx, args)
	if err != nil {
		return nil, err
	}
	return codec.Encode(result)
}

func (svr *Server) writeReply(conn net.Conn, reply any) error {
	if raw, ok := reply.(json.RawMessage); ok {
		return svr.writeChunks(conn, raw)
	}
	data, err := codec.Encode(reply)
	if err != nil {
		return err
	}
	return svr.writeChunks(conn, data)
}

func (svr *Server) writeChunks(conn net.Conn, data []byte) error {
	size := svr.cfg.writeChunk
	if size <= 0 {
		size = len(data)
	}
	for len(data) > 0 {
		n := min(size, len(data))
		if _, err := conn.Write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
		if len(data) > 0 && svr.cfg.writePause > 0 {
			time.Sleep(svr.cfg.writePause)
		}
	}
	return nil
}

// Shutdown performs graceful shutdown:
//  1. Withdraw the registry entry so clients stop picking this server
//  2. Close the listener
//  3. Wait for in-flight calls, up to timeout
//  4. Close every connection
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.mu.RLock()
	advertised := svr.advertised
	svr.mu.RUnlock()
	if reg := svr.cfg.registry; reg != nil && advertised != "" {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := reg.Deregister(ctx, svr.cfg.service, advertised); err != nil {
			svr.logger.Warn("deregister failed", zap.Error(err))
		}
		cancel()
	}

	svr.mu.Lock()
	svr.shutdown.Store(true)
	l := svr.listener
	svr.mu.Unlock()
	if l != nil {
		l.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("server: timeout waiting for ongoing calls to finish")
	}

	svr.mu.Lock()
	for conn := range svr.conns {
		conn.Close()
	}
	svr.mu.Unlock()
	return err
}
