// Package transport also provides a borrow/return pool of channels (Pool).
//
// A Channel carries one call at a time, so concurrent callers talking to the
// same management service need several channels. The pool lends each channel
// exclusively and takes it back after the call; channels that closed
// themselves after an I/O error are dropped instead of being lent again.
//
// Pool design: a buffered channel of idle Channels as a FIFO queue, plus a
// semaphore channel whose length is the number of live Channels.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-metrics"
)

// Factory opens a new channel for the pool.
type Factory func(ctx context.Context) (*Channel, error)

// Pool manages up to maxConns channels to a single address.
type Pool struct {
	mu     sync.Mutex
	idle   chan *Channel // Buffered channel as pool, FIFO, goroutine-safe
	live   chan struct{} // Semaphore: one token per open channel
	done   chan struct{}
	closed bool

	addr    string
	factory Factory
	labels  []metrics.Label
}

// NewPool creates a pool for addr. Channels are created lazily: the pool starts
// empty and grows on demand up to maxConns.
func NewPool(addr string, maxConns int, factory Factory) *Pool {
	if maxConns <= 0 {
		maxConns = 1
	}
	return &Pool{
		idle:    make(chan *Channel, maxConns),
		live:    make(chan struct{}, maxConns),
		done:    make(chan struct{}),
		addr:    addr,
		factory: factory,
		labels:  []metrics.Label{LabelRemote.M(addr)},
	}
}

// Get borrows a channel. Strategy:
//  1. Take an idle channel if there is one
//  2. Otherwise open a new one if under the limit
//  3. Otherwise wait until a channel is returned or dropped, or ctx ends
//
// A wait cut short by ctx fails with ErrTimeout on a deadline and
// ErrConnection on cancellation, wrapping ctx.Err().
func (p *Pool) Get(ctx context.Context) (*Channel, error) {
	for {
		select {
		case <-p.done:
			return nil, fmt.Errorf("%w: pool for %s is closed", ErrClosed, p.addr)
		default:
		}

		select {
		case ch := <-p.idle:
			if ch.Closed() {
				p.discard(ch)
				continue
			}
			return ch, nil
		default:
		}

		select {
		case ch := <-p.idle:
			if ch.Closed() {
				p.discard(ch)
				continue
			}
			return ch, nil
		case p.live <- struct{}{}:
			ch, err := p.factory(ctx)
			if err != nil {
				<-p.live
				return nil, err
			}
			metrics.SetGaugeWithLabels(MetricPoolChannelsInUse, float32(len(p.live)), p.labels)
			return ch, nil
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for a channel to %s: %w", ErrTimeout, p.addr, ctx.Err())
			}
			return nil, fmt.Errorf("%w: waiting for a channel to %s: %w", ErrConnection, p.addr, ctx.Err())
		case <-p.done:
			return nil, fmt.Errorf("%w: pool for %s is closed", ErrClosed, p.addr)
		}
	}
}

// Put returns a borrowed channel. Closed channels are dropped, which frees a
// slot for a fresh one.
func (p *Pool) Put(ch *Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || ch.Closed() {
		p.discard(ch)
		return
	}
	p.idle <- ch
}

// Close shuts down the pool and closes all idle channels. Channels still
// borrowed are closed when they are returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)
	for {
		select {
		case ch := <-p.idle:
			p.discard(ch)
		default:
			return nil
		}
	}
}

// Addr returns the address the pool dials.
func (p *Pool) Addr() string {
	return p.addr
}

func (p *Pool) discard(ch *Channel) {
	ch.Close()
	<-p.live
	metrics.IncrCounterWithLabels(MetricPoolDiscardCount, 1, p.labels)
	metrics.SetGaugeWithLabels(MetricPoolChannelsInUse, float32(len(p.live)), p.labels)
}
