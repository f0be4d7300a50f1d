package client

import (
	"context"
	"errors"
	"sync"

	"echorpc/transport"
)

var errConnectorClosed = errors.New("client: channel closed")

type dialFunc func(ctx context.Context, addr string) (*transport.ClientTransport, error)

// connector hands out a transport for one call. release must be called
// once the call is over; broken tells the connector the transport failed.
type connector interface {
	get(ctx context.Context, addr string) (t *transport.ClientTransport, release func(broken bool), err error)
	close()
}

func newConnector(connType string, poolSize int, dial dialFunc) connector {
	switch connType {
	case ConnectionPooled:
		return &pooledConnector{dial: dial, size: poolSize, pools: make(map[string]*transport.Pool)}
	case ConnectionShort:
		return &shortConnector{dial: dial}
	}
	return &singleConnector{dial: dial, conns: make(map[string]*transport.ClientTransport)}
}

// singleConnector shares one multiplexed transport per server among all calls.
type singleConnector struct {
	dial dialFunc

	mu     sync.Mutex
	closed bool
	conns  map[string]*transport.ClientTransport
}

func (c *singleConnector) get(ctx context.Context, addr string) (*transport.ClientTransport, func(bool), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil, errConnectorClosed
	}
	if t, ok := c.conns[addr]; ok && !t.Closed() {
		c.mu.Unlock()
		return t, func(bool) {}, nil
	}
	c.mu.Unlock()

	t, err := c.dial(ctx, addr)
	if err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = t.Close()
		return nil, nil, errConnectorClosed
	}
	// Another call may have connected meanwhile; keep the first.
	if old, ok := c.conns[addr]; ok && !old.Closed() {
		_ = t.Close()
		return old, func(bool) {}, nil
	}
	c.conns[addr] = t
	return t, func(bool) {}, nil
}

func (c *singleConnector) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for addr, t := range c.conns {
		_ = t.Close()
		delete(c.conns, addr)
	}
}

// pooledConnector lends each call a transport of its own.
type pooledConnector struct {
	dial dialFunc
	size int

	mu     sync.Mutex
	closed bool
	pools  map[string]*transport.Pool
}

func (c *pooledConnector) pool(addr string) (*transport.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errConnectorClosed
	}
	if p, ok := c.pools[addr]; ok {
		return p, nil
	}
	p, err := transport.NewPool(addr, c.size, func() (*transport.ClientTransport, error) {
		// The pool outlives the call that triggers the dial.
		dialCtx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		return c.dial(dialCtx, addr)
	})
	if err != nil {
		return nil, err
	}
	c.pools[addr] = p
	return p, nil
}

func (c *pooledConnector) get(ctx context.Context, addr string) (*transport.ClientTransport, func(bool), error) {
	p, err := c.pool(addr)
	if err != nil {
		return nil, nil, err
	}

	type result struct {
		t   *transport.ClientTransport
		err error
	}
	ch := make(chan result, 1)
	go func() {
		t, err := p.Get()
		ch <- result{t: t, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, nil, r.err
		}
		return r.t, func(broken bool) {
			if broken {
				_ = p.Discard(r.t)
				return
			}
			_ = p.Put(r.t)
		}, nil
	case <-ctx.Done():
		// Give the transport back once the pool hands it out.
		go func() {
			if r := <-ch; r.err == nil {
				_ = p.Put(r.t)
			}
		}()
		return nil, nil, ctx.Err()
	}
}

func (c *pooledConnector) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for addr, p := range c.pools {
		p.Close()
		delete(c.pools, addr)
	}
}

// shortConnector dials for every call and closes the transport afterwards.
type shortConnector struct {
	dial dialFunc
}

func (c *shortConnector) get(ctx context.Context, addr string) (*transport.ClientTransport, func(bool), error) {
	t, err := c.dial(ctx, addr)
	if err != nil {
		return nil, nil, err
	}
	return t, func(bool) { _ = t.Close() }, nil
}

func (c *shortConnector) close() {}
