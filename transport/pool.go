package transport

import (
	"time"

	"github.com/silenceper/pool"
)

// DialFunc opens a new transport to the pool's address.
type DialFunc func() (*ClientTransport, error)

// Pool lends out transports one call at a time. It is used by the pooled
// connection type, where a connection never carries two calls at once.
type Pool struct {
	addr string
	p    pool.Pool
}

// NewPool creates a lazily filled pool of at most size transports to addr.
func NewPool(addr string, size int, dial DialFunc) (*Pool, error) {
	if size <= 0 {
		size = 1
	}
	p, err := pool.NewChannelPool(&pool.Config{
		InitialCap: 0,
		MaxIdle:    size,
		MaxCap:     size,
		Factory: func() (interface{}, error) {
			return dial()
		},
		Close: func(v interface{}) error {
			return v.(*ClientTransport).Close()
		},
		Ping: func(v interface{}) error {
			if v.(*ClientTransport).Closed() {
				return ErrTransportClosed
			}
			return nil
		},
		IdleTimeout: time.Minute,
	})
	if err != nil {
		return nil, err
	}
	return &Pool{addr: addr, p: p}, nil
}

func (p *Pool) Addr() string {
	return p.addr
}

// Get borrows a transport, dialing one if the pool has room. It blocks when
// all size transports are lent out.
func (p *Pool) Get() (*ClientTransport, error) {
	v, err := p.p.Get()
	if err != nil {
		return nil, err
	}
	return v.(*ClientTransport), nil
}

// Put returns a transport. Broken transports are closed instead of kept.
func (p *Pool) Put(t *ClientTransport) error {
	if t.Closed() {
		return p.p.Close(t)
	}
	return p.p.Put(t)
}

// Discard closes a borrowed transport, freeing its slot.
func (p *Pool) Discard(t *ClientTransport) error {
	return p.p.Close(t)
}

// Len is the number of idle transports.
func (p *Pool) Len() int {
	return p.p.Len()
}

func (p *Pool) Close() {
	p.p.Release()
}
