package registry

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("registry: closed")

type ServiceInstance struct {
	ID      string `json:"id"`   // Unique per registration, generated when empty
	Addr    string `json:"addr"` // host:port clients dial
	Weight  int    `json:"weight"`
	Version string `json:"version"`
}

// Registry is the service discovery contract shared by the server (which
// registers itself) and the client (which discovers and watches instances).
type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx is done.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
	Close() error
}
