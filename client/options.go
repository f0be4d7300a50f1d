package client

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"echorpc/codec"
	"echorpc/compress"
	"echorpc/middleware"
)

// Connection types.
const (
	ConnectionSingle = "single" // One multiplexed connection per server
	ConnectionPooled = "pooled" // One call at a time per connection
	ConnectionShort  = "short"  // A new connection per call
)

const (
	defaultPoolSize = 8
	dialTimeout     = 3 * time.Second
	retryBaseDelay  = time.Millisecond
)

var (
	ErrBalancerWithSingleServer = errors.New("client: load balancer needs a list:// or etcd:// target")
	ErrBalancerRequired         = errors.New("client: list:// and etcd:// targets need a load balancer")
)

// Options configures a Channel. Zero values of Codec, Compress,
// ConnectionType and PoolSize mean JSON, no compression, single and 8.
type Options struct {
	Target         string
	LoadBalancer   string // "rr", "wr" or "c_hash"; empty for a single server
	Codec          codec.CodecType
	Compress       compress.Type
	ConnectionType string
	Timeout        time.Duration // Covers every attempt of a call
	MaxRetry       int
	PoolSize       int
	Logger         *zap.SugaredLogger
	Middlewares    []middleware.Middleware // Run inside retries, once per attempt
}

func (o *Options) validate(t *target) error {
	switch {
	case t.kind == targetSingle && o.LoadBalancer != "":
		return ErrBalancerWithSingleServer
	case t.kind != targetSingle && o.LoadBalancer == "":
		return ErrBalancerRequired
	}
	switch o.ConnectionType {
	case "", ConnectionSingle, ConnectionPooled, ConnectionShort:
	default:
		return fmt.Errorf("client: unknown connection type %q", o.ConnectionType)
	}
	if o.Timeout <= 0 {
		return fmt.Errorf("client: timeout must be positive, got %s", o.Timeout)
	}
	if o.MaxRetry < 0 {
		return fmt.Errorf("client: max retry must not be negative, got %d", o.MaxRetry)
	}
	if o.PoolSize < 0 {
		return fmt.Errorf("client: pool size must not be negative, got %d", o.PoolSize)
	}
	return nil
}
