package client

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"echorpc/registry"
)

// resolver supplies the instances the balancer picks from.
type resolver interface {
	Instances() []registry.ServiceInstance
	Close() error
}

type staticResolver []registry.ServiceInstance

func (r staticResolver) Instances() []registry.ServiceInstance {
	return r
}

func (r staticResolver) Close() error {
	return nil
}

// watchResolver keeps the latest instance list of one service in a registry.
// A list that becomes empty is kept as is: calls then fail instead of going
// to instances that have left.
type watchResolver struct {
	reg       registry.Registry
	instances atomic.Pointer[[]registry.ServiceInstance]
	cancel    context.CancelFunc
	done      chan struct{}
}

func newWatchResolver(ctx context.Context, reg registry.Registry, service string, lg *zap.SugaredLogger) (*watchResolver, error) {
	insts, err := reg.Discover(ctx, service)
	if err != nil {
		return nil, err
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	r := &watchResolver{
		reg:    reg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.instances.Store(&insts)

	ch := reg.Watch(watchCtx, service)
	go func() {
		defer close(r.done)
		for insts := range ch {
			lg.Infow("instances changed", "service", service, "count", len(insts))
			r.instances.Store(&insts)
		}
	}()
	return r, nil
}

func (r *watchResolver) Instances() []registry.ServiceInstance {
	return *r.instances.Load()
}

func (r *watchResolver) Close() error {
	r.cancel()
	err := r.reg.Close()
	<-r.done
	return err
}
