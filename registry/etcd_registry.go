// Package registry provides service discovery for echorpc.
//
// etcd is a distributed key-value store that provides strong consistency (Raft protocol).
// We use it as a "distributed phonebook" for services:
//
//	Key:   /echorpc/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL-based leases: if the server crashes, the lease expires
// and the entry is removed with it.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"echorpc/logging"
)

const keyPrefix = "/echorpc/"

// EtcdRegistry implements the Registry interface using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // etcd client connection (thread-safe, shared across goroutines)
	lg     *zap.SugaredLogger

	mu     sync.Mutex
	leases map[string]registration // key → lease of a live registration
}

type registration struct {
	lease  clientv3.LeaseID
	cancel context.CancelFunc // stops KeepAlive
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, lg *zap.SugaredLogger) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c, lg: logging.OrNop(lg), leases: make(map[string]registration)}, nil
}

func serviceKey(serviceName, addr string) string {
	return keyPrefix + serviceName + "/" + addr
}

// Register adds a service instance to etcd with a TTL lease.
//
// Flow:
//  1. Create a lease with the given TTL (e.g., 10 seconds)
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to automatically renew the lease until Deregister or Close
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	if instance.ID == "" {
		instance.ID = uuid.NewString()
	}

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := serviceKey(serviceName, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	// KeepAlive must outlive the caller's ctx, which usually only bounds registration.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("keepalive: %w", err)
	}

	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
		r.lg.Debugw("Lease keepalive stopped.", "key", key)
	}()

	r.mu.Lock()
	if old, ok := r.leases[key]; ok {
		old.cancel()
	}
	r.leases[key] = registration{lease: lease.ID, cancel: cancel}
	r.mu.Unlock()
	return nil
}

// Deregister removes a service instance from etcd and revokes its lease.
// Called during graceful shutdown before closing the listener.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	key := serviceKey(serviceName, addr)

	r.mu.Lock()
	reg, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if _, err := r.client.Delete(ctx, key); err != nil {
		return err
	}
	if ok {
		reg.cancel()
		if _, err := r.client.Revoke(ctx, reg.lease); err != nil {
			r.lg.Warnw("Failed to revoke lease.", "key", key, "err", err)
		}
	}
	return nil
}

// Watch monitors a service prefix in etcd and emits updated instance lists
// whenever changes occur (new registrations, deregistrations, lease expirations).
//
// Uses etcd's Watch API (server-push), which is more efficient than polling.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	prefix := keyPrefix + serviceName + "/"

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for range watchChan {
			// On any change, re-fetch the full instance list
			// (simpler than parsing individual watch events)
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				r.lg.Warnw("Failed to refresh instances.", "service", serviceName, "err", err)
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns all currently registered instances for a service.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	prefix := keyPrefix + serviceName + "/"

	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.lg.Warnw("Skipping malformed instance.", "key", string(kv.Key), "err", err)
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close stops every KeepAlive and closes the etcd client.
// Registrations expire once their TTL runs out.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, reg := range r.leases {
		reg.cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
