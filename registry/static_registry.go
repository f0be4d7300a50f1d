package registry

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// StaticRegistry keeps instances in memory. It backs list:// targets and
// tests that should not depend on etcd.
type StaticRegistry struct {
	mu        sync.Mutex
	closed    bool
	instances map[string][]ServiceInstance
	watchers  map[string][]chan []ServiceInstance
}

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		instances: make(map[string][]ServiceInstance),
		watchers:  make(map[string][]chan []ServiceInstance),
	}
}

// ParseInstanceList parses "host:port[#weight],host:port[#weight]...".
// Weight defaults to 1.
func ParseInstanceList(list string) ([]ServiceInstance, error) {
	var instances []ServiceInstance
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		addr, weight := item, 1
		if i := strings.LastIndexByte(item, '#'); i >= 0 {
			w, err := strconv.Atoi(item[i+1:])
			if err != nil || w <= 0 {
				return nil, fmt.Errorf("invalid weight in %q", item)
			}
			addr, weight = item[:i], w
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", addr, err)
		}
		instances = append(instances, ServiceInstance{
			ID:     uuid.NewString(),
			Addr:   addr,
			Weight: weight,
		})
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("empty server list %q", list)
	}
	return instances, nil
}

// Register adds or replaces the instance with the same address. ttl is ignored.
func (r *StaticRegistry) Register(_ context.Context, serviceName string, instance ServiceInstance, _ int64) error {
	if instance.ID == "" {
		instance.ID = uuid.NewString()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	insts := r.instances[serviceName]
	replaced := false
	for i := range insts {
		if insts[i].Addr == instance.Addr {
			insts[i] = instance
			replaced = true
		}
	}
	if !replaced {
		insts = append(insts, instance)
	}
	r.instances[serviceName] = insts
	r.notifyLocked(serviceName)
	return nil
}

func (r *StaticRegistry) Deregister(_ context.Context, serviceName string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	insts := r.instances[serviceName]
	kept := insts[:0]
	for _, inst := range insts {
		if inst.Addr != addr {
			kept = append(kept, inst)
		}
	}
	r.instances[serviceName] = kept
	r.notifyLocked(serviceName)
	return nil
}

func (r *StaticRegistry) Discover(_ context.Context, serviceName string) ([]ServiceInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	return r.snapshotLocked(serviceName), nil
}

func (r *StaticRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(ch)
		return ch
	}
	r.watchers[serviceName] = append(r.watchers[serviceName], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[serviceName]
		for i, w := range ws {
			if w == ch {
				r.watchers[serviceName] = append(ws[:i], ws[i+1:]...)
				close(ch)
				break
			}
		}
	}()
	return ch
}

func (r *StaticRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for name, ws := range r.watchers {
		for _, w := range ws {
			close(w)
		}
		delete(r.watchers, name)
	}
	return nil
}

func (r *StaticRegistry) snapshotLocked(serviceName string) []ServiceInstance {
	insts := r.instances[serviceName]
	out := make([]ServiceInstance, len(insts))
	copy(out, insts)
	return out
}

// notifyLocked delivers the latest list to every watcher, replacing an
// undelivered older list so a slow watcher never blocks registration.
func (r *StaticRegistry) notifyLocked(serviceName string) {
	snapshot := r.snapshotLocked(serviceName)
	for _, w := range r.watchers[serviceName] {
		select {
		case <-w:
		default:
		}
		w <- snapshot
	}
}
