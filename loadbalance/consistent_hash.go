package loadbalance

import (
	"encoding/binary"
	"hash/crc32"
	"sort"
	"strconv"
	"strings"
	"sync"

	"echorpc/registry"
)

// ConsistentHashBalancer maps request codes to instances using a hash ring.
// The same code always maps to the same instance until the instance set
// changes, and a change only moves the codes owned by the changed instances.
//
// Each real instance is placed on the ring as replicas virtual nodes so a
// handful of instances still split the ring evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.RWMutex
	key   string   // Addresses the ring was built from, joined
	ring  []uint32 // Sorted hash values on the ring
	nodes map[uint32]registry.ServiceInstance
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]registry.ServiceInstance),
	}
}

// Pick hashes requestCode and walks clockwise to the first virtual node.
func (b *ConsistentHashBalancer) Pick(instances []registry.ServiceInstance, requestCode uint64) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	b.sync(instances)

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], requestCode)
	hash := crc32.ChecksumIEEE(buf[:])

	b.mu.RLock()
	defer b.mu.RUnlock()
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	inst := b.nodes[b.ring[idx]]
	return &inst, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "c_hash"
}

// sync rebuilds the ring when the instance set differs from the one it was built from.
func (b *ConsistentHashBalancer) sync(instances []registry.ServiceInstance) {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	key := strings.Join(addrs, ",")

	b.mu.RLock()
	same := key == b.key
	b.mu.RUnlock()
	if same {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if key == b.key {
		return
	}
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]registry.ServiceInstance, len(instances)*b.replicas)
	for _, inst := range instances {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(inst.Addr + "#" + strconv.Itoa(i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = inst
		}
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
	b.key = key
}
