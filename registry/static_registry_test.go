package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInstanceList(t *testing.T) {
	testCases := []struct {
		name      string
		list      string
		wantAddrs []string
		wantW     []int
		wantErr   bool
	}{
		{name: "single", list: "127.0.0.1:8000", wantAddrs: []string{"127.0.0.1:8000"}, wantW: []int{1}},
		{
			name:      "weighted",
			list:      "127.0.0.1:8001#10, 127.0.0.1:8002#5",
			wantAddrs: []string{"127.0.0.1:8001", "127.0.0.1:8002"},
			wantW:     []int{10, 5},
		},
		{name: "bad weight", list: "127.0.0.1:8001#x", wantErr: true},
		{name: "zero weight", list: "127.0.0.1:8001#0", wantErr: true},
		{name: "no port", list: "127.0.0.1", wantErr: true},
		{name: "empty", list: " , ", wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			insts, err := ParseInstanceList(tc.list)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Len(t, insts, len(tc.wantAddrs))
			for i, inst := range insts {
				assert.Equal(t, tc.wantAddrs[i], inst.Addr)
				assert.Equal(t, tc.wantW[i], inst.Weight)
				assert.NotEmpty(t, inst.ID)
			}
		})
	}
}

func TestStaticRegistry(t *testing.T) {
	ctx := context.Background()
	reg := NewStaticRegistry()

	inst1 := ServiceInstance{Addr: "127.0.0.1:8001", Weight: 10, Version: "1.0"}
	inst2 := ServiceInstance{Addr: "127.0.0.1:8002", Weight: 5, Version: "1.0"}
	require.NoError(t, reg.Register(ctx, "EchoService", inst1, 10))
	require.NoError(t, reg.Register(ctx, "EchoService", inst2, 10))

	instances, err := reg.Discover(ctx, "EchoService")
	require.NoError(t, err)
	assert.Len(t, instances, 2)

	// Registering the same address again replaces it.
	inst1.Weight = 20
	require.NoError(t, reg.Register(ctx, "EchoService", inst1, 10))
	instances, err = reg.Discover(ctx, "EchoService")
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Equal(t, 20, instances[0].Weight)

	require.NoError(t, reg.Deregister(ctx, "EchoService", inst1.Addr))
	instances, err = reg.Discover(ctx, "EchoService")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, inst2.Addr, instances[0].Addr)

	require.NoError(t, reg.Close())
	_, err = reg.Discover(ctx, "EchoService")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStaticRegistryWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reg := NewStaticRegistry()
	ch := reg.Watch(ctx, "EchoService")

	require.NoError(t, reg.Register(ctx, "EchoService", ServiceInstance{Addr: "127.0.0.1:8001"}, 10))
	require.NoError(t, reg.Register(ctx, "EchoService", ServiceInstance{Addr: "127.0.0.1:8002"}, 10))

	select {
	case insts := <-ch:
		// Only the latest list is kept for a watcher that has not read yet.
		assert.Len(t, insts, 2)
	case <-time.After(time.Second):
		t.Fatal("no watch event")
	}

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}
}
