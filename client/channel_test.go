package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echorpc/codec"
	"echorpc/compress"
	"echorpc/logging"
	"echorpc/registry"
	"echorpc/rpc"
	"echorpc/server"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
	Addr   string
}

type Arith struct {
	addr string
}

func (a *Arith) Add(cntl *rpc.Controller, args *Args, reply *Reply, done rpc.Closure) {
	guard := rpc.NewClosureGuard(done)
	defer guard.Run()
	reply.Result = args.A + args.B
	reply.Addr = a.addr
	cntl.SetResponseAttachment(cntl.RequestAttachment())
}

// Sleep sleeps A milliseconds.
func (a *Arith) Sleep(_ *rpc.Controller, args *Args, reply *Reply, done rpc.Closure) {
	guard := rpc.NewClosureGuard(done)
	defer guard.Run()
	time.Sleep(time.Duration(args.A) * time.Millisecond)
	reply.Addr = a.addr
}

func (a *Arith) Fail(cntl *rpc.Controller, _ *Args, _ *Reply, done rpc.Closure) {
	guard := rpc.NewClosureGuard(done)
	defer guard.Run()
	cntl.SetFailed(rpc.ECodeRequest, "bad args")
}

func startServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	svr := server.NewServer()
	require.NoError(t, svr.Register(&Arith{addr: addr}))
	require.NoError(t, svr.Start("tcp", addr))
	t.Cleanup(func() { _ = svr.Shutdown(time.Second) })
	return addr
}

// deadAddr returns an address nothing listens on.
func deadAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func newChannel(t *testing.T, opts Options) *Channel {
	t.Helper()
	if opts.Timeout == 0 {
		opts.Timeout = time.Second
	}
	opts.Logger = logging.Nop()
	ch, err := NewChannel(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func TestParseTarget(t *testing.T) {
	testCases := []struct {
		name      string
		target    string
		wantKind  targetKind
		wantAddr  string
		wantInsts int
		wantEps   []string
		wantSvc   string
		wantErr   bool
	}{
		{name: "single", target: "0.0.0.0:8000", wantKind: targetSingle, wantAddr: "0.0.0.0:8000"},
		{name: "hostname", target: "localhost:8000", wantKind: targetSingle, wantAddr: "localhost:8000"},
		{name: "ipv6", target: "[::1]:8000", wantKind: targetSingle, wantAddr: "[::1]:8000"},
		{name: "list", target: "list://127.0.0.1:8001,127.0.0.1:8002#3", wantKind: targetList, wantInsts: 2},
		{
			name:     "etcd",
			target:   "etcd://10.0.0.1:2379,10.0.0.2:2379/EchoService",
			wantKind: targetEtcd,
			wantEps:  []string{"10.0.0.1:2379", "10.0.0.2:2379"},
			wantSvc:  "EchoService",
		},
		{name: "no port", target: "127.0.0.1", wantErr: true},
		{name: "empty port", target: "127.0.0.1:", wantErr: true},
		{name: "empty list", target: "list://", wantErr: true},
		{name: "etcd no service", target: "etcd://127.0.0.1:2379/", wantErr: true},
		{name: "etcd no endpoints", target: "etcd:///EchoService", wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseTarget(tc.target)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantKind, got.kind)
			assert.Equal(t, tc.wantAddr, got.addr)
			assert.Len(t, got.instances, tc.wantInsts)
			assert.Equal(t, tc.wantEps, got.endpoints)
			assert.Equal(t, tc.wantSvc, got.service)
		})
	}
}

func TestNewChannelValidation(t *testing.T) {
	testCases := []struct {
		name    string
		opts    Options
		wantErr error
	}{
		{name: "single with balancer", opts: Options{Target: "127.0.0.1:8000", LoadBalancer: "rr", Timeout: time.Second}, wantErr: ErrBalancerWithSingleServer},
		{name: "list without balancer", opts: Options{Target: "list://127.0.0.1:8000", Timeout: time.Second}, wantErr: ErrBalancerRequired},
		{name: "unknown balancer", opts: Options{Target: "list://127.0.0.1:8000", LoadBalancer: "la", Timeout: time.Second}},
		{name: "unknown connection type", opts: Options{Target: "127.0.0.1:8000", ConnectionType: "long", Timeout: time.Second}},
		{name: "unknown codec", opts: Options{Target: "127.0.0.1:8000", Codec: codec.CodecType(9), Timeout: time.Second}},
		{name: "unknown compress", opts: Options{Target: "127.0.0.1:8000", Compress: compress.Type(9), Timeout: time.Second}},
		{name: "zero timeout", opts: Options{Target: "127.0.0.1:8000"}},
		{name: "negative retry", opts: Options{Target: "127.0.0.1:8000", Timeout: time.Second, MaxRetry: -1}},
		{name: "bad target", opts: Options{Target: "nowhere", Timeout: time.Second}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewChannel(tc.opts)
			require.Error(t, err)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			}
		})
	}
}

func TestChannelCall(t *testing.T) {
	addr := startServer(t)
	testCases := []struct {
		name     string
		connType string
		codec    codec.CodecType
		compress compress.Type
	}{
		{name: "single json", connType: ConnectionSingle, codec: codec.CodecTypeJSON},
		{name: "pooled binary", connType: ConnectionPooled, codec: codec.CodecTypeBinary, compress: compress.TypeSnappy},
		{name: "short msgpack", connType: ConnectionShort, codec: codec.CodecTypeMsgpack, compress: compress.TypeGzip},
		{name: "default lz4", codec: codec.CodecTypeBinary, compress: compress.TypeLz4},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ch := newChannel(t, Options{
				Target:         addr,
				Codec:          tc.codec,
				Compress:       tc.compress,
				ConnectionType: tc.connType,
			})
			for i := 0; i < 3; i++ {
				cntl := rpc.NewController()
				cntl.LogID = uint64(i)
				cntl.SetRequestAttachment([]byte("att"))
				var reply Reply
				err := ch.Call(context.Background(), "Arith.Add", cntl, &Args{A: i, B: 1}, &reply)
				require.NoError(t, err)
				assert.False(t, cntl.Failed())
				assert.Equal(t, i+1, reply.Result)
				assert.Equal(t, []byte("att"), cntl.ResponseAttachment())
				assert.Equal(t, addr, cntl.RemoteSide())
				assert.NotEmpty(t, cntl.LocalSide())
				assert.Positive(t, cntl.Latency())
			}
		})
	}
}

func TestChannelConcurrentCalls(t *testing.T) {
	addr := startServer(t)
	for _, connType := range []string{ConnectionSingle, ConnectionPooled, ConnectionShort} {
		t.Run(connType, func(t *testing.T) {
			ch := newChannel(t, Options{Target: addr, ConnectionType: connType, PoolSize: 2})
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(n int) {
					defer wg.Done()
					var reply Reply
					err := ch.Call(context.Background(), "Arith.Add", nil, &Args{A: n, B: n}, &reply)
					if assert.NoError(t, err) {
						assert.Equal(t, 2*n, reply.Result)
					}
				}(i)
			}
			wg.Wait()
		})
	}
}

func TestChannelRemoteFailure(t *testing.T) {
	addr := startServer(t)
	ch := newChannel(t, Options{Target: addr, MaxRetry: 3})

	cntl := rpc.NewController()
	err := ch.Call(context.Background(), "Arith.Fail", cntl, &Args{}, &Reply{})
	require.Error(t, err)
	assert.Equal(t, rpc.ECodeRequest, cntl.ErrorCode())
	assert.Equal(t, "[E1003]bad args", cntl.ErrorText())
	assert.Equal(t, cntl.Err(), err)

	cntl = rpc.NewController()
	require.Error(t, ch.Call(context.Background(), "Arith.Nope", cntl, &Args{}, &Reply{}))
	assert.Equal(t, rpc.ECodeNoMethod, cntl.ErrorCode())
}

func TestChannelTimeout(t *testing.T) {
	addr := startServer(t)
	ch := newChannel(t, Options{Target: addr, Timeout: 50 * time.Millisecond, MaxRetry: 3})

	cntl := rpc.NewController()
	err := ch.Call(context.Background(), "Arith.Sleep", cntl, &Args{A: 300}, &Reply{})
	require.Error(t, err)
	assert.Equal(t, rpc.ECodeTimeout, cntl.ErrorCode())
	assert.NotEmpty(t, cntl.ErrorText())
	assert.GreaterOrEqual(t, cntl.Latency(), 50*time.Millisecond)
	assert.Less(t, cntl.Latency(), 300*time.Millisecond)

	// The connection is still usable after a timed out call.
	var reply Reply
	require.NoError(t, ch.Call(context.Background(), "Arith.Add", nil, &Args{A: 1, B: 1}, &reply))
	assert.Equal(t, 2, reply.Result)
}

func TestChannelCanceled(t *testing.T) {
	addr := startServer(t)
	ch := newChannel(t, Options{Target: addr, Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	cntl := rpc.NewController()
	require.Error(t, ch.Call(ctx, "Arith.Sleep", cntl, &Args{A: 300}, &Reply{}))
	assert.Equal(t, rpc.ECodeCanceled, cntl.ErrorCode())
}

func TestChannelConnectFailure(t *testing.T) {
	ch := newChannel(t, Options{Target: deadAddr(t), MaxRetry: 2})

	cntl := rpc.NewController()
	require.Error(t, ch.Call(context.Background(), "Arith.Add", cntl, &Args{}, &Reply{}))
	assert.Equal(t, rpc.ECodeTransport, cntl.ErrorCode())
	assert.Contains(t, cntl.ErrorText(), "fail to connect")
}

func TestChannelRetryOnOtherServer(t *testing.T) {
	live := startServer(t)
	ch := newChannel(t, Options{
		Target:       fmt.Sprintf("list://%s,%s", deadAddr(t), live),
		LoadBalancer: "rr",
		MaxRetry:     1,
	})

	// rr alternates; a call landing on the dead server is retried on the live one.
	for i := 0; i < 4; i++ {
		var reply Reply
		cntl := rpc.NewController()
		require.NoError(t, ch.Call(context.Background(), "Arith.Add", cntl, &Args{A: 1, B: 2}, &reply))
		assert.Equal(t, live, reply.Addr)
		assert.Equal(t, live, cntl.RemoteSide())
	}
}

func TestChannelBalancers(t *testing.T) {
	addr1, addr2 := startServer(t), startServer(t)
	target := fmt.Sprintf("list://%s,%s", addr1, addr2)

	t.Run("rr", func(t *testing.T) {
		ch := newChannel(t, Options{Target: target, LoadBalancer: "rr"})
		seen := map[string]int{}
		for i := 0; i < 4; i++ {
			var reply Reply
			require.NoError(t, ch.Call(context.Background(), "Arith.Add", nil, &Args{}, &reply))
			seen[reply.Addr]++
		}
		assert.Equal(t, map[string]int{addr1: 2, addr2: 2}, seen)
	})

	t.Run("c_hash", func(t *testing.T) {
		ch := newChannel(t, Options{Target: target, LoadBalancer: "c_hash"})
		for code := uint64(0); code < 5; code++ {
			var first Reply
			for i := 0; i < 3; i++ {
				var reply Reply
				cntl := rpc.NewController()
				cntl.SetRequestCode(code)
				require.NoError(t, ch.Call(context.Background(), "Arith.Add", cntl, &Args{}, &reply))
				if i == 0 {
					first = reply
				}
				assert.Equal(t, first.Addr, reply.Addr)
			}
		}
	})
}

func TestChannelClose(t *testing.T) {
	addr := startServer(t)
	ch := newChannel(t, Options{Target: addr})
	require.NoError(t, ch.Call(context.Background(), "Arith.Add", nil, &Args{}, &Reply{}))
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	cntl := rpc.NewController()
	require.Error(t, ch.Call(context.Background(), "Arith.Add", cntl, &Args{}, &Reply{}))
	assert.Equal(t, rpc.ECodeTransport, cntl.ErrorCode())
}

func TestWatchResolver(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewStaticRegistry()
	require.NoError(t, reg.Register(ctx, "Arith", registry.ServiceInstance{Addr: "127.0.0.1:8001"}, 10))

	r, err := newWatchResolver(ctx, reg, "Arith", logging.Nop())
	require.NoError(t, err)
	assert.Len(t, r.Instances(), 1)

	require.NoError(t, reg.Register(ctx, "Arith", registry.ServiceInstance{Addr: "127.0.0.1:8002"}, 10))
	require.Eventually(t, func() bool { return len(r.Instances()) == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, reg.Deregister(ctx, "Arith", "127.0.0.1:8001"))
	require.Eventually(t, func() bool { return len(r.Instances()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "127.0.0.1:8002", r.Instances()[0].Addr)

	require.NoError(t, r.Close())
	_, err = reg.Discover(ctx, "Arith")
	assert.ErrorIs(t, err, registry.ErrClosed)
}
