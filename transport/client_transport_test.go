package transport

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
	"echorpc/message"
	"echorpc/protocol"
	"echorpc/rpc"
)

// startEchoServer answers "Echo.Echo" with the request's payload and
// attachment, never answers "Slow.Wait" and drops the connection on "Drop.Conn".
func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(conn)
		}
	}()
	return ln.Addr().String()
}

func serveConn(conn net.Conn) {
	defer conn.Close()
	for {
		header, body, attach, err := protocol.Decode(conn)
		if err != nil {
			return
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}
		cmp, _ := compress.Get(compress.Type(header.CompressType))
		body, _ = cmp.Uncompress(body)
		cdc, _ := codec.GetCodec(codec.CodecType(header.CodecType))
		req := &message.RPCMessage{}
		if err := cdc.Decode(body, req); err != nil {
			return
		}
		switch req.ServiceMethod {
		case "Slow.Wait":
			continue
		case "Drop.Conn":
			return
		}
		resp := &message.RPCMessage{ServiceMethod: req.ServiceMethod, LogID: req.LogID, Payload: req.Payload}
		out, _ := cdc.Encode(resp)
		out, _ = cmp.Compress(out)
		h := &protocol.Header{
			CodecType:    header.CodecType,
			MsgType:      protocol.MsgTypeResponse,
			CompressType: header.CompressType,
			Seq:          header.Seq,
		}
		if err := protocol.Encode(conn, h, out, attach); err != nil {
			return
		}
	}
}

func dial(t *testing.T, addr string, ct codec.CodecType, cmpName string) *ClientTransport {
	t.Helper()
	cdc, err := codec.GetCodec(ct)
	require.NoError(t, err)
	cmp, err := compress.Parse(cmpName)
	require.NoError(t, err)
	tr, err := Dial(context.Background(), addr, cdc, cmp, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func waitResponse(t *testing.T, ch <-chan *message.RPCMessage) *message.RPCMessage {
	t.Helper()
	select {
	case resp := <-ch:
		return resp
	case <-time.After(3 * time.Second):
		t.Fatal("no response")
		return nil
	}
}

func TestClientTransportSerial(t *testing.T) {
	addr := startEchoServer(t)
	testCases := []struct {
		name     string
		codec    codec.CodecType
		compress string
	}{
		{name: "json", codec: codec.CodecTypeJSON, compress: "none"},
		{name: "binary gzip", codec: codec.CodecTypeBinary, compress: "gzip"},
		{name: "msgpack snappy", codec: codec.CodecTypeMsgpack, compress: "snappy"},
		{name: "binary lz4", codec: codec.CodecTypeBinary, compress: "lz4"},
		{name: "json zlib", codec: codec.CodecTypeJSON, compress: "zlib"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tr := dial(t, addr, tc.codec, tc.compress)
			for i := 0; i < 3; i++ {
				payload := []byte(fmt.Sprintf(`{"message":"hello %d"}`, i))
				_, ch, err := tr.Send(&message.RPCMessage{
					ServiceMethod: "Echo.Echo",
					LogID:         uint64(i),
					Payload:       payload,
					Attachment:    []byte("attach"),
				})
				require.NoError(t, err)

				resp := waitResponse(t, ch)
				require.False(t, resp.Failed(), resp.Error)
				assert.Equal(t, uint64(i), resp.LogID)
				assert.Equal(t, payload, resp.Payload)
				assert.Equal(t, []byte("attach"), resp.Attachment)
			}
		})
	}
}

func TestClientTransportConcurrent(t *testing.T) {
	addr := startEchoServer(t)
	tr := dial(t, addr, codec.CodecTypeBinary, "none")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			payload := []byte(fmt.Sprintf("%d", n))
			_, ch, err := tr.Send(&message.RPCMessage{ServiceMethod: "Echo.Echo", LogID: uint64(n), Payload: payload})
			if !assert.NoError(t, err) {
				return
			}
			resp := <-ch
			assert.Equal(t, uint64(n), resp.LogID)
			assert.Equal(t, payload, resp.Payload)
		}(i)
	}
	wg.Wait()
}

func TestClientTransportConnectionBroken(t *testing.T) {
	addr := startEchoServer(t)
	tr := dial(t, addr, codec.CodecTypeJSON, "none")

	_, slow, err := tr.Send(&message.RPCMessage{ServiceMethod: "Slow.Wait"})
	require.NoError(t, err)
	_, _, err = tr.Send(&message.RPCMessage{ServiceMethod: "Drop.Conn"})
	require.NoError(t, err)

	resp := waitResponse(t, slow)
	assert.Equal(t, rpc.ECodeTransport, resp.Code)
	assert.NotEmpty(t, resp.Error)

	require.Eventually(t, tr.Closed, time.Second, 10*time.Millisecond)
	_, _, err = tr.Send(&message.RPCMessage{ServiceMethod: "Echo.Echo"})
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestClientTransportCloseAndCancel(t *testing.T) {
	addr := startEchoServer(t)
	tr := dial(t, addr, codec.CodecTypeJSON, "none")

	seq, cancelled, err := tr.Send(&message.RPCMessage{ServiceMethod: "Slow.Wait"})
	require.NoError(t, err)
	tr.Cancel(seq)

	_, pending, err := tr.Send(&message.RPCMessage{ServiceMethod: "Slow.Wait"})
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	resp := waitResponse(t, pending)
	assert.Equal(t, rpc.ECodeTransport, resp.Code)

	select {
	case <-cancelled:
		t.Fatal("cancelled call must not be notified")
	default:
	}
	assert.True(t, tr.Closed())
}

func TestPool(t *testing.T) {
	addr := startEchoServer(t)
	cdc, err := codec.GetCodec(codec.CodecTypeJSON)
	require.NoError(t, err)
	dials := 0
	p, err := NewPool(addr, 2, func() (*ClientTransport, error) {
		dials++
		return Dial(context.Background(), addr, cdc, nil, nil)
	})
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, addr, p.Addr())

	t1, err := p.Get()
	require.NoError(t, err)
	t2, err := p.Get()
	require.NoError(t, err)
	assert.NotSame(t, t1, t2)
	assert.Equal(t, 2, dials)

	require.NoError(t, p.Put(t1))
	assert.Equal(t, 1, p.Len())

	// A broken transport is closed on Put, not kept.
	require.NoError(t, t2.Close())
	require.NoError(t, p.Put(t2))
	assert.Equal(t, 1, p.Len())

	t3, err := p.Get()
	require.NoError(t, err)
	assert.Same(t, t1, t3)
	require.NoError(t, p.Discard(t3))
	assert.True(t, t3.Closed())
}
