// Package transport implements the client-side transport layer with multiplexing and heartbeat.
//
// ClientTransport enables multiple concurrent RPC calls over a single TCP connection.
// Each request gets a unique sequence ID, and a background goroutine (recvLoop)
// continuously reads responses and routes them to the correct caller via pending channels.
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] chan ← response → goroutine-2 wakes up
package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"echorpc/codec"
	"echorpc/compress"
	"echorpc/logging"
	"echorpc/message"
	"echorpc/protocol"
	"echorpc/rpc"
)

var ErrTransportClosed = errors.New("transport: connection closed")

// HeartbeatInterval is how often a transport sends a heartbeat frame.
const HeartbeatInterval = 30 * time.Second

// ClientTransport manages a single multiplexed TCP connection.
type ClientTransport struct {
	conn       net.Conn
	codec      codec.Codec
	compressor compress.Compressor
	lg         *zap.SugaredLogger

	seq     uint32     // Protected by sending
	pending sync.Map   // map[uint32]chan *message.RPCMessage
	sending sync.Mutex // Serializes whole frames so requests never interleave on the wire

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to addr and wraps the connection in a ClientTransport.
func Dial(ctx context.Context, addr string, cdc codec.Codec, cmp compress.Compressor, lg *zap.SugaredLogger) (*ClientTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewClientTransport(conn, cdc, cmp, lg), nil
}

// NewClientTransport creates a transport for the given connection and starts two background goroutines:
//   - recvLoop: continuously reads responses from the connection and dispatches to pending callers
//   - heartbeatLoop: sends periodic heartbeat frames until the transport is closed
func NewClientTransport(conn net.Conn, cdc codec.Codec, cmp compress.Compressor, lg *zap.SugaredLogger) *ClientTransport {
	if cmp == nil {
		cmp = compress.NoneCompressor{}
	}
	t := &ClientTransport{
		conn:       conn,
		codec:      cdc,
		compressor: cmp,
		lg:         logging.OrNop(lg),
		done:       make(chan struct{}),
	}
	go t.recvLoop()
	go t.heartbeatLoop(HeartbeatInterval)
	return t
}

// Send encodes msg into a request frame and writes it to the connection.
// It returns the sequence number and a channel that receives exactly one
// response, or a transport failure if the connection breaks first.
func (t *ClientTransport) Send(msg *message.RPCMessage) (uint32, <-chan *message.RPCMessage, error) {
	body, err := t.codec.Encode(msg)
	if err != nil {
		return 0, nil, err
	}
	body, err = t.compressor.Compress(body)
	if err != nil {
		return 0, nil, err
	}

	t.sending.Lock()
	defer t.sending.Unlock()
	if t.closed.Load() {
		return 0, nil, ErrTransportClosed
	}

	t.seq++
	seq := t.seq
	header := protocol.Header{
		CodecType:    byte(t.codec.Type()),
		MsgType:      protocol.MsgTypeRequest,
		CompressType: byte(t.compressor.Code()),
		Seq:          seq,
	}

	// Register before writing so recvLoop can never see the response first.
	respChan := make(chan *message.RPCMessage, 1)
	t.pending.Store(seq, respChan)

	if err := protocol.Encode(t.conn, &header, body, msg.Attachment); err != nil {
		t.pending.Delete(seq)
		t.shutdown(err)
		return 0, nil, err
	}
	// closeAllPending may have run between the closed check and Store.
	if t.closed.Load() {
		if _, ok := t.pending.LoadAndDelete(seq); ok {
			return 0, nil, ErrTransportClosed
		}
	}
	return seq, respChan, nil
}

// Cancel forgets a pending call. A response that arrives later is dropped.
func (t *ClientTransport) Cancel(seq uint32) {
	t.pending.Delete(seq)
}

// Close closes the connection. Pending callers receive a transport failure.
func (t *ClientTransport) Close() error {
	t.shutdown(ErrTransportClosed)
	return nil
}

// Closed reports whether the connection is no longer usable.
func (t *ClientTransport) Closed() bool {
	return t.closed.Load()
}

func (t *ClientTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

func (t *ClientTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// recvLoop is the only reader of the connection: TCP is a byte stream, so
// frame boundaries can only be parsed sequentially.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, attach, err := protocol.Decode(t.conn)
		if err != nil {
			t.shutdown(err)
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		resp := t.decodeResponse(header, body)
		resp.Attachment = attach

		if ch, ok := t.pending.LoadAndDelete(header.Seq); ok {
			ch.(chan *message.RPCMessage) <- resp
		}
	}
}

func (t *ClientTransport) decodeResponse(header *protocol.Header, body []byte) *message.RPCMessage {
	cmp, err := compress.Get(compress.Type(header.CompressType))
	if err != nil {
		return failure(rpc.ECodeResponse, err)
	}
	body, err = cmp.Uncompress(body)
	if err != nil {
		return failure(rpc.ECodeResponse, err)
	}
	cdc, err := codec.GetCodec(codec.CodecType(header.CodecType))
	if err != nil {
		return failure(rpc.ECodeResponse, err)
	}
	resp := &message.RPCMessage{}
	if err := cdc.Decode(body, resp); err != nil {
		return failure(rpc.ECodeResponse, err)
	}
	return resp
}

func (t *ClientTransport) shutdown(cause error) {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.done)
		_ = t.conn.Close()
		if !errors.Is(cause, ErrTransportClosed) {
			t.lg.Warnw("connection broken", "remote", t.conn.RemoteAddr().String(), "err", cause)
		}
		t.closeAllPending(cause)
	})
}

// closeAllPending hands every waiting caller a transport failure so none blocks forever.
func (t *ClientTransport) closeAllPending(cause error) {
	t.pending.Range(func(key, _ any) bool {
		if ch, ok := t.pending.LoadAndDelete(key); ok {
			ch.(chan *message.RPCMessage) <- failure(rpc.ECodeTransport, cause)
		}
		return true
	})
}

// heartbeatLoop keeps the connection warm so the server's idle timeout only
// fires for clients that are really gone.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		header := &protocol.Header{
			CodecType: byte(t.codec.Type()),
			MsgType:   protocol.MsgTypeHeartbeat,
		}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil, nil)
		t.sending.Unlock()
		if err != nil {
			t.shutdown(err)
			return
		}
	}
}

func failure(code int32, err error) *message.RPCMessage {
	return &message.RPCMessage{Code: code, Error: err.Error()}
}
