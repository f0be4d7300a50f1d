// Package client implements the RPC Channel: it resolves a target into
// server instances, balances calls across them, keeps connections of the
// configured type and turns every call into a filled rpc.Controller.
//
// Call pipeline:
//
//	Call → encode args → Tracing → Retry → user middlewares → invoke
//	invoke: pick instance → get transport → Send → wait for response or deadline
package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"echorpc/codec"
	"echorpc/compress"
	"echorpc/loadbalance"
	"echorpc/logging"
	"echorpc/message"
	"echorpc/middleware"
	"echorpc/registry"
	"echorpc/rpc"
	"echorpc/transport"
)

// Channel is safe for concurrent use by multiple goroutines.
type Channel struct {
	opts         Options
	lg           *zap.SugaredLogger
	target       *target
	codec        codec.Codec
	payloadCodec codec.Codec
	compressor   compress.Compressor
	balancer     loadbalance.Balancer
	resolver     resolver
	conns        connector
	handler      middleware.HandlerFunc
	closed       atomic.Bool
}

func NewChannel(opts Options) (*Channel, error) {
	t, err := parseTarget(opts.Target)
	if err != nil {
		return nil, err
	}
	if err := opts.validate(t); err != nil {
		return nil, err
	}
	if opts.ConnectionType == "" {
		opts.ConnectionType = ConnectionSingle
	}
	if opts.PoolSize == 0 {
		opts.PoolSize = defaultPoolSize
	}

	cdc, err := codec.GetCodec(opts.Codec)
	if err != nil {
		return nil, err
	}
	cmp, err := compress.Get(opts.Compress)
	if err != nil {
		return nil, err
	}

	ch := &Channel{
		opts:         opts,
		lg:           logging.OrNop(opts.Logger),
		target:       t,
		codec:        cdc,
		payloadCodec: codec.PayloadCodec(opts.Codec),
		compressor:   cmp,
	}

	if t.kind != targetSingle {
		if ch.balancer, err = loadbalance.New(opts.LoadBalancer); err != nil {
			return nil, err
		}
	}
	switch t.kind {
	case targetList:
		ch.resolver = staticResolver(t.instances)
	case targetEtcd:
		reg, err := registry.NewEtcdRegistry(t.endpoints, dialTimeout, ch.lg)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		if ch.resolver, err = newWatchResolver(ctx, reg, t.service, ch.lg); err != nil {
			_ = reg.Close()
			return nil, err
		}
	}

	ch.conns = newConnector(opts.ConnectionType, opts.PoolSize, ch.dial)

	mws := []middleware.Middleware{
		middleware.TracingMiddleware(nil),
		middleware.RetryMiddleware(opts.MaxRetry, retryBaseDelay, ch.lg),
	}
	mws = append(mws, opts.Middlewares...)
	ch.handler = middleware.Chain(mws...)(ch.invoke)
	return ch, nil
}

func (c *Channel) dial(ctx context.Context, addr string) (*transport.ClientTransport, error) {
	return transport.Dial(ctx, addr, c.codec, c.compressor, c.lg)
}

type callStateKey struct{}

// callState is shared by the attempts of one call.
type callState struct {
	requestCode uint64

	mu     sync.Mutex
	remote string
	local  string
}

func (s *callState) setSides(t *transport.ClientTransport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote = t.RemoteAddr().String()
	s.local = t.LocalAddr().String()
}

func (s *callState) sides() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote, s.local
}

// Call sends args to serviceMethod ("Service.Method") and decodes the reply
// into reply. It blocks until the call completes, fails or reaches the
// channel timeout, counting every retry. cntl carries the log id and the
// request attachment in, and the sides, latency, response attachment and
// failure out. The returned error is cntl.Err().
func (c *Channel) Call(ctx context.Context, serviceMethod string, cntl *rpc.Controller, args, reply any) error {
	if cntl == nil {
		cntl = rpc.NewController()
	}
	start := time.Now()
	defer func() { cntl.SetLatency(time.Since(start)) }()

	if c.closed.Load() {
		cntl.SetFailed(rpc.ECodeTransport, "%s", errConnectorClosed)
		return cntl.Err()
	}
	payload, err := c.payloadCodec.Encode(args)
	if err != nil {
		cntl.SetFailed(rpc.ECodeRequest, "fail to serialize request: %s", err)
		return cntl.Err()
	}
	req := &message.RPCMessage{
		ServiceMethod: serviceMethod,
		LogID:         cntl.LogID,
		Payload:       payload,
		Attachment:    cntl.RequestAttachment(),
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	state := &callState{requestCode: cntl.RequestCode()}
	ctx = context.WithValue(ctx, callStateKey{}, state)

	resp := c.handler(ctx, req)
	cntl.SetSides(state.sides())

	if resp.Failed() {
		cntl.SetFailed(resp.Code, "%s", resp.Error)
		return cntl.Err()
	}
	if err := c.payloadCodec.Decode(resp.Payload, reply); err != nil {
		cntl.SetFailed(rpc.ECodeResponse, "fail to parse response: %s", err)
		return cntl.Err()
	}
	cntl.SetResponseAttachment(resp.Attachment)
	return nil
}

// invoke runs one attempt. It is the innermost handler of the client chain.
func (c *Channel) invoke(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	state, _ := ctx.Value(callStateKey{}).(*callState)
	if state == nil {
		state = &callState{requestCode: req.LogID}
	}
	if ctx.Err() != nil {
		return c.deadlineResponse(ctx, req)
	}

	addr, err := c.pick(state.requestCode)
	if err != nil {
		return response(req, rpc.ECodeTransport, err.Error())
	}
	t, release, err := c.conns.get(ctx, addr)
	if err != nil {
		if ctx.Err() != nil {
			return c.deadlineResponse(ctx, req)
		}
		return response(req, rpc.ECodeTransport, "fail to connect "+addr+": "+err.Error())
	}
	state.setSides(t)

	seq, respCh, err := t.Send(req)
	if err != nil {
		release(true)
		return response(req, rpc.ECodeTransport, "fail to send to "+addr+": "+err.Error())
	}

	select {
	case resp := <-respCh:
		release(resp.Code == rpc.ECodeTransport)
		return resp
	case <-ctx.Done():
		t.Cancel(seq)
		release(false)
		return c.deadlineResponse(ctx, req)
	}
}

func (c *Channel) pick(requestCode uint64) (string, error) {
	if c.target.kind == targetSingle {
		return c.target.addr, nil
	}
	inst, err := c.balancer.Pick(c.resolver.Instances(), requestCode)
	if err != nil {
		return "", err
	}
	return inst.Addr, nil
}

func (c *Channel) deadlineResponse(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return response(req, rpc.ECodeTimeout, "reached timeout="+c.opts.Timeout.String())
	}
	return response(req, rpc.ECodeCanceled, "call canceled: "+ctx.Err().Error())
}

// Close releases connections and stops discovery. Calls made after Close fail.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.conns.close()
	if c.resolver != nil {
		return c.resolver.Close()
	}
	return nil
}

func response(req *message.RPCMessage, code int32, text string) *message.RPCMessage {
	return &message.RPCMessage{
		ServiceMethod: req.ServiceMethod,
		LogID:         req.LogID,
		Code:          code,
		Error:         text,
	}
}
