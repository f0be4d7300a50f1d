// Package server implements the RPC server with service registration, middleware chain,
// parallel request processing, idle connection reaping and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → Uncompress → Codec.Decode → Middleware Chain → businessHandler (reflect.Call, wait for done)
//	    → Codec.Encode → Compress → write response
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"echorpc/codec"
	"echorpc/compress"
	"echorpc/logging"
	"echorpc/message"
	"echorpc/middleware"
	"echorpc/protocol"
	"echorpc/registry"
	"echorpc/rpc"
)

const registryTTL = 10 // seconds, renewed by the registry's keepalive

var (
	ErrServerStarted   = errors.New("server: already started")
	ErrNotStarted      = errors.New("server: not started")
	ErrShutdownTimeout = errors.New("server: timeout waiting for ongoing requests to finish")
)

// Server is the RPC server that registers services and handles incoming requests.
type Server struct {
	lg            *zap.SugaredLogger
	idleTimeout   time.Duration
	registry      registry.Registry
	advertiseAddr string
	slots         chan struct{} // Concurrency tokens, nil when unlimited

	serviceMap  map[string]*service // "EchoService" → *service, fixed once started
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	// ctx is handed to every request; cancelled when Shutdown gives up waiting.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	stopping bool           // Guarded by mu so no wg.Add can race with wg.Wait
	wg       sync.WaitGroup // In-flight requests

	shutdown   atomic.Bool
	acceptDone chan struct{}
	acceptErr  error
}

func NewServer(opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		serviceMap: make(map[string]*service),
		conns:      make(map[net.Conn]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lg = logging.OrNop(s.lg)
	return s
}

// Register adds a service receiver (e.g., &EchoService{}). Only methods of
// the shape Method(*rpc.Controller, *Args, *Reply, rpc.Closure) are exported.
// Register must be called before Start.
func (svr *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	if _, ok := svr.serviceMap[svc.name]; ok {
		return fmt.Errorf("%w: %s", errDuplicateService, svc.name)
	}
	svr.serviceMap[svc.name] = svc
	return nil
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Start listens on address and serves in the background. Bind failures and
// registry failures are returned before any connection is accepted.
func (svr *Server) Start(network, address string) error {
	svr.mu.Lock()
	if svr.listener != nil || svr.stopping {
		svr.mu.Unlock()
		return ErrServerStarted
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		svr.mu.Unlock()
		return err
	}
	svr.listener = ln
	svr.acceptDone = make(chan struct{})
	svr.mu.Unlock()

	// Chain(A, B, C)(handler) → A(B(C(handler)))
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)

	if err := svr.advertise(); err != nil {
		_ = ln.Close()
		close(svr.acceptDone)
		return err
	}

	svr.lg.Infow("server started", "addr", ln.Addr().String())
	go svr.acceptLoop(ln)
	return nil
}

// Serve is Start followed by waiting until the server stops. It returns nil
// after a Shutdown.
func (svr *Server) Serve(network, address string) error {
	if err := svr.Start(network, address); err != nil {
		return err
	}
	<-svr.acceptDone
	return svr.acceptErr
}

// RunUntilAskedToQuit blocks until ctx is done, then shuts down with the
// given grace period.
func (svr *Server) RunUntilAskedToQuit(ctx context.Context, grace time.Duration) error {
	svr.mu.Lock()
	acceptDone := svr.acceptDone
	svr.mu.Unlock()
	if acceptDone == nil {
		return ErrNotStarted
	}
	select {
	case <-ctx.Done():
	case <-acceptDone:
	}
	err := svr.Shutdown(grace)
	if svr.acceptErr != nil {
		return svr.acceptErr
	}
	return err
}

// Addr returns the listening address, or nil before Start.
func (svr *Server) Addr() net.Addr {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

func (svr *Server) advertise() error {
	if svr.registry == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for name := range svr.serviceMap {
		inst := registry.ServiceInstance{Addr: svr.advertiseAddr, Weight: 1}
		if err := svr.registry.Register(ctx, name, inst, registryTTL); err != nil {
			return fmt.Errorf("register %s at %s: %w", name, svr.advertiseAddr, err)
		}
		svr.lg.Infow("service registered", "service", name, "addr", svr.advertiseAddr)
	}
	return nil
}

func (svr *Server) withdraw() {
	if svr.registry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for name := range svr.serviceMap {
		if err := svr.registry.Deregister(ctx, name, svr.advertiseAddr); err != nil {
			svr.lg.Warnw("deregister failed", "service", name, "err", err)
		}
	}
}

func (svr *Server) acceptLoop(ln net.Listener) {
	defer close(svr.acceptDone)
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Closing the listener during shutdown also ends up here.
			if !svr.shutdown.Load() {
				svr.acceptErr = err
				svr.lg.Errorw("accept failed", "err", err)
			}
			return
		}
		if !svr.trackConn(conn) {
			_ = conn.Close()
			continue
		}
		go svr.handleConn(conn)
	}
}

func (svr *Server) trackConn(conn net.Conn) bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.stopping {
		return false
	}
	svr.conns[conn] = struct{}{}
	return true
}

func (svr *Server) untrackConn(conn net.Conn) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	delete(svr.conns, conn)
}

// handleConn runs the read loop of one connection: reads must be sequential
// to parse frame boundaries, but each request is processed in its own goroutine.
func (svr *Server) handleConn(conn net.Conn) {
	defer svr.untrackConn(conn)
	defer conn.Close()
	sc := newServerConn(conn)
	remote := conn.RemoteAddr().String()
	if svr.idleTimeout > 0 {
		done := make(chan struct{})
		defer close(done)
		go sc.watchIdle(svr.idleTimeout, done)
	}
	for {
		header, body, attach, err := protocol.Decode(conn)
		if err != nil {
			switch {
			case sc.idleClosed.Load():
				svr.lg.Infow("closing idle connection", "remote", remote, "idle_timeout", svr.idleTimeout)
			case svr.shutdown.Load():
			default:
				svr.lg.Debugw("connection closed", "remote", remote, "err", err)
			}
			return
		}
		sc.touch()
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}
		if header.MsgType != protocol.MsgTypeRequest {
			svr.lg.Warnw("unexpected frame", "remote", remote, "msg_type", header.MsgType)
			continue
		}

		svr.mu.Lock()
		if svr.stopping {
			svr.mu.Unlock()
			// Answered inline: the request never reaches a handler.
			svr.replyLogoff(sc, header, body)
			continue
		}
		svr.wg.Add(1)
		svr.mu.Unlock()

		sc.beginCall()
		go svr.handleRequest(sc, header, body, attach)
	}
}

type callInfoKey struct{}

// callInfo carries what the business handler needs from the frame and the
// connection through the middleware chain.
type callInfo struct {
	codecType codec.CodecType
	remote    string
	local     string
}

func (svr *Server) handleRequest(sc *serverConn, header *protocol.Header, body, attach []byte) {
	defer svr.wg.Done()
	defer sc.endCall()

	cdc, cmp, req, resp := svr.decodeRequest(header, body)
	if resp == nil {
		req.Attachment = attach
		resp = svr.dispatch(sc, header, req)
	}
	svr.writeResponse(sc, header, cdc, cmp, resp)
}

// decodeRequest returns a non-nil response when the request cannot be dispatched.
func (svr *Server) decodeRequest(header *protocol.Header, body []byte) (codec.Codec, compress.Compressor, *message.RPCMessage, *message.RPCMessage) {
	req := &message.RPCMessage{}
	// Both lookups are checked by protocol.Decode already.
	cdc, err := codec.GetCodec(codec.CodecType(header.CodecType))
	if err != nil {
		return nil, compress.NoneCompressor{}, req, errorResponse(req, rpc.ECodeRequest, err.Error())
	}
	cmp, err := compress.Get(compress.Type(header.CompressType))
	if err != nil {
		return cdc, compress.NoneCompressor{}, req, errorResponse(req, rpc.ECodeRequest, err.Error())
	}
	raw, err := cmp.Uncompress(body)
	if err != nil {
		return cdc, cmp, req, errorResponse(req, rpc.ECodeRequest, "fail to uncompress request: "+err.Error())
	}
	if err := cdc.Decode(raw, req); err != nil {
		return cdc, cmp, req, errorResponse(req, rpc.ECodeRequest, "fail to decode request: "+err.Error())
	}
	return cdc, cmp, req, nil
}

func (svr *Server) dispatch(conn net.Conn, header *protocol.Header, req *message.RPCMessage) *message.RPCMessage {
	if svr.slots != nil {
		select {
		case svr.slots <- struct{}{}:
			defer func() { <-svr.slots }()
		default:
			return errorResponse(req, rpc.ECodeLimited, "reached max concurrency")
		}
	}
	ctx := context.WithValue(svr.ctx, callInfoKey{}, &callInfo{
		codecType: codec.CodecType(header.CodecType),
		remote:    conn.RemoteAddr().String(),
		local:     conn.LocalAddr().String(),
	})
	resp := svr.handler(ctx, req)
	if resp == nil {
		resp = errorResponse(req, rpc.ECodeInternal, "empty response")
	}
	resp.ServiceMethod = req.ServiceMethod
	resp.LogID = req.LogID
	return resp
}

func (svr *Server) writeResponse(sc *serverConn, header *protocol.Header, cdc codec.Codec, cmp compress.Compressor, resp *message.RPCMessage) {
	if cdc == nil {
		cdc = &codec.JSONCodec{}
	}
	body, err := cdc.Encode(resp)
	if err != nil {
		svr.lg.Errorw("fail to encode response", "service_method", resp.ServiceMethod, "log_id", resp.LogID, "err", err)
		resp = errorResponse(resp, rpc.ECodeInternal, "fail to encode response: "+err.Error())
		if body, err = cdc.Encode(resp); err != nil {
			return
		}
	}
	body, err = cmp.Compress(body)
	if err != nil {
		svr.lg.Errorw("fail to compress response", "log_id", resp.LogID, "err", err)
		return
	}

	// Same seq as the request: this is how the client matches responses.
	replyHeader := protocol.Header{
		CodecType:    byte(cdc.Type()),
		MsgType:      protocol.MsgTypeResponse,
		CompressType: byte(cmp.Code()),
		Seq:          header.Seq,
	}
	if err := sc.writeFrame(&replyHeader, body, resp.Attachment); err != nil {
		svr.lg.Warnw("fail to write response", "remote", sc.RemoteAddr().String(), "log_id", resp.LogID, "err", err)
	}
}

func (svr *Server) replyLogoff(sc *serverConn, header *protocol.Header, body []byte) {
	cdc, cmp, req, resp := svr.decodeRequest(header, body)
	if resp == nil {
		resp = errorResponse(req, rpc.ECodeLogoff, "server is stopping")
	}
	svr.writeResponse(sc, header, cdc, cmp, resp)
}

// Shutdown stops the server gracefully:
//  1. Deregister all services so clients stop routing here
//  2. Stop accepting connections; requests arriving from now on get ECodeLogoff
//  3. Wait up to grace for in-flight requests
//  4. Close every remaining connection
func (svr *Server) Shutdown(grace time.Duration) error {
	svr.mu.Lock()
	if svr.stopping {
		svr.mu.Unlock()
		return nil
	}
	svr.stopping = true
	ln := svr.listener
	svr.mu.Unlock()

	if ln == nil {
		return ErrNotStarted
	}

	svr.withdraw()

	// Set before closing so the accept loop sees an intentional close.
	svr.shutdown.Store(true)
	_ = ln.Close()

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(grace):
		err = ErrShutdownTimeout
	}
	svr.cancel()

	svr.mu.Lock()
	for conn := range svr.conns {
		_ = conn.Close()
	}
	svr.mu.Unlock()
	<-svr.acceptDone

	svr.lg.Infow("server stopped", "addr", ln.Addr().String(), "err", err)
	return err
}

// businessHandler dispatches a request to its service method. It is the
// innermost layer of the middleware chain.
//
// Flow: parse "Service.Method" → find service → find method → decode args →
// reflect.Call with a one-shot done closure → wait for done → encode reply.
func (svr *Server) businessHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	info, _ := ctx.Value(callInfoKey{}).(*callInfo)
	if info == nil {
		info = &callInfo{}
	}

	serviceName, methodName, err := message.SplitServiceMethod(req.ServiceMethod)
	if err != nil {
		return errorResponse(req, rpc.ECodeRequest, fmt.Sprintf("%s: %q", err, req.ServiceMethod))
	}
	svc, ok := svr.serviceMap[serviceName]
	if !ok {
		return errorResponse(req, rpc.ECodeNoService, fmt.Sprintf("fail to find service=%s", serviceName))
	}
	mType, ok := svc.method[methodName]
	if !ok {
		return errorResponse(req, rpc.ECodeNoMethod, fmt.Sprintf("fail to find method=%s", req.ServiceMethod))
	}

	payloadCodec := codec.PayloadCodec(info.codecType)
	argv := reflect.New(mType.ArgType)
	replyv := reflect.New(mType.ReplyType)
	if err := payloadCodec.Decode(req.Payload, argv.Interface()); err != nil {
		return errorResponse(req, rpc.ECodeRequest, "fail to parse request: "+err.Error())
	}

	cntl := rpc.NewController()
	cntl.LogID = req.LogID
	cntl.SetSides(info.remote, info.local)
	cntl.SetRequestAttachment(req.Attachment)

	finished := make(chan struct{})
	done := rpc.NewClosure(func() { close(finished) })
	if err := svc.call(mType, cntl, argv, replyv, done); err != nil {
		svr.lg.Errorw("handler panicked", "service_method", req.ServiceMethod, "log_id", req.LogID, "err", err)
		return errorResponse(req, rpc.ECodeInternal, err.Error())
	}

	// The method may complete asynchronously after releasing its guard.
	select {
	case <-finished:
	case <-ctx.Done():
		return errorResponse(req, rpc.ECodeInternal, "handler did not finish: "+ctx.Err().Error())
	}

	if cntl.Failed() {
		if err, ok := cntl.Err().(*rpc.Error); ok {
			return errorResponse(req, err.Code, err.Text)
		}
	}
	payload, err := payloadCodec.Encode(replyv.Interface())
	if err != nil {
		return errorResponse(req, rpc.ECodeInternal, "fail to serialize response: "+err.Error())
	}
	return &message.RPCMessage{
		ServiceMethod: req.ServiceMethod,
		LogID:         req.LogID,
		Payload:       payload,
		Attachment:    cntl.ResponseAttachment(),
	}
}

func errorResponse(req *message.RPCMessage, code int32, text string) *message.RPCMessage {
	return &message.RPCMessage{
		ServiceMethod: req.ServiceMethod,
		LogID:         req.LogID,
		Code:          code,
		Error:         text,
	}
}
