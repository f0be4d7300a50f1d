package echo

import (
	"context"
	"time"

	"go.uber.org/zap"

	"echorpc/logging"
	"echorpc/rpc"
)

// Caller issues one blocking RPC. *client.Channel implements it.
type Caller interface {
	Call(ctx context.Context, serviceMethod string, cntl *rpc.Controller, args, reply any) error
}

// Loop sends one echo request per interval until its context is done.
type Loop struct {
	caller    Caller
	cfg       *ChannelConfig
	lg        *zap.SugaredLogger
	nextLogID uint64
}

func NewLoop(caller Caller, cfg *ChannelConfig, lg *zap.SugaredLogger) *Loop {
	return &Loop{caller: caller, cfg: cfg, lg: logging.OrNop(lg)}
}

// Run calls, then waits for the next tick, until ctx is done. Failed calls
// are logged and never end the loop.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for ctx.Err() == nil {
		_, _, _ = l.CallOnce(ctx)
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
}

// CallOnce sends a single request with the next log id. Cancelling ctx does
// not abort a call in flight; the channel timeout bounds it.
func (l *Loop) CallOnce(ctx context.Context) (*EchoResponse, *rpc.Controller, error) {
	req := &EchoRequest{Message: "hello world"}
	resp := &EchoResponse{}
	cntl := rpc.NewController()
	cntl.LogID = l.nextLogID
	l.nextLogID++
	cntl.SetRequestAttachment(l.cfg.Attachment)

	err := l.caller.Call(context.WithoutCancel(ctx), MethodEcho, cntl, req, resp)
	if err != nil {
		l.lg.Warnw("call failed", "log_id", cntl.LogID, "err", err)
		return nil, cntl, err
	}
	l.lg.Infow(
		"received response",
		"log_id", cntl.LogID,
		"remote", cntl.RemoteSide(),
		"local", cntl.LocalSide(),
		"message", resp.Message,
		"attachment", string(cntl.ResponseAttachment()),
		"latency_us", cntl.Latency().Microseconds(),
	)
	return resp, cntl, nil
}
