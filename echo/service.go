package echo

import (
	"go.uber.org/zap"

	"echorpc/logging"
	"echorpc/rpc"
)

// EchoService answers EchoService.Echo. It keeps no state between calls, so
// the server may run any number of calls concurrently.
type EchoService struct {
	cfg *ListenConfig
	lg  *zap.SugaredLogger
}

func NewEchoService(cfg *ListenConfig, lg *zap.SugaredLogger) *EchoService {
	return &EchoService{cfg: cfg, lg: logging.OrNop(lg)}
}

// Echo copies the request message into the response and, when
// EchoAttachment is set, the request attachment into the response attachment.
func (s *EchoService) Echo(cntl *rpc.Controller, req *EchoRequest, resp *EchoResponse, done rpc.Closure) {
	// Runs done on every return path.
	guard := rpc.NewClosureGuard(done)
	defer guard.Run()

	s.lg.Infow(
		"received request",
		"log_id", cntl.LogID,
		"remote", cntl.RemoteSide(),
		"local", cntl.LocalSide(),
		"message", req.Message,
		"attachment", string(cntl.RequestAttachment()),
	)

	resp.Message = req.Message
	if s.cfg.EchoAttachment {
		cntl.SetResponseAttachment(cntl.RequestAttachment())
	}
}
