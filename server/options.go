package server

import (
	"time"

	"go.uber.org/zap"

	"echorpc/registry"
)

type Option func(*Server)

// WithIdleTimeout closes connections that send nothing for d. Heartbeats
// count as traffic. d <= 0 keeps idle connections forever.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.idleTimeout = d
	}
}

// WithRegistry advertises every registered service under advertiseAddr once
// the server listens, and withdraws it on Shutdown.
func WithRegistry(reg registry.Registry, advertiseAddr string) Option {
	return func(s *Server) {
		s.registry = reg
		s.advertiseAddr = advertiseAddr
	}
}

func WithLogger(lg *zap.SugaredLogger) Option {
	return func(s *Server) {
		s.lg = lg
	}
}

// WithMaxConcurrency rejects requests with ECodeLimited while n are already
// being processed. n <= 0 means unlimited.
func WithMaxConcurrency(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.slots = make(chan struct{}, n)
		}
	}
}
