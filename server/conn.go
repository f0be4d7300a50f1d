package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"echorpc/protocol"
)

// serverConn is one accepted connection. A connection is idle only when it
// has neither read nor written a frame for the idle timeout and no call it
// carried is still running.
type serverConn struct {
	net.Conn

	writeMu    sync.Mutex // Response frames never interleave
	inflight   atomic.Int64
	lastActive atomic.Int64 // Unix nanos of the last frame read or written
	idleClosed atomic.Bool
}

func newServerConn(conn net.Conn) *serverConn {
	sc := &serverConn{Conn: conn}
	sc.touch()
	return sc
}

func (c *serverConn) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

func (c *serverConn) beginCall() {
	c.touch()
	c.inflight.Add(1)
}

func (c *serverConn) endCall() {
	c.touch()
	c.inflight.Add(-1)
}

func (c *serverConn) writeFrame(h *protocol.Header, body, attach []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	err := protocol.Encode(c.Conn, h, body, attach)
	c.touch()
	return err
}

// watchIdle closes the connection once it has been idle for idle. It
// returns when done is closed.
func (c *serverConn) watchIdle(idle time.Duration, done <-chan struct{}) {
	timer := time.NewTimer(idle)
	defer timer.Stop()
	for {
		select {
		case <-done:
			return
		case <-timer.C:
		}
		quiet := time.Since(time.Unix(0, c.lastActive.Load()))
		if c.inflight.Load() == 0 && quiet >= idle {
			c.idleClosed.Store(true)
			_ = c.Conn.Close()
			return
		}
		next := idle - quiet
		if next <= 0 {
			next = idle
		}
		timer.Reset(next)
	}
}
