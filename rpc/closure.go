package rpc

import (
	"sync"
	"sync/atomic"
)

// Closure is the completion signal a handler fires when its response is
// ready. The server sends nothing until it runs, so a handler must run it
// exactly once on every path.
type Closure interface {
	Run()
}

// OnceClosure runs its function on the first Run. Later calls are counted
// and otherwise ignored.
type OnceClosure struct {
	once sync.Once
	fn   func()
	runs atomic.Int32
}

// NewClosure wraps fn into an OnceClosure.
func NewClosure(fn func()) *OnceClosure {
	return &OnceClosure{fn: fn}
}

func (c *OnceClosure) Run() {
	c.runs.Add(1)
	c.once.Do(c.fn)
}

// Runs returns how many times Run was called.
func (c *OnceClosure) Runs() int {
	return int(c.runs.Load())
}

// ClosureGuard owns the obligation to run a Closure. Use it as
//
//	guard := rpc.NewClosureGuard(done)
//	defer guard.Run()
//
// so that done fires on every return path. A handler that finishes the call
// asynchronously takes the closure back with Release and runs it later.
type ClosureGuard struct {
	done Closure
}

func NewClosureGuard(done Closure) *ClosureGuard {
	return &ClosureGuard{done: done}
}

// Run fires the guarded closure unless it was released or already run.
func (g *ClosureGuard) Run() {
	if g.done == nil {
		return
	}
	done := g.done
	g.done = nil
	done.Run()
}

// Release gives up ownership and returns the closure; the guard will no
// longer run it.
func (g *ClosureGuard) Release() Closure {
	done := g.done
	g.done = nil
	return done
}
