// Package local is the per-context fast path multictx's Group installs
// under each logical Context: every buffered call (Put, Get, Send, PushReg)
// only grows a local slice, so M logical contexts sharing one physical node
// never contend on the barrier engine's lock mid-superstep. Flush drains
// every buffered call into the shared *barrier.Engine in one pass,
// immediately before that node's single Sync; HPPut/HPGet bypass buffering
// entirely and go straight through, matching spec.md's unbuffered
// high-performance calls.
//
// dest/src here are already physical ranks in [0, tr.Size()): this package
// only wraps one physical engine's buffered calls. Translating a logical
// rank into the physical rank that owns it, and bypassing this package
// entirely for a same-node peer via a direct memory copy, is multictx.
// Context's job (multictx.go), one layer up, where the M logical contexts'
// placement is known.
package local

import "github.com/bspgo/bsprt/bsp/barrier"

type putOp struct {
	dest           int
	dstAddr, src   []byte
	offset         int
}

type getOp struct {
	src            int
	srcAddr, dst   []byte
	offset         int
}

type sendOp struct {
	dest         int
	tag, payload []byte
}

// Context buffers one logical context's put/get/send/push_reg calls across
// a superstep and flushes them into a shared engine in a single pass.
type Context struct {
	eng *barrier.Engine

	pushes [][]byte
	puts   []putOp
	gets   []getOp
	sends  []sendOp
}

// New builds a Context whose buffered calls are eventually drained into eng.
func New(eng *barrier.Engine) *Context { return &Context{eng: eng} }

// PushReg buffers a push_reg, applied at Flush time.
func (c *Context) PushReg(addr []byte) { c.pushes = append(c.pushes, addr) }

// PopReg withdraws a registration immediately: spec.md's eager
// already-resolves-or-fails edge case means there is nothing to gain by
// buffering it, and buffering it would let a later buffered Put in the same
// superstep race against it incorrectly.
func (c *Context) PopReg(addr []byte) error { return c.eng.PopReg(addr) }

// Put buffers a put to physical rank dest, applied at Flush time. src is
// copied, since the caller's buffer may be reused before Flush runs.
func (c *Context) Put(dest int, dstAddr, src []byte, offset int) {
	cp := append([]byte(nil), src...)
	c.puts = append(c.puts, putOp{dest: dest, dstAddr: dstAddr, src: cp, offset: offset})
}

// HPPut is the unbuffered fast path: it resolves and queues the delivery
// record against the engine immediately, without waiting for Flush.
func (c *Context) HPPut(dest int, dstAddr, src []byte, offset int) error {
	return c.eng.Put(dest, dstAddr, src, offset)
}

// Get buffers a get request against physical rank src, issued at Flush time.
func (c *Context) Get(src int, srcAddr, dst []byte, offset int) {
	c.gets = append(c.gets, getOp{src: src, srcAddr: srcAddr, dst: dst, offset: offset})
}

// HPGet is Get's unbuffered counterpart.
func (c *Context) HPGet(src int, srcAddr, dst []byte, offset int) error {
	return c.eng.Get(src, srcAddr, dst, offset)
}

// Send buffers a BSMP message, enqueued at Flush time. This is the
// double-buffer half of BSMP: messages queued this superstep sit in c.sends,
// untouched by the previous superstep's queue (already drained and owned by
// the engine's msgqueue.Queue once Sync returns).
func (c *Context) Send(dest int, tag, payload []byte) {
	c.sends = append(c.sends, sendOp{dest: dest, tag: append([]byte(nil), tag...), payload: append([]byte(nil), payload...)})
}

// Flush drains every buffered call into the underlying engine, in
// push_reg/put/get/send order, and resets the buffers for the next
// superstep. It must run before the engine's Sync is called.
func (c *Context) Flush() error {
	for _, addr := range c.pushes {
		c.eng.PushReg(addr)
	}
	c.pushes = nil

	for _, p := range c.puts {
		if err := c.eng.Put(p.dest, p.dstAddr, p.src, p.offset); err != nil {
			return err
		}
	}
	c.puts = nil

	for _, g := range c.gets {
		if err := c.eng.Get(g.src, g.srcAddr, g.dst, g.offset); err != nil {
			return err
		}
	}
	c.gets = nil

	for _, s := range c.sends {
		if err := c.eng.Send(s.dest, s.tag, s.payload); err != nil {
			return err
		}
	}
	c.sends = nil
	return nil
}

// Engine exposes the shared engine, for queue drains and shared-variable
// collectives run directly against the transport (multictx.Context).
func (c *Context) Engine() *barrier.Engine { return c.eng }
