// Package multictx implements C9: running M logical BSP processes
// cooperatively inside one physical process, each as a goroutine sharing a
// single *barrier.Engine and hence a single transport.Adapter connection to
// every other physical process. Exactly one of the M goroutines per node
// — the node's root, logical index 0 — actually drives the physical
// engine's Sync each superstep; the other M-1 block on a latch until it
// returns, so the engine never sees concurrent callers. Because every
// logical context's push_reg/pop_reg already funnels through that one
// shared engine, the engine's own registration-count cross-check
// (bsp/barrier) is already counting at the aggregated per-node granularity
// the collective comparison needs — no separate node-level tally is
// required.
//
// Put/Get/Send address a logical rank in [0, physicalSize*logicalPerNode);
// Context resolves that to the physical node owning it (contiguous-block by
// default, or through an optional Permutation) and, for a peer that lives on
// this same node, applies the transfer as a direct memory copy at the next
// Sync instead of routing it through the shared engine's delivery table at
// all — the two logical contexts already share an address space.
package multictx

import (
	"context"
	"sync"

	"github.com/bspgo/bsprt/bsp/barrier"
	"github.com/bspgo/bsprt/multictx/local"
	"github.com/bspgo/bsprt/shared"
	"github.com/bspgo/bsprt/stats"
	"github.com/bspgo/bsprt/transport"

	"golang.org/x/sync/errgroup"
)

type sameNodePut struct {
	dstAddr, src []byte
	offset       int
}

type sameNodeGet struct {
	srcAddr, dst []byte
	offset       int
}

// node coordinates the M logical contexts living on one physical process:
// a one-root-drives-it, the-rest-wait latch around the shared engine's
// Sync and around the node-local shared-variable collectives, plus the
// same-node Put/Get queue that bypasses the engine entirely.
type node struct {
	m            int
	physicalRank int
	perm         Permutation
	eng          *barrier.Engine

	mu     sync.Mutex
	cond   *sync.Cond
	ready  int
	gen    int
	result error

	sharedValues map[string][]shared.Value
	samePuts     []sameNodePut
	sameGets     []sameNodeGet
}

func newNode(eng *barrier.Engine, m, physicalRank int, perm Permutation) *node {
	n := &node{m: m, physicalRank: physicalRank, perm: perm, eng: eng}
	n.cond = sync.NewCond(&n.mu)
	return n
}

// onRoot runs fn exactly once per round, on the calling goroutine when
// isRoot is true, after waiting for the other m-1 logical contexts to
// arrive; non-root callers block until fn returns and then receive its
// result. This is the "one root drives it, the rest block on a latch"
// rendezvous multictx needs both for Sync and for the node-local
// shared-variable DSL.
func (n *node) onRoot(isRoot bool, fn func() error) error {
	if isRoot {
		n.mu.Lock()
		for n.ready < n.m-1 {
			n.cond.Wait()
		}
		n.ready = 0
		n.mu.Unlock()

		err := fn()

		n.mu.Lock()
		n.result = err
		n.gen++
		n.cond.Broadcast()
		n.mu.Unlock()
		return err
	}

	n.mu.Lock()
	myGen := n.gen
	n.ready++
	n.cond.Broadcast()
	for n.gen == myGen {
		n.cond.Wait()
	}
	err := n.result
	n.mu.Unlock()
	return err
}

func (n *node) declareShared(name string, idx int, v shared.Value) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sharedValues == nil {
		n.sharedValues = make(map[string][]shared.Value)
	}
	vs := n.sharedValues[name]
	if vs == nil {
		vs = make([]shared.Value, n.m)
	}
	vs[idx] = v
	n.sharedValues[name] = vs
}

// fanOutLocal copies rep's current wire image into every other logical
// context's own declared copy of name.
func (n *node) fanOutLocal(name string, rep shared.Value) error {
	raw, err := rep.Marshal()
	if err != nil {
		return err
	}
	for _, v := range n.sharedValues[name] {
		if v == nil || v == rep {
			continue
		}
		if err := v.Unmarshal(raw); err != nil {
			return err
		}
	}
	return nil
}

// fanOutInit runs Initialize against the node's one physical engine, using
// whichever logical index the global root actually names as the broadcast
// representative when root lives on this node, then fans the result out to
// every other logical context's own declared copy.
func (n *node) fanOutInit(ctx context.Context, tr transport.Adapter, name string, root int) error {
	vs := n.sharedValues[name]
	rep := vs[0]
	physicalRoot := n.nodeOf(root)
	if physicalRoot == n.physicalRank {
		rep = vs[n.localIndexOf(root)]
	}
	set := shared.NewSet(0)
	set.Declare(name, rep)
	if err := set.Initialize(ctx, tr, name, physicalRoot); err != nil {
		return err
	}
	return n.fanOutLocal(name, rep)
}

// fanOutReduce folds every other logical context's declared value on this
// node into logical index 0's via Reducer.Combine, then runs the combined
// total through the cross-node Reduce wire exchange and fans the broadcast-
// back total out to every logical context's own declared copy. Folding
// node-local values together before the wire exchange is what makes the
// wire exchange see one contribution per node rather than one per process,
// matching the children-then-node-local-parents order the rest of the
// reduce tree uses.
func (n *node) fanOutReduce(ctx context.Context, tr transport.Adapter, name string, root int, zero func() shared.Reducer) error {
	vs := n.sharedValues[name]
	combined := vs[0].(shared.Reducer)
	for _, v := range vs[1:] {
		if v == nil {
			continue
		}
		combined = combined.Combine(v).(shared.Reducer)
	}
	set := shared.NewSet(0)
	set.Declare(name, combined)
	if err := set.Reduce(ctx, tr, name, n.nodeOf(root), zero); err != nil {
		return err
	}
	return n.fanOutLocal(name, combined)
}

func (n *node) queuePut(dstAddr, src []byte, offset int) {
	cp := append([]byte(nil), src...)
	n.mu.Lock()
	n.samePuts = append(n.samePuts, sameNodePut{dstAddr: dstAddr, src: cp, offset: offset})
	n.mu.Unlock()
}

func (n *node) queueGet(srcAddr, dst []byte, offset int) {
	n.mu.Lock()
	n.sameGets = append(n.sameGets, sameNodeGet{srcAddr: srcAddr, dst: dst, offset: offset})
	n.mu.Unlock()
}

// applySameNode drains every same-node put/get queued this superstep
// directly against process memory — the local-delivery fast path, run once
// per round by whichever logical context drives onRoot. Gets apply first,
// so they read this superstep's pre-put state, the same gets-before-puts
// order the physical engine's own apply step uses.
func (n *node) applySameNode() {
	n.mu.Lock()
	gets := n.sameGets
	puts := n.samePuts
	n.sameGets = nil
	n.samePuts = nil
	n.mu.Unlock()

	for _, g := range gets {
		copy(g.dst, g.srcAddr[g.offset:g.offset+len(g.dst)])
	}
	for _, p := range puts {
		copy(p.dstAddr[p.offset:p.offset+len(p.src)], p.src)
	}
}

// Context is the per-logical-process handle a Group step receives: it
// combines local's buffered-call fast path with logical identity (Rank/Size
// in the M*physicalSize logical address space, contiguous-block placement
// per physical rank unless a Permutation says otherwise) and the
// node-level Sync/shared-variable rendezvous.
type Context struct {
	*local.Context

	logicalRank, logicalSize, logicalIdx int
	isRoot                               bool
	node                                 *node
	ctx                                  context.Context
	lastErr                              error
}

// Rank is this logical process's id in [0, Size()).
func (c *Context) Rank() int { return c.logicalRank }

// Size is M * physicalSize, the total logical process count.
func (c *Context) Size() int { return c.logicalSize }

// Put buffers a transfer to dest, a logical rank. A same-node dest is
// queued for a direct memory copy at the next Sync, bypassing the shared
// engine's delivery table; any other dest is forwarded to local's buffered
// path with dest translated to the physical rank that owns it.
func (c *Context) Put(dest int, dstAddr, src []byte, offset int) {
	if c.node.nodeOf(dest) == c.node.physicalRank {
		c.node.queuePut(dstAddr, src, offset)
		return
	}
	c.Context.Put(c.node.nodeOf(dest), dstAddr, src, offset)
}

// HPPut is Put's unbuffered counterpart: a same-node dest is written
// immediately via a raw copy, any other dest goes straight through the
// physical engine with dest translated the same way Put translates it.
func (c *Context) HPPut(dest int, dstAddr, src []byte, offset int) error {
	if c.node.nodeOf(dest) == c.node.physicalRank {
		copy(dstAddr[offset:offset+len(src)], src)
		return nil
	}
	return c.Context.HPPut(c.node.nodeOf(dest), dstAddr, src, offset)
}

// Get is Put's mirror for reads: src is a logical rank, resolved the same
// way.
func (c *Context) Get(src int, srcAddr, dst []byte, offset int) {
	if c.node.nodeOf(src) == c.node.physicalRank {
		c.node.queueGet(srcAddr, dst, offset)
		return
	}
	c.Context.Get(c.node.nodeOf(src), srcAddr, dst, offset)
}

// HPGet is Get's unbuffered counterpart.
func (c *Context) HPGet(src int, srcAddr, dst []byte, offset int) error {
	if c.node.nodeOf(src) == c.node.physicalRank {
		copy(dst, srcAddr[offset:offset+len(dst)])
		return nil
	}
	return c.Context.HPGet(c.node.nodeOf(src), srcAddr, dst, offset)
}

// Send buffers a BSMP message addressed to dest, a logical rank, translated
// to the physical rank that owns it. BSMP delivery is already shared by
// every logical context on the destination node (they drain one engine's
// msgqueue), so there is no separate same-node queue to bypass into here.
func (c *Context) Send(dest int, tag, payload []byte) {
	c.Context.Send(c.node.nodeOf(dest), tag, payload)
}

// Sync flushes this context's buffered calls into the shared engine,
// applies every same-node put/get queued this round, and then, as a group
// with the node's other logical contexts, runs exactly one physical Sync.
func (c *Context) Sync() error {
	if err := c.Context.Flush(); err != nil {
		c.lastErr = err
		return err
	}
	err := c.node.onRoot(c.isRoot, func() error {
		c.node.applySameNode()
		return c.node.eng.Sync(c.ctx)
	})
	c.lastErr = err
	return err
}

// DeclareShared registers name as backed by v within this logical context's
// own address space; every logical context on the node (including
// non-roots) must declare the same name for InitializeShared/ReduceShared
// to fan the result out to it.
func (c *Context) DeclareShared(name string, v shared.Value) {
	c.node.declareShared(name, c.logicalIdx, v)
}

// InitializeShared broadcasts root's value for name to every process in
// the group (physical and logical alike, root given in the logical Rank()
// space), one wire exchange per node, then fans the result out to every
// logical context's own declared copy.
func (c *Context) InitializeShared(name string, root int) error {
	err := c.node.onRoot(c.isRoot, func() error {
		return c.node.fanOutInit(c.ctx, c.node.eng.Transport(), name, root)
	})
	c.lastErr = err
	return err
}

// ReduceShared folds every process's value for name down to root and
// broadcasts the combined result back, fanning it out to every logical
// context's own declared copy on the way. root is given in the logical
// Rank() space.
func (c *Context) ReduceShared(name string, root int, zero func() shared.Reducer) error {
	err := c.node.onRoot(c.isRoot, func() error {
		return c.node.fanOutReduce(c.ctx, c.node.eng.Transport(), name, root, zero)
	})
	c.lastErr = err
	return err
}

// Group runs logicalPerNode cooperative logical processes on this physical
// process, each a goroutine driven by step, sharing one barrier.Engine over
// tr. perm optionally remaps the contiguous-block placement Put/Get/Send
// route logical ranks through (nil keeps the default). step has no error
// return by design (matching the classic BSPlib callback shape); a Context
// records the last error any of its Sync/InitializeShared/ReduceShared
// calls returned, and Group propagates it.
func Group(ctx context.Context, physicalRank, physicalSize, logicalPerNode int, perm Permutation, tr transport.Adapter, st *stats.Registry, step func(*Context)) error {
	if logicalPerNode < 1 {
		logicalPerNode = 1
	}
	eng := barrier.New(tr, st)
	n := newNode(eng, logicalPerNode, physicalRank, perm)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < logicalPerNode; i++ {
		i := i
		g.Go(func() error {
			c := &Context{
				Context:     local.New(eng),
				logicalRank: physicalRank*logicalPerNode + i,
				logicalSize: physicalSize * logicalPerNode,
				logicalIdx:  i,
				isRoot:      i == 0,
				node:        n,
				ctx:         gctx,
			}
			step(c)
			return c.lastErr
		})
	}
	return g.Wait()
}
