// Package garray implements C8: a global array distributed by contiguous
// block across every process, addressed by byte offset. A Get/Put that
// spans several owning ranks is split into one bsp.Get/Put per rank the
// range touches (spec.md §4.8).
package garray

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/bspgo/bsprt/cmn/xerrors"
)

// maxConcurrentSpans bounds how many owning-rank Put/Get calls a single
// scatter/gather issues at once, so a handle spanning hundreds of ranks
// doesn't open hundreds of goroutines against the engine at once.
const maxConcurrentSpans = 8

// Engine is the subset of bsp's process-level API garray needs, so this
// package can be driven by the real process-wide bsp package or by a
// fake *barrier.Engine in tests without an import cycle.
type Engine interface {
	Size() int
	Rank() int
	PushReg(addr []byte)
	Put(dest int, dstAddr, src []byte, offset int) error
	Get(src int, srcAddr, dst []byte, offset int) error
}

// Handle names one global array: its total size and the local shard every
// process holds. Every process registers only its own shard, at the same
// collective push_reg point, so this process's own shard is the local
// mirror whose serial names shard r on rank r in a Put/Get.
type Handle struct {
	id      int
	total   int
	shards  [][]byte // every process's local shard, same length order on every process
	starts  []int    // byte offset of shards[r] within the flattened array
	freed   bool
}

// Pool owns a bounded ring of K handles, recycling freed slots (spec.md
// §4.8) instead of growing without limit.
type Pool struct {
	e        Engine
	k        int
	handles  []*Handle
	nextID   int
}

// NewPool builds a pool that allows at most k live global arrays at once.
func NewPool(e Engine, k int) *Pool {
	return &Pool{e: e, k: k}
}

// Alloc distributes a bytes-byte array in contiguous blocks across every
// process and registers every process's shard.
func (p *Pool) Alloc(bytes int) (*Handle, error) {
	if len(p.handles) >= p.k {
		if err := p.reclaimOne(); err != nil {
			return nil, err
		}
	}
	n := p.e.Size()
	base := bytes / n
	rem := bytes % n
	shards := make([][]byte, n)
	starts := make([]int, n)
	off := 0
	for r := 0; r < n; r++ {
		size := base
		if r < rem {
			size++
		}
		starts[r] = off
		shards[r] = make([]byte, size)
		off += size
	}
	h := &Handle{id: p.nextID, total: bytes, shards: shards, starts: starts}
	p.nextID++
	p.handles = append(p.handles, h)
	p.e.PushReg(shards[p.e.Rank()])
	return h, nil
}

// Size is the global array's total byte length.
func (h *Handle) Size() int { return h.total }

// Free marks h's slot reclaimable; its backing shard is dropped once
// another Alloc needs the ring slot (the collective pop_reg it requires
// cannot run until every process calls Free, mirrored by the caller).
func (h *Handle) Free() { h.freed = true }

func (p *Pool) reclaimOne() error {
	for i, h := range p.handles {
		if h.freed {
			p.handles = append(p.handles[:i], p.handles[i+1:]...)
			return nil
		}
	}
	return xerrors.NewOutOfMemory(fmt.Errorf("garray: pool of %d handles is full and none are freed", p.k))
}

// owners returns, for the byte range [offset, offset+n), the list of
// (rank, shardOffset, shardN, rangeOffset) slices it touches.
type span struct {
	rank        int
	shardOffset int
	n           int
	rangeOffset int
}

func (h *Handle) owners(offset, n int) []span {
	var out []span
	pos := offset
	end := offset + n
	for r := 0; r < len(h.shards) && pos < end; r++ {
		shardStart := h.starts[r]
		shardEnd := shardStart + len(h.shards[r])
		if shardEnd <= pos {
			continue
		}
		if shardStart >= end {
			break
		}
		lo := pos
		hi := shardEnd
		if hi > end {
			hi = end
		}
		out = append(out, span{
			rank:        r,
			shardOffset: lo - shardStart,
			n:           hi - lo,
			rangeOffset: lo - offset,
		})
		pos = hi
	}
	return out
}

// Put writes src into h at byte offset, splitting across every rank the
// range touches into one bsp.Put per owning rank, fanned out over a
// semaphore-bounded worker pool so a handle spanning many ranks doesn't
// open one goroutine per rank.
func (p *Pool) Put(h *Handle, offset int, src []byte) error {
	spans := h.owners(offset, len(src))
	sem := semaphore.NewWeighted(maxConcurrentSpans)
	g, ctx := errgroup.WithContext(context.Background())
	for _, s := range spans {
		s := s
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer sem.Release(1)
			return p.e.Put(s.rank, h.shards[p.e.Rank()], src[s.rangeOffset:s.rangeOffset+s.n], s.shardOffset)
		})
	}
	return g.Wait()
}

// Get reads len(dst) bytes from h at byte offset into dst, split across
// every owning rank over the same bounded worker pool as Put; dst is
// filled in by the caller's next bsp.Sync.
func (p *Pool) Get(h *Handle, offset int, dst []byte) error {
	spans := h.owners(offset, len(dst))
	sem := semaphore.NewWeighted(maxConcurrentSpans)
	g, ctx := errgroup.WithContext(context.Background())
	for _, s := range spans {
		s := s
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer sem.Release(1)
			return p.e.Get(s.rank, h.shards[p.e.Rank()], dst[s.rangeOffset:s.rangeOffset+s.n], s.shardOffset)
		})
	}
	return g.Wait()
}

// HPPut and HPGet are the high-performance forms; at the global-array
// layer they coincide with Put/Get since the buffered-vs-unbuffered
// distinction lives one layer down, in multictx/local.
func (p *Pool) HPPut(h *Handle, offset int, src []byte) error { return p.Put(h, offset, src) }
func (p *Pool) HPGet(h *Handle, offset int, dst []byte) error { return p.Get(h, offset, dst) }
