package multictx_test

import (
	"context"
	"sync"
)

// cyclicBarrier is a reusable sense-reversing rendezvous barrier, the
// simplest correct way to let several in-process goroutines stand in for
// the separate OS processes a real multi-rank BSP run would use.
type cyclicBarrier struct {
	n     int
	mu    sync.Mutex
	cond  *sync.Cond
	count int
	sense bool
}

func newCyclicBarrier(n int) *cyclicBarrier {
	b := &cyclicBarrier{n: n}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *cyclicBarrier) wait() {
	b.mu.Lock()
	local := !b.sense
	b.count++
	if b.count == b.n {
		b.count = 0
		b.sense = local
		b.cond.Broadcast()
	} else {
		for b.sense != local {
			b.cond.Wait()
		}
	}
	b.mu.Unlock()
}

// memGroup is a test-only transport.Adapter group standing in for a real
// multi physical-rank exchange within one test binary, matching
// bsp/barrier's own memgroup_test.go helper.
type memGroup struct {
	size int
	bar  *cyclicBarrier

	mu        sync.Mutex
	fixedItem [][]byte
	vBuf      [][]byte
	vCounts   [][]int
	vOffsets  [][]int
	bcastBuf  []byte
}

func newMemGroup(size int) *memGroup {
	return &memGroup{size: size, bar: newCyclicBarrier(size)}
}

func (g *memGroup) rank(r int) *memRank { return &memRank{g: g, rank: r} }

type memRank struct {
	g    *memGroup
	rank int
}

func (r *memRank) Rank() int { return r.rank }
func (r *memRank) Size() int { return r.g.size }

func (r *memRank) AllgatherFixed(_ context.Context, send []byte, recv []byte) error {
	g := r.g
	g.mu.Lock()
	if g.fixedItem == nil {
		g.fixedItem = make([][]byte, g.size)
	}
	g.fixedItem[r.rank] = append([]byte(nil), send...)
	g.mu.Unlock()
	g.bar.wait()

	itemBytes := len(send)
	for i := 0; i < g.size; i++ {
		copy(recv[i*itemBytes:(i+1)*itemBytes], g.fixedItem[i])
	}
	g.bar.wait()
	return nil
}

func (r *memRank) AlltoallFixed(_ context.Context, send []byte, itemBytes int, recv []byte) error {
	g := r.g
	g.mu.Lock()
	if g.fixedItem == nil {
		g.fixedItem = make([][]byte, g.size)
	}
	g.fixedItem[r.rank] = append([]byte(nil), send...)
	g.mu.Unlock()
	g.bar.wait()

	for i := 0; i < g.size; i++ {
		chunk := g.fixedItem[i][r.rank*itemBytes : (r.rank+1)*itemBytes]
		copy(recv[i*itemBytes:(i+1)*itemBytes], chunk)
	}
	g.bar.wait()
	return nil
}

func (r *memRank) Alltoallv(_ context.Context, send []byte, sendCounts, sendOffsets []int, recv []byte, recvCounts, recvOffsets []int) error {
	g := r.g
	g.mu.Lock()
	if g.vBuf == nil {
		g.vBuf = make([][]byte, g.size)
		g.vCounts = make([][]int, g.size)
		g.vOffsets = make([][]int, g.size)
	}
	g.vBuf[r.rank] = send
	g.vCounts[r.rank] = sendCounts
	g.vOffsets[r.rank] = sendOffsets
	g.mu.Unlock()
	g.bar.wait()

	for src := 0; src < g.size; src++ {
		n := g.vCounts[src][r.rank]
		off := g.vOffsets[src][r.rank]
		data := g.vBuf[src][off : off+n]
		dstOff := recvOffsets[src]
		copy(recv[dstOff:dstOff+recvCounts[src]], data)
	}
	g.bar.wait()
	return nil
}

func (r *memRank) Broadcast(_ context.Context, root int, buf []byte) error {
	g := r.g
	g.mu.Lock()
	if r.rank == root {
		g.bcastBuf = append([]byte(nil), buf...)
	}
	g.mu.Unlock()
	g.bar.wait()
	if r.rank != root {
		copy(buf, g.bcastBuf)
	}
	g.bar.wait()
	return nil
}

func (r *memRank) Abort(int)    {}
func (r *memRank) Close() error { return nil }
