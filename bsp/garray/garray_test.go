package garray_test

import (
	"sync"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/bspgo/bsprt/bsp/garray"
)

func TestGarray(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "garray Suite")
}

// fakeGroup is a direct-memory stand-in for a real cross-process Put/Get
// round trip, letting these tests exercise Pool's contiguous-block
// splitting without any barrier/transport machinery.
type fakeGroup struct {
	mu   sync.Mutex
	bufs map[int][]byte
}

type fakeEngine struct {
	g          *fakeGroup
	rank, size int
}

func (f *fakeEngine) Size() int           { return f.size }
func (f *fakeEngine) Rank() int           { return f.rank }
func (f *fakeEngine) PushReg(addr []byte) { f.g.mu.Lock(); f.g.bufs[f.rank] = addr; f.g.mu.Unlock() }

func (f *fakeEngine) Put(dest int, _, src []byte, offset int) error {
	f.g.mu.Lock()
	defer f.g.mu.Unlock()
	copy(f.g.bufs[dest][offset:offset+len(src)], src)
	return nil
}

func (f *fakeEngine) Get(src int, _, dst []byte, offset int) error {
	f.g.mu.Lock()
	defer f.g.mu.Unlock()
	copy(dst, f.g.bufs[src][offset:offset+len(dst)])
	return nil
}

var _ = Describe("Pool", func() {
	It("splits a Put/Get spanning three ranks' shards correctly", func() {
		const p = 3
		grp := &fakeGroup{bufs: make(map[int][]byte)}
		pools := make([]*garray.Pool, p)
		var h *garray.Handle
		for r := 0; r < p; r++ {
			e := &fakeEngine{g: grp, rank: r, size: p}
			pools[r] = garray.NewPool(e, 4)
		}
		// 10 bytes over 3 ranks: shards of 4,3,3.
		var err error
		h, err = pools[0].Alloc(10)
		Expect(err).NotTo(HaveOccurred())
		for r := 1; r < p; r++ {
			h2, err := pools[r].Alloc(10)
			Expect(err).NotTo(HaveOccurred())
			Expect(h2.Size()).To(Equal(h.Size()))
		}

		payload := []byte("0123456789")
		Expect(pools[0].Put(h, 0, payload)).To(Succeed())

		out := make([]byte, 10)
		Expect(pools[0].Get(h, 0, out)).To(Succeed())
		Expect(out).To(Equal(payload))
	})

	It("reclaims a freed slot once the ring is full", func() {
		e := &fakeEngine{g: &fakeGroup{bufs: make(map[int][]byte)}, rank: 0, size: 1}
		pool := garray.NewPool(e, 1)
		h1, err := pool.Alloc(8)
		Expect(err).NotTo(HaveOccurred())

		_, err = pool.Alloc(8)
		Expect(err).To(HaveOccurred()) // ring full, nothing freed yet

		h1.Free()
		_, err = pool.Alloc(8)
		Expect(err).NotTo(HaveOccurred())
	})
})
