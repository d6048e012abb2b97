package barrier_test

import (
	"context"
	"encoding/binary"
	"sync"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bspgo/bsprt/bsp/barrier"
	"github.com/bspgo/bsprt/stats"
)

// newGroup builds p independent Engines wired to a shared in-memory
// transport group, so each goroutine stands in for one of spec.md §8's
// physical processes.
func newGroup(p int) []*barrier.Engine {
	grp := newMemGroup(p)
	engines := make([]*barrier.Engine, p)
	for r := 0; r < p; r++ {
		st := stats.New(prometheus.NewRegistry(), r)
		engines[r] = barrier.New(grp.rank(r), st)
	}
	return engines
}

func runAll(p int, fn func(r int) error) []error {
	var wg sync.WaitGroup
	errs := make([]error, p)
	wg.Add(p)
	for r := 0; r < p; r++ {
		r := r
		go func() {
			defer wg.Done()
			errs[r] = fn(r)
		}()
	}
	wg.Wait()
	return errs
}

var _ = Describe("scenarios", func() {
	It("computes a sum of squares through an all-to-all of puts", func() {
		const p = 3
		engines := newGroup(p)
		inboxes := make([][]byte, p)
		for r := range inboxes {
			inboxes[r] = make([]byte, p*8)
		}

		errs := runAll(p, func(r int) error {
			engines[r].PushReg(inboxes[r])
			if err := engines[r].Sync(context.Background()); err != nil {
				return err
			}
			v := make([]byte, 8)
			binary.LittleEndian.PutUint64(v, uint64(r*r))
			for dest := 0; dest < p; dest++ {
				if err := engines[r].Put(dest, inboxes[r], v, r*8); err != nil {
					return err
				}
			}
			return engines[r].Sync(context.Background())
		})
		for _, err := range errs {
			Expect(err).NotTo(HaveOccurred())
		}

		for r := 0; r < p; r++ {
			var sum int64
			for i := 0; i < p; i++ {
				sum += int64(binary.LittleEndian.Uint64(inboxes[r][i*8:]))
			}
			Expect(sum).To(Equal(int64(0*0 + 1*1 + 2*2)))
		}
	})

	It("shifts values one step around a ring", func() {
		const p = 4
		engines := newGroup(p)
		slots := make([][]byte, p)
		for r := range slots {
			slots[r] = make([]byte, 8)
		}

		errs := runAll(p, func(r int) error {
			engines[r].PushReg(slots[r])
			if err := engines[r].Sync(context.Background()); err != nil {
				return err
			}
			buf := make([]byte, 8)
			binary.LittleEndian.PutUint64(buf, uint64(r))
			dest := (r + 1) % p
			if err := engines[r].Put(dest, slots[r], buf, 0); err != nil {
				return err
			}
			return engines[r].Sync(context.Background())
		})
		for _, err := range errs {
			Expect(err).NotTo(HaveOccurred())
		}

		for r := 0; r < p; r++ {
			want := uint64((r - 1 + p) % p)
			Expect(binary.LittleEndian.Uint64(slots[r])).To(Equal(want))
		}
	})

	It("delivers a circular ring of BSMP sends", func() {
		const p = 4
		engines := newGroup(p)
		results := make([]int, p)

		errs := runAll(p, func(r int) error {
			if _, err := engines[r].SetTagSize(1); err != nil {
				return err
			}
			if err := engines[r].Sync(context.Background()); err != nil {
				return err
			}
			dest := (r + 1) % p
			if err := engines[r].Send(dest, []byte{byte(r)}, []byte("ping")); err != nil {
				return err
			}
			if err := engines[r].Sync(context.Background()); err != nil {
				return err
			}
			_, tag := engines[r].Queue().GetTag()
			if len(tag) != 1 {
				results[r] = -1
				return nil
			}
			results[r] = int(tag[0])
			return nil
		})
		for _, err := range errs {
			Expect(err).NotTo(HaveOccurred())
		}
		for r := 0; r < p; r++ {
			Expect(results[r]).To(Equal((r - 1 + p) % p))
		}
	})

	It("rejects a superstep where push_reg was not called collectively", func() {
		const p = 3
		engines := newGroup(p)

		errs := runAll(p, func(r int) error {
			engines[r].PushReg(make([]byte, 8))
			if r == 0 {
				engines[r].PushReg(make([]byte, 8)) // rank 0 alone registers a second variable
			}
			return engines[r].Sync(context.Background())
		})
		for _, err := range errs {
			Expect(err).To(HaveOccurred())
		}
	})
})
