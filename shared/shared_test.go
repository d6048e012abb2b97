package shared_test

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/bspgo/bsprt/shared"
)

func TestShared(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "shared Suite")
}

// counter is a minimal shared.Reducer: an int64 that combines by sum.
type counter int64

func (c *counter) Marshal() ([]byte, error) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(*c))
	return b, nil
}

func (c *counter) Unmarshal(b []byte) error {
	*c = counter(binary.LittleEndian.Uint64(b))
	return nil
}

func (c *counter) Combine(other shared.Value) shared.Value {
	oc := other.(*counter)
	sum := counter(*c + *oc)
	return &sum
}

func runGroup(p int, fn func(r int) error) []error {
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

var _ = Describe("Set", func() {
	It("Initialize broadcasts root's value to every process", func() {
		const p = 3
		grp := newMemGroup(p)
		counters := make([]counter, p)
		for r := range counters {
			counters[r] = counter(100 + r)
		}

		errs := runGroup(p, func(r int) error {
			s := shared.NewSet(0)
			s.Declare("x", &counters[r])
			return s.Initialize(context.Background(), grp.rank(r), "x", 1)
		})
		for _, err := range errs {
			Expect(err).NotTo(HaveOccurred())
		}
		for r := 0; r < p; r++ {
			Expect(counters[r]).To(Equal(counter(101))) // root=1's original value
		}
	})

	It("Reduce sums every process's value and broadcasts the total back", func() {
		const p = 4
		grp := newMemGroup(p)
		counters := make([]counter, p)
		for r := range counters {
			counters[r] = counter(r + 1) // 1,2,3,4
		}

		errs := runGroup(p, func(r int) error {
			s := shared.NewSet(0)
			s.Declare("sum", &counters[r])
			return s.Reduce(context.Background(), grp.rank(r), "sum", 0, func() shared.Reducer {
				c := counter(0)
				return &c
			})
		})
		for _, err := range errs {
			Expect(err).NotTo(HaveOccurred())
		}
		for r := 0; r < p; r++ {
			Expect(counters[r]).To(Equal(counter(1 + 2 + 3 + 4)))
		}
	})

	It("compresses the broadcast image above the configured threshold", func() {
		const p = 2
		grp := newMemGroup(p)
		var big [2]counter

		errs := runGroup(p, func(r int) error {
			s := shared.NewSet(1) // threshold of 1 byte: always compress
			s.Declare("x", &big[r])
			if r == 0 {
				big[r] = 42
			}
			return s.Initialize(context.Background(), grp.rank(r), "x", 0)
		})
		for _, err := range errs {
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(big[1]).To(Equal(counter(42)))
	})
})
