package local_test

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/bspgo/bsprt/bsp/barrier"
	"github.com/bspgo/bsprt/multictx/local"
	"github.com/bspgo/bsprt/stats"
	"github.com/bspgo/bsprt/transport"
)

func TestLocal(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "multictx/local Suite")
}

func newEngine() *barrier.Engine {
	tr, err := transport.New(context.Background(), transport.Config{Size: 1, Rank: 0})
	Expect(err).NotTo(HaveOccurred())
	return barrier.New(tr, stats.New(nil, 0))
}

var _ = Describe("Context", func() {
	It("buffers Put/PushReg and applies them only on Flush", func() {
		eng := newEngine()
		c := local.New(eng)

		dst := make([]byte, 4)
		c.PushReg(dst)

		// Not applied yet: a Sync before Flush sees no pending registration.
		Expect(eng.Sync(context.Background())).To(Succeed())
		Expect(dst).To(Equal([]byte{0, 0, 0, 0}))

		// The registration takes effect at the Sync after Flush.
		Expect(c.Flush()).To(Succeed())
		Expect(eng.Sync(context.Background())).To(Succeed())

		// Not applied yet: a Sync before Flush delivers nothing.
		c.Put(0, dst, []byte("abcd"), 0)
		Expect(eng.Sync(context.Background())).To(Succeed())
		Expect(dst).To(Equal([]byte{0, 0, 0, 0}))

		Expect(c.Flush()).To(Succeed())
		Expect(eng.Sync(context.Background())).To(Succeed())
		Expect(dst).To(Equal([]byte("abcd")))
	})

	It("HPPut bypasses buffering and goes straight through", func() {
		eng := newEngine()
		c := local.New(eng)
		dst := make([]byte, 4)
		eng.PushReg(dst)
		Expect(eng.Sync(context.Background())).To(Succeed())

		Expect(c.HPPut(0, dst, []byte("xyzw"), 0)).To(Succeed())
		Expect(eng.Sync(context.Background())).To(Succeed())
		Expect(dst).To(Equal([]byte("xyzw")))
	})

	It("buffers Send and delivers in Flush order", func() {
		eng := newEngine()
		c := local.New(eng)
		_, err := eng.SetTagSize(2)
		Expect(err).NotTo(HaveOccurred())
		Expect(eng.Sync(context.Background())).To(Succeed())

		c.Send(0, []byte("t1"), []byte("one"))
		c.Send(0, []byte("t2"), []byte("two"))
		Expect(c.Flush()).To(Succeed())
		Expect(eng.Sync(context.Background())).To(Succeed())

		_, tag := eng.Queue().GetTag()
		Expect(tag).To(Equal([]byte("t1")))
	})
})
