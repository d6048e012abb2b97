package register_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/bspgo/bsprt/bsp/register"
)

func TestRegister(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "register Suite")
}

var _ = Describe("Register", func() {
	var reg *register.Register

	BeforeEach(func() {
		reg = register.New()
	})

	It("assigns increasing serials to pushes", func() {
		a := make([]byte, 4)
		b := make([]byte, 4)
		s0 := reg.Push(a, 4)
		s1 := reg.Push(b, 4)
		Expect(s1).To(Equal(s0 + 1))
	})

	It("Finds the most recently pushed active entry for an address", func() {
		a := make([]byte, 8)
		reg.Push(a, 8)
		serial, nbytes, ok := reg.Find(a)
		Expect(ok).To(BeTrue())
		Expect(nbytes).To(Equal(8))

		// a second push of the *same* address is a distinct, newer slot.
		s2 := reg.Push(a, 8)
		serial2, _, ok := reg.Find(a)
		Expect(ok).To(BeTrue())
		Expect(serial2).To(Equal(s2))
		Expect(serial2).NotTo(Equal(serial))
	})

	It("fails Resolve immediately when nothing active matches", func() {
		a := make([]byte, 4)
		_, err := reg.Resolve(a)
		Expect(err).To(HaveOccurred())
	})

	It("round-trips Resolve -> Tombstone -> Pack, then Find reports nothing", func() {
		a := make([]byte, 4)
		reg.Push(a, 4)
		serial, err := reg.Resolve(a)
		Expect(err).NotTo(HaveOccurred())

		Expect(reg.Tombstone(serial)).To(Succeed())
		reg.Pack()

		_, _, ok := reg.Find(a)
		Expect(ok).To(BeFalse())
	})

	It("Lookup resolves a serial to its registered buffer", func() {
		a := make([]byte, 4)
		serial := reg.Push(a, 4)
		e, ok := reg.Lookup(serial)
		Expect(ok).To(BeTrue())
		Expect(e.NBytes).To(Equal(4))
	})

	It("MemoFinder caches a hit until the next mutation", func() {
		a := make([]byte, 4)
		reg.Push(a, 4)
		mf := register.NewMemoFinder(reg)
		s1, _, ok := mf.Find(a)
		Expect(ok).To(BeTrue())
		s2, _, ok := mf.Find(a)
		Expect(ok).To(BeTrue())
		Expect(s2).To(Equal(s1))

		b := make([]byte, 4)
		reg.Push(b, 4) // bumps generation, invalidates the cache
		_, _, ok = mf.Find(b)
		Expect(ok).To(BeTrue())
	})
})
