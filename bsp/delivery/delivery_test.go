package delivery_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/bspgo/bsprt/bsp/delivery"
)

func TestDelivery(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "delivery Suite")
}

var _ = Describe("Table", func() {
	var tbl *delivery.Table

	BeforeEach(func() {
		tbl = delivery.New(4, 2, 8)
	})

	It("starts with an empty index for every class in every column", func() {
		for c := 0; c < 4; c++ {
			for class := delivery.ClassPut; class <= delivery.ClassSetTag; class++ {
				_, count := tbl.ClassIndex(c, class)
				Expect(count).To(Equal(uint32(0)))
			}
		}
	})

	It("appends a record and makes it walkable", func() {
		Expect(tbl.Append(2, delivery.ClassPut, []byte("hello"))).To(Succeed())
		var seen [][]byte
		tbl.Walk(2, delivery.ClassPut, func(r delivery.Record) {
			seen = append(seen, r.Payload)
		})
		Expect(seen).To(HaveLen(1))
		Expect(seen[0]).To(Equal([]byte("hello")))
	})

	It("chains multiple records of the same class in append order", func() {
		Expect(tbl.Append(0, delivery.ClassSend, []byte("first"))).To(Succeed())
		Expect(tbl.Append(0, delivery.ClassSend, []byte("second"))).To(Succeed())
		Expect(tbl.Append(0, delivery.ClassSend, []byte("third"))).To(Succeed())

		var order []string
		tbl.Walk(0, delivery.ClassSend, func(r delivery.Record) {
			order = append(order, string(r.Payload))
		})
		Expect(order).To(Equal([]string{"first", "second", "third"}))

		_, count := tbl.ClassIndex(0, delivery.ClassSend)
		Expect(count).To(Equal(uint32(3)))
	})

	It("keeps distinct classes in the same column independent", func() {
		Expect(tbl.Append(1, delivery.ClassPut, []byte("p1"))).To(Succeed())
		Expect(tbl.Append(1, delivery.ClassPopReg, []byte{0, 0, 0, 0, 0, 0, 0, 1})).To(Succeed())
		Expect(tbl.Append(1, delivery.ClassPut, []byte("p2"))).To(Succeed())

		var puts []string
		tbl.Walk(1, delivery.ClassPut, func(r delivery.Record) { puts = append(puts, string(r.Payload)) })
		Expect(puts).To(Equal([]string{"p1", "p2"}))

		_, popCount := tbl.ClassIndex(1, delivery.ClassPopReg)
		Expect(popCount).To(Equal(uint32(1)))
	})

	It("survives a grow triggered mid-chain without breaking the links", func() {
		big := make([]byte, 64)
		for i := range big {
			big[i] = byte(i)
		}
		Expect(tbl.Append(3, delivery.ClassPut, []byte("small"))).To(Succeed())
		Expect(tbl.Append(3, delivery.ClassPut, big)).To(Succeed())

		var sizes []int
		tbl.Walk(3, delivery.ClassPut, func(r delivery.Record) { sizes = append(sizes, len(r.Payload)) })
		Expect(sizes).To(Equal([]int{5, 64}))
	})

	It("Reset clears records but leaves a fresh, appendable header behind", func() {
		Expect(tbl.Append(0, delivery.ClassPut, []byte("x"))).To(Succeed())
		tbl.Reset()

		_, count := tbl.ClassIndex(0, delivery.ClassPut)
		Expect(count).To(Equal(uint32(0)))

		Expect(tbl.Append(0, delivery.ClassPut, []byte("y"))).To(Succeed())
		var seen []string
		tbl.Walk(0, delivery.ClassPut, func(r delivery.Record) { seen = append(seen, string(r.Payload)) })
		Expect(seen).To(Equal([]string{"y"}))
	})
})
