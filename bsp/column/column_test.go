package column_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/bspgo/bsprt/bsp/column"
)

func TestColumn(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "column Suite")
}

var _ = Describe("Table", func() {
	var tbl *column.Table

	BeforeEach(func() {
		tbl = column.New(4, 2, 8)
	})

	Describe("Append", func() {
		It("returns the offset it wrote at and accumulates used bytes", func() {
			off, err := tbl.Append(1, []byte("abcd"))
			Expect(err).NotTo(HaveOccurred())
			Expect(off).To(Equal(0))
			Expect(tbl.UsedBytes(1)).To(Equal(4))

			off2, err := tbl.Append(1, []byte("ef"))
			Expect(err).NotTo(HaveOccurred())
			Expect(off2).To(Equal(4))
			Expect(tbl.Column(1)).To(Equal([]byte("abcdef")))
		})

		It("leaves untouched columns empty", func() {
			_, _ = tbl.Append(0, []byte("x"))
			Expect(tbl.UsedBytes(2)).To(Equal(0))
			Expect(tbl.Column(2)).To(BeEmpty())
		})
	})

	Describe("growth", func() {
		It("doubles rows (or grows to exactly what's needed) and preserves content", func() {
			_, _ = tbl.Append(0, []byte("0123456789abcdef")) // 16 bytes: fills the initial 2*8=16 exactly, no grow yet
			before := tbl.Rows()
			_, err := tbl.Append(0, []byte("X")) // now needs to grow
			Expect(err).NotTo(HaveOccurred())
			Expect(tbl.Rows()).To(BeNumerically(">", before))
			Expect(tbl.Column(0)).To(Equal([]byte("0123456789abcdefX")))
		})

		It("preserves other columns' content across a grow", func() {
			_, _ = tbl.Append(2, []byte("keepme"))
			_, _ = tbl.Append(0, []byte("0123456789abcdefghijklmnop"))
			Expect(tbl.Column(2)).To(Equal([]byte("keepme")))
		})
	})

	Describe("Reset", func() {
		It("clears used counts but keeps capacity", func() {
			_, _ = tbl.Append(0, []byte("0123456789abcdefghij")) // forces a grow
			grown := tbl.Rows()
			tbl.Reset()
			Expect(tbl.UsedBytes(0)).To(Equal(0))
			Expect(tbl.Rows()).To(Equal(grown))
		})
	})

	Describe("Checksum", func() {
		It("is stable for identical content and differs otherwise", func() {
			_, _ = tbl.Append(1, []byte("payload"))
			c1 := tbl.Checksum(1)

			tbl2 := column.New(4, 2, 8)
			_, _ = tbl2.Append(1, []byte("payload"))
			Expect(tbl2.Checksum(1)).To(Equal(c1))

			_, _ = tbl.Append(1, []byte("!"))
			Expect(tbl.Checksum(1)).NotTo(Equal(c1))
		})
	})
})
