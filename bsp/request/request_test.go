package request_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/bspgo/bsprt/bsp/request"
)

func TestRequest(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "request Suite")
}

var _ = Describe("Table", func() {
	var tbl *request.Table

	BeforeEach(func() {
		tbl = request.New(4, 2, 12) // replyHeaderBytes=12, matches delivery.RecordHeaderBytes
	})

	It("appends and decodes a request record faithfully", func() {
		Expect(tbl.Append(2, 100, 7, 16, 32)).To(Succeed())
		recs := tbl.Requests(2)
		Expect(recs).To(HaveLen(1))
		Expect(recs[0]).To(Equal(request.Record{ReqID: 100, Serial: 7, Offset: 16, Size: 32}))
	})

	It("accumulates per-destination reply cost across several requests", func() {
		Expect(tbl.Append(1, 1, 0, 0, 40)).To(Succeed())
		Expect(tbl.Append(1, 2, 0, 0, 60)).To(Succeed())
		Expect(tbl.DataSize(1)).To(Equal(40 + 12 + 60 + 12))
		Expect(tbl.DataSize(0)).To(Equal(0))
	})

	It("Reset clears both records and accumulated sizes", func() {
		Expect(tbl.Append(0, 1, 0, 0, 8)).To(Succeed())
		tbl.Reset()
		Expect(tbl.DataSize(0)).To(Equal(0))
		Expect(tbl.Requests(0)).To(BeEmpty())
	})
})
