package msgqueue_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/bspgo/bsprt/bsp/delivery"
	"github.com/bspgo/bsprt/bsp/msgqueue"
)

func TestMsgqueue(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "msgqueue Suite")
}

var _ = Describe("Queue", func() {
	var tbl *delivery.Table

	BeforeEach(func() {
		tbl = delivery.New(3, 2, 8)
	})

	It("is empty when nothing arrived", func() {
		q := msgqueue.Build(tbl)
		n, bytes := q.QSize()
		Expect(n).To(Equal(0))
		Expect(bytes).To(Equal(0))
		_, ok := q.Move(make([]byte, 4))
		Expect(ok).To(BeFalse())
	})

	It("orders messages rank-major, issue-order-minor", func() {
		Expect(tbl.Append(0, delivery.ClassSend, msgqueue.EncodeSend([]byte("t0"), []byte("from-0")))).To(Succeed())
		Expect(tbl.Append(2, delivery.ClassSend, msgqueue.EncodeSend([]byte("t2"), []byte("from-2")))).To(Succeed())
		Expect(tbl.Append(0, delivery.ClassSend, msgqueue.EncodeSend([]byte("t0b"), []byte("from-0-again")))).To(Succeed())

		q := msgqueue.Build(tbl)
		n, _ := q.QSize()
		Expect(n).To(Equal(3))

		status, tag := q.GetTag()
		Expect(status).To(Equal(len("from-0")))
		Expect(tag).To(Equal([]byte("t0")))

		buf := make([]byte, 32)
		nBytes, ok := q.Move(buf)
		Expect(ok).To(BeTrue())
		Expect(buf[:nBytes]).To(Equal([]byte("from-0")))

		nLeft, _ := q.QSize()
		Expect(nLeft).To(Equal(2))

		_, tag2 := q.GetTag()
		Expect(tag2).To(Equal([]byte("t0b")))
	})

	It("HPMove hands back the payload directly and drains the queue", func() {
		Expect(tbl.Append(1, delivery.ClassSend, msgqueue.EncodeSend(nil, []byte("hp")))).To(Succeed())
		q := msgqueue.Build(tbl)
		payload, ok := q.HPMove()
		Expect(ok).To(BeTrue())
		Expect(payload).To(Equal([]byte("hp")))

		_, ok = q.HPMove()
		Expect(ok).To(BeFalse())
	})
})
