// Package barrier implements C6: the superstep barrier engine. Every
// bsp_sync runs the same seven-step sequence spec.md §4.6 mandates: drain,
// pre-exchange, size, any-gets rewrite, deliver, apply, reset.
package barrier

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/bspgo/bsprt/bsp/column"
	"github.com/bspgo/bsprt/bsp/delivery"
	"github.com/bspgo/bsprt/bsp/msgqueue"
	"github.com/bspgo/bsprt/bsp/register"
	"github.com/bspgo/bsprt/bsp/request"
	"github.com/bspgo/bsprt/cmn/cos"
	"github.com/bspgo/bsprt/cmn/nlog"
	"github.com/bspgo/bsprt/cmn/xerrors"
	"github.com/bspgo/bsprt/stats"
	"github.com/bspgo/bsprt/transport"
)

const (
	deliverySlotSize = 8
	requestSlotSize  = request.RecordBytes
)

type pendingGet struct {
	dst []byte
}

// Engine drives one process's side of the barrier. It owns the outgoing
// and incoming delivery tables, the outgoing and incoming request tables,
// the memory register, and the per-superstep bookkeeping the seven-step
// sequence needs.
type Engine struct {
	mu sync.Mutex

	tr   transport.Adapter
	reg  *register.Register
	st   *stats.Registry
	rank int
	size int

	outDeliv *delivery.Table
	inDeliv  *delivery.Table
	outReq   *request.Table
	inReq    *request.Table

	pendingGets   map[uint64]pendingGet
	nextReqID     uint64
	pendingPushes [][]byte // local buffers pushed this superstep, issue order

	currentTagSize int
	pendingTagSize *int

	pushCount int
	popCount  int

	queue *msgqueue.Queue
}

// New builds an Engine around an already-dialed transport.Adapter.
func New(tr transport.Adapter, st *stats.Registry) *Engine {
	p := tr.Size()
	e := &Engine{
		tr:          tr,
		reg:         register.New(),
		st:          st,
		rank:        tr.Rank(),
		size:        p,
		outDeliv:    delivery.New(p, 4, deliverySlotSize),
		inDeliv:     delivery.New(p, 4, deliverySlotSize),
		outReq:      request.New(p, 2, delivery.RecordHeaderBytes),
		inReq:       request.New(p, 2, delivery.RecordHeaderBytes),
		pendingGets: make(map[uint64]pendingGet),
		queue:       msgqueue.Build(delivery.New(p, 1, deliverySlotSize)),
	}
	return e
}

func (e *Engine) Rank() int { return e.rank }
func (e *Engine) Size() int { return e.size }

// Transport exposes the underlying transport.Adapter, for layers above the
// barrier engine that run their own collectives against it directly
// (shared's Initialize/Reduce, multictx's node-level shared-variable DSL).
func (e *Engine) Transport() transport.Adapter { return e.tr }

// PushReg registers addr as newly exported, consuming a serial at the next
// barrier's Apply step (spec.md §4.2's push-at-s/usable-at-s+1 lifecycle).
func (e *Engine) PushReg(addr []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	payload := u32(uint32(len(addr)))
	if err := e.outDeliv.Append(e.rank, delivery.ClassPushReg, payload); err != nil {
		panic(err) // self-column growth failure would be an internal invariant break
	}
	e.pendingPushes = append(e.pendingPushes, addr)
	e.pushCount++
}

// PopReg resolves addr's current active registration immediately (spec.md
// §4.2: pop_reg fails right away if nothing active matches) and queues its
// removal for the next barrier's Apply step.
func (e *Engine) PopReg(addr []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	serial, err := e.reg.Resolve(addr)
	if err != nil {
		return err
	}
	payload := u64(serial)
	if err := e.outDeliv.Append(e.rank, delivery.ClassPopReg, payload); err != nil {
		return err
	}
	e.popCount++
	return nil
}

// SetTagSize records a pending bsp_send tag size, effective starting next
// superstep, and returns the size in effect for the superstep in progress.
func (e *Engine) SetTagSize(n int) (old int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	old = e.currentTagSize
	payload := u32(uint32(n))
	if err := e.outDeliv.Append(e.rank, delivery.ClassSetTag, payload); err != nil {
		return old, err
	}
	v := n
	e.pendingTagSize = &v
	return old, nil
}

// Put resolves dstAddr against the LOCAL register (valid because push_reg
// is collective: the Nth registration made by any process is assigned the
// same serial everywhere, so the caller's own mirror of the destination
// variable carries the serial the remote copy will also carry) and queues
// a put record addressed at dest.
func (e *Engine) Put(dest int, dstAddr []byte, src []byte, offset int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	serial, _, ok := e.reg.Find(dstAddr)
	if !ok {
		return xerrors.NewRegistrationViolation(fmt.Errorf("bsp_put: destination address is not registered"))
	}
	payload := make([]byte, 16+len(src))
	binary.LittleEndian.PutUint64(payload[0:8], serial)
	binary.LittleEndian.PutUint32(payload[8:12], uint32(offset))
	binary.LittleEndian.PutUint32(payload[12:16], uint32(len(src)))
	copy(payload[16:], src)
	return e.outDeliv.Append(dest, delivery.ClassPut, payload)
}

// Get queues a get request to srcRank for the registered remote variable
// mirrored locally by srcAddr; dst is filled with the reply at the next
// barrier's Apply step.
func (e *Engine) Get(srcRank int, srcAddr []byte, dst []byte, offset int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	serial, _, ok := e.reg.Find(srcAddr)
	if !ok {
		return xerrors.NewRegistrationViolation(fmt.Errorf("bsp_get: source address is not registered"))
	}
	reqID := e.nextReqID
	e.nextReqID++
	if err := e.outReq.Append(srcRank, reqID, serial, uint32(offset), uint32(len(dst))); err != nil {
		return err
	}
	e.pendingGets[reqID] = pendingGet{dst: dst}
	return nil
}

// Send queues a BSMP message to dest, its tag padded/truncated to the tag
// size currently in effect.
func (e *Engine) Send(dest int, tag, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	padded := make([]byte, e.currentTagSize)
	copy(padded, tag)
	rec := msgqueue.EncodeSend(padded, payload)
	return e.outDeliv.Append(dest, delivery.ClassSend, rec)
}

// Queue returns the message queue built from the most recently completed
// superstep's arrivals.
func (e *Engine) Queue() *msgqueue.Queue {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue
}

// meta is the small fixed-size per-rank pre-exchange record: the
// registration-count cross-check plus per-destination request byte
// totals, so every peer can presize its incoming request table before the
// request alltoallv runs. Delivery byte totals are not part of it; they
// are exchanged later, by exchangeDelivSizes, after the gets rewrite.
//
// pushWord/popWord each pack a flags nibble into bits[0:4] (bit 0 set means
// "overflowed") and an inline count into bits[4:32]; a node running enough
// logical contexts (multictx) to push past a 2^28 registration count in one
// superstep sets the overflow bit and carries the real count in the
// matching pushOverflow/popOverflow word instead, so the common case's wire
// size never grows to carry headroom nothing uses.
type meta struct {
	pushWord, popWord         uint32
	pushOverflow, popOverflow uint32
	reqBytes                  []uint32
}

const (
	metaOverflowFlag = 1
	metaCountShift   = 4
	metaMaxInline    = (1 << (32 - metaCountShift)) - 1
)

func packCount(n uint32) (word, overflow uint32) {
	if n > metaMaxInline {
		return metaOverflowFlag, n
	}
	return n << metaCountShift, 0
}

func unpackCount(word, overflow uint32) uint32 {
	if word&metaOverflowFlag != 0 {
		return overflow
	}
	return word >> metaCountShift
}

func newMeta(pushCount, popCount uint32, reqBytes []uint32) meta {
	m := meta{reqBytes: reqBytes}
	m.pushWord, m.pushOverflow = packCount(pushCount)
	m.popWord, m.popOverflow = packCount(popCount)
	return m
}

func (m *meta) pushCount() uint32 { return unpackCount(m.pushWord, m.pushOverflow) }
func (m *meta) popCount() uint32  { return unpackCount(m.popWord, m.popOverflow) }

func (m *meta) encode() []byte {
	p := len(m.reqBytes)
	buf := make([]byte, 16+4*p)
	binary.LittleEndian.PutUint32(buf[0:4], m.pushWord)
	binary.LittleEndian.PutUint32(buf[4:8], m.popWord)
	binary.LittleEndian.PutUint32(buf[8:12], m.pushOverflow)
	binary.LittleEndian.PutUint32(buf[12:16], m.popOverflow)
	for i, v := range m.reqBytes {
		binary.LittleEndian.PutUint32(buf[16+4*i:], v)
	}
	return buf
}

func decodeMeta(buf []byte, p int) meta {
	m := meta{
		pushWord:     binary.LittleEndian.Uint32(buf[0:4]),
		popWord:      binary.LittleEndian.Uint32(buf[4:8]),
		pushOverflow: binary.LittleEndian.Uint32(buf[8:12]),
		popOverflow:  binary.LittleEndian.Uint32(buf[12:16]),
		reqBytes:     make([]uint32, p),
	}
	for i := 0; i < p; i++ {
		m.reqBytes[i] = binary.LittleEndian.Uint32(buf[16+4*i:])
	}
	return m
}

func itemBytes(p int) int { return 16 + 4*p }

// Sync drives one full barrier: drain, pre-exchange (with the
// registration-count cross-check), size, any-gets rewrite, deliver,
// apply, reset.
func (e *Engine) Sync(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	// 1. drain: nothing is buffered outside the tables themselves in this
	// design, so this step is a documented no-op placeholder.

	// 2. pre-exchange: request-table sizes and the registration-count
	// cross-check.
	localReq := make([]uint32, e.size)
	for c := 0; c < e.size; c++ {
		localReq[c] = uint32(e.outReq.Column().UsedBytes(c))
	}
	m := newMeta(uint32(e.pushCount), uint32(e.popCount), localReq)
	peers, err := e.exchangeMeta(ctx, m)
	if err != nil {
		return err
	}
	if err := crossCheckRegistrations(peers); err != nil {
		return err
	}

	// 3. size + exchange the request table.
	for c := 0; c < e.size; c++ {
		need := int(peers[c].reqBytes[e.rank])
		rows := cos.CeilDiv(need, requestSlotSize)
		e.inReq.Column().Grow(rows)
		e.inReq.Column().SetUsed(c, need)
	}
	if err := alltoallv(ctx, e.tr, e.outReq.Column(), e.inReq.Column(), func(c int) int { return int(peers[c].reqBytes[e.rank]) }); err != nil {
		return err
	}

	// 4. any-gets rewrite: turn every arrived get request into a getreply
	// delivery record addressed back at its requester.
	e.rewriteGets()

	// 5. size + exchange the delivery table.
	localDeliv := make([]uint32, e.size)
	for c := 0; c < e.size; c++ {
		localDeliv[c] = uint32(e.outDeliv.Column().UsedBytes(c))
	}
	delivPeers, err := e.exchangeDelivSizes(ctx, localDeliv)
	if err != nil {
		return err
	}
	for c := 0; c < e.size; c++ {
		need := int(delivPeers[c])
		rows := cos.CeilDiv(need, deliverySlotSize)
		e.inDeliv.Column().Grow(rows)
		e.inDeliv.Column().SetUsed(c, need)
	}
	if err := alltoallv(ctx, e.tr, e.outDeliv.Column(), e.inDeliv.Column(), func(c int) int { return int(delivPeers[c]) }); err != nil {
		return err
	}

	// 6. apply.
	if err := e.apply(); err != nil {
		return err
	}

	// 7. reset.
	e.resetLocked()
	return nil
}

func (e *Engine) exchangeMeta(ctx context.Context, m meta) ([]meta, error) {
	ib := itemBytes(e.size)
	send := m.encode()
	recv := make([]byte, e.size*ib)
	if err := e.tr.AllgatherFixed(ctx, send, recv); err != nil {
		return nil, err
	}
	out := make([]meta, e.size)
	for r := 0; r < e.size; r++ {
		out[r] = decodeMeta(recv[r*ib:(r+1)*ib], e.size)
	}
	return out, nil
}

// exchangeDelivSizes gathers every rank's per-destination delivery byte
// count, so rank r learns exactly how much column r of its incoming
// delivery table must hold this barrier.
func (e *Engine) exchangeDelivSizes(ctx context.Context, local []uint32) ([]uint32, error) {
	send := make([]byte, 4*e.size)
	for i, v := range local {
		binary.LittleEndian.PutUint32(send[4*i:], v)
	}
	recv := make([]byte, e.size*4*e.size)
	if err := e.tr.AllgatherFixed(ctx, send, recv); err != nil {
		return nil, err
	}
	out := make([]uint32, e.size)
	for r := 0; r < e.size; r++ {
		out[r] = binary.LittleEndian.Uint32(recv[r*4*e.size+4*e.rank:])
	}
	return out, nil
}

func crossCheckRegistrations(peers []meta) error {
	want := &peers[0]
	wantPush, wantPop := want.pushCount(), want.popCount()
	for r := 1; r < len(peers); r++ {
		gotPush, gotPop := peers[r].pushCount(), peers[r].popCount()
		if gotPush != wantPush || gotPop != wantPop {
			return xerrors.NewRegistrationViolation(fmt.Errorf(
				"push_reg/pop_reg calls are not collective this superstep: rank 0 issued push=%d pop=%d, rank %d issued push=%d pop=%d",
				wantPush, wantPop, r, gotPush, gotPop))
		}
	}
	return nil
}

func alltoallv(ctx context.Context, tr transport.Adapter, out, in *column.Table, recvCount func(c int) int) error {
	p := out.Columns()
	sendCounts := make([]int, p)
	sendOffsets := make([]int, p)
	recvCounts := make([]int, p)
	recvOffsets := make([]int, p)
	for c := 0; c < p; c++ {
		sendCounts[c] = out.UsedBytes(c)
		sendOffsets[c] = out.ColumnOffset(c)
		recvCounts[c] = recvCount(c)
		recvOffsets[c] = in.ColumnOffset(c)
	}
	return tr.Alltoallv(ctx, out.Raw(), sendCounts, sendOffsets, in.Raw(), recvCounts, recvOffsets)
}

// rewriteGets turns every request arrived in inReq into a getreply record
// appended to outDeliv, addressed back at the requesting rank — spec.md's
// "gets are rewritten into puts" (SPEC_FULL.md §3 resolves this as a
// distinct getreply class rather than literally reusing ClassPut, so the
// receiver's Apply step can tell a genuine remote put from a get's answer).
func (e *Engine) rewriteGets() {
	for c := 0; c < e.size; c++ {
		for _, req := range e.inReq.Requests(c) {
			entry, ok := e.reg.Lookup(req.Serial)
			var data []byte
			if ok && int(req.Offset+req.Size) <= len(entry.Addr) {
				data = entry.Addr[req.Offset : req.Offset+req.Size]
			} else {
				data = make([]byte, req.Size) // serial popped or out of range: reply with zeros rather than fail the barrier
			}
			payload := make([]byte, 12+len(data))
			binary.LittleEndian.PutUint64(payload[0:8], req.ReqID)
			binary.LittleEndian.PutUint32(payload[8:12], uint32(len(data)))
			copy(payload[12:], data)
			if err := e.outDeliv.Append(c, delivery.ClassGetReply, payload); err != nil {
				nlog.Errorf("rewriteGets: append getreply to column %d: %v", c, err)
			}
		}
	}
}

// apply walks the received delivery table: pushreg/popreg/settag only from
// the self column (local intent, issue order), put/getreply/send from
// every column.
func (e *Engine) apply() error {
	var pushIdx int
	var applyErr error
	e.inDeliv.Walk(e.rank, delivery.ClassPushReg, func(r delivery.Record) {
		if pushIdx >= len(e.pendingPushes) {
			applyErr = xerrors.NewInternalInvariant(fmt.Errorf("apply: more pushreg records than locally queued pushes"))
			return
		}
		e.reg.Push(e.pendingPushes[pushIdx], int(binary.LittleEndian.Uint32(r.Payload)))
		pushIdx++
	})
	if applyErr != nil {
		return applyErr
	}
	e.inDeliv.Walk(e.rank, delivery.ClassPopReg, func(r delivery.Record) {
		serial := binary.LittleEndian.Uint64(r.Payload)
		if err := e.reg.Tombstone(serial); err != nil && applyErr == nil {
			applyErr = err
		}
	})
	if applyErr != nil {
		return applyErr
	}
	e.inDeliv.Walk(e.rank, delivery.ClassSetTag, func(r delivery.Record) {
		v := int(binary.LittleEndian.Uint32(r.Payload))
		e.pendingTagSize = &v
	})

	for c := 0; c < e.size; c++ {
		e.inDeliv.Walk(c, delivery.ClassPut, func(r delivery.Record) {
			serial := binary.LittleEndian.Uint64(r.Payload[0:8])
			offset := binary.LittleEndian.Uint32(r.Payload[8:12])
			size := binary.LittleEndian.Uint32(r.Payload[12:16])
			data := r.Payload[16 : 16+size]
			entry, ok := e.reg.Lookup(serial)
			if !ok || int(offset+size) > len(entry.Addr) {
				if applyErr == nil {
					applyErr = xerrors.NewRegistrationViolation(fmt.Errorf("apply: put targets an unregistered or too-small serial %d", serial))
				}
				return
			}
			copy(entry.Addr[offset:offset+size], data)
		})
		e.inDeliv.Walk(c, delivery.ClassGetReply, func(r delivery.Record) {
			reqID := binary.LittleEndian.Uint64(r.Payload[0:8])
			size := binary.LittleEndian.Uint32(r.Payload[8:12])
			data := r.Payload[12 : 12+size]
			pg, ok := e.pendingGets[reqID]
			if !ok {
				return
			}
			copy(pg.dst, data)
		})
	}
	return applyErr
}

// ResetBuffers discards every locally-queued, not-yet-synced operation
// without exchanging or applying anything — an escape hatch for a caller
// unwinding after deciding not to complete the superstep in progress.
func (e *Engine) ResetBuffers() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outDeliv.Reset()
	e.outReq.Reset()
	e.pendingGets = make(map[uint64]pendingGet)
	e.pendingPushes = nil
	e.pushCount = 0
	e.popCount = 0
	e.pendingTagSize = nil
}

func (e *Engine) resetLocked() {
	e.reg.Pack()
	e.outDeliv.Reset()
	e.outReq.Reset()
	e.inReq.Reset()
	e.pendingGets = make(map[uint64]pendingGet)
	e.pendingPushes = nil
	e.pushCount = 0
	e.popCount = 0
	if e.pendingTagSize != nil {
		e.currentTagSize = *e.pendingTagSize
		e.pendingTagSize = nil
	}
	e.queue = msgqueue.Build(e.inDeliv)
	e.inDeliv.Reset()
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}
