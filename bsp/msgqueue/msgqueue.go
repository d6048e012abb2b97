// Package msgqueue implements C5: the per-superstep BSMP message queue a
// process drains after each barrier. It is built fresh every superstep by
// walking the received delivery table's `send` class in rank order (lowest
// source rank first, then issue order within a rank) — spec.md §4.5's
// "arrival order is sender-rank-major, send-order-minor".
package msgqueue

import (
	"encoding/binary"

	"github.com/bspgo/bsprt/bsp/delivery"
)

// Message is one arrived BSMP message: a tag (its size set by the sender's
// settag at send time) and a payload.
type Message struct {
	Tag     []byte
	Payload []byte
}

// Queue is a draining cursor over this superstep's arrived messages.
type Queue struct {
	messages []Message
	cursor   int
}

// Build walks every column of tbl (the local process's post-exchange
// delivery table, one column per source rank) and assembles the ordered
// message queue for the superstep that just ended.
func Build(tbl *delivery.Table) *Queue {
	q := &Queue{}
	p := tbl.Column().Columns()
	for c := 0; c < p; c++ {
		tbl.Walk(c, delivery.ClassSend, func(r delivery.Record) {
			q.messages = append(q.messages, decodeSend(r.Payload))
		})
	}
	return q
}

// decodeSend splits a send-class payload of {TagSize uint16, PayloadSize
// uint32, Tag, Payload} into its two parts.
func decodeSend(buf []byte) Message {
	tagSize := binary.LittleEndian.Uint16(buf[0:2])
	payloadSize := binary.LittleEndian.Uint32(buf[2:6])
	tag := buf[6 : 6+int(tagSize)]
	payload := buf[6+int(tagSize) : 6+int(tagSize)+int(payloadSize)]
	return Message{Tag: tag, Payload: payload}
}

// EncodeSend builds a send-class delivery payload from a tag and a
// message body — the counterpart decodeSend expects, used when the local
// process enqueues an outgoing bsp_send.
func EncodeSend(tag, payload []byte) []byte {
	buf := make([]byte, 6+len(tag)+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(tag)))
	binary.LittleEndian.PutUint32(buf[2:6], uint32(len(payload)))
	copy(buf[6:], tag)
	copy(buf[6+len(tag):], payload)
	return buf
}

// QSize reports the remaining message count and total remaining payload
// bytes in the queue — both shrink as Move/HPMove drain it, matching the
// classic BSPlib semantics spec.md §4.5 calls out explicitly.
func (q *Queue) QSize() (nMessages, nBytes int) {
	for _, m := range q.messages[q.cursor:] {
		nBytes += len(m.Payload)
	}
	return len(q.messages) - q.cursor, nBytes
}

// GetTag returns the size and tag of the message at the head of the queue
// without consuming it. status is -1 once the queue is drained.
func (q *Queue) GetTag() (status int, tag []byte) {
	if q.cursor >= len(q.messages) {
		return -1, nil
	}
	m := q.messages[q.cursor]
	return len(m.Payload), m.Tag
}

// Move copies the head message's payload into dst and advances the cursor,
// the buffered form (spec.md's bsp_move).
func (q *Queue) Move(dst []byte) (n int, ok bool) {
	if q.cursor >= len(q.messages) {
		return 0, false
	}
	m := q.messages[q.cursor]
	q.cursor++
	return copy(dst, m.Payload), true
}

// HPMove hands back the head message's payload directly, without copying,
// and advances the cursor — the high-performance form, valid only until
// the next Sync.
func (q *Queue) HPMove() (payload []byte, ok bool) {
	if q.cursor >= len(q.messages) {
		return nil, false
	}
	m := q.messages[q.cursor]
	q.cursor++
	return m.Payload, true
}
