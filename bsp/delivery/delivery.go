// Package delivery implements C3: the delivery table, a column table
// specialized for variable-size tagged records. Six operation classes
// share one column; per spec.md §4.3 each column opens with a fixed-size
// header of six {first, last, count} triples, and records of one class are
// chained by an embedded next-link so the message queue (C5) can follow
// the `send` chain without re-scanning unrelated records.
//
// spec.md §4.3 says "six operation classes" while §3 names five (put,
// send, pushreg, popreg, settag); the sixth, getreply, is the gets→puts
// rewrite's output — see SPEC_FULL.md §3 and DESIGN.md.
package delivery

import (
	"encoding/binary"

	"github.com/bspgo/bsprt/bsp/column"
	"github.com/bspgo/bsprt/cmn/debug"
)

type Class uint8

const (
	ClassPut Class = iota
	ClassGetReply
	ClassSend
	ClassPushReg
	ClassPopReg
	ClassSetTag
	numClasses = 6
)

const (
	// RecordHeaderBytes is {size uint32, class uint8, _pad[3], next uint32}.
	RecordHeaderBytes = 12
	classEntryBytes   = 12 // {first uint32, last uint32, count uint32}
	// HeaderBytes is the fixed per-column header: six classEntryBytes.
	HeaderBytes = numClasses * classEntryBytes
	none        = ^uint32(0)
)

// Table is the delivery table: a column.Table whose first HeaderBytes of
// every column are the six-class index, followed by chained records.
type Table struct {
	col *column.Table
}

// New allocates a P-column delivery table and writes the empty six-class
// header into every column.
func New(p, initialRows, slotSize int) *Table {
	t := &Table{col: column.New(p, initialRows, slotSize)}
	t.initHeaders()
	return t
}

func (t *Table) initHeaders() {
	blank := make([]byte, HeaderBytes)
	for c := 0; c < numClasses; c++ {
		put32(blank[c*classEntryBytes:], none)
		put32(blank[c*classEntryBytes+4:], none)
		put32(blank[c*classEntryBytes+8:], 0)
	}
	for c := 0; c < t.col.Columns(); c++ {
		_, dst, err := t.col.Reserve(c, HeaderBytes)
		debug.AssertNoErr(err)
		copy(dst, blank)
	}
}

func put32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func get32(b []byte) uint32    { return binary.LittleEndian.Uint32(b) }

// Column exposes the underlying column.Table for the barrier engine
// (sizing, growth, exchange, reset).
func (t *Table) Column() *column.Table { return t.col }

// Append writes one record of the given class, payload bytes, into
// column c, chaining it onto that column's per-class linked list.
func (t *Table) Append(c int, class Class, payload []byte) error {
	recLen := RecordHeaderBytes + len(payload)
	off, dst, err := t.col.Reserve(c, recLen)
	if err != nil {
		return err
	}
	put32(dst[0:4], uint32(len(payload)))
	dst[4] = byte(class)
	put32(dst[8:12], none)
	copy(dst[RecordHeaderBytes:], payload)

	hdrOff := int(class) * classEntryBytes
	hdr := t.col.ReadAt(c, hdrOff, classEntryBytes)
	count := get32(hdr[8:12])
	if count == 0 {
		t.col.WriteAt(c, hdrOff, u32b(uint32(off)))
	} else {
		lastOff := get32(hdr[4:8])
		t.col.WriteAt(c, int(lastOff)+8, u32b(uint32(off)))
	}
	t.col.WriteAt(c, hdrOff+4, u32b(uint32(off)))
	t.col.WriteAt(c, hdrOff+8, u32b(count+1))
	return nil
}

func u32b(v uint32) []byte {
	b := make([]byte, 4)
	put32(b, v)
	return b
}

// Record is one decoded delivery record.
type Record struct {
	Class   Class
	Size    uint32
	Next    uint32
	Payload []byte
}

// ClassIndex returns the {first, count} pair for class in column c.
func (t *Table) ClassIndex(c int, class Class) (first uint32, count uint32) {
	hdr := t.col.ReadAt(c, int(class)*classEntryBytes, classEntryBytes)
	return get32(hdr[0:4]), get32(hdr[8:12])
}

// ReadRecord decodes the record at byte offset off within column c.
func (t *Table) ReadRecord(c int, off uint32) Record {
	hdr := t.col.ReadAt(c, int(off), RecordHeaderBytes)
	size := get32(hdr[0:4])
	class := Class(hdr[4])
	next := get32(hdr[8:12])
	payload := t.col.ReadAt(c, int(off)+RecordHeaderBytes, int(size))
	return Record{Class: class, Size: size, Next: next, Payload: payload}
}

// Walk visits every record of class in column c, in append (issue) order.
func (t *Table) Walk(c int, class Class, fn func(Record)) {
	off, _ := t.ClassIndex(c, class)
	for off != none {
		rec := t.ReadRecord(c, off)
		fn(rec)
		off = rec.Next
	}
}

// FirstOffset is the raw byte offset of the first record of class in
// column c, or false if that class is empty — the message queue (C5)
// uses this directly as its cursor head.
func (t *Table) FirstOffset(c int, class Class) (uint32, bool) {
	first, count := t.ClassIndex(c, class)
	if count == 0 {
		return 0, false
	}
	return first, true
}

// Reset clears every column's used bytes and re-writes the blank
// six-class header (column.Table.Reset alone would leave the header's
// bytes behind but unreachable — this restores a writable header at the
// front of each column for the next superstep).
func (t *Table) Reset() {
	t.col.Reset()
	t.initHeaders()
}
