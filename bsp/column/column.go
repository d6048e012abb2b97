// Package column implements C1: the expandable, per-destination column
// table that backs both the delivery table (C3) and the request table
// (C4). Conceptually a P×R matrix of fixed-size slots stored so that one
// column is contiguous, which lets the barrier engine hand the whole
// buffer to a single alltoallv call.
package column

import (
	"fmt"
	"sync"

	"github.com/OneOfOne/xxhash"

	"github.com/bspgo/bsprt/cmn/cos"
	"github.com/bspgo/bsprt/cmn/debug"
)

// Table is a P-column, R-row slot matrix. Growth only ever increases R; a
// Reset clears per-column used counts but keeps the backing allocation, so
// a steady-state workload converges to zero reallocations (spec.md §4.1).
type Table struct {
	mu       sync.Mutex
	p        int
	slotSize int
	rows     int
	buf      []byte
	used     []int // used bytes per column; invariant used[c] <= rows*slotSize
}

// New allocates a table for p columns, each initially rows slots of
// slotSize bytes.
func New(p, rows, slotSize int) *Table {
	if rows < 1 {
		rows = 1
	}
	return &Table{
		p:        p,
		slotSize: slotSize,
		rows:     rows,
		buf:      make([]byte, p*rows*slotSize),
		used:     make([]int, p),
	}
}

func (t *Table) Columns() int    { return t.p }
func (t *Table) SlotSize() int   { return t.slotSize }
func (t *Table) Rows() int       { return t.rows }
func (t *Table) Stride() int     { return t.rows * t.slotSize }
func (t *Table) UsedBytes(c int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used[c]
}

// Raw exposes the whole backing buffer, e.g. to hand to
// transport.Adapter.Alltoallv as either the send or receive side.
func (t *Table) Raw() []byte { return t.buf }

// ColumnOffset is the byte offset of column c's start in Raw() — used as
// both the send offset (sender side) and the receive offset (receiver
// side, since both use the same uniform per-column stride).
func (t *Table) ColumnOffset(c int) int { return c * t.Stride() }

// Column returns the used prefix of column c.
func (t *Table) Column(c int) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	off := t.ColumnOffset(c)
	return t.buf[off : off+t.used[c]]
}

// Checksum xxhashes the used prefix of column c — a defensive integrity
// check the barrier engine can run after landing an exchanged payload,
// grounded in the teacher's pervasive xxhash-based checksumming.
func (t *Table) Checksum(c int) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	off := t.ColumnOffset(c)
	return xxhash.Checksum64(t.buf[off : off+t.used[c]])
}

// Append reserves len(payload) bytes in column c (growing the table if
// necessary) and copies payload into it, returning the byte offset within
// the column the data landed at.
func (t *Table) Append(c int, payload []byte) (offset int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	need := len(payload)
	if err := t.ensureLocked(c, need); err != nil {
		return 0, err
	}
	off := t.used[c]
	colStart := t.ColumnOffset(c)
	copy(t.buf[colStart+off:colStart+off+need], payload)
	t.used[c] += need
	return off, nil
}

// Reserve is like Append but returns a writable slice into the table
// instead of copying a caller-supplied payload, for callers building a
// record header-then-body in place (the delivery/request tables).
func (t *Table) Reserve(c int, n int) (offset int, dst []byte, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureLocked(c, n); err != nil {
		return 0, nil, err
	}
	off := t.used[c]
	colStart := t.ColumnOffset(c)
	t.used[c] += n
	return off, t.buf[colStart+off : colStart+off+n], nil
}

// ensureLocked grows the table so that column c has at least need free
// bytes. Growth at least doubles rows, or grows to exactly what's needed,
// whichever is larger (spec.md §4.1), and is a global reallocation because
// the per-column stride changes.
func (t *Table) ensureLocked(c int, need int) error {
	free := t.rows*t.slotSize - t.used[c]
	if free >= need {
		return nil
	}
	neededRows := cos.CeilDiv(t.used[c]+need, t.slotSize)
	newRows := t.rows * 2
	if newRows < neededRows {
		newRows = neededRows
	}
	if newRows < 1 {
		return fmt.Errorf("column: invalid grow target rows=%d", newRows)
	}
	newBuf := make([]byte, t.p*newRows*t.slotSize)
	newStride := newRows * t.slotSize
	oldStride := t.Stride()
	for col := 0; col < t.p; col++ {
		src := t.buf[col*oldStride : col*oldStride+t.used[col]]
		copy(newBuf[col*newStride:], src)
	}
	t.buf = newBuf
	t.rows = newRows
	return nil
}

// Grow ensures at least minRows rows up front, e.g. once the barrier
// engine has learned (via the pre-exchange) how much receive space a
// column needs.
func (t *Table) Grow(minRows int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if minRows <= t.rows {
		return
	}
	debug.Assert(minRows > 0, "column: Grow requires a positive row count")
	newStride := minRows * t.slotSize
	oldStride := t.Stride()
	newBuf := make([]byte, t.p*newStride)
	for col := 0; col < t.p; col++ {
		src := t.buf[col*oldStride : col*oldStride+t.used[col]]
		copy(newBuf[col*newStride:], src)
	}
	t.buf = newBuf
	t.rows = minRows
}

// WriteAt overwrites data at a fixed byte offset within column c's already
// -reserved region (used by the delivery table to patch its per-class
// header in place as new records are chained in).
func (t *Table) WriteAt(c int, offset int, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	colStart := t.ColumnOffset(c)
	copy(t.buf[colStart+offset:colStart+offset+len(data)], data)
}

// ReadAt copies n bytes at a fixed byte offset within column c into a
// fresh slice.
func (t *Table) ReadAt(c int, offset, n int) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	colStart := t.ColumnOffset(c)
	out := make([]byte, n)
	copy(out, t.buf[colStart+offset:colStart+offset+n])
	return out
}

// SetUsed marks column c's used-byte count directly — the barrier engine
// calls this on the receive-side table right before an exchange, so the
// transport knows exactly how many bytes to expect and consumers can
// afterwards walk Column(c) over what arrived.
func (t *Table) SetUsed(c int, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	debug.Assertf(n <= t.rows*t.slotSize, "column: used=%d exceeds column capacity=%d", n, t.rows*t.slotSize)
	t.used[c] = n
}

// Reset clears every column's used count but keeps the backing allocation
// (spec.md §4.1's "reset keeps R").
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for c := range t.used {
		t.used[c] = 0
	}
}
