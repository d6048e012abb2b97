// Package request implements C4: the per-superstep get-request table. Every
// bsp_get call appends one fixed-size record naming the remote serial,
// remote offset and length wanted; the barrier engine exchanges this table
// first, then rewrites each arrived request into a getreply delivery
// record addressed back to the requester (spec.md §4.4, §6's "gets are
// rewritten into puts").
package request

import (
	"encoding/binary"

	"github.com/bspgo/bsprt/bsp/column"
)

// RecordBytes is the wire size of one fixed get-request record:
// {ReqID uint64, Serial uint64, Offset uint32, Size uint32}.
const RecordBytes = 8 + 8 + 4 + 4

// Record is one decoded get request.
type Record struct {
	ReqID  uint64 // identifies the requester's local destination buffer
	Serial uint64 // remote register serial to read from
	Offset uint32
	Size   uint32
}

// Table is a fixed-slot column table: column c holds every get request this
// process issued targeting process c this superstep.
type Table struct {
	col *column.Table

	// dataSizes accumulates, per destination, the requested byte count of
	// each queued request plus delivery.RecordHeaderBytes for the getreply
	// it will provoke (spec.md §4.4). The barrier engine does not read it:
	// it presizes delivery tables from the exchanged used-byte counts.
	dataSizes []int
	replyHdr  int
}

// New allocates a request table for p columns. replyHeaderBytes is the
// per-record delivery-table overhead a getreply will cost (the caller
// passes delivery.RecordHeaderBytes to keep this package independent of
// the delivery package).
func New(p, initialRows, replyHeaderBytes int) *Table {
	return &Table{
		col:       column.New(p, initialRows, RecordBytes),
		dataSizes: make([]int, p),
		replyHdr:  replyHeaderBytes,
	}
}

func (t *Table) Column() *column.Table { return t.col }

// Append queues a get request from the local process, destined at dest, for
// size bytes starting at offset within serial's registered buffer.
func (t *Table) Append(dest int, reqID, serial uint64, offset, size uint32) error {
	rec := make([]byte, RecordBytes)
	binary.LittleEndian.PutUint64(rec[0:8], reqID)
	binary.LittleEndian.PutUint64(rec[8:16], serial)
	binary.LittleEndian.PutUint32(rec[16:20], offset)
	binary.LittleEndian.PutUint32(rec[20:24], size)
	if _, err := t.col.Append(dest, rec); err != nil {
		return err
	}
	t.dataSizes[dest] += int(size) + t.replyHdr
	return nil
}

// DataSize is the accumulated getreply byte cost this process's requests to
// dest will impose on dest's delivery table next barrier.
func (t *Table) DataSize(dest int) int { return t.dataSizes[dest] }

// Requests decodes every record queued (locally, pre-exchange) or received
// (post-exchange) in column c.
func (t *Table) Requests(c int) []Record {
	raw := t.col.Column(c)
	n := len(raw) / RecordBytes
	out := make([]Record, n)
	for i := 0; i < n; i++ {
		rec := raw[i*RecordBytes : (i+1)*RecordBytes]
		out[i] = Record{
			ReqID:  binary.LittleEndian.Uint64(rec[0:8]),
			Serial: binary.LittleEndian.Uint64(rec[8:16]),
			Offset: binary.LittleEndian.Uint32(rec[16:20]),
			Size:   binary.LittleEndian.Uint32(rec[20:24]),
		}
	}
	return out
}

// Reset clears every column's requests and the accumulated per-destination
// reply cost, ready for the next superstep.
func (t *Table) Reset() {
	t.col.Reset()
	for i := range t.dataSizes {
		t.dataSizes[i] = 0
	}
}
