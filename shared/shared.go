// Package shared implements C11: the shared-variable set, whose
// Initialize broadcasts one process's value to every other process and
// whose Reduce folds every process's value down to one and broadcasts the
// result back out. Large images are shrunk with klauspost/compress above
// a configurable threshold, grounded in the teacher's own size-gated
// compression of bulk transfers.
package shared

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/bspgo/bsprt/collective"
	"github.com/bspgo/bsprt/transport"
)

// Value is anything a shared variable can hold: a process-local Go value
// with a wire representation.
type Value interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

// Reducer additionally knows how to combine with another value of the
// same kind, the operation Reduce folds across every process.
type Reducer interface {
	Value
	Combine(other Value) Value
}

// Set is a named collection of a process's shared variables.
type Set struct {
	compressionThreshold int
	values                map[string]Value
}

// NewSet builds an empty set; compressionThreshold is the serialized-image
// size, in bytes, above which Initialize/Reduce compress the wire payload
// (0 disables compression).
func NewSet(compressionThreshold int) *Set {
	return &Set{compressionThreshold: compressionThreshold, values: make(map[string]Value)}
}

// Declare registers name as backed by value, the process-local storage
// Initialize/Reduce read from and write into.
func (s *Set) Declare(name string, value Value) { s.values[name] = value }

// Initialize broadcasts root's current value for name to every process
// (including root, a no-op there), then unmarshals the result into every
// process's own local value.
func (s *Set) Initialize(ctx context.Context, tr transport.Adapter, name string, root int) error {
	v := s.values[name]
	var raw []byte
	if tr.Rank() == root {
		var err error
		raw, err = v.Marshal()
		if err != nil {
			return err
		}
	}
	wire, err := s.broadcastBytes(ctx, tr, root, raw)
	if err != nil {
		return err
	}
	return v.Unmarshal(wire)
}

// Reduce gathers every process's value for name to root via Alltoallv
// (sized by a preceding AllgatherFixed of lengths, the same two-step
// pattern the barrier engine uses), combines them in rank order with
// Reducer.Combine, and broadcasts the combined result back to every
// process, which unmarshal it into their own local value.
func (s *Set) Reduce(ctx context.Context, tr transport.Adapter, name string, root int, zero func() Reducer) error {
	v := s.values[name].(Reducer)
	payload, err := v.Marshal()
	if err != nil {
		return err
	}

	p := tr.Size()
	rank := tr.Rank()

	lenSend := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenSend, uint32(len(payload)))
	lenRecv := make([]byte, p*4)
	if err := tr.AllgatherFixed(ctx, lenSend, lenRecv); err != nil {
		return err
	}
	lens := make([]int, p)
	for r := 0; r < p; r++ {
		lens[r] = int(binary.LittleEndian.Uint32(lenRecv[r*4:]))
	}

	sendCounts := make([]int, p)
	sendOffsets := make([]int, p)
	sendCounts[root] = len(payload)

	recvCounts := make([]int, p)
	recvOffsets := make([]int, p)
	var recv []byte
	if rank == root {
		total := 0
		for r := 0; r < p; r++ {
			recvCounts[r] = lens[r]
			recvOffsets[r] = total
			total += lens[r]
		}
		recv = make([]byte, total)
	}
	if err := tr.Alltoallv(ctx, payload, sendCounts, sendOffsets, recv, recvCounts, recvOffsets); err != nil {
		return err
	}

	var raw []byte
	if rank == root {
		combined := Value(zero())
		for r := 0; r < p; r++ {
			part := zero()
			if err := part.Unmarshal(recv[recvOffsets[r] : recvOffsets[r]+recvCounts[r]]); err != nil {
				return err
			}
			combined = combined.(Reducer).Combine(part)
		}
		raw, err = combined.Marshal()
		if err != nil {
			return err
		}
	}

	wire, err := s.broadcastBytes(ctx, tr, root, raw)
	if err != nil {
		return err
	}
	return v.Unmarshal(wire)
}

// broadcastBytes sends raw (only meaningful on root) to every process as
// a little-endian length-prefixed, optionally flate-compressed image:
// first a fixed 5-byte header {compressed byte, length uint32}, then the
// body.
func (s *Set) broadcastBytes(ctx context.Context, tr transport.Adapter, root int, raw []byte) ([]byte, error) {
	rank := tr.Rank()
	var body []byte
	compressed := byte(0)
	if rank == root {
		body = raw
		if s.compressionThreshold > 0 && len(raw) > s.compressionThreshold {
			var buf bytes.Buffer
			w, err := flate.NewWriter(&buf, flate.DefaultCompression)
			if err != nil {
				return nil, err
			}
			if _, err := w.Write(raw); err != nil {
				return nil, err
			}
			if err := w.Close(); err != nil {
				return nil, err
			}
			body = buf.Bytes()
			compressed = 1
		}
	}

	header := make([]byte, 5)
	if rank == root {
		header[0] = compressed
		binary.LittleEndian.PutUint32(header[1:], uint32(len(body)))
	}
	if err := collective.Broadcast(ctx, tr, root, header); err != nil {
		return nil, err
	}
	compressed = header[0]
	n := binary.LittleEndian.Uint32(header[1:])

	buf := make([]byte, n)
	if rank == root {
		copy(buf, body)
	}
	if err := collective.Broadcast(ctx, tr, root, buf); err != nil {
		return nil, err
	}

	if compressed == 0 {
		return buf, nil
	}
	r := flate.NewReader(bytes.NewReader(buf))
	defer r.Close()
	return io.ReadAll(r)
}
