package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pierrec/lz4/v3"
	"golang.org/x/sync/errgroup"
)

const defaultDialTimeout = 10 * time.Second

// mesh is C7's networked backend: a full mesh of persistent, framed TCP
// connections bootstrapped from a static peer list. It stands in for
// "wraps the native collective all-to-all" (spec.md §4.7) the same way the
// teacher's own transport package moves bulk data over plain TCP/HTTP
// streams instead of a third-party collectives library.
type mesh struct {
	rank, size int
	threshold  int
	ln         net.Listener
	mu         sync.Mutex
	conns      map[int]net.Conn
}

func dialMesh(ctx context.Context, cfg Config) (*mesh, error) {
	if len(cfg.Peers) != cfg.Size {
		return nil, fmt.Errorf("transport: need %d peer addresses, got %d", cfg.Size, len(cfg.Peers))
	}
	m := &mesh{rank: cfg.Rank, size: cfg.Size, threshold: cfg.CompressionThreshold, conns: make(map[int]net.Conn, cfg.Size-1)}

	ln, err := net.Listen("tcp", cfg.Peers[cfg.Rank])
	if err != nil {
		return nil, fmt.Errorf("transport: listen on %s: %w", cfg.Peers[cfg.Rank], err)
	}
	m.ln = ln

	deadline := time.Now().Add(defaultDialTimeout)

	var acceptWG sync.WaitGroup
	acceptErr := make(chan error, 1)
	acceptWG.Add(1)
	go func() {
		defer acceptWG.Done()
		for i := 0; i < cfg.Rank; i++ {
			conn, err := ln.Accept()
			if err != nil {
				acceptErr <- err
				return
			}
			var rb [4]byte
			if _, err := io.ReadFull(conn, rb[:]); err != nil {
				acceptErr <- err
				return
			}
			peerRank := int(binary.LittleEndian.Uint32(rb[:]))
			m.mu.Lock()
			m.conns[peerRank] = conn
			m.mu.Unlock()
		}
	}()

	for r := cfg.Rank + 1; r < cfg.Size; r++ {
		var (
			conn net.Conn
			err  error
		)
		for {
			conn, err = net.DialTimeout("tcp", cfg.Peers[r], time.Second)
			if err == nil {
				break
			}
			if time.Now().After(deadline) {
				return nil, fmt.Errorf("transport: dial rank %d at %s: %w", r, cfg.Peers[r], err)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
		}
		var rb [4]byte
		binary.LittleEndian.PutUint32(rb[:], uint32(cfg.Rank))
		if _, err := conn.Write(rb[:]); err != nil {
			return nil, err
		}
		m.conns[r] = conn
	}

	acceptWG.Wait()
	select {
	case err := <-acceptErr:
		return nil, fmt.Errorf("transport: accept peer connection: %w", err)
	default:
	}
	return m, nil
}

func (m *mesh) Rank() int { return m.rank }
func (m *mesh) Size() int { return m.size }

func (m *mesh) conn(peer int) net.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[peer]
}

// writeFrame writes one length-prefixed message, transparently lz4-compressing
// payloads above m.threshold (0 disables compression).
func writeFrame(w io.Writer, data []byte, threshold int) error {
	compressed := false
	payload := data
	if threshold > 0 && len(data) > threshold {
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err == nil && n > 0 && n < len(data) {
			compressed = true
			payload = buf[:n]
		}
	}
	var header [9]byte
	if compressed {
		header[0] = 1
	}
	binary.LittleEndian.PutUint32(header[1:5], uint32(len(data)))
	binary.LittleEndian.PutUint32(header[5:9], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one frame written by writeFrame into dst[:n], n being the
// original (uncompressed) length; dst must be at least that long.
func readFrame(r io.Reader, dst []byte) (int, error) {
	var header [9]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, err
	}
	compressed := header[0] == 1
	rawLen := int(binary.LittleEndian.Uint32(header[1:5]))
	wireLen := int(binary.LittleEndian.Uint32(header[5:9]))
	if rawLen > len(dst) {
		return 0, fmt.Errorf("transport: frame of %d bytes exceeds destination buffer of %d", rawLen, len(dst))
	}
	if wireLen == 0 {
		return rawLen, nil
	}
	if !compressed {
		_, err := io.ReadFull(r, dst[:rawLen])
		return rawLen, err
	}
	buf := make([]byte, wireLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	n, err := lz4.UncompressBlock(buf, dst[:rawLen])
	return n, err
}

func (m *mesh) AlltoallFixed(ctx context.Context, send []byte, itemBytes int, recv []byte) error {
	copy(recv[m.rank*itemBytes:(m.rank+1)*itemBytes], send[m.rank*itemBytes:(m.rank+1)*itemBytes])
	g, _ := errgroup.WithContext(ctx)
	for r := 0; r < m.size; r++ {
		if r == m.rank {
			continue
		}
		r := r
		g.Go(func() error { return writeFrame(m.conn(r), send[r*itemBytes:(r+1)*itemBytes], m.threshold) })
		g.Go(func() error {
			_, err := readFrame(m.conn(r), recv[r*itemBytes:(r+1)*itemBytes])
			return err
		})
	}
	return g.Wait()
}

func (m *mesh) Alltoallv(ctx context.Context, send []byte, sendCounts, sendOffsets []int, recv []byte, recvCounts, recvOffsets []int) error {
	n := sendCounts[m.rank]
	if recvCounts[m.rank] < n {
		n = recvCounts[m.rank]
	}
	copy(recv[recvOffsets[m.rank]:recvOffsets[m.rank]+n], send[sendOffsets[m.rank]:sendOffsets[m.rank]+n])

	g, _ := errgroup.WithContext(ctx)
	for r := 0; r < m.size; r++ {
		if r == m.rank {
			continue
		}
		r := r
		g.Go(func() error {
			chunk := send[sendOffsets[r] : sendOffsets[r]+sendCounts[r]]
			return writeFrame(m.conn(r), chunk, m.threshold)
		})
		g.Go(func() error {
			dst := recv[recvOffsets[r] : recvOffsets[r]+recvCounts[r]]
			_, err := readFrame(m.conn(r), dst)
			return err
		})
	}
	return g.Wait()
}

func (m *mesh) Broadcast(ctx context.Context, root int, buf []byte) error {
	if root == m.rank {
		g, _ := errgroup.WithContext(ctx)
		for r := 0; r < m.size; r++ {
			if r == m.rank {
				continue
			}
			r := r
			g.Go(func() error { return writeFrame(m.conn(r), buf, m.threshold) })
		}
		return g.Wait()
	}
	_, err := readFrame(m.conn(root), buf)
	return err
}

func (m *mesh) AllgatherFixed(ctx context.Context, send []byte, recv []byte) error {
	itemBytes := len(send)
	copy(recv[m.rank*itemBytes:(m.rank+1)*itemBytes], send)
	g, _ := errgroup.WithContext(ctx)
	for r := 0; r < m.size; r++ {
		if r == m.rank {
			continue
		}
		r := r
		g.Go(func() error { return writeFrame(m.conn(r), send, m.threshold) })
		g.Go(func() error {
			_, err := readFrame(m.conn(r), recv[r*itemBytes:(r+1)*itemBytes])
			return err
		})
	}
	return g.Wait()
}

func (m *mesh) Abort(code int) {
	_ = m.Close()
	os.Exit(code)
}

func (m *mesh) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		_ = c.Close()
	}
	if m.ln != nil {
		return m.ln.Close()
	}
	return nil
}
