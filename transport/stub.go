package transport

import (
	"context"
	"os"
)

// stub is C7's single-process backend: every collective degenerates to a
// memcpy since there is exactly one rank to talk to (possibly itself).
type stub struct{}

func newStub() *stub { return &stub{} }

func (*stub) Rank() int { return 0 }
func (*stub) Size() int { return 1 }

func (*stub) AlltoallFixed(_ context.Context, send []byte, itemBytes int, recv []byte) error {
	copy(recv[:itemBytes], send[:itemBytes])
	return nil
}

func (*stub) Alltoallv(_ context.Context, send []byte, sendCounts, sendOffsets []int, recv []byte, recvCounts, recvOffsets []int) error {
	n := sendCounts[0]
	if recvCounts[0] < n {
		n = recvCounts[0]
	}
	copy(recv[recvOffsets[0]:recvOffsets[0]+n], send[sendOffsets[0]:sendOffsets[0]+n])
	return nil
}

func (*stub) Broadcast(_ context.Context, _ int, _ []byte) error { return nil }

func (*stub) AllgatherFixed(_ context.Context, send []byte, recv []byte) error {
	copy(recv, send)
	return nil
}

func (*stub) Abort(code int) { os.Exit(code) }

func (*stub) Close() error { return nil }
