// Package collective implements C13: the two group-wide operations built
// directly on transport.Adapter rather than on the barrier engine's
// delivery tables, for data every process needs identically (configuration
// broadcast, shared-variable reduction).
package collective

import (
	"context"

	"github.com/bspgo/bsprt/transport"
)

// Broadcast sends buf from root to every rank, including root itself
// (a no-op there). On a single-process group this degenerates to leaving
// buf untouched.
func Broadcast(ctx context.Context, tr transport.Adapter, root int, buf []byte) error {
	return tr.Broadcast(ctx, root, buf)
}

// Fold all-reduces one fixed-size contribution per rank: every rank's
// local value is gathered, then combined pairwise in rank order by
// combine, so every rank computes the identical result without a second
// broadcast round trip. On a single-process group this is the identity:
// the loop never runs and local is returned unchanged.
func Fold(ctx context.Context, tr transport.Adapter, local []byte, combine func(acc, v []byte) []byte) ([]byte, error) {
	p := tr.Size()
	itemBytes := len(local)
	recv := make([]byte, p*itemBytes)
	if err := tr.AllgatherFixed(ctx, local, recv); err != nil {
		return nil, err
	}
	acc := append([]byte(nil), recv[0:itemBytes]...)
	for r := 1; r < p; r++ {
		acc = combine(acc, recv[r*itemBytes:(r+1)*itemBytes])
	}
	return acc, nil
}
