// Command bsprun is a minimal in-process launcher for exercising the BSP
// runtime end to end: it starts n logical processes, each dialing the real
// transport (the TCP full mesh for n > 1, the single-process stub for
// n == 1) over localhost, and runs a short demo superstep sequence so the
// barrier engine, registration, and message queue all see real traffic.
// It is a test harness, not the CLI surface spec.md's Non-goals exclude.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bspgo/bsprt/bsp/barrier"
	"github.com/bspgo/bsprt/cmn/nlog"
	"github.com/bspgo/bsprt/multictx"
	"github.com/bspgo/bsprt/shared"
	"github.com/bspgo/bsprt/stats"
	"github.com/bspgo/bsprt/transport"
)

func main() {
	n := flag.Int("n", 4, "number of logical processes")
	logical := flag.Int("logical", 1, "logical processes per node (multictx fan-out)")
	basePort := flag.Int("port", 19870, "first TCP port of the localhost mesh")
	rounds := flag.Int("rounds", 3, "number of supersteps to run")
	flag.Parse()

	if err := run(*n, *logical, *basePort, *rounds); err != nil {
		nlog.Fatal(1, err)
	}
}

func run(n, logicalPerNode, basePort, rounds int) error {
	if n < 1 {
		return fmt.Errorf("bsprun: -n must be >= 1, got %d", n)
	}
	peers := make([]string, n)
	for i := range peers {
		peers[i] = "127.0.0.1:" + strconv.Itoa(basePort+i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < n; rank++ {
		rank := rank
		g.Go(func() error {
			return runProcess(gctx, rank, n, peers, logicalPerNode, rounds)
		})
	}
	return g.Wait()
}

// runProcess dials one physical rank's transport connection and either
// drives a single barrier.Engine directly (logicalPerNode == 1) or fans it
// out across logicalPerNode cooperative logical processes via
// multictx.Group.
func runProcess(ctx context.Context, rank, size int, peers []string, logicalPerNode, rounds int) error {
	tr, err := transport.New(ctx, transport.Config{Size: size, Rank: rank, Peers: peers})
	if err != nil {
		return fmt.Errorf("rank %d: dial: %w", rank, err)
	}
	defer tr.Close()

	st := stats.New(nil, rank)

	if logicalPerNode <= 1 {
		eng := barrier.New(tr, st)
		return demoSingleContext(ctx, eng, rounds)
	}
	return multictx.Group(ctx, rank, size, logicalPerNode, nil, tr, st, func(c *multictx.Context) {
		demoLogicalContext(c, rounds)
	})
}

// demoSingleContext registers a P-word shared array, has every rank write
// its own rank into its own slot, and round-trips a ring of BSMP messages,
// printing what each rank observed each round.
func demoSingleContext(ctx context.Context, eng *barrier.Engine, rounds int) error {
	p := eng.Size()
	rank := eng.Rank()
	shared := make([]byte, p*4)
	eng.PushReg(shared)
	if err := eng.Sync(ctx); err != nil {
		return err
	}

	for round := 0; round < rounds; round++ {
		var word [4]byte
		word[0] = byte(rank)
		word[1] = byte(round)
		for dest := 0; dest < p; dest++ {
			if err := eng.Put(dest, shared, word[:], rank*4); err != nil {
				return err
			}
		}
		next := (rank + 1) % p
		if err := eng.Send(next, []byte("ring"), word[:]); err != nil {
			return err
		}
		if err := eng.Sync(ctx); err != nil {
			return err
		}
		_, tag := eng.Queue().GetTag()
		nlog.Infof("rank %d round %d: shared=%v msg-tag=%q", rank, round, shared, tag)
	}
	return nil
}

// demoLogicalContext is the multictx analogue of demoSingleContext. It
// drives the node-level Sync rendezvous and the shared-variable DSL rather
// than Put/Get: a representative cross-logical-context Put/Get demo would
// still need every node's M goroutines to call push_reg in the same
// relative order, since the shared engine assigns each buffer's serial
// purely by call order and Group does not yet serialize that order across
// nodes. ReduceShared sums every logical context's own rank across the
// whole logical group, and every context ends up with the same total.
func demoLogicalContext(c *multictx.Context, rounds int) {
	for round := 0; round < rounds; round++ {
		v := rankValue(c.Rank())
		c.DeclareShared("round-sum", &v)
		if err := c.ReduceShared("round-sum", 0, func() shared.Reducer {
			z := rankValue(0)
			return &z
		}); err != nil {
			nlog.Errorf("logical rank %d: reduce: %v", c.Rank(), err)
			return
		}
		if err := c.Sync(); err != nil {
			nlog.Errorf("logical rank %d: sync: %v", c.Rank(), err)
			return
		}
		nlog.Infof("logical rank %d round %d: sum-of-ranks=%d", c.Rank(), round, v)
	}
}

// rankValue is a minimal shared.Reducer: an int64 that combines by sum, the
// wire format shared between demoLogicalContext's declared values.
type rankValue int64

func (v *rankValue) Marshal() ([]byte, error) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(*v))
	return b, nil
}

func (v *rankValue) Unmarshal(b []byte) error {
	*v = rankValue(binary.LittleEndian.Uint64(b))
	return nil
}

func (v *rankValue) Combine(other shared.Value) shared.Value {
	sum := *v + *other.(*rankValue)
	return &sum
}
