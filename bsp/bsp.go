// Package bsp is the runtime's public surface: bsp_init/bsp_end and the
// DRMA, BSMP, and registration calls of spec.md §6, implemented as
// package-level functions over one process-wide Engine — the Go analogue
// of the classic BSPlib C API, which is itself process-global.
package bsp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bspgo/bsprt/bsp/barrier"
	"github.com/bspgo/bsprt/cmn/config"
	"github.com/bspgo/bsprt/cmn/mono"
	"github.com/bspgo/bsprt/cmn/nlog"
	"github.com/bspgo/bsprt/cmn/xerrors"
	"github.com/bspgo/bsprt/collective"
	"github.com/bspgo/bsprt/stats"
	"github.com/bspgo/bsprt/transport"
)

var (
	mu     sync.Mutex
	engine *barrier.Engine
	tr     transport.Adapter
	st     *stats.Registry
	begun  time.Time
)

// Init dials the process group (Peers[Rank] is this process's own
// address) and readies the runtime. cfgPath is passed straight
// to cmn/config.Load; an empty string takes the defaults.
func Init(ctx context.Context, rank, size int, peers []string, cfgPath string) error {
	mu.Lock()
	defer mu.Unlock()
	if engine != nil {
		return xerrors.NewInit(fmt.Errorf("bsp: Init called twice without an intervening End"))
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return xerrors.NewInit(fmt.Errorf("loading config: %w", err))
	}
	config.GCO.Put(cfg)

	adapter, err := transport.New(ctx, transport.Config{
		Size:                 size,
		Rank:                 rank,
		Peers:                peers,
		CompressionThreshold: cfg.CompressionThreshold,
	})
	if err != nil {
		return xerrors.NewInit(fmt.Errorf("dialing transport: %w", err))
	}
	tr = adapter
	st = stats.New(prometheus.DefaultRegisterer, rank)
	engine = barrier.New(tr, st)
	mono.Warmup(50 * time.Millisecond)
	begun = time.Now()
	nlog.Infof("bsp: rank %d/%d initialized", rank, size)
	return nil
}

// End releases the transport, unregisters this run's metrics from the
// default Prometheus registerer, and clears process-wide state, ready for a
// subsequent Init.
func End() error {
	mu.Lock()
	defer mu.Unlock()
	if engine == nil {
		return nil
	}
	err := tr.Close()
	for _, c := range []prometheus.Collector{st.BarrierTotal, st.BytesSent, st.BytesRecv, st.GetTotal, st.PutTotal, st.MsgTotal, st.PendingDeliveries, st.RegistrationViolations} {
		prometheus.DefaultRegisterer.Unregister(c)
	}
	engine = nil
	tr = nil
	st = nil
	return err
}

// Abort terminates every process in the group with code, per spec.md §6's
// exit-code table.
func Abort(code int) {
	mu.Lock()
	a := tr
	mu.Unlock()
	if a != nil {
		a.Abort(code)
	}
}

func mustEngine() *barrier.Engine {
	mu.Lock()
	defer mu.Unlock()
	if engine == nil {
		panic(xerrors.NewInit(fmt.Errorf("bsp: called before Init")))
	}
	return engine
}

// NProcs is P, the fixed process-group size for the lifetime of this Init.
func NProcs() int { return mustEngine().Size() }

// PID is this process's rank in [0, NProcs()).
func PID() int { return mustEngine().Rank() }

// Time returns mono.Now(): seconds on the monotonic clock since the
// baseline package mono captured at process startup, not since Init
// (spec.md §4.12).
func Time() float64 { return mono.Now() }

// DTime is the monotonic duration since the end of Init, for callers that want
// a time.Duration instead of Time()'s float seconds.
func DTime() time.Duration { return time.Since(begun) }

// Sync runs one barrier: every queued put/get/send/pushreg/popreg/settag
// operation is exchanged and applied, and the message queue for the
// superstep that just ended becomes readable.
func Sync(ctx context.Context) error {
	e := mustEngine()
	if err := e.Sync(ctx); err != nil {
		if xe, ok := xerrors.As(err); ok {
			nlog.Errorf("bsp: sync failed: %v", xe)
			Abort(xe.Class.ExitCode())
		}
		return err
	}
	return nil
}

// PushReg exports addr as a new registered variable, usable as the
// destination of a Put or the source of a Get starting the superstep after
// the next Sync.
func PushReg(addr []byte) { mustEngine().PushReg(addr) }

// PopReg withdraws addr's current registration; it fails immediately if
// addr has no active registration (spec.md §4.2's eager edge case), and
// the withdrawal itself takes effect at the next Sync.
func PopReg(addr []byte) error { return mustEngine().PopReg(addr) }

// Put writes src into dstAddr (a variable registered by every process,
// including this one, at a matching collective push_reg point) on process
// dest, at byte offset, taking effect at the next Sync.
func Put(dest int, dstAddr, src []byte, offset int) error {
	return mustEngine().Put(dest, dstAddr, src, offset)
}

// Get requests size(dst) bytes of srcAddr (similarly collectively
// registered) from process src, at byte offset; dst is filled in by the
// next Sync.
func Get(src int, srcAddr, dst []byte, offset int) error {
	return mustEngine().Get(src, srcAddr, dst, offset)
}

// SetTagSize sets the BSMP tag size used by Send calls made from the
// superstep after the next Sync onward, returning the size in effect for
// the current superstep.
func SetTagSize(n int) (old int, err error) { return mustEngine().SetTagSize(n) }

// Send queues a BSMP message to dest, delivered into the recipient's
// message queue at the next Sync.
func Send(dest int, tag, payload []byte) error { return mustEngine().Send(dest, tag, payload) }

// QSize reports the message queue's remaining count and byte total for
// the superstep that just ended.
func QSize() (nMessages, nBytes int) { return mustEngine().Queue().QSize() }

// GetTag reports the size and tag of the queue's head message without
// consuming it; status is -1 once the queue is drained.
func GetTag() (status int, tag []byte) { return mustEngine().Queue().GetTag() }

// Move copies the queue's head message into dst and advances the cursor.
func Move(dst []byte) (n int, ok bool) { return mustEngine().Queue().Move(dst) }

// HPMove hands back the queue's head message directly, without copying.
func HPMove() (payload []byte, ok bool) { return mustEngine().Queue().HPMove() }

// HPPut is the high-performance form of Put. At the process level there is
// no buffered-vs-unbuffered distinction to make (that split lives one
// layer down, in multictx/local's per-context arena), so it is Put itself.
func HPPut(dest int, dstAddr, src []byte, offset int) error {
	return mustEngine().Put(dest, dstAddr, src, offset)
}

// HPGet is the high-performance form of Get; see HPPut.
func HPGet(src int, srcAddr, dst []byte, offset int) error {
	return mustEngine().Get(src, srcAddr, dst, offset)
}

// ResetBuffers discards every locally-queued, not-yet-synced operation
// without exchanging or applying anything.
func ResetBuffers() { mustEngine().ResetBuffers() }

// Warmup busy-loops on the monotonic clock for d so that CPU frequency
// scaling has settled before a timing-sensitive superstep begins.
func Warmup(d time.Duration) { mono.Warmup(d) }

// Broadcast sends buf from root to every process, including root.
func Broadcast(ctx context.Context, root int, buf []byte) error {
	mu.Lock()
	a := tr
	mu.Unlock()
	return collective.Broadcast(ctx, a, root, buf)
}

// Fold all-reduces one fixed-size local contribution per process with
// combine, identically on every process (spec.md §6's group-wide fold).
func Fold(ctx context.Context, local []byte, combine func(acc, v []byte) []byte) ([]byte, error) {
	mu.Lock()
	a := tr
	mu.Unlock()
	return collective.Fold(ctx, a, local, combine)
}
