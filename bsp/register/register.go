// Package register implements C2: the per-process memory register that
// translates a local pointer into the serial identifying "the same logical
// variable" across every process in the group.
//
// The literal spec (spec.md §3) describes each entry as carrying a
// per-peer pointer array ("pointers[0..P)"). That can't be realized
// directly in Go — there is no portable way to carry one process's raw
// pointer value to another and have it mean anything there, and even
// within one process capturing raw addresses of Go-managed memory across
// a superstep boundary is unsound once the garbage collector can move
// things. Instead (and exactly as spec.md §9's own design notes suggest)
// each process keeps a local, serial-keyed register: push_reg and pop_reg
// are collectively ordered, so the Nth push/pop call made by any process
// assigns the same serial everywhere, and that serial is what travels on
// the wire in put/get/getreply records instead of a pointer value. See
// DESIGN.md "Open Question resolutions" for the full rationale.
package register

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/bspgo/bsprt/cmn/xerrors"
)

// Entry is one exported (or once-exported) local buffer.
type Entry struct {
	Serial    uint64
	NBytes    int
	Addr      []byte
	Tombstone bool
}

// Register is one process's ordered, serial-keyed set of registrations.
type Register struct {
	mu         sync.RWMutex
	bySerial   map[uint64]*Entry
	byIdentity map[uintptr][]*Entry // stack ordered by serial ascending
	filter     *cuckoo.Filter
	nextSerial uint64
	generation uint64 // bumped on every Push/Tombstone, invalidates MemoFinder
}

// New returns an empty register.
func New() *Register {
	return &Register{
		bySerial:   make(map[uint64]*Entry),
		byIdentity: make(map[uintptr][]*Entry),
		filter:     cuckoo.NewFilter(1024),
	}
}

func identity(addr []byte) uintptr {
	if len(addr) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&addr[0]))
}

func identityKey(id uintptr) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(id))
	return b[:]
}

// NextSerial previews the serial the next Push would consume, without
// consuming it. Pops never consume a serial, and the barrier engine's
// registration cross-check compares push/pop counts rather than serials.
func (r *Register) NextSerial() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextSerial
}

// Push creates a new active entry for addr, consuming the next serial.
// Called by the barrier engine while walking the self column's pushreg
// records in issue order (spec.md §4.2's push-at-s/usable-at-s+1
// lifecycle: Push is only ever invoked at the barrier that ends the
// superstep the push_reg call was issued in).
func (r *Register) Push(addr []byte, nbytes int) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	serial := r.nextSerial
	r.nextSerial++
	e := &Entry{Serial: serial, NBytes: nbytes, Addr: addr}
	r.bySerial[serial] = e
	id := identity(addr)
	r.byIdentity[id] = append(r.byIdentity[id], e)
	r.filter.InsertUnique(identityKey(id))
	r.generation++
	return serial
}

// Resolve finds the most-recently-pushed *active* entry matching addr and
// returns that entry's own serial (so the caller can enqueue a popreg
// record carrying it); no new serial is consumed. It does not itself
// tombstone the entry — that happens at the next barrier via Tombstone,
// preserving the pop-at-s/removed-at-s+1 lifecycle. Fails immediately
// (spec.md §4.2 edge case: "fails if no active push matches") if nothing
// matches, without waiting for a barrier.
func (r *Register) Resolve(addr []byte) (serial uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.activeLocked(addr)
	if e == nil {
		return 0, xerrors.NewRegistrationViolation(fmt.Errorf("pop_reg: no active push_reg matches this address"))
	}
	return e.Serial, nil
}

// Tombstone marks the entry for serial as removed. Called by the barrier
// engine while walking the self column's popreg records in issue order.
func (r *Register) Tombstone(serial uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.bySerial[serial]
	if !ok || e.Tombstone {
		return xerrors.NewInternalInvariant(fmt.Errorf("popreg: serial %d has no active entry", serial))
	}
	e.Tombstone = true
	r.generation++
	return nil
}

// Find is the mandated lookup: a cuckoo-filter negative check first, then
// (on a possible hit) the reverse linear scan over active entries that
// spec.md §4.2 specifies, returning the newest active entry for addr.
func (r *Register) Find(addr []byte) (serial uint64, nbytes int, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id := identity(addr)
	if !r.filter.Lookup(identityKey(id)) {
		return 0, 0, false
	}
	e := r.activeLocked(addr)
	if e == nil {
		return 0, 0, false
	}
	return e.Serial, e.NBytes, true
}

// activeLocked must be called with r.mu held. It implements the mandated
// reverse scan over the address's push stack for the newest non-tombstoned
// entry — two pushes of the same address create two distinct slots, and
// put/get always target the most recent active one (spec.md §4.2).
func (r *Register) activeLocked(addr []byte) *Entry {
	stack := r.byIdentity[identity(addr)]
	for i := len(stack) - 1; i >= 0; i-- {
		if !stack[i].Tombstone {
			return stack[i]
		}
	}
	return nil
}

// Lookup resolves a serial directly to its local buffer — used by the
// barrier engine applying a received put/getreply record and by request
// servicing (the gets→puts rewrite).
func (r *Register) Lookup(serial uint64) (e Entry, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ent, found := r.bySerial[serial]
	if !found {
		return Entry{}, false
	}
	return *ent, true
}

// Pack drops tombstoned entries, run after every barrier (spec.md §4.2).
func (r *Register) Pack() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for serial, e := range r.bySerial {
		if e.Tombstone {
			delete(r.bySerial, serial)
		}
	}
	for id, stack := range r.byIdentity {
		kept := stack[:0]
		for _, e := range stack {
			if !e.Tombstone {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(r.byIdentity, id)
		} else {
			r.byIdentity[id] = kept
		}
	}
}

// Generation changes on every Push/Tombstone; a MemoFinder uses it to
// detect staleness.
func (r *Register) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// MemoFinder amortizes repeated Find calls against addresses clustered
// near one another within a superstep, per spec.md §4.2 ("memoized find…
// amortizes linear scan across repeated lookups of nearby addresses").
// Valid only until the register's generation changes (the next
// Push/Tombstone, which in practice means the next barrier).
type MemoFinder struct {
	reg  *Register
	gen  uint64
	last *Entry
}

// NewMemoFinder binds a finder to reg's current generation.
func NewMemoFinder(reg *Register) *MemoFinder {
	return &MemoFinder{reg: reg, gen: reg.Generation()}
}

// Find resolves addr, preferring the cached entry from the previous call
// when it still matches (the common case of scanning a contiguous range
// of a registered array).
func (m *MemoFinder) Find(addr []byte) (serial uint64, nbytes int, ok bool) {
	if m.gen != m.reg.Generation() {
		m.last = nil
		m.gen = m.reg.Generation()
	}
	if m.last != nil && !m.last.Tombstone && identity(m.last.Addr) == identity(addr) {
		return m.last.Serial, m.last.NBytes, true
	}
	m.reg.mu.RLock()
	e := m.reg.activeLocked(addr)
	m.reg.mu.RUnlock()
	if e == nil {
		return 0, 0, false
	}
	m.last = e
	return e.Serial, e.NBytes, true
}
