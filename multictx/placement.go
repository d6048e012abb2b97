package multictx

// Permutation optionally remaps the contiguous-block logical-rank space
// Group otherwise places processes through: perm[globalRank] is the slot
// that rank is actually routed to, so nodeOf/localIndexOf divide and mod
// the permuted slot rather than globalRank itself. A nil Permutation keeps
// spec.md §4.9's contiguous-block default, which is still the only mapping
// its placement invariants are checked against. Grounded on
// original_source/Permutation.h's logical-id remap, folded in here as an
// optional extra rather than a replacement for the default.
type Permutation []int

func (p Permutation) slot(globalRank int) int {
	if p == nil {
		return globalRank
	}
	return p[globalRank]
}

// nodeOf returns the physical rank that owns globalRank's placement slot.
func (n *node) nodeOf(globalRank int) int {
	return n.perm.slot(globalRank) / n.m
}

// localIndexOf returns globalRank's logical index within the node nodeOf
// names.
func (n *node) localIndexOf(globalRank int) int {
	return n.perm.slot(globalRank) % n.m
}
