package malloc

import "unsafe"

// quarantine defers small-object frees through a randomized two-stage
// schedule before the underlying slab bitmap bit is cleared, holding
// the freed payload poisoned so a use-after-free write is caught when
// the poison is re-validated on eventual release.
type quarantine struct {
	depth         uint32 // power of two, 0 disables the quarantine entirely
	probe         []unsafe.Pointer
	queue         []unsafe.Pointer
	index         uint32
	set           *ptrSet
	nextProbeSlot uint32
}

func newQuarantine(depth int) (*quarantine, error) {
	q := &quarantine{depth: uint32(depth)}
	if depth == 0 {
		return q, nil
	}
	q.probe = make([]unsafe.Pointer, depth)
	q.queue = make([]unsafe.Pointer, depth)
	set, err := newPtrSet(depth * 4)
	if err != nil {
		return nil, err
	}
	q.set = set
	return q, nil
}

// disabled reports whether quarantine_depth is 0, in which case a free
// must bypass delay entirely and return straight to the slab. Per the
// preserved "argpool != pool" / delayed_chunk_size == 0 behavior in the
// original ofree, this is not a degenerate case to special-case away:
// it is the documented operating mode when quarantining is turned off.
func (q *quarantine) disabled() bool { return q.depth == 0 }

// push inserts p into the quarantine. Returns (popped, true) when a
// pointer was displaced all the way out of both ring buffers and is
// now ready for poison validation and release back to the slab;
// (nil, false) otherwise. Fatal on double-free (p already a member of
// the set).
func (q *quarantine) push(p unsafe.Pointer) (unsafe.Pointer, bool) {
	if q.disabled() {
		return p, true
	}
	if !q.set.insert(p) {
		fatalf("free", "double free detected for %p", p)
	}

	i := q.nextProbeSlot
	q.probe[i], p = p, q.probe[i]
	if p == nil {
		return nil, false
	}

	q.queue[q.index], p = p, q.queue[q.index]
	q.index = (q.index + 1) & (q.depth - 1)
	if p == nil {
		return nil, false
	}

	q.set.delete(p)
	return p, true
}

// setProbeSlot must be called by freeSmall before every push, with
// the arena RNG's draw of rng() & (depth-1); kept as a field rather
// than a push parameter purely so push's signature matches the
// "insert p, maybe get one back" shape used at every call site.
func (q *quarantine) setProbeSlot(i uint32) { q.nextProbeSlot = i }

// ptrSet is an open-addressed hash set of pointers used strictly for
// quarantine membership and double-free detection: negative-direction
// linear probing, Knuth Algorithm R on delete, identical in shape to
// the region index.
type ptrSet struct {
	slots []unsafe.Pointer
	mask  uint32
}

func newPtrSet(capacity int) (*ptrSet, error) {
	n := 1
	for n < capacity {
		n <<= 1
	}
	return &ptrSet{slots: make([]unsafe.Pointer, n), mask: uint32(n - 1)}, nil
}

func ptrHash(p unsafe.Pointer, mask uint32) uint32 {
	v := uint64(uintptr(p))
	v ^= v >> 33
	v *= 0xff51afd7ed558ccd
	v ^= v >> 33
	return uint32(v) & mask
}

// insert adds p, returning false if p is already present (double free).
func (s *ptrSet) insert(p unsafe.Pointer) bool {
	i := ptrHash(p, s.mask)
	for s.slots[i] != nil {
		if s.slots[i] == p {
			return false
		}
		i = (i - 1) & s.mask
	}
	s.slots[i] = p
	return true
}

func (s *ptrSet) find(p unsafe.Pointer) int {
	i := ptrHash(p, s.mask)
	for s.slots[i] != nil {
		if s.slots[i] == p {
			return int(i)
		}
		i = (i - 1) & s.mask
	}
	return -1
}

func (s *ptrSet) delete(p unsafe.Pointer) {
	idx := s.find(p)
	if idx < 0 {
		return
	}
	i := uint32(idx)
	s.slots[i] = nil
	j := i
	for {
		j = (j - 1) & s.mask
		if s.slots[j] == nil {
			return
		}
		r := ptrHash(s.slots[j], s.mask)
		if wrapsInRange(i, r, j) {
			s.slots[i] = s.slots[j]
			s.slots[j] = nil
			i = j
		}
	}
}
