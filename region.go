package malloc

import "unsafe"

// regionTag identifies what a RegionRecord's payload means.
type regionTag uint32

const (
	tagLarge regionTag = 0 // payload = requested size including guard
)

// slabTag returns the tag value for a slab page of size class k
// (k == 0 for the malloc(0) pseudo-class), per the scheme "tag k+1 for
// k in [MinShift, PageShift-1]" extended down to k=0 for the
// pseudo-class; a slab tag is therefore always >= 1.
func slabTag(k int) regionTag { return regionTag(k + 1) }

// slabClassOf recovers the size class from a slab tag. Only valid when
// isSlabTag(t) is true. Class 0 recovered this way is the malloc(0)
// pseudo-class: its page is PROT_NONE for its entire lifetime (see
// makeChunks), so it needs no separate tag of its own the way the
// pointer-tagging scheme in the C source used (tag 1 there is a
// distinct value purely because C's tagging scheme has no type system
// to otherwise tell a class-0 slab page apart from a large
// allocation; here isSlabTag already does that).
func slabClassOf(t regionTag) int { return int(t) - 1 }

func isSlabTag(t regionTag) bool { return t >= 1 }

// RegionRecord maps one page-aligned mapping base to its metadata. The
// masked page pointer is what the table hashes on; tag distinguishes a
// large allocation, the malloc(0) page, or a slab page of some class.
type RegionRecord struct {
	page    unsafe.Pointer // page-aligned base, nil means empty slot
	tag     regionTag
	payload uintptr // large: size-with-guard; slab: *ChunkInfo as uintptr
}

func (r *RegionRecord) empty() bool { return r.page == nil }

// regionTable is an open-addressed hash table mapping page-aligned
// pointers to RegionRecord, backed by a guarded mapping. Probing walks
// in the negative direction: next := (i - 1) & mask.
type regionTable struct {
	slots []RegionRecord
	base  unsafe.Pointer // the raw mapping backing slots, for unmapGuarded
	total uint32         // power of two
	free  uint32
}

const regionRecordSize = unsafe.Sizeof(RegionRecord{})

// newRegionTable allocates a guarded table with room for at least
// `total` entries. The negative-direction probe in find/insert/delete
// relies on `mask := total - 1` being all-ones, so the actual slot
// count is rounded up to a power of two here rather than left as
// whatever a page-rounded byte count happens to divide into.
func newRegionTable(total uint32) (*regionTable, error) {
	total = uint32(roundUpPowerOfTwo(uintptr(total)))
	bytes := pageRound(uintptr(total) * regionRecordSize)
	p, err := mapGuarded(bytes)
	if err != nil {
		return nil, err
	}
	slots := unsafe.Slice((*RegionRecord)(p), int(total))
	return &regionTable{slots: slots, base: p, total: total, free: total}, nil
}

func (t *regionTable) release() error {
	return unmapGuarded(t.base, pageRound(uintptr(t.total)*regionRecordSize))
}

// regionHash is a cheap multiplicative mix over the high bits of a
// page-aligned pointer: the page bits carry no entropy (they are
// always zero), so they are shifted off first; on 64-bit the upper 32
// bits are folded in by xor rather than discarded.
func regionHash(page unsafe.Pointer, mask uint32) uint32 {
	v := uint64(uintptr(page)) >> pageShiftBits()
	v ^= v >> 32
	h := uint32(v) * 2654435761 // Knuth multiplicative constant
	return h & mask
}

func pageShiftBits() uint {
	ps := PageSize
	var shift uint
	for ps > 1 {
		ps >>= 1
		shift++
	}
	return shift
}

func maskPage(p unsafe.Pointer) unsafe.Pointer {
	ps := uintptr(PageSize)
	return unsafe.Pointer(uintptr(p) &^ (ps - 1))
}

// find locates the record for page (already masked) and returns its
// slot index, or -1 if absent.
func (t *regionTable) find(page unsafe.Pointer) int {
	mask := t.total - 1
	i := regionHash(page, mask)
	for {
		s := &t.slots[i]
		if s.empty() {
			return -1
		}
		if s.page == page {
			return int(i)
		}
		i = (i - 1) & mask
	}
}

// insert adds a new record for page. Caller must already have ensured
// 4*free >= total (growing beforehand), per the region-table-load
// invariant; insert itself never grows the table.
func (t *regionTable) insert(page unsafe.Pointer, tag regionTag, payload uintptr) {
	mask := t.total - 1
	i := regionHash(page, mask)
	for !t.slots[i].empty() {
		i = (i - 1) & mask
	}
	t.slots[i] = RegionRecord{page: page, tag: tag, payload: payload}
	t.free--
}

// delete removes the record at slot i using Knuth's Algorithm 6.4R:
// after clearing slot i, walk further in the probe direction looking
// for entries whose home slot falls in the range that the deletion
// just vacated, relocating them up to close the gap, stopping at the
// first empty slot.
func (t *regionTable) delete(i int) {
	mask := t.total - 1
	idx := uint32(i)
	t.slots[idx] = RegionRecord{}
	t.free++

	j := idx
	for {
		j = (j - 1) & mask
		if t.slots[j].empty() {
			return
		}
		r := regionHash(t.slots[j].page, mask)
		if wrapsInRange(idx, r, j) {
			t.slots[idx] = t.slots[j]
			t.slots[j] = RegionRecord{}
			idx = j
		}
	}
}

// wrapsInRange implements the three-way wrap-around test from Knuth's
// Algorithm R: whether the home slot r of the candidate at j should be
// relocated to the just-vacated slot i, accounting for wraparound of
// the negative-direction probe sequence.
func wrapsInRange(i, r, j uint32) bool {
	return (i <= r && r < j) || (r < j && j < i) || (j < i && i <= r)
}

// grow doubles total, rehashes every live entry into a freshly guarded
// table, and releases the old one.
func (t *regionTable) grow() error {
	nt, err := newRegionTable(t.total * 2)
	if err != nil {
		return err
	}
	for i := range t.slots {
		s := &t.slots[i]
		if !s.empty() {
			nt.insert(s.page, s.tag, s.payload)
		}
	}
	oldBase, oldTotal := t.base, t.total
	*t = *nt
	return unmapGuarded(oldBase, pageRound(uintptr(oldTotal)*regionRecordSize))
}

// ensureRoom grows the table until the invariant 4*free >= total still
// holds after the insert this call is guarding for consumes one free
// slot. Checking 4*t.free < t.total (without the pending -1) lets free
// reach exactly 0 on the insert that takes the last slot: find's
// negative-direction probe relies on an empty slot to terminate, so a
// completely full table makes it loop forever over an absent key.
func (t *regionTable) ensureRoom() error {
	for 4*(t.free-1) < t.total {
		if err := t.grow(); err != nil {
			return err
		}
	}
	return nil
}
