package malloc

import (
	"unsafe"

	"github.com/prataprc/omalloc/lib"
)

// chunkInfoBits is the number of uint64 words backing a ChunkInfo's
// free bitmap. The worst case is the smallest real size class
// (MinShift, 16 bytes): a page carved that fine needs PageSize/16
// bits. 64 words (4096 bits) covers every page size in real use today
// (4KiB, 16KiB, 64KiB); newArena checks this at startup rather than
// silently truncating on an unexpectedly large page size.
const chunkInfoBits = 64

// ChunkInfo describes one slab page: its size class, occupancy and
// free bitmap. Two independent intrusive lists share the next/prev
// fields — the free-pool list (when the ChunkInfo struct itself is
// unused, parked for reuse) and the partial-page list (when the page
// it describes has free chunks but is not fully free).
type ChunkInfo struct {
	next, prev *ChunkInfo
	page       unsafe.Pointer
	canary     uint32
	size       uint32 // bytes per chunk, 0 for the malloc(0) class
	shift      uint8  // size == 1<<shift, except class 0
	bucket     uint8  // which partials[k][*] list this page is linked into
	free       uint16
	total      uint16
	bits       [chunkInfoBits]uint64
}

// chunkInfoPool is a per-class free list of ChunkInfo structs, backed
// by guarded pages carved into fixed-size slots. Exhausting the pool
// maps one more guarded page.
type chunkInfoPool struct {
	free    *ChunkInfo
	slotSz  uintptr
	backing []unsafe.Pointer // guarded pages backing this pool, for teardown
}

func newChunkInfoPool() *chunkInfoPool {
	return &chunkInfoPool{slotSz: unsafe.Sizeof(ChunkInfo{})}
}

// alloc returns a zeroed ChunkInfo, refilling the pool from a fresh
// guarded page if empty.
func (p *chunkInfoPool) alloc() (*ChunkInfo, error) {
	if p.free == nil {
		if err := p.refill(); err != nil {
			return nil, err
		}
	}
	ci := p.free
	p.free = ci.next
	*ci = ChunkInfo{}
	return ci, nil
}

// release returns ci to the pool's free list for reuse.
func (p *chunkInfoPool) release(ci *ChunkInfo) {
	*ci = ChunkInfo{}
	ci.next = p.free
	p.free = ci
}

func (p *chunkInfoPool) refill() error {
	bytes := pageRound(p.slotSz)
	if bytes == 0 {
		bytes = uintptr(PageSize)
	}
	page, err := mapGuarded(bytes)
	if err != nil {
		return err
	}
	p.backing = append(p.backing, page)
	n := int(bytes / p.slotSz)
	slots := unsafe.Slice((*ChunkInfo)(page), n)
	for i := range slots {
		slots[i] = ChunkInfo{}
		if i+1 < n {
			slots[i].next = &slots[i+1]
		}
	}
	p.free = &slots[0]
	return nil
}

// initBitmap sets the first `total` bits to 1 (free) and clears the
// rest, used when a fresh page is carved into `total` equal chunks.
func (ci *ChunkInfo) initBitmap(total uint16) {
	ci.total = total
	ci.free = total
	full := int(total) / 64
	rem := uint(int(total) % 64)
	i := 0
	for ; i < full; i++ {
		ci.bits[i] = ^uint64(0)
	}
	if rem > 0 {
		ci.bits[i] = (uint64(1) << rem) - 1
		i++
	}
	for ; i < chunkInfoBits; i++ {
		ci.bits[i] = 0
	}
}

// popcount returns the number of set (free) bits, used by tests to
// check the "popcount(bits) == free" invariant.
func (ci *ChunkInfo) popcount() int {
	n := 0
	for _, w := range ci.bits {
		n += popcount64(w)
	}
	return n
}

// popcount64 sums the set bits of a 64-bit bitmap word by splitting it
// into the two halves lib.Bit32.Ones already knows how to count.
func popcount64(w uint64) int {
	return int(lib.Bit32(uint32(w)).Ones()) + int(lib.Bit32(uint32(w>>32)).Ones())
}
