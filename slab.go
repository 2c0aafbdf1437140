package malloc

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/prataprc/omalloc/lib"
)

// makeChunks acquires a fresh page (from the page cache, or the OS),
// carves it into equal chunks of class k, registers it in the region
// index and links it onto a randomly chosen partial-page bucket.
func (a *Arena) makeChunks(k int) (*ChunkInfo, error) {
	size := classSize(k)
	var page unsafe.Pointer
	var err error
	if p, ok := a.cache.acquire(1); ok {
		page = p
	} else {
		a.dropForSlowPath(func() { page, err = mapPages(uintptr(PageSize)) })
		if err != nil {
			return nil, err
		}
	}

	if k == 0 {
		// The malloc(0) class: the whole page is inaccessible, its
		// addresses serve only as distinct-but-invalid sentinels.
		if err := protectPages(page, uintptr(PageSize), protNone); err != nil {
			unmapPages(page, uintptr(PageSize))
			return nil, err
		}
	}

	ci, err := a.chunkPools[k].alloc()
	if err != nil {
		unmapPages(page, uintptr(PageSize))
		return nil, err
	}
	ci.page = page
	ci.canary = a.canary1
	ci.size = uint32(size)
	ci.shift = uint8(k)

	total := uint16(1)
	if k > 0 {
		total = uint16(uintptr(PageSize) / size)
	}
	ci.initBitmap(total)

	if err := a.regions.ensureRoom(); err != nil {
		if k == 0 {
			protectPages(page, uintptr(PageSize), unix.PROT_READ|unix.PROT_WRITE)
		}
		unmapPages(page, uintptr(PageSize))
		a.chunkPools[k].release(ci)
		return nil, err
	}
	a.regions.insert(page, slabTag(k), uintptr(unsafe.Pointer(ci)))

	bucket := a.rng.uintn(chunkLists)
	a.linkPartial(k, int(bucket), ci)
	return ci, nil
}

// linkPartial pushes ci onto the head of partials[k][bucket], and
// records the bucket on ci so a later unlinkPartial (from freeChunk or
// retirePage, which do not otherwise know which bucket a page lives
// on) does not need it passed back in.
func (a *Arena) linkPartial(k, bucket int, ci *ChunkInfo) {
	head := a.partials[k][bucket]
	ci.next = head
	ci.prev = nil
	ci.bucket = uint8(bucket)
	if head != nil {
		head.prev = ci
	}
	a.partials[k][bucket] = ci
}

// unlinkPartial removes ci from the partials[k][ci.bucket] list it is
// currently linked into.
func (a *Arena) unlinkPartial(k int, ci *ChunkInfo) {
	bucket := int(ci.bucket)
	if ci.prev != nil {
		ci.prev.next = ci.next
	} else {
		a.partials[k][bucket] = ci.next
	}
	if ci.next != nil {
		ci.next.prev = ci.prev
	}
	ci.next, ci.prev = nil, nil
}

const protNone = 0x0

// allocateChunk serves a small-object request of the given size,
// rounding up to a size class, picking a random partial bucket, making
// a fresh page on an empty bucket, and clearing one free bit.
func (a *Arena) allocateChunk(size uintptr) (unsafe.Pointer, error) {
	k := classOf(size)
	if k < 0 {
		return nil, ErrTooLarge
	}

	bucket := int(a.rng.uintn(chunkLists))
	ci := a.partials[k][bucket]
	if ci == nil {
		var err error
		ci, err = a.makeChunks(k)
		if err != nil {
			return nil, err
		}
	}

	chunknum, ok := a.scanBitmap(ci)
	if !ok {
		fatalf("malloc", "chunk-info free==%d but bitmap scan found nothing", ci.free)
	}
	ci.bits[chunknum/64] &^= uint64(1) << uint(chunknum%64)
	ci.free--

	if ci.free == 0 {
		a.unlinkPartial(k, ci)
	}

	chunkSize := classSize(k)
	if chunkSize == 0 {
		chunkSize = uintptr(PageSize)
	}
	base := unsafe.Add(ci.page, int(uintptr(chunknum)*chunkSize))

	if a.opts.CanaryLen > 0 && k > 0 {
		writeCanary(uintptr(a.opts.ChunkCanarySecret), base, chunkSize)
	}
	if a.opts.JunkInit && k > 0 {
		payload := chunkSize
		if a.opts.CanaryLen > 0 {
			payload -= canaryLenFull
		}
		fillBytes(base, payload, junkInitByte)
	}
	return base, nil
}

// scanBitmap finds the index of a free bit, starting at a randomized
// offset derived from the arena's chunk_start, advancing by whole
// words while they are all-zero, then scanning bits within the first
// nonzero word. Returns (0, false) if the page turns out fully
// allocated (a bookkeeping bug, reported fatal by the caller).
func (a *Arena) scanBitmap(ci *ChunkInfo) (int, bool) {
	if ci.free == 0 {
		return 0, false
	}
	nwords := (int(ci.total) + 63) / 64
	if nwords == 0 {
		nwords = 1
	}
	a.chunkStart += a.rng.uint32()
	start := int(a.chunkStart % uint32(nwords))
	for i := 0; i < nwords; i++ {
		w := (start + i) % nwords
		word := ci.bits[w]
		if word == 0 {
			continue
		}
		bit := firstSetBit(word)
		idx := w*64 + bit
		if idx >= int(ci.total) {
			continue
		}
		return idx, true
	}
	return 0, false
}

// firstSetBit locates the least-significant set bit of a 64-bit bitmap
// word a byte at a time via lib.Bit8.Findfirstset, the same bit-twiddling
// helper the teacher's freebits.go scans its occupancy bitmap with.
func firstSetBit(w uint64) int {
	for byteIdx := 0; byteIdx < 8; byteIdx++ {
		b := lib.Bit8(w >> uint(byteIdx*8))
		if fs := b.Findfirstset(); fs >= 0 {
			return byteIdx*8 + int(fs)
		}
	}
	return 0
}

// freeChunk releases a small allocation back to its slab page. p must
// be the exact chunk base previously returned by allocateChunk, ci and
// k describe the page it belongs to. A page that was full is relinked
// onto a randomly chosen partial bucket.
func (a *Arena) freeChunk(ci *ChunkInfo, k int, p unsafe.Pointer) {
	size := classSize(k)
	if size == 0 {
		size = uintptr(PageSize)
	}
	offset := uintptr(p) - uintptr(ci.page)
	if offset%size != 0 {
		fatalf("free", "misaligned free of %p in class %d", p, k)
	}
	chunknum := int(offset / size)
	word, bit := chunknum/64, uint(chunknum%64)

	if a.opts.CanaryLen > 0 && k > 0 {
		if !checkCanary(uintptr(a.opts.ChunkCanarySecret), p, size) {
			fatalf("free", "canary mismatch at %p", p)
		}
	}
	if ci.bits[word]&(uint64(1)<<bit) != 0 {
		fatalf("free", "double free (bitmap already free) at %p", p)
	}

	wasFull := ci.free == 0
	ci.bits[word] |= uint64(1) << bit
	ci.free++

	if wasFull {
		bucket := int(a.rng.uintn(chunkLists))
		a.linkPartial(k, bucket, ci)
	}

	if ci.free == ci.total {
		a.retirePage(ci, k)
	}
}

// retirePage unlinks a fully-free page from whatever partial bucket it
// is on, deletes its region entry, returns the page to the cache, and
// returns the ChunkInfo struct to its class pool.
func (a *Arena) retirePage(ci *ChunkInfo, k int) {
	a.unlinkPartial(k, ci)
	if idx := a.regions.find(ci.page); idx >= 0 {
		a.regions.delete(idx)
	}
	if k == 0 {
		// The page has been PROT_NONE since makeChunks made it; restore
		// RW before handing it to the generic page cache, which may
		// want to write a junk pattern or read/compare it.
		protectPages(ci.page, uintptr(PageSize), unix.PROT_READ|unix.PROT_WRITE)
	}
	a.cache.release(&a.rng, ci.page, 1)
	a.chunkPools[k].release(ci)
}
