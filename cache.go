package malloc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// cacheEntry describes one page span held in a per-arena page cache,
// awaiting reuse before the allocator asks the OS for fresh pages.
type cacheEntry struct {
	base     unsafe.Pointer
	sizePage uint32 // size in whole pages, 0 means empty slot
}

// pageCache is a fixed-size ring of previously released page spans.
// Release scans from a random offset to decide what to evict when
// full; acquire prefers an exact size match, falling back to
// splitting a larger entry.
type pageCache struct {
	entries    []cacheEntry
	adviseFree bool
	parkNone   bool
	junkFree   byte
	junkOn     bool
}

func newPageCache(depth int, adviseFreeOn, parkNoneOn, junkOn bool, junkByte byte) *pageCache {
	return &pageCache{
		entries:    make([]cacheEntry, depth),
		adviseFree: adviseFreeOn,
		parkNone:   parkNoneOn,
		junkOn:     junkOn,
		junkFree:   junkByte,
	}
}

// release offers a span back to the cache. If the cache is full, the
// entry starting at a random offset is evicted to the OS to make room.
// Honours the configured madvise/junk/PROT_NONE treatment of a cached
// span before it is parked.
func (c *pageCache) release(rng *arenaRNG, base unsafe.Pointer, pages uint32) {
	if len(c.entries) == 0 {
		unmapPages(base, uintptr(pages)*uintptr(PageSize))
		return
	}
	if c.junkOn {
		fillBytes(base, uintptr(pages)*uintptr(PageSize), c.junkFree)
	}
	if c.adviseFree {
		adviseFree(base, uintptr(pages)*uintptr(PageSize))
	}
	if c.parkNone {
		protectPages(base, uintptr(pages)*uintptr(PageSize), unix.PROT_NONE)
	}

	start := int(rng.uintn(uint32(len(c.entries))))
	for i := 0; i < len(c.entries); i++ {
		idx := (start + i) % len(c.entries)
		if c.entries[idx].sizePage == 0 {
			c.entries[idx] = cacheEntry{base: base, sizePage: pages}
			return
		}
	}
	// Cache full: evict the entry at the random start offset to the OS,
	// then take its slot.
	evict := c.entries[start]
	if c.parkNone {
		protectPages(evict.base, uintptr(evict.sizePage)*uintptr(PageSize), unix.PROT_READ|unix.PROT_WRITE)
	}
	unmapPages(evict.base, uintptr(evict.sizePage)*uintptr(PageSize))
	c.entries[start] = cacheEntry{base: base, sizePage: pages}
}

// acquire returns a span of exactly `pages` pages from the cache,
// preferring an exact match and otherwise splitting the smallest
// sufficiently large entry. Returns (nil, false) on a cache miss.
func (c *pageCache) acquire(pages uint32) (unsafe.Pointer, bool) {
	bestIdx := -1
	for i := range c.entries {
		e := &c.entries[i]
		if e.sizePage == 0 {
			continue
		}
		if e.sizePage == pages {
			if c.parkNone {
				protectPages(e.base, uintptr(pages)*uintptr(PageSize), unix.PROT_READ|unix.PROT_WRITE)
			}
			base := e.base
			c.entries[i] = cacheEntry{}
			return base, true
		}
		if e.sizePage > pages && (bestIdx < 0 || e.sizePage < c.entries[bestIdx].sizePage) {
			bestIdx = i
		}
	}
	if bestIdx < 0 {
		return nil, false
	}
	e := &c.entries[bestIdx]
	if c.parkNone {
		// Only the pages being handed out leave PROT_NONE; the
		// remainder stays parked and re-enters the cache below still
		// protected.
		protectPages(e.base, uintptr(pages)*uintptr(PageSize), unix.PROT_READ|unix.PROT_WRITE)
	}
	base := e.base
	remBase := unsafe.Add(base, int(pages)*PageSize)
	remPages := e.sizePage - pages
	c.entries[bestIdx] = cacheEntry{base: remBase, sizePage: remPages}
	return base, true
}

// acquireHint is the hinted acquire used by the cheap-realloc-grow
// path: it succeeds only if some cached entry begins exactly at hint,
// and that entry is at least `pages` pages; any surplus is re-cached
// as a new entry starting past the consumed span.
func (c *pageCache) acquireHint(hint unsafe.Pointer, pages uint32) bool {
	for i := range c.entries {
		e := &c.entries[i]
		if e.sizePage == 0 || e.base != hint || e.sizePage < pages {
			continue
		}
		if c.parkNone {
			protectPages(e.base, uintptr(pages)*uintptr(PageSize), unix.PROT_READ|unix.PROT_WRITE)
		}
		if e.sizePage == pages {
			c.entries[i] = cacheEntry{}
			return true
		}
		remBase := unsafe.Add(e.base, int(pages)*PageSize)
		c.entries[i] = cacheEntry{base: remBase, sizePage: e.sizePage - pages}
		return true
	}
	return false
}

func fillBytes(p unsafe.Pointer, n uintptr, b byte) {
	s := unsafe.Slice((*byte)(p), n)
	for i := range s {
		s[i] = b
	}
}
