package malloc

import (
	"math"
	"unsafe"

	"golang.org/x/sys/unix"
)

// allocateLarge serves a request whose size exceeds MaxChunk: maps
// PAGEROUND(size + guard) bytes, registers a region entry tagged
// tagLarge with the full requested size (including guard) as payload,
// marks the last page PROT_NONE when guards are enabled, and
// optionally shifts the returned pointer flush against the guard page.
func (a *Arena) allocateLarge(size uintptr) (unsafe.Pointer, error) {
	guard := uintptr(0)
	if a.opts.GuardBytes > 0 {
		guard = uintptr(a.opts.GuardBytes)
	}
	if size >= math.MaxUint64-guard-uintptr(PageSize) {
		return nil, ErrTooLarge
	}
	psz := pageRound(size + guard)
	pages := uint32(psz / uintptr(PageSize))

	var base unsafe.Pointer
	var err error
	if p, ok := a.cache.acquire(pages); ok {
		base = p
	} else {
		a.dropForSlowPath(func() { base, err = mapPages(psz) })
		if err != nil {
			return nil, err
		}
	}

	if err := a.regions.ensureRoom(); err != nil {
		a.cache.release(&a.rng, base, pages)
		return nil, err
	}
	a.regions.insert(base, tagLarge, size+guard)

	if guard > 0 {
		guardPage := unsafe.Add(base, int(psz-guard))
		if err := protectPages(guardPage, guard, unix.PROT_NONE); err != nil {
			a.regions.delete(a.regions.find(base))
			unmapPages(base, psz)
			return nil, err
		}
	}

	ret := base
	if a.opts.Move && guard > 0 {
		usable := psz - guard
		if usable <= uintptr(PageSize) {
			// MALLOC_LEEWAY is 0: shift the pointer so the object ends
			// exactly flush against the guard page, aligned down to
			// 1<<MinShift so canary/alignment invariants still hold.
			shift := usable - size
			shift &^= (uintptr(1) << MinShift) - 1
			if shift > 0 {
				if a.opts.JunkInit {
					fillBytes(base, shift, junkInitByte)
				}
				ret = unsafe.Add(base, int(shift))
			}
		}
	}
	return ret, nil
}

// freeLarge releases a large allocation located at region slot idx. p
// must equal the region's base (unmoved) or lie within the mapping
// (moved by allocateLarge's end-of-page shift); the guard page is
// restored RW before the span goes back to the page cache, because the
// junk fill below and any later reuse of the cached span write to it.
func (a *Arena) freeLarge(idx int, p unsafe.Pointer) {
	rec := a.regions.slots[idx]
	sizeWithGuard := rec.payload
	psz := pageRound(sizeWithGuard)
	if p != rec.page {
		end := unsafe.Add(rec.page, int(psz))
		if uintptr(p) < uintptr(rec.page) || uintptr(p) >= uintptr(end) {
			fatalf("free", "pointer %p not within large mapping at %p", p, rec.page)
		}
	}
	guard := uintptr(0)
	if a.opts.GuardBytes > 0 {
		guard = uintptr(a.opts.GuardBytes)
		guardPage := unsafe.Add(rec.page, int(psz-guard))
		protectPages(guardPage, guard, unix.PROT_READ|unix.PROT_WRITE)
	}
	a.regions.delete(idx)
	pages := uint32(psz / uintptr(PageSize))
	if a.opts.JunkFree {
		fillBytes(rec.page, psz, junkFreeByte)
	}
	a.cache.release(&a.rng, rec.page, pages)
}

// mapAlign maps usable bytes aligned to align (a power of two), via an
// oversized mapping trimmed down on both sides:
// request usable+guard+align extra bytes, locate the first
// align-aligned address within it, unmap the unused head and tail, and
// register the trimmed region the same way allocateLarge does (tag
// tagLarge, payload = usable+guard, trailing guard page when enabled)
// so the result is freeable and resolves through findOwner like any
// other large allocation.
func (a *Arena) mapAlign(usable uintptr, align uintptr) (unsafe.Pointer, error) {
	guard := uintptr(0)
	if a.opts.GuardBytes > 0 {
		guard = uintptr(a.opts.GuardBytes)
	}
	usableRounded := pageRound(usable)
	need := usableRounded + guard
	oversize := pageRound(need + align)

	var base unsafe.Pointer
	var err error
	a.dropForSlowPath(func() { base, err = mapPages(oversize) })
	if err != nil {
		return nil, err
	}

	aligned := (uintptr(base) + align - 1) &^ (align - 1)
	headTrim := aligned - uintptr(base)
	if headTrim > 0 {
		unmapPages(base, headTrim)
	}
	tailStart := aligned + need
	tailTrim := uintptr(base) + oversize - tailStart
	if tailTrim > 0 {
		unmapPages(unsafe.Pointer(tailStart), tailTrim)
	}

	alignedPtr := unsafe.Pointer(aligned)
	if err := a.regions.ensureRoom(); err != nil {
		unmapPages(alignedPtr, need)
		return nil, err
	}
	a.regions.insert(alignedPtr, tagLarge, usable+guard)

	if guard > 0 {
		guardPage := unsafe.Add(alignedPtr, int(usableRounded))
		if err := protectPages(guardPage, guard, unix.PROT_NONE); err != nil {
			a.regions.delete(a.regions.find(alignedPtr))
			unmapPages(alignedPtr, need)
			return nil, err
		}
	}

	return alignedPtr, nil
}
