package malloc

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/prataprc/omalloc/lib"
)

// Allocator is the public entry point: a set of independent arenas,
// the shared read-only options, and the option-parsing state used to
// build them. One Allocator is meant to live for the lifetime of a
// process, exactly like the C allocator it replaces.
type Allocator struct {
	arenas   []*Arena
	opts     *Options
	optsRoot *optionsRootPage
	counter  uint64
}

// New builds an Allocator from a settings bag (see Defaultsettings),
// optionally layering the option-character grammar from a config file
// path and/or a static options string on top, then seals the options
// root page read-only.
func New(setts lib.Settings, configFile, staticOptions string) (*Allocator, error) {
	opts := NewOptions(setts)
	opts.LoadOptionSources(configFile, staticOptions)

	root, err := newOptionsRootPage()
	if err != nil {
		return nil, err
	}
	root.write(opts)

	n := opts.NumArenas
	if n <= 0 {
		n = 1
	}
	arenas := make([]*Arena, n)
	for i := range arenas {
		a, err := newArena(i, opts)
		if err != nil {
			return nil, err
		}
		arenas[i] = a
	}

	if err := root.seal(); err != nil {
		return nil, err
	}

	al := &Allocator{arenas: arenas, opts: opts, optsRoot: root}
	globalAllocator = al
	return al, nil
}

// pickArena chooses an arena for a fresh allocation. Go has no stable,
// cheap equivalent of pthread_self() to hash a "current thread" from
// (goroutines migrate between OS threads across the call), so instead
// of hash(thread_id) & (K-1) this mixes a monotonic counter with the
// address of a fresh stack value for per-call pseudo-random spread —
// it achieves the same goal (concurrent callers usually land on
// different arenas, so they don't serialize on one mutex) without
// pretending Go has thread affinity it doesn't. See DESIGN.md.
func (al *Allocator) pickArena() *Arena {
	var probe byte
	addr := uintptr(unsafe.Pointer(&probe))
	n := atomic.AddUint64(&al.counter, 1)
	h := uint64(addr) ^ n
	return al.arenas[h%uint64(len(al.arenas))]
}

// ownerLookup describes where a live pointer resolves to: which
// arena, which region slot, and (for small allocations) the page's
// ChunkInfo and size class.
type ownerLookup struct {
	arena *Arena
	idx   int
	rec   RegionRecord
}

// findOwner iterates every arena (cross-arena fallback for free/
// realloc/usable_size/object_size, per spec.md 4.10), entering each in
// turn, until one resolves p's page. Returns ok=false, with no arena
// left locked, if no arena claims it — the caller must treat that as
// fatal.
func (al *Allocator) findOwner(op string, p unsafe.Pointer) (ownerLookup, bool) {
	page := maskPage(p)
	for _, a := range al.arenas {
		a.enterBlocking()
		if idx := a.regions.find(page); idx >= 0 {
			return ownerLookup{arena: a, idx: idx, rec: a.regions.slots[idx]}, true
		}
		a.leave()
	}
	return ownerLookup{}, false
}

// Malloc allocates n bytes. n == 0 returns the arena's malloc(0)
// sentinel page (a single inaccessible page; any load or store through
// it faults, by design). n > MaxChunk() takes the large path.
func (al *Allocator) Malloc(n uintptr) (unsafe.Pointer, error) {
	a := al.pickArena()
	if !a.enter("malloc") {
		return nil, ErrRecursion
	}
	defer a.leave()

	if n == 0 || n <= uintptr(MaxChunk()) {
		req := n
		if al.opts.CanaryLen > 0 && n > 0 {
			req += uintptr(al.opts.CanaryLen)
		}
		if req > uintptr(MaxChunk()) {
			p, err := a.allocateLarge(n)
			return al.onAllocFailure(p, err)
		}
		p, err := a.allocateChunk(req)
		return al.onAllocFailure(p, err)
	}
	p, err := a.allocateLarge(n)
	return al.onAllocFailure(p, err)
}

func (al *Allocator) onAllocFailure(p unsafe.Pointer, err error) (unsafe.Pointer, error) {
	if err != nil && al.opts.Xmalloc {
		fatalf("malloc", "xmalloc: allocation failed: %v", err)
	}
	return p, err
}

// Free releases p. A nil pointer is a no-op. p must have been returned
// by this Allocator; anything else is an integrity violation.
func (al *Allocator) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}
	owner, ok := al.findOwner("free", p)
	if !ok {
		fatalf("free", "unknown pointer %p", p)
	}
	defer owner.arena.leave()

	switch {
	case owner.rec.tag == tagLarge:
		owner.arena.freeLarge(owner.idx, p)
	case isSlabTag(owner.rec.tag):
		al.freeSmall(owner, p)
	}
}

// freeSmall runs a small pointer through the quarantine before it
// reaches free_chunk, unless quarantining is disabled, in which case
// it goes straight to the slab (the preserved "delayed_chunk_size==0"
// bypass from the original ofree).
func (al *Allocator) freeSmall(owner ownerLookup, p unsafe.Pointer) {
	a := owner.arena
	k := slabClassOf(owner.rec.tag)
	ci := (*ChunkInfo)(unsafe.Pointer(owner.rec.payload))

	if k == 0 {
		// The malloc(0) page is PROT_NONE for its whole lifetime: no
		// junk fill, no quarantine, straight back to the slab.
		a.freeChunk(ci, k, p)
		return
	}

	if a.opts.JunkFree {
		size := classSize(k)
		payload := size
		if a.opts.CanaryLen > 0 {
			payload -= canaryLenFull
		}
		fillBytes(p, payload, junkFreeByte)
	}

	if a.quarantine.disabled() {
		a.freeChunk(ci, k, p)
		return
	}

	a.quarantine.setProbeSlot(a.rng.uintn(a.quarantine.depth))
	popped, ok := a.quarantine.push(p)
	if !ok {
		return
	}
	if a.opts.JunkFree {
		// Only the bytes freeSmall actually poisoned can be checked;
		// validate_full selects the full payload or just the first 32
		// bytes of it.
		poppedSize := classSize(slabClassOfPointer(a, popped))
		if a.opts.CanaryLen > 0 {
			poppedSize -= canaryLenFull
		}
		checkLen := poppedSize
		if !a.opts.ValidateFull && checkLen > 32 {
			checkLen = 32
		}
		validateJunk(popped, checkLen, junkFreeByte)
	}
	// Re-resolve the popped pointer's own ChunkInfo: it may belong to a
	// different page of the same class than p's.
	if idx := a.regions.find(maskPage(popped)); idx >= 0 {
		rec := a.regions.slots[idx]
		if isSlabTag(rec.tag) {
			pk := slabClassOf(rec.tag)
			pci := (*ChunkInfo)(unsafe.Pointer(rec.payload))
			a.freeChunk(pci, pk, popped)
		}
	}
}

// slabClassOfPointer resolves q's size class via the region index;
// used only by the quarantine-drain path for the validate_full length.
func slabClassOfPointer(a *Arena, q unsafe.Pointer) int {
	if idx := a.regions.find(maskPage(q)); idx >= 0 {
		rec := a.regions.slots[idx]
		if isSlabTag(rec.tag) {
			return slabClassOf(rec.tag)
		}
	}
	return 0
}

// validateJunk checks that n bytes at p still hold pattern b (or, when
// validate_full is false elsewhere, only the first 32 bytes would be
// checked — that narrower check is applied by the caller by passing a
// smaller n). A mismatch means something wrote through a quarantined,
// supposedly-dead pointer: fatal use-after-free.
func validateJunk(p unsafe.Pointer, n uintptr, b byte) {
	s := unsafe.Slice((*byte)(p), n)
	for i, v := range s {
		if v != b {
			fatalf("free", "use after free detected at %p+%d", p, i)
		}
	}
}

// UsableSize returns the number of bytes the caller may use at p
// without risking corrupting allocator metadata: class size minus
// canary for small allocations, mapped size minus guard for large
// ones, 0 for the malloc(0) sentinel. For a large pointer that
// allocateLarge shifted toward the guard page, this counts from the
// mapping base, not from p; ObjectSize counts from p.
func (al *Allocator) UsableSize(p unsafe.Pointer) uintptr {
	if p == nil {
		return 0
	}
	owner, ok := al.findOwner("usable_size", p)
	if !ok {
		fatalf("usable_size", "unknown pointer %p", p)
	}
	defer owner.arena.leave()

	switch {
	case owner.rec.tag == tagLarge:
		guard := uintptr(0)
		if al.opts.GuardBytes > 0 {
			guard = uintptr(al.opts.GuardBytes)
		}
		return pageRound(owner.rec.payload) - guard
	default:
		k := slabClassOf(owner.rec.tag)
		if k == 0 {
			return 0
		}
		size := classSize(k)
		if al.opts.CanaryLen > 0 {
			size -= canaryLenFull
		}
		return size
	}
}

// ObjectSizeUnknown is returned by ObjectSize when p cannot be
// resolved to any arena.
const ObjectSizeUnknown = ^uintptr(0)

// ObjectSize is like UsableSize but honours the end-of-page move: it
// reports the valid bytes from p up to (exclusive) the guard page or
// class boundary, which differs from UsableSize exactly when
// allocateLarge shifted the returned pointer forward.
func (al *Allocator) ObjectSize(p unsafe.Pointer) uintptr {
	if p == nil {
		return 0
	}
	owner, ok := al.findOwner("object_size", p)
	if !ok {
		return ObjectSizeUnknown
	}
	defer owner.arena.leave()

	switch {
	case owner.rec.tag == tagLarge:
		psz := pageRound(owner.rec.payload)
		guard := uintptr(0)
		if al.opts.GuardBytes > 0 {
			guard = uintptr(al.opts.GuardBytes)
		}
		end := uintptr(owner.rec.page) + psz - guard
		return end - uintptr(p)
	default:
		k := slabClassOf(owner.rec.tag)
		if k == 0 {
			return 0
		}
		full := classSize(k)
		offset := uintptr(p) - uintptr(owner.rec.page)
		usable := full - offset%full
		if al.opts.CanaryLen > 0 {
			usable -= canaryLenFull
		}
		return usable
	}
}

// Realloc resizes p to n bytes. p == nil behaves like Malloc; n == 0
// frees p and returns nil. Large-to-large shrinks in place by
// unmapping the tail, grows in place only when the arena's page cache
// holds a span starting exactly at the tail or the OS honours an
// exact-address hint for the grown tail (the disabled mremap branch in
// the source — this reimplementation attempts the hinted mapping and
// accepts it only on an exact match, else falls back to copy, per the
// Open Question resolution in DESIGN.md), or is left alone when the
// new size still fills more than half the old mapping and
// force_realloc is off. Everything else is allocate-copy-free.
func (al *Allocator) Realloc(p unsafe.Pointer, n uintptr) (unsafe.Pointer, error) {
	if p == nil {
		return al.Malloc(n)
	}
	if n == 0 {
		al.Free(p)
		return nil, nil
	}

	owner, ok := al.findOwner("realloc", p)
	if !ok {
		fatalf("realloc", "unknown pointer %p", p)
	}

	if owner.rec.tag == tagLarge {
		return al.reallocLarge(owner, p, n)
	}
	owner.arena.leave()
	return al.reallocSmall(owner, p, n)
}

// reallocLarge handles the large-to-large path; owner's arena is
// locked on entry and always unlocked before returning.
func (al *Allocator) reallocLarge(owner ownerLookup, p unsafe.Pointer, n uintptr) (unsafe.Pointer, error) {
	a := owner.arena
	defer a.leave()

	guard := uintptr(0)
	if al.opts.GuardBytes > 0 {
		guard = uintptr(al.opts.GuardBytes)
	}
	oldUsable := owner.rec.payload - guard
	oldPsz := pageRound(owner.rec.payload)
	newPsz := pageRound(n + guard)

	if newPsz == oldPsz {
		a.regions.slots[owner.idx].payload = n + guard
		return p, nil
	}

	// n <= oldUsable implies newPsz <= oldPsz (pageRound is monotonic and
	// oldPsz already accommodates oldUsable+guard), so this can only
	// fire on the shrink side: if the new size still fills more than
	// half the old mapping, leave it alone rather than unmap a tail
	// just to remap a similar size again soon.
	if !al.opts.ForceRealloc && n <= oldUsable && oldUsable/2 < n {
		a.regions.slots[owner.idx].payload = n + guard
		return p, nil
	}

	if newPsz < oldPsz && !al.opts.ForceRealloc {
		// Shrink in place: unmap the tail, restore guard at the new end.
		tailStart := unsafe.Add(owner.rec.page, int(newPsz))
		tailLen := oldPsz - newPsz
		unmapPages(tailStart, tailLen)
		if guard > 0 {
			guardPage := unsafe.Add(owner.rec.page, int(newPsz-guard))
			protectPages(guardPage, guard, unix.PROT_NONE)
		}
		a.regions.slots[owner.idx].payload = n + guard
		return p, nil
	}

	if newPsz > oldPsz && al.opts.Hint {
		hint := unsafe.Add(owner.rec.page, int(oldPsz))
		growBy := newPsz - oldPsz
		// Check this arena's own page cache for the exact tail span
		// first: cheaper than a fresh mmap, and the only way the
		// hinted grow can succeed once the kernel has handed that
		// address range to another mapping in the meantime.
		grew := a.cache.acquireHint(hint, uint32(growBy/uintptr(PageSize)))
		if !grew {
			got, err := mapPagesAt(hint, growBy)
			grew = err == nil && got == hint
		}
		if grew {
			if guard > 0 {
				// The old guard page now sits inside the grown mapping
				// instead of at its tail: unprotect it before the new
				// tail guard goes up, or the bytes between oldPsz-guard
				// and oldPsz stay PROT_NONE inside a range UsableSize
				// now reports as valid.
				oldGuardPage := unsafe.Add(owner.rec.page, int(oldPsz-guard))
				protectPages(oldGuardPage, guard, unix.PROT_READ|unix.PROT_WRITE)
				guardPage := unsafe.Add(owner.rec.page, int(newPsz-guard))
				protectPages(guardPage, guard, unix.PROT_NONE)
			}
			a.regions.slots[owner.idx].payload = n + guard
			return p, nil
		}
	}

	newP, err := a.allocateLarge(n)
	if err != nil {
		return nil, err
	}
	lib.Memcpy(newP, p, int(minUintptr(oldUsable, n)))
	a.freeLarge(owner.idx, p)
	return newP, nil
}

// reallocSmall handles every small-to-{small,large} path: same class
// is a no-op, otherwise allocate-copy-free. Caller must not be holding
// any arena lock.
func (al *Allocator) reallocSmall(owner ownerLookup, p unsafe.Pointer, n uintptr) (unsafe.Pointer, error) {
	k := slabClassOf(owner.rec.tag)
	oldUsable := classSize(k)
	if al.opts.CanaryLen > 0 && k > 0 {
		oldUsable -= canaryLenFull
	}

	req := n
	if al.opts.CanaryLen > 0 {
		req += uintptr(al.opts.CanaryLen)
	}
	if classOf(req) == k && req <= uintptr(MaxChunk()) {
		return p, nil
	}

	newP, err := al.Malloc(n)
	if err != nil {
		return nil, err
	}
	lib.Memcpy(newP, p, int(minUintptr(oldUsable, n)))
	al.Free(p)
	return newP, nil
}

func minUintptr(a, b uintptr) uintptr {
	if a < b {
		return a
	}
	return b
}

// Calloc allocates nmemb*size bytes, zeroed, with an overflow-checked
// product; overflow is reported as ErrOverflow (ENOMEM in the source).
func (al *Allocator) Calloc(nmemb, size uintptr) (unsafe.Pointer, error) {
	if nmemb != 0 && size > (^uintptr(0))/nmemb {
		return nil, ErrOverflow
	}
	n := nmemb * size
	p, err := al.Malloc(n)
	if err != nil {
		return nil, err
	}
	if p != nil && n > 0 {
		fillBytes(p, n, 0)
	}
	return p, nil
}

// PosixMemalign allocates n bytes aligned to align, which must be a
// power of two at least sizeof(uintptr). Alignments up to PageSize are
// satisfied by a plain Malloc whose class is at least `align`, as long
// as that class is no larger than MaxChunk; every other request
// (over-page alignments, and page-or-smaller alignments whose class
// would exceed MaxChunk) goes through the oversize-and-trim path
// (mapAlign).
func (al *Allocator) PosixMemalign(align, n uintptr) (unsafe.Pointer, error) {
	if align < unsafe.Sizeof(uintptr(0)) || align&(align-1) != 0 {
		return nil, ErrInvalidAlignment
	}
	if align <= uintptr(PageSize) {
		k := classOf(n)
		for k >= 0 && classSize(k) < align {
			k++
		}
		if k >= 0 && classSize(k) <= uintptr(MaxChunk()) {
			return al.Malloc(classSize(k))
		}
	}

	a := al.pickArena()
	if !a.enter("memalign") {
		return nil, ErrRecursion
	}
	defer a.leave()
	p, err := a.mapAlign(n, align)
	return al.onAllocFailure(p, err)
}

// Memalign rounds align up to the next power of two if it is not
// already one, then delegates to PosixMemalign.
func (al *Allocator) Memalign(align, n uintptr) (unsafe.Pointer, error) {
	if align&(align-1) != 0 {
		align = roundUpPowerOfTwo(align)
	}
	return al.PosixMemalign(align, n)
}

func roundUpPowerOfTwo(v uintptr) uintptr {
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	return v + 1
}

// Valloc allocates n bytes aligned to a page boundary.
func (al *Allocator) Valloc(n uintptr) (unsafe.Pointer, error) {
	return al.PosixMemalign(uintptr(PageSize), n)
}

// Pvalloc allocates, page-aligned, enough bytes to hold n rounded up
// to the next page multiple.
func (al *Allocator) Pvalloc(n uintptr) (unsafe.Pointer, error) {
	return al.PosixMemalign(uintptr(PageSize), pageRound(n))
}

// Mallinfo is an ABI-only stub; the source declares mallinfo "for ABI
// only" and returns zeroed info. No caller should depend on its
// contents.
type Mallinfo struct {
	Arena, Ordblks, Uordblks, Fordblks, Keepcost int64
}

func (al *Allocator) Mallinfo() Mallinfo { return Mallinfo{} }

// Mallopt is an ABI-only stub, always returns 0 (failure, per the
// source's "for ABI only" contract).
func (al *Allocator) Mallopt(param, value int) int { return 0 }

// PreFork, PostForkParent and PostForkChild are the fork-safety hooks:
// PreFork locks every arena ahead of fork(2); PostForkParent reverses
// that in the parent; PostForkChild reinitializes every arena's mutex
// and recursion guard in the child rather than trying to unlock a
// possibly-inconsistent copy.
func (al *Allocator) PreFork()        { preFork(al.arenas) }
func (al *Allocator) PostForkParent() { postForkParent(al.arenas) }
func (al *Allocator) PostForkChild()  { postForkChild(al.arenas) }
