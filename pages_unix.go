package malloc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// PageSize is the hardware page size this allocator rounds all mappings
// to. Resolved once at package init; the allocator does not support
// systems where it changes at runtime.
var PageSize = unix.Getpagesize()

// pageRound rounds n up to the next multiple of PageSize.
func pageRound(n uintptr) uintptr {
	ps := uintptr(PageSize)
	return (n + ps - 1) &^ (ps - 1)
}

// mapPages requests a private anonymous RW mapping of size bytes, which
// must already be a page multiple. Returns the mapping base or
// ErrOutOfMemory. No fixed address is requested; the kernel picks the
// base.
func mapPages(size uintptr) (unsafe.Pointer, error) {
	b, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, ErrOutOfMemory
	}
	return unsafe.Pointer(&b[0]), nil
}

// mapPagesAt is the hinted variant used by the cheap-realloc-grow path:
// it asks the kernel for a
// mapping starting exactly at hint, refusing to honour the hint is not
// an error, the caller inspects the returned address to decide whether
// the hint was satisfied.
func mapPagesAt(hint unsafe.Pointer, size uintptr) (unsafe.Pointer, error) {
	b, err := unixMmapPtr(hint, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, ErrOutOfMemory
	}
	return b, nil
}

// unixMmapPtr is a thin wrapper around the raw mmap(2) syscall: the
// golang.org/x/sys/unix.Mmap helper always builds a []byte and never
// accepts a non-nil address hint, so the hinted acquire issues the
// mmap syscall directly through unix.Syscall6 instead.
func unixMmapPtr(hint unsafe.Pointer, size uintptr, prot, flags int) (unsafe.Pointer, error) {
	addr, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		uintptr(hint),
		size,
		uintptr(prot),
		uintptr(flags),
		^uintptr(0), // fd = -1
		0,
	)
	if errno != 0 {
		return nil, errno
	}
	return unsafe.Pointer(addr), nil
}

// unmapPages releases a mapping previously returned by mapPages or
// mapPagesAt.
func unmapPages(p unsafe.Pointer, size uintptr) error {
	b := unsafe.Slice((*byte)(p), size)
	return unix.Munmap(b)
}

// protectPages changes the protection of an existing mapping. mode is
// one of unix.PROT_NONE, unix.PROT_READ, unix.PROT_READ|unix.PROT_WRITE.
func protectPages(p unsafe.Pointer, size uintptr, mode int) error {
	b := unsafe.Slice((*byte)(p), size)
	return unix.Mprotect(b, mode)
}

// adviseFree hints to the kernel that the backing pages of a cached,
// not-yet-reused span may be reclaimed; it does not change the
// mapping's validity, a subsequent access still succeeds but may fault
// in zeroed pages.
func adviseFree(p unsafe.Pointer, size uintptr) error {
	b := unsafe.Slice((*byte)(p), size)
	return unix.Madvise(b, unix.MADV_FREE)
}

// namePages attaches a debug label to a mapping, for tooling visibility
// in /proc/pid/maps. Best-effort and platform-dependent: failures are
// ignored, the allocator never depends on the name being set, only its
// size and protection matter.
func namePages(p unsafe.Pointer, size uintptr, label string) {
	name, err := unix.BytePtrFromString(label)
	if err != nil {
		return
	}
	const prSetVMA = 0x53564d41
	const prSetVMAAnonName = 0
	_, _, _ = unix.Syscall6(
		unix.SYS_PRCTL,
		prSetVMA,
		prSetVMAAnonName,
		uintptr(p),
		size,
		uintptr(unsafe.Pointer(name)),
		0,
	)
}
