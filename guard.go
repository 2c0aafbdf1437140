package malloc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// mapGuarded maps usable bytes (already page-rounded) bracketed by one
// inaccessible page on each side and returns a pointer to the RW
// interior. Used for region tables, chunk-info pages and the options
// root page — metadata that must not be corrupted by an adjacent
// linear overflow. The quarantine arrays do not use it.
func mapGuarded(usable uintptr) (unsafe.Pointer, error) {
	ps := uintptr(PageSize)
	total := usable + 2*ps
	base, err := mapPages(total)
	if err != nil {
		return nil, err
	}
	if err := protectPages(base, ps, unix.PROT_NONE); err != nil {
		unmapPages(base, total)
		return nil, err
	}
	interior := unsafe.Add(base, ps)
	tail := unsafe.Add(base, ps+usable)
	if err := protectPages(tail, ps, unix.PROT_NONE); err != nil {
		unmapPages(base, total)
		return nil, err
	}
	return interior, nil
}

// unmapGuarded releases the whole guard|interior|guard span given the
// interior pointer returned by mapGuarded.
func unmapGuarded(p unsafe.Pointer, usable uintptr) error {
	ps := uintptr(PageSize)
	base := unsafe.Add(p, -int(ps))
	return unmapPages(base, usable+2*ps)
}
