package malloc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// optionsRoot is the literal memory-mapped analog of the process-wide
// options root page: the scalar fields from spec.md's DATA MODEL,
// laid out on one guarded page that is writable only during
// initialization and mprotect'd PROT_READ afterwards. Any later write
// attempt through this pointer faults, same as the source.
//
// Arena root pointers are deliberately NOT stored on this page (unlike
// the source's arena_roots[K]): Go's garbage collector does not scan
// memory obtained from unix.Mmap, so holding the only live reference
// to a heap-allocated *Arena inside that memory would be unsound — the
// collector could reclaim the Arena out from under it. The arena
// roots instead live in an ordinary Go slice ([]*Arena on Allocator),
// which is safe and is the one deliberate, documented deviation from
// the source's layout; see the Open Question entry in DESIGN.md.
type optionsRoot struct {
	multiThreaded     bool32
	freeNow           bool32
	freeUnmap         bool32
	hint              bool32
	junkInit          bool32
	junkFree          bool32
	validateFull      bool32
	move              bool32
	forceRealloc      bool32
	xmalloc           bool32
	canaryLen         uint32
	guardBytes        uint32
	cachePages        uint32
	quarantineDepth   uint32
	processCanary     uint32
	chunkCanarySecret uint64
}

type bool32 uint32

func toBool32(b bool) bool32 {
	if b {
		return 1
	}
	return 0
}

func (b bool32) bool() bool { return b != 0 }

// optionsRootPage owns the guarded mapping backing one optionsRoot and
// whether it has been sealed read-only yet.
type optionsRootPage struct {
	root   *optionsRoot
	base   unsafe.Pointer // interior pointer from mapGuarded, same as root
	sealed bool
}

func newOptionsRootPage() (*optionsRootPage, error) {
	p, err := mapGuarded(uintptr(PageSize))
	if err != nil {
		return nil, err
	}
	return &optionsRootPage{root: (*optionsRoot)(p), base: p}, nil
}

// write populates the root from opts. Must only be called before seal;
// the mapping is RW until then.
func (p *optionsRootPage) write(opts *Options) {
	if p.sealed {
		panic("malloc: write to sealed options root")
	}
	*p.root = optionsRoot{
		multiThreaded:     toBool32(opts.MultiThreaded),
		freeNow:           toBool32(opts.FreeNow),
		freeUnmap:         toBool32(opts.FreeUnmap),
		hint:              toBool32(opts.Hint),
		junkInit:          toBool32(opts.JunkInit),
		junkFree:          toBool32(opts.JunkFree),
		validateFull:      toBool32(opts.ValidateFull),
		move:              toBool32(opts.Move),
		forceRealloc:      toBool32(opts.ForceRealloc),
		xmalloc:           toBool32(opts.Xmalloc),
		canaryLen:         uint32(opts.CanaryLen),
		guardBytes:        uint32(opts.GuardBytes),
		cachePages:        uint32(opts.CachePages),
		quarantineDepth:   uint32(opts.QuarantineDepth),
		processCanary:     opts.ProcessCanary,
		chunkCanarySecret: opts.ChunkCanarySecret,
	}
}

// seal remaps the page PROT_READ. After this call, write must never be
// called again and any attempted mutation through p.root traps at the
// OS level.
func (p *optionsRootPage) seal() error {
	if err := protectPages(p.base, uintptr(PageSize), unix.PROT_READ); err != nil {
		return err
	}
	p.sealed = true
	return nil
}
