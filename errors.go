package malloc

import "errors"

// ErrOutOfMemory is returned when the OS page provider cannot satisfy a
// mapping request and xmalloc is not enabled.
var ErrOutOfMemory = errors.New("malloc.outofmemory")

// ErrInvalidAlignment is returned by Memalign/PosixMemalign when the
// requested alignment is not a power of two, or is smaller than the
// pointer size.
var ErrInvalidAlignment = errors.New("malloc.invalidalignment")

// ErrOverflow is returned by Calloc when nmemb*size overflows.
var ErrOverflow = errors.New("malloc.overflow")

// ErrRecursion is returned when a thread reenters an arena it is
// already active on; the allocator never deadlocks on this, it fails
// the inner call instead.
var ErrRecursion = errors.New("malloc.recursion")

// ErrTooLarge is returned when a requested size cannot be represented
// after adding guard and alignment overhead.
var ErrTooLarge = errors.New("malloc.toolarge")

// ErrUnknownPointer names the failure to resolve a pointer to any
// arena. No call returns it: Free, Realloc and UsableSize report an
// unresolvable pointer through fatalf, and ObjectSize returns
// ObjectSizeUnknown.
var ErrUnknownPointer = errors.New("malloc.unknownpointer")

// ErrBadOption names an unrecognized option character. The option
// parser neither returns nor logs this value; it logs its own warning
// line for such a character.
var ErrBadOption = errors.New("malloc.badoption")

// ErrPageTooLarge is returned by newArena when the host's page size
// needs more occupancy bits than ChunkInfo.bits has room for.
var ErrPageTooLarge = errors.New("malloc.pagetoolarge")
