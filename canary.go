package malloc

import "unsafe"

// canaryLenFull is the number of trailing bytes of a small
// allocation's class-sized slot reserved for the canary word, when
// canaries are enabled (Options.CanaryLen is either 0 or this value).
const canaryLenFull = unsafe.Sizeof(uintptr(0))

// canaryMask limits the canary to bits that survive truncation to the
// reserved trailing bytes; with canaryLen == pointer size the mask is
// simply ^uintptr(0), kept as a named constant so a narrower canary
// width can be introduced without touching call sites.
const canaryMask = ^uintptr(0)

// canaryValue computes the expected canary for a chunk whose canary
// field lives at addr: the per-process secret xored with a cheap hash
// of the address itself, so that copying a canary from one address to
// another (as a naive exploit primitive would attempt) changes its
// expected value.
func canaryValue(secret uintptr, addr unsafe.Pointer) uintptr {
	return (secret ^ hashAddr(uintptr(addr))) & canaryMask
}

func hashAddr(a uintptr) uintptr {
	// Same multiplicative constant as regionHash, but applied to the
	// full unshifted 64-bit address and followed by an xor-shift, so
	// the result differs from the region index's hash of the same page.
	v := uint64(a) * 2654435761
	v ^= v >> 29
	return uintptr(v)
}

// writeCanary stores the canary for a chunk whose allocation begins at
// base and whose class size is size; the canary occupies the trailing
// canaryLenFull bytes of the chunk.
func writeCanary(secret uintptr, base unsafe.Pointer, size uintptr) {
	addr := unsafe.Add(base, int(size-canaryLenFull))
	*(*uintptr)(addr) = canaryValue(secret, addr)
}

// checkCanary verifies the canary written by writeCanary, returning
// false on any mismatch. Callers must treat a mismatch as fatal.
func checkCanary(secret uintptr, base unsafe.Pointer, size uintptr) bool {
	addr := unsafe.Add(base, int(size-canaryLenFull))
	want := canaryValue(secret, addr)
	got := *(*uintptr)(addr)
	return got == want
}
