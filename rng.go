package malloc

import "crypto/rand"

// rngBufSize is the per-arena entropy buffer size, refilled as a whole
// from the OS's cryptographic RNG whenever it runs dry.
const rngBufSize = 32

// arenaRNG is the per-arena random byte source backing every randomized
// decision in that arena: bucket selection, bitmap scan start, page
// cache scan start, quarantine slot selection. Never shared across
// arenas, so exhausting it on one arena never perturbs another.
type arenaRNG struct {
	buf  [rngBufSize]byte
	used int
}

// refill draws rngBufSize fresh bytes and resets used to
// 1 + buf[0]%16, deliberately discarding a randomized prefix of the new
// buffer so that two arenas seeded from the same entropy observation
// (e.g. right after fork, before either has consumed any bytes)
// diverge immediately.
func (r *arenaRNG) refill() {
	if _, err := rand.Read(r.buf[:]); err != nil {
		// crypto/rand reading from the OS source failing is itself
		// an integrity violation this allocator cannot recover from.
		fatalf("malloc", "rng refill failed: %v", err)
	}
	r.used = 1 + int(r.buf[0])%16
}

// byte returns the next random byte, refilling the buffer first if
// exhausted.
func (r *arenaRNG) byte() byte {
	if r.used >= rngBufSize {
		r.refill()
	}
	b := r.buf[r.used]
	r.used++
	return b
}

// uint32 draws four random bytes and assembles a little-endian uint32.
func (r *arenaRNG) uint32() uint32 {
	var v uint32
	for i := 0; i < 4; i++ {
		v |= uint32(r.byte()) << (8 * uint(i))
	}
	return v
}

// uintn returns a uniform random value in [0, n). n must be > 0.
func (r *arenaRNG) uintn(n uint32) uint32 {
	if n == 0 {
		return 0
	}
	// Rejection-free modulo bias is not worth the complexity for the
	// small n (CHUNK_LISTS=4, cache_pages, quarantine depth) this
	// allocator draws against; the bias is negligible at those scales.
	return r.uint32() % n
}
