package malloc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkInfoBitmapPopcountMatchesFree(t *testing.T) {
	ci := &ChunkInfo{}
	for _, total := range []uint16{1, 7, 64, 65, 130, 500} {
		ci.initBitmap(total)
		require.Equal(t, int(total), ci.popcount(), "popcount mismatch for total=%d", total)
		require.Equal(t, total, ci.free)
	}
}

func TestChunkInfoClearBitsTracksPopcount(t *testing.T) {
	ci := &ChunkInfo{}
	ci.initBitmap(130)
	for i := 0; i < 130; i++ {
		ci.bits[i/64] &^= uint64(1) << uint(i%64)
		ci.free--
		require.Equal(t, int(ci.free), ci.popcount(), "popcount/free out of sync after clearing bit %d", i)
	}
}

func TestChunkInfoPoolRefillAndReuse(t *testing.T) {
	pool := newChunkInfoPool()
	seen := make(map[*ChunkInfo]bool)
	for i := 0; i < 200; i++ {
		ci, err := pool.alloc()
		require.NoError(t, err)
		require.False(t, seen[ci], "pool handed out the same ChunkInfo twice while still live")
		seen[ci] = true
	}
	for ci := range seen {
		pool.release(ci)
	}
	// Every released struct must be reusable without a fresh refill.
	reused, err := pool.alloc()
	require.NoError(t, err)
	require.True(t, seen[reused])
}

func TestFirstSetBitAndPopcount64(t *testing.T) {
	cases := []struct {
		w    uint64
		bit  int
		pop  int
	}{
		{0x1, 0, 1},
		{0x2, 1, 1},
		{0x80, 7, 1},
		{0x8000000000000000, 63, 1},
		{0xaaaaaaaaaaaaaaaa, 1, 32},
		{0xffffffffffffffff, 0, 64},
	}
	for _, c := range cases {
		require.Equal(t, c.bit, firstSetBit(c.w), "firstSetBit(%#x)", c.w)
		require.Equal(t, c.pop, popcount64(c.w), "popcount64(%#x)", c.w)
	}
}
