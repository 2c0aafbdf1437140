package malloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func fakePointers(n int) []unsafe.Pointer {
	backing := make([]byte, n*8)
	ptrs := make([]unsafe.Pointer, n)
	for i := range ptrs {
		ptrs[i] = unsafe.Pointer(&backing[i*8])
	}
	return ptrs
}

func TestQuarantineDisabledBypassesRings(t *testing.T) {
	q, err := newQuarantine(0)
	require.NoError(t, err)
	require.True(t, q.disabled())

	p := fakePointers(1)[0]
	popped, ok := q.push(p)
	require.True(t, ok)
	require.Equal(t, p, popped)
}

func TestQuarantineDelaysBeforeReturning(t *testing.T) {
	depth := 16
	q, err := newQuarantine(depth)
	require.NoError(t, err)

	ptrs := fakePointers(depth)
	returned := 0
	for _, p := range ptrs {
		q.setProbeSlot(0)
		if _, ok := q.push(p); ok {
			returned++
		}
	}
	// Filling both the probe and queue rings for the first time must
	// not return any of the first depth pushes: both rings start empty,
	// so every displaced slot still reads nil.
	require.Equal(t, 0, returned, "quarantine returned a pointer before its rings ever filled")
}

func TestQuarantineShuffleScenario(t *testing.T) {
	// Mirrors spec.md's scenario 3: K=1024 frees through a depth-16
	// quarantine, fewer than 16 of the first 16 freed pointers come back
	// out within the next 16 pushes.
	const depth = 16
	q, err := newQuarantine(depth)
	require.NoError(t, err)

	ptrs := fakePointers(1024)
	var returnedInWindow int
	firstWindow := make(map[unsafe.Pointer]bool, depth)
	for i := 0; i < depth; i++ {
		firstWindow[ptrs[i]] = true
	}
	for i, p := range ptrs {
		q.setProbeSlot(uint32(i) % depth)
		popped, ok := q.push(p)
		if ok && i < 2*depth && firstWindow[popped] {
			returnedInWindow++
		}
	}
	require.Less(t, returnedInWindow, depth)
}

func TestQuarantineDoubleFreeFatal(t *testing.T) {
	if testing.Short() {
		t.Skip("covers the ptrSet check behind push's double-free fatal path")
	}
	// push->set.insert detects a pointer already quarantined; exercised
	// indirectly via ptrSet since push's own double-free path calls
	// fatalf (process-exit), which a unit test cannot safely observe
	// in-process. See ptrSet's own insert/find/delete tests below for
	// the membership semantics this depends on.
	set, err := newPtrSet(8)
	require.NoError(t, err)
	p := fakePointers(1)[0]
	require.True(t, set.insert(p))
	require.False(t, set.insert(p))
}

func TestPtrSetDeleteClosesGap(t *testing.T) {
	set, err := newPtrSet(8)
	require.NoError(t, err)
	ptrs := fakePointers(6)
	for _, p := range ptrs {
		require.True(t, set.insert(p))
	}
	set.delete(ptrs[0])
	set.delete(ptrs[2])
	require.Equal(t, -1, set.find(ptrs[0]))
	require.Equal(t, -1, set.find(ptrs[2]))
	for _, i := range []int{1, 3, 4, 5} {
		require.GreaterOrEqual(t, set.find(ptrs[i]), 0, "entry %d lost after neighboring deletes", i)
	}
}
