package malloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestCanaryWriteCheckRoundTrip(t *testing.T) {
	buf := make([]byte, 64)
	base := unsafe.Pointer(&buf[0])
	secret := uintptr(0xdeadbeefcafef00d)

	writeCanary(secret, base, uintptr(len(buf)))
	require.True(t, checkCanary(secret, base, uintptr(len(buf))))
}

func TestCanaryMismatchOnBitFlip(t *testing.T) {
	buf := make([]byte, 64)
	base := unsafe.Pointer(&buf[0])
	secret := uintptr(0x1234567890abcdef)

	writeCanary(secret, base, uintptr(len(buf)))
	// Flip one bit of the canary word directly, bypassing writeCanary.
	buf[len(buf)-1] ^= 0x01
	require.False(t, checkCanary(secret, base, uintptr(len(buf))))
}

func TestCanaryDependsOnAddress(t *testing.T) {
	bufA := make([]byte, 64)
	bufB := make([]byte, 64)
	secret := uintptr(0x1122334455667788)

	writeCanary(secret, unsafe.Pointer(&bufA[0]), uintptr(len(bufA)))
	// Copy the canary word verbatim to a different address: a naive
	// exploit would try exactly this, and it must not validate there.
	copy(bufB[len(bufB)-int(canaryLenFull):], bufA[len(bufA)-int(canaryLenFull):])
	require.False(t, checkCanary(secret, unsafe.Pointer(&bufB[0]), uintptr(len(bufB))))
}
