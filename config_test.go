package malloc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewOptionsFromDefaults(t *testing.T) {
	opts := NewOptions(Defaultsettings())
	require.True(t, opts.FreeUnmap)
	require.True(t, opts.JunkInit)
	require.True(t, opts.JunkFree)
	require.Equal(t, int(canaryLenFull), opts.CanaryLen)
	require.Equal(t, PageSize, opts.GuardBytes)
	require.Equal(t, 4, opts.NumArenas)
	require.NotZero(t, opts.ProcessCanary)
	require.NotZero(t, opts.ChunkCanarySecret)
}

func TestParseOptionStringToggles(t *testing.T) {
	opts := NewOptions(Defaultsettings())
	opts.ParseOptionString("cg jvmrxu fh")
	require.Equal(t, 0, opts.CanaryLen)
	require.Equal(t, 0, opts.GuardBytes)
	require.False(t, opts.JunkInit)
	require.False(t, opts.JunkFree)
	require.False(t, opts.ValidateFull)
	require.False(t, opts.Move)
	require.False(t, opts.ForceRealloc)
	require.False(t, opts.Xmalloc)
	require.False(t, opts.FreeUnmap)
	require.False(t, opts.FreeNow)
	require.False(t, opts.Hint)

	opts.ParseOptionString("CGJVMRXUFH")
	require.Equal(t, int(canaryLenFull), opts.CanaryLen)
	require.Equal(t, PageSize, opts.GuardBytes)
	require.True(t, opts.JunkInit)
	require.True(t, opts.JunkFree)
	require.True(t, opts.ValidateFull)
	require.True(t, opts.Move)
	require.True(t, opts.ForceRealloc)
	require.True(t, opts.Xmalloc)
	require.True(t, opts.FreeUnmap)
	require.True(t, opts.FreeNow)
	require.True(t, opts.Hint)
}

func TestParseOptionStringScalePresets(t *testing.T) {
	opts := NewOptions(Defaultsettings())
	opts.CachePages = 8
	opts.QuarantineDepth = 4

	opts.ParseOptionString(">")
	require.Equal(t, 16, opts.CachePages)
	opts.ParseOptionString("<<")
	require.Equal(t, 4, opts.CachePages)

	opts.ParseOptionString("+")
	require.Equal(t, 8, opts.QuarantineDepth)
	opts.ParseOptionString("-")
	require.Equal(t, 4, opts.QuarantineDepth)

	opts.ParseOptionString("s")
	require.False(t, opts.JunkInit)
	require.Equal(t, 16, opts.QuarantineDepth)

	opts.ParseOptionString("S")
	require.Equal(t, 256, opts.QuarantineDepth)
	require.True(t, opts.ValidateFull)
}

func TestParseOptionStringUnknownCharacterIsNonFatal(t *testing.T) {
	opts := NewOptions(Defaultsettings())
	require.NotPanics(t, func() {
		opts.ParseOptionString("Z")
	})
}

func TestLoadOptionSourcesLayering(t *testing.T) {
	opts := NewOptions(Defaultsettings())
	t.Setenv("MALLOC_OPTIONS", "cg")
	opts.LoadOptionSources("", "C")
	// static options apply after the environment, so C (canary on) wins
	// over the environment's c (canary off).
	require.Equal(t, int(canaryLenFull), opts.CanaryLen)
	require.Equal(t, 0, opts.GuardBytes)
}
