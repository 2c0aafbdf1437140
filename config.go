package malloc

import (
	"crypto/rand"
	"encoding/binary"
	"os"
	"strings"

	"github.com/prataprc/omalloc/lib"
	"github.com/prataprc/omalloc/log"
)

// Options holds every tunable named by the process-wide options root:
// the feature toggles, the canary/guard sizing, and the cache/
// quarantine depths. Parsed from lib.Settings by NewOptions, then
// layered with the option-character grammar in ParseOptionString.
type Options struct {
	MultiThreaded bool
	FreeNow       bool
	FreeUnmap     bool
	Hint          bool
	JunkInit      bool
	JunkFree      bool
	ValidateFull  bool
	Move          bool
	ForceRealloc  bool
	Xmalloc       bool

	CanaryLen       int // 0 or pointer size
	GuardBytes      int // 0 or PageSize
	CachePages      int
	QuarantineDepth int // power of two, 0 disables

	NumArenas int

	ProcessCanary     uint32
	ChunkCanarySecret uint64
}

// Defaultsettings returns the baseline configuration bag, in the
// teacher's own Settings-returning convention (lib/settings.go,
// malloc/config.go's Defaultsettings): canaries, guard pages, junk
// fill and the end-of-page move are on by default, since this is a
// security-hardened allocator by design. The defaults are milder than
// the 'S' preset: validatefull is off and the quarantine depth is 16,
// not 256.
func Defaultsettings() lib.Settings {
	return lib.Settings{
		"multithreaded":    true,
		"freenow":          false,
		"freeunmap":        true,
		"hint":             true,
		"junkinit":         true,
		"junkfree":         true,
		"validatefull":     false,
		"move":             true,
		"forcerealloc":     false,
		"xmalloc":          false,
		"canarylen":        int64(canaryLenFull),
		"guardbytes":       int64(PageSize),
		"cachepages":       int64(64),
		"quarantinedepth":  int64(16),
		"numarenas":        int64(4),
	}
}

// NewOptions builds an Options from a settings bag, filling in a fresh
// random process canary and chunk-canary secret.
func NewOptions(setts lib.Settings) *Options {
	o := &Options{
		MultiThreaded:   setts.Bool("multithreaded"),
		FreeNow:         setts.Bool("freenow"),
		FreeUnmap:       setts.Bool("freeunmap"),
		Hint:            setts.Bool("hint"),
		JunkInit:        setts.Bool("junkinit"),
		JunkFree:        setts.Bool("junkfree"),
		ValidateFull:    setts.Bool("validatefull"),
		Move:            setts.Bool("move"),
		ForceRealloc:    setts.Bool("forcerealloc"),
		Xmalloc:         setts.Bool("xmalloc"),
		CanaryLen:       int(setts.Int64("canarylen")),
		GuardBytes:      int(setts.Int64("guardbytes")),
		CachePages:      int(setts.Int64("cachepages")),
		QuarantineDepth: int(setts.Int64("quarantinedepth")),
		NumArenas:       int(setts.Int64("numarenas")),
	}
	o.ProcessCanary = randUint32()
	o.ChunkCanarySecret = randUint64()
	return o
}

func randUint32() uint32 {
	var b [4]byte
	rand.Read(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func randUint64() uint64 {
	var b [8]byte
	rand.Read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

// LoadOptionSources applies the option-character grammar from three
// ordered sources, each overriding the previous: an optional config
// file path, the environment variable MALLOC_OPTIONS (skipped when
// the process is running set-uid or set-gid, the Go equivalent of
// issetugid()), and a static string supplied by the embedding process.
// Grounded on omalloc_init's three-source loop in the original source.
func (o *Options) LoadOptionSources(configFile, staticOptions string) {
	if configFile != "" {
		if data, err := os.ReadFile(configFile); err == nil {
			o.ParseOptionString(strings.TrimSpace(string(data)))
		}
	}
	if os.Getuid() == os.Geteuid() && os.Getgid() == os.Getegid() {
		if env := os.Getenv("MALLOC_OPTIONS"); env != "" {
			o.ParseOptionString(env)
		}
	}
	if staticOptions != "" {
		o.ParseOptionString(staticOptions)
	}
}

// ParseOptionString applies one option string: each character is a
// single option, upper case on, lower case off; '>'/'<' scale the page
// cache, '+'/'-' scale the quarantine depth; 'S'/'s' are batch
// presets. Unknown characters log one warning and are otherwise
// ignored, matching the source's omalloc_parseopt.
func (o *Options) ParseOptionString(s string) {
	for _, c := range s {
		switch c {
		case 'C':
			o.CanaryLen = int(canaryLenFull)
		case 'c':
			o.CanaryLen = 0
		case 'G':
			o.GuardBytes = PageSize
		case 'g':
			o.GuardBytes = 0
		case 'J':
			o.JunkInit, o.JunkFree = true, true
		case 'j':
			o.JunkInit, o.JunkFree = false, false
		case 'V':
			o.ValidateFull = true
		case 'v':
			o.ValidateFull = false
		case 'M':
			o.Move = true
		case 'm':
			o.Move = false
		case 'R':
			o.ForceRealloc = true
		case 'r':
			o.ForceRealloc = false
		case 'X':
			o.Xmalloc = true
		case 'x':
			o.Xmalloc = false
		case 'U':
			o.FreeUnmap = true
		case 'u':
			o.FreeUnmap = false
		case 'F':
			o.FreeNow = true
		case 'f':
			o.FreeNow = false
		case 'H':
			o.Hint = true
		case 'h':
			o.Hint = false
		case '>':
			o.CachePages *= 2
		case '<':
			o.CachePages /= 2
		case '+':
			if o.QuarantineDepth == 0 {
				o.QuarantineDepth = 1
			} else {
				o.QuarantineDepth *= 2
			}
		case '-':
			o.QuarantineDepth /= 2
		case 'S':
			o.applyHardenedPreset()
		case 's':
			o.applyMinimalPreset()
		case 'D':
			dumpOnFatal = true
		case 'd':
			dumpOnFatal = false
		default:
			log.Warnf("malloc: unknown option character %q", c)
		}
	}
}

// applyHardenedPreset is the 'S' batch preset: every hardening feature
// at its strongest, largest quarantine.
func (o *Options) applyHardenedPreset() {
	o.CanaryLen = int(canaryLenFull)
	o.GuardBytes = PageSize
	o.JunkInit, o.JunkFree = true, true
	o.ValidateFull = true
	o.Move = true
	o.QuarantineDepth = 256
}

// applyMinimalPreset is the 's' batch preset: hardening features that
// cost the most throughput are turned off and the quarantine depth is
// reset to 16; canaries and guard pages are left as they were, since
// they are nearly free.
func (o *Options) applyMinimalPreset() {
	o.JunkInit, o.JunkFree = false, false
	o.ValidateFull = false
	o.QuarantineDepth = 16
}
