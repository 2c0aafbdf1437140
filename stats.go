package malloc

import (
	"fmt"
	"os"
	"strings"

	gohumanize "github.com/dustin/go-humanize"
	"github.com/cloudfoundry/gosigar"

	"github.com/prataprc/omalloc/lib"
)

// globalAllocator is set by New so the fatal reporter's optional dump
// can reach the live arena set without threading an Allocator through
// every call site that might call fatalf. Diagnostic-only; never read
// by any allocation-path code.
var globalAllocator *Allocator

// ArenaStats is one arena's block of the diagnostic dump. Field names
// and presence are not a stable format, per spec.md's Non-goals —
// callers must not parse malloc.out.
type ArenaStats struct {
	ID             int
	RegionsTotal   uint32
	RegionsFree    uint32
	QuarantineSize int
}

// Stats snapshots every arena without holding any lock for the whole
// walk — each arena is locked only long enough to copy its counters,
// exactly like the teacher's llrb_stats.go pattern of building a
// map[string]interface{} for Prettystats.
func (al *Allocator) Stats() map[string]interface{} {
	out := map[string]interface{}{}
	arenaBlocks := make([]map[string]interface{}, len(al.arenas))
	for i, a := range al.arenas {
		a.mu.Lock()
		arenaBlocks[i] = map[string]interface{}{
			"id":              a.id,
			"regions_total":   a.regions.total,
			"regions_free":    a.regions.free,
			"quarantine_size": len(a.quarantine.probe) + len(a.quarantine.queue),
		}
		a.mu.Unlock()
	}
	out["arenas"] = arenaBlocks

	mem := sigar.Mem{}
	if err := mem.Get(); err == nil {
		out["system_total"] = gohumanize.Bytes(mem.Total)
		out["system_free"] = gohumanize.Bytes(mem.Free)
	}
	return out
}

// DumpString renders Stats as the pretty-printed JSON the teacher's
// Prettystats produces, with byte counts humanized.
func (al *Allocator) DumpString() string {
	return lib.Prettystats(al.Stats(), true)
}

// dumpStatsToFile appends one diagnostic block to malloc.out, called
// only from fatalf when dumpOnFatal is enabled. Best-effort: a failure
// to write the dump must never mask or delay the abort it precedes.
func dumpStatsToFile() {
	if globalAllocator == nil {
		return
	}
	f, err := os.OpenFile("malloc.out", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "--- malloc.out pid=%d ---\n%s\n", os.Getpid(),
		strings.TrimSpace(globalAllocator.DumpString()))
}
