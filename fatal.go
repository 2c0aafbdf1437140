package malloc

import (
	"fmt"
	"os"
)

// fatalf reports an integrity violation: program name, pid, the
// current operation, and a message, written to stderr in a single
// Write call (mirroring the source's writev-based wrterror, which
// must not itself allocate or take a lock that might already be held
// by the corrupted caller), then aborts the process. Integrity
// violations never heal — this function never returns.
//
// Grounded on the teacher's panicerr(fmsg string, args ...interface{})
// convention (malloc/util.go), adapted from panic to os.Exit because a
// recovered panic would let corrupted-heap code keep running.
func fatalf(op, fmsg string, args ...interface{}) {
	msg := fmt.Sprintf(fmsg, args...)
	prog := "malloc"
	if len(os.Args) > 0 {
		prog = os.Args[0]
	}
	line := fmt.Sprintf("%s: malloc: pid %d: %s: %s\n", prog, os.Getpid(), op, msg)
	os.Stderr.WriteString(line)
	if dumpOnFatal {
		dumpStatsToFile()
	}
	os.Exit(134) // SIGABRT-equivalent exit status, matches abort(3)
}

// dumpOnFatal controls whether a fatal violation also appends a
// per-arena statistics block to malloc.out before aborting. Off by
// default; enabled by the 'D' option character.
var dumpOnFatal = false
