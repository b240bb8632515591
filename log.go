package qcore

import "fmt"

// logf mirrors the teacher's bracket-prefixed fmt.Printf logging convention
// (no logging dependency anywhere in the pack's go.mod — see SPEC_FULL.md
// §2). Levels used: INFO for index/view/orm maintenance milestones and WARN
// for soft integrity drift (spec §7's "soft" LIVE-view nullification).
// Adapter failures are returned to the caller, not logged.
func logf(level, format string, args ...interface{}) {
	if !loggingEnabled {
		return
	}
	fmt.Printf("[%s] %s\n", level, fmt.Sprintf(format, args...))
}

// loggingEnabled is flipped by Options.Quiet on Open; tests that want a
// silent fixture set Options.Quiet explicitly.
var loggingEnabled = true
