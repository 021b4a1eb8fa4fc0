// Package logging provides the stderr, per-platform-prefixed logger
// used across krust's components, in the plain log.Logger style
// cmd/ binaries commonly use for their own diagnostics.
package logging

import (
	"fmt"
	"log"
	"os"
)

// Prefix is prepended to every line krust's top-level logger writes.
const Prefix = "[krust] "

// New returns a logger that writes to stderr with a "[krust] " prefix
// and no timestamp (the CLI's output is consumed by humans and by
// other tools piping its stdout, so noisy timestamps stay off by
// default).
func New() *log.Logger {
	return log.New(os.Stderr, Prefix, 0)
}

// Verbose reports whether debug-level logging was requested, either
// via the command line (flagValue, the parsed -v flag) or the
// KRUST_VERBOSE environment variable. Debug-level logging here means
// the registry client's per-request traces (upload session start/
// finish); the top-level build narration always prints regardless.
func Verbose(flagValue bool) bool {
	if flagValue {
		return true
	}
	return os.Getenv("KRUST_VERBOSE") != ""
}

// ForPlatform returns a logger that additionally prefixes every line
// with the platform tag, used when several per-platform pipelines log
// concurrently and their output would otherwise interleave unlabeled.
func ForPlatform(base *log.Logger, platformTag string) *log.Logger {
	return log.New(base.Writer(), base.Prefix()+fmt.Sprintf("[%s] ", platformTag), 0)
}
