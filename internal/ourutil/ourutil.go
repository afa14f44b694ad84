// Package ourutil holds small CLI-facing helpers shared by this module's
// demo command, ported from mos/ourutil/ourutil.go, trimmed to the
// functions a probe/flash CLI actually needs (manifest-regexp helpers from
// the original file had no equivalent use here and were dropped).
package ourutil

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/golang/glog"
)

// Reportf prints to stderr and mirrors the message to the glog log file,
// the pattern probedbgctl uses for user-facing progress messages that
// should also end up in a persisted log.
func Reportf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f+"\n", args...)
	glog.Infof(f, args...)
}

// Prompt asks a yes/no (or free-form) question on stderr and reads the
// answer from stdin, used to confirm destructive operations like a
// full-chip erase before running them.
func Prompt(text string) string {
	fmt.Fprintf(os.Stderr, "%s ", text)
	ans, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	return strings.TrimSpace(ans)
}

// FirstN truncates s to at most n bytes, used to shorten a
// probe serial number for a one-line status print.
func FirstN(s string, n int) string {
	if n > len(s) {
		n = len(s)
	}
	return s[:n]
}
