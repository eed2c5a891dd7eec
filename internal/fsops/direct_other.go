//go:build unix && !linux

package fsops

import "os"

// openDirect on non-Linux Unix targets (no portable O_DIRECT) just
// opens the file normally; the buffered-vs-unbuffered distinction
// collapses to a single code path there.
func openDirect(path string, flag int, perm os.FileMode, unbuffered bool) (*os.File, error) {
	return os.OpenFile(path, flag, perm)
}
