//go:build linux

package fsops

import (
	"os"

	"golang.org/x/sys/unix"
)

// openDirect opens path with flag, adding O_DIRECT when unbuffered is
// requested and the kernel supports it for this path. A failure to
// open with O_DIRECT (common on tmpfs and some overlay filesystems)
// falls back to a buffered open rather than failing the whole
// transfer — unbuffered I/O is a performance optimization, not a
// correctness requirement.
func openDirect(path string, flag int, perm os.FileMode, unbuffered bool) (*os.File, error) {
	if unbuffered {
		f, err := os.OpenFile(path, flag|unix.O_DIRECT, perm)
		if err == nil {
			return f, nil
		}
	}
	return os.OpenFile(path, flag, perm)
}
