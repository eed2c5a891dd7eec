//go:build windows

package fsops

import "os"

// openDirect on Windows opens normally; FILE_FLAG_NO_BUFFERING carries
// stricter alignment requirements than this adapter's buffer pool
// guarantees, so TurboCopy relies on the OS cache rather than bypassing
// it on this platform.
func openDirect(path string, flag int, perm os.FileMode, unbuffered bool) (*os.File, error) {
	return os.OpenFile(path, flag, perm)
}
