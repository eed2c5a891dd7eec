//go:build !windows

package fsops

import (
	"errors"
	"os"
	"strings"
	"syscall"

	"github.com/turbocopy/turbocopy/internal/fsmeta"
)

// attributesFromFileInfo derives the attribute bits fsmeta models from
// a Unix os.FileInfo: only ReadOnly, Directory and Hidden (dotfile
// convention) have a meaningful Unix source; System/Archive/
// ReparsePoint stay unset here and exist purely so the wire format and
// the Windows adapter have somewhere to put their bits.
func attributesFromFileInfo(fi os.FileInfo) fsmeta.Attributes {
	var a fsmeta.Attributes
	if fi.Mode().Perm()&0o200 == 0 {
		a |= fsmeta.AttrReadOnly
	}
	if fi.IsDir() {
		a |= fsmeta.AttrDirectory
	}
	if strings.HasPrefix(fi.Name(), ".") {
		a |= fsmeta.AttrHidden
	}
	return a
}

// isCrossDevice reports whether a failed os.Link was rejected because
// link and target live on different filesystems (EXDEV), the one case
// CreateHardlink treats as "not supported" rather than a hard error.
func isCrossDevice(le *os.LinkError) bool {
	return errors.Is(le.Err, syscall.EXDEV)
}

// SetAttributes applies attrs to path. On Unix the only bit with a
// real mode-bit counterpart is ReadOnly; the rest are accepted and
// ignored so callers don't need a build-tag branch to stay
// platform-neutral.
func SetAttributes(path string, attrs fsmeta.Attributes) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	perm := fi.Mode().Perm()
	if attrs.Has(fsmeta.AttrReadOnly) {
		perm &^= 0o222
	} else {
		perm |= 0o200
	}
	return os.Chmod(path, perm)
}
