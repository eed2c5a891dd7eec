//go:build windows

package fsops

import (
	"os"
	"syscall"

	"github.com/turbocopy/turbocopy/internal/fsmeta"
)

// attributesFromFileInfo maps the real Windows attribute bits, exposed
// through os.FileInfo.Sys() as a *syscall.Win32FileAttributeData-style
// value, onto fsmeta.Attributes.
func attributesFromFileInfo(fi os.FileInfo) fsmeta.Attributes {
	var a fsmeta.Attributes
	winAttrs, ok := fi.Sys().(*syscall.Win32FileAttributeData)
	if !ok {
		if fi.IsDir() {
			a |= fsmeta.AttrDirectory
		}
		return a
	}
	raw := winAttrs.FileAttributes
	if raw&syscall.FILE_ATTRIBUTE_READONLY != 0 {
		a |= fsmeta.AttrReadOnly
	}
	if raw&syscall.FILE_ATTRIBUTE_HIDDEN != 0 {
		a |= fsmeta.AttrHidden
	}
	if raw&syscall.FILE_ATTRIBUTE_SYSTEM != 0 {
		a |= fsmeta.AttrSystem
	}
	if raw&syscall.FILE_ATTRIBUTE_DIRECTORY != 0 {
		a |= fsmeta.AttrDirectory
	}
	if raw&syscall.FILE_ATTRIBUTE_ARCHIVE != 0 {
		a |= fsmeta.AttrArchive
	}
	if raw&syscall.FILE_ATTRIBUTE_REPARSE_POINT != 0 {
		a |= fsmeta.AttrReparsePoint
	}
	return a
}

func isCrossDevice(le *os.LinkError) bool {
	errno, ok := le.Err.(syscall.Errno)
	return ok && errno == syscall.Errno(17) // ERROR_NOT_SAME_DEVICE
}

// SetAttributes applies the real Windows attribute bits to path.
func SetAttributes(path string, attrs fsmeta.Attributes) error {
	p, err := syscall.UTF16PtrFromString(path)
	if err != nil {
		return err
	}
	var raw uint32
	if attrs.Has(fsmeta.AttrReadOnly) {
		raw |= syscall.FILE_ATTRIBUTE_READONLY
	}
	if attrs.Has(fsmeta.AttrHidden) {
		raw |= syscall.FILE_ATTRIBUTE_HIDDEN
	}
	if attrs.Has(fsmeta.AttrSystem) {
		raw |= syscall.FILE_ATTRIBUTE_SYSTEM
	}
	if attrs.Has(fsmeta.AttrArchive) {
		raw |= syscall.FILE_ATTRIBUTE_ARCHIVE
	}
	if raw == 0 {
		raw = syscall.FILE_ATTRIBUTE_NORMAL
	}
	return syscall.SetFileAttributes(p, raw)
}
