// Package fsops is TurboCopy's path and filesystem adapter: a thin
// capability surface over stat/open/read/write/close, hardlink and
// symlink manipulation, and directory enumeration, used by every
// higher layer instead of calling os directly. Grounded on rclone's
// lib/file platform helpers and the local backend's stat/enumerate
// conventions.
package fsops

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/turbocopy/turbocopy/internal/fsmeta"
	"github.com/turbocopy/turbocopy/internal/xerrors"
)

// BufferedPolicy controls whether a file is opened with buffered or
// unbuffered I/O.
type BufferedPolicy int

const (
	// Auto uses unbuffered I/O for files at or above UnbufferedThreshold
	// and buffered I/O otherwise.
	Auto BufferedPolicy = iota
	ForceBuffered
	ForceUnbuffered
)

// UnbufferedThreshold is the size at which Auto switches to unbuffered
// I/O.
const UnbufferedThreshold = 16 * 1024 * 1024

// ShouldUseUnbuffered resolves policy for a file of the given size.
func ShouldUseUnbuffered(policy BufferedPolicy, size int64) bool {
	switch policy {
	case ForceUnbuffered:
		return true
	case ForceBuffered:
		return false
	default:
		return size >= UnbufferedThreshold
	}
}

// Handle wraps an open file plus the bookkeeping needed to honor
// set_last_write_time and unbuffered-alignment requirements.
type Handle struct {
	f          *os.File
	path       string
	unbuffered bool
}

// Stat returns metadata for path, or an xerrors.NotFound error when
// the path does not exist.
func Stat(path string) (fsmeta.FileInfo, fsmeta.Attributes, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fsmeta.FileInfo{}, 0, xerrors.New(xerrors.NotFound, path, err)
		}
		return fsmeta.FileInfo{}, 0, xerrors.New(xerrors.IoError, "stat "+path, err)
	}
	return fsmeta.FileInfo{ModTime: fi.ModTime(), Size: fi.Size()}, attributesFromFileInfo(fi), nil
}

// OpenRead opens path for reading, choosing direct (unbuffered-aligned)
// or ordinary I/O per policy and the file's size.
func OpenRead(path string, policy BufferedPolicy) (*Handle, error) {
	fi, statErr := os.Stat(path)
	if statErr != nil {
		return nil, xerrors.New(xerrors.NotFound, path, statErr)
	}
	unbuffered := ShouldUseUnbuffered(policy, fi.Size())
	f, err := openDirect(path, os.O_RDONLY, 0, unbuffered)
	if err != nil {
		return nil, xerrors.New(xerrors.IoError, "open "+path, err)
	}
	return &Handle{f: f, path: path, unbuffered: unbuffered}, nil
}

// OpenWrite creates or truncates path for writing.
func OpenWrite(path string, policy BufferedPolicy, size int64) (*Handle, error) {
	unbuffered := ShouldUseUnbuffered(policy, size)
	f, err := openDirect(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644, unbuffered)
	if err != nil {
		return nil, xerrors.New(xerrors.IoError, "create "+path, err)
	}
	return &Handle{f: f, path: path, unbuffered: unbuffered}, nil
}

// Read fills buf from the handle's current position.
func (h *Handle) Read(buf []byte) (int, error) {
	n, err := h.f.Read(buf)
	if err != nil && err != io.EOF {
		return n, xerrors.New(xerrors.IoError, "read "+h.path, err)
	}
	return n, err
}

// Write appends buf at the handle's current position. When the handle
// is unbuffered, callers must pass sector-aligned lengths except for
// the final short write of a file (the platform layer tolerates that
// case, matching the common O_DIRECT convention).
func (h *Handle) Write(buf []byte) (int, error) {
	n, err := h.f.Write(buf)
	if err != nil {
		return n, xerrors.New(xerrors.IoError, "write "+h.path, err)
	}
	return n, nil
}

// Close closes the underlying file.
func (h *Handle) Close() error {
	if err := h.f.Close(); err != nil {
		return xerrors.New(xerrors.IoError, "close "+h.path, err)
	}
	return nil
}

// SetLastWriteTime stamps the handle's file with t, and must be called
// before Close on every path that writes content: the destination's
// last-write time must always land on the source's, never on the
// moment the copy happened to finish.
func (h *Handle) SetLastWriteTime(t time.Time) error {
	if err := os.Chtimes(h.path, t, t); err != nil {
		return xerrors.New(xerrors.IoError, "set last write time "+h.path, err)
	}
	return nil
}

// EnsureDir creates path and all missing parents. When replaceSymlink
// is true and path already exists as a symlink, the symlink is removed
// and replaced with a real directory before any child is written
// beneath it.
func EnsureDir(path string, replaceSymlink bool) error {
	if replaceSymlink {
		if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSymlink != 0 {
			if err := os.Remove(path); err != nil {
				return xerrors.New(xerrors.IoError, "remove symlink "+path, err)
			}
		}
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return xerrors.New(xerrors.IoError, "mkdir "+path, err)
	}
	return nil
}

// DeleteFile removes a single file. Missing files are not an error.
func DeleteFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return xerrors.New(xerrors.IoError, "delete "+path, err)
	}
	return nil
}

// DeleteTree removes path and everything beneath it.
func DeleteTree(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return xerrors.New(xerrors.IoError, "delete tree "+path, err)
	}
	return nil
}

// CreateHardlinkOutcome reports whether CreateHardlink succeeded,
// wasn't supported by the underlying filesystem, or failed outright.
type CreateHardlinkOutcome int

const (
	LinkOK CreateHardlinkOutcome = iota
	LinkNotSupported
	LinkError
)

// CreateHardlink links link -> target, reporting LinkNotSupported
// rather than an error when the filesystem can't hardlink (typically a
// cross-device link), so the caller can fall back to a full copy.
func CreateHardlink(link, target string) (CreateHardlinkOutcome, error) {
	if err := os.Link(target, link); err != nil {
		if le, ok := err.(*os.LinkError); ok && isCrossDevice(le) {
			return LinkNotSupported, nil
		}
		return LinkError, xerrors.New(xerrors.IoError, "hardlink "+link, err)
	}
	return LinkOK, nil
}

// Entry is one result from Enumerate.
type Entry struct {
	Name       string
	Info       fsmeta.FileInfo
	Attributes fsmeta.Attributes
	IsDir      bool
}

// Enumerate lists dir's immediate children matching wildcard
// ("" matches everything), sorted by name for deterministic discovery
// order.
func Enumerate(dir, wildcard string) ([]Entry, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, xerrors.New(xerrors.NotFound, dir, err)
		}
		return nil, xerrors.New(xerrors.IoError, "enumerate "+dir, err)
	}
	out := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if wildcard != "" {
			matched, merr := filepath.Match(wildcard, de.Name())
			if merr != nil {
				return nil, xerrors.New(xerrors.ConfigError, "bad wildcard "+wildcard, merr)
			}
			if !matched {
				continue
			}
		}
		info, ierr := de.Info()
		if ierr != nil {
			continue // entry vanished between ReadDir and Info; skip like os.Stat would NotFound
		}
		out = append(out, Entry{
			Name:       de.Name(),
			Info:       fsmeta.FileInfo{ModTime: info.ModTime(), Size: info.Size()},
			Attributes: attributesFromFileInfo(info),
			IsDir:      de.IsDir(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
