// Package fsmeta holds the small value types shared by the filesystem
// adapter, the protocol engine, and the scheduler/pipeline, so that
// none of those packages need to import each other just to describe a
// file's metadata.
package fsmeta

import "time"

// FileInfo is the subset of metadata TurboCopy compares for skip
// decisions and preserves on copy: last-write time and size. Skip
// decisions compare only (lastWrite, size), never content.
type FileInfo struct {
	ModTime time.Time
	Size    int64
}

// Equal reports whether two FileInfo values are identical for the
// purposes of the skip decision.
func (fi FileInfo) Equal(other FileInfo) bool {
	return fi.Size == other.Size && fi.ModTime.Equal(other.ModTime)
}

// Attributes models the platform attribute bit flags the /DCOPY:A
// policy preserves. On Unix targets only ReadOnly and
// Directory are meaningfully derived from the mode bits; the others
// exist so the wire format and the Windows adapter have somewhere to
// put their bits.
type Attributes uint32

const (
	AttrReadOnly Attributes = 1 << iota
	AttrHidden
	AttrSystem
	AttrDirectory
	AttrArchive
	AttrReparsePoint
)

// Has reports whether flag f is set.
func (a Attributes) Has(f Attributes) bool { return a&f != 0 }
