// Package fstest is a small test harness for building temporary
// source/destination trees and asserting directory equality, used by
// the property tests in this module. Adapted from rclone's
// fstest.Run/Item idiom (NewRun, WriteFile, CheckItems) to plain local
// directories, since TurboCopy has no remote-backend abstraction to
// parametrize the harness over.
package fstest

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Item describes one file a test tree should contain.
type Item struct {
	Path    string // slash-separated, relative to the tree root
	Content string
	ModTime time.Time
}

// Run holds a source and destination root for one test.
type Run struct {
	t          *testing.T
	SourceRoot string
	DestRoot   string
}

// NewRun creates fresh empty source and destination temp directories.
func NewRun(t *testing.T) *Run {
	t.Helper()
	return &Run{
		t:          t,
		SourceRoot: t.TempDir(),
		DestRoot:   t.TempDir(),
	}
}

// WriteSource materializes items under the source root.
func (r *Run) WriteSource(items ...Item) {
	r.t.Helper()
	r.write(r.SourceRoot, items)
}

// WriteDest materializes items under the destination root, useful for
// setting up pre-populated or stale destination state.
func (r *Run) WriteDest(items ...Item) {
	r.t.Helper()
	r.write(r.DestRoot, items)
}

func (r *Run) write(root string, items []Item) {
	r.t.Helper()
	for _, it := range items {
		full := filepath.Join(root, filepath.FromSlash(it.Path))
		require.NoError(r.t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(r.t, os.WriteFile(full, []byte(it.Content), 0o644))
		mt := it.ModTime
		if mt.IsZero() {
			mt = time.Unix(1_600_000_000, 0)
		}
		require.NoError(r.t, os.Chtimes(full, mt, mt))
	}
}

// CheckDestItems asserts the destination root contains exactly the
// given items, byte-for-byte; an item's modification time is checked
// only when its ModTime is set.
func (r *Run) CheckDestItems(items ...Item) {
	r.t.Helper()
	r.checkItems(r.DestRoot, items)
}

func (r *Run) checkItems(root string, items []Item) {
	r.t.Helper()
	want := make(map[string]Item, len(items))
	for _, it := range items {
		want[filepath.ToSlash(it.Path)] = it
	}

	got := map[string]struct{}{}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		got[rel] = struct{}{}

		wantItem, ok := want[rel]
		if !ok {
			r.t.Errorf("unexpected file at destination: %s", rel)
			return nil
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return readErr
		}
		assert.Equal(r.t, wantItem.Content, string(data), "content mismatch for %s", rel)
		if !wantItem.ModTime.IsZero() {
			assert.True(r.t, info.ModTime().Equal(wantItem.ModTime), "modtime mismatch for %s: got %v want %v", rel, info.ModTime(), wantItem.ModTime)
		}
		return nil
	})
	require.NoError(r.t, err)

	var missing []string
	for path := range want {
		if _, ok := got[path]; !ok {
			missing = append(missing, path)
		}
	}
	sort.Strings(missing)
	assert.Empty(r.t, missing, "files missing from destination")
}

// AssertAbsent asserts none of the given relative paths exist under
// the destination root, for checking purge behavior.
func (r *Run) AssertAbsent(relPaths ...string) {
	r.t.Helper()
	for _, p := range relPaths {
		_, err := os.Stat(filepath.Join(r.DestRoot, filepath.FromSlash(p)))
		assert.True(r.t, os.IsNotExist(err), "expected %s to be absent", p)
	}
}
