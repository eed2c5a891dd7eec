package fsops

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turbocopy/turbocopy/internal/xerrors"
)

func TestStatNotFound(t *testing.T) {
	_, _, err := Stat(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Equal(t, xerrors.NotFound, xerrors.KindOf(err))
}

func TestStatReturnsSizeAndModTime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	info, _, err := Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)
}

func TestOpenWriteThenReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	wh, err := OpenWrite(path, ForceBuffered, 5)
	require.NoError(t, err)
	n, err := wh.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	lastWrite := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, wh.SetLastWriteTime(lastWrite))
	require.NoError(t, wh.Close())

	rh, err := OpenRead(path, ForceBuffered)
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err = rh.Read(buf)
	require.True(t, err == nil || err.Error() == "EOF")
	assert.Equal(t, "hello", string(buf[:n]))
	require.NoError(t, rh.Close())

	info, _, err := Stat(path)
	require.NoError(t, err)
	assert.True(t, info.ModTime.Equal(lastWrite))
}

func TestShouldUseUnbuffered(t *testing.T) {
	assert.False(t, ShouldUseUnbuffered(Auto, 1024))
	assert.True(t, ShouldUseUnbuffered(Auto, UnbufferedThreshold))
	assert.True(t, ShouldUseUnbuffered(ForceUnbuffered, 1))
	assert.False(t, ShouldUseUnbuffered(ForceBuffered, UnbufferedThreshold*2))
}

func TestEnsureDirReplacesSymlink(t *testing.T) {
	dir := t.TempDir()
	realDir := filepath.Join(dir, "real")
	require.NoError(t, os.Mkdir(realDir, 0o755))
	linkPath := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(realDir, linkPath))

	require.NoError(t, EnsureDir(linkPath, true))

	fi, err := os.Lstat(linkPath)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
	assert.Zero(t, fi.Mode()&os.ModeSymlink)
}

func TestEnsureDirCreatesNestedPath(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b", "c")
	require.NoError(t, EnsureDir(nested, false))
	fi, err := os.Stat(nested)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
}

func TestDeleteFileIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gone.txt")
	assert.NoError(t, DeleteFile(path))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	assert.NoError(t, DeleteFile(path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestCreateHardlinkSharesContent(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target.txt")
	require.NoError(t, os.WriteFile(target, []byte("shared"), 0o644))
	link := filepath.Join(dir, "link.txt")

	outcome, err := CreateHardlink(link, target)
	require.NoError(t, err)
	assert.Equal(t, LinkOK, outcome)

	data, err := os.ReadFile(link)
	require.NoError(t, err)
	assert.Equal(t, "shared", string(data))
}

func TestEnumerateFiltersByWildcardAndSorts(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.txt", "a.txt", "c.log"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	entries, err := Enumerate(dir, "*.txt")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a.txt", entries[0].Name)
	assert.Equal(t, "b.txt", entries[1].Name)
}

func TestEnumerateNotFound(t *testing.T) {
	_, err := Enumerate(filepath.Join(t.TempDir(), "missing"), "")
	require.Error(t, err)
	assert.Equal(t, xerrors.NotFound, xerrors.KindOf(err))
}
