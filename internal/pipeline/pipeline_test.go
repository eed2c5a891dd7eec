package pipeline_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turbocopy/turbocopy/internal/bufpool"
	"github.com/turbocopy/turbocopy/internal/fsmeta"
	"github.com/turbocopy/turbocopy/internal/fsops"
	"github.com/turbocopy/turbocopy/internal/pipeline"
	"github.com/turbocopy/turbocopy/internal/protocol"
	"github.com/turbocopy/turbocopy/internal/protocol/testserver"
	"github.com/turbocopy/turbocopy/internal/stats"
	"github.com/turbocopy/turbocopy/internal/xerrors"
)

func TestExecuteSkipsWhenDestinationMatches(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	require.NoError(t, os.WriteFile(src, []byte("same"), 0o644))
	require.NoError(t, os.WriteFile(dst, []byte("same"), 0o644))

	info, _, err := fsops.Stat(src)
	require.NoError(t, err)
	require.NoError(t, os.Chtimes(dst, info.ModTime, info.ModTime))

	res, err := pipeline.Execute(pipeline.Request{
		SourcePath:     src,
		DestPath:       dst,
		SourceInfo:     info,
		BufferedPolicy: fsops.ForceBuffered,
	}, pipeline.Options{})
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeSkip, res.Outcome)
	assert.Equal(t, int64(1), res.Delta.SkipCount)
}

func TestExecuteLocalCopyWhenDestinationMissing(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	require.NoError(t, os.WriteFile(src, []byte("payload contents"), 0o644))

	info, _, err := fsops.Stat(src)
	require.NoError(t, err)

	pool := bufpool.New(time.Minute, bufpool.BufferSize, 4)
	res, err := pipeline.Execute(pipeline.Request{
		SourcePath:     src,
		DestPath:       dst,
		SourceInfo:     info,
		BufferedPolicy: fsops.ForceBuffered,
	}, pipeline.Options{Pool: pool})
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeCopy, res.Outcome)
	assert.Equal(t, int64(1), res.Delta.CopyCount)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload contents", string(data))

	dstInfo, _, err := fsops.Stat(dst)
	require.NoError(t, err)
	assert.True(t, dstInfo.ModTime.Equal(info.ModTime))
}

func TestExecuteCleansUpOnWriteFailure(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("data"), 0o644))
	info, _, err := fsops.Stat(src)
	require.NoError(t, err)

	dst := filepath.Join(dir, "no-such-subdir", "dst.txt")
	pool := bufpool.New(time.Minute, bufpool.BufferSize, 4)
	res, err := pipeline.Execute(pipeline.Request{
		SourcePath:     src,
		DestPath:       dst,
		SourceInfo:     info,
		BufferedPolicy: fsops.ForceBuffered,
	}, pipeline.Options{Pool: pool})
	require.Error(t, err)
	assert.Equal(t, int64(1), res.Delta.FailCount)
	_, statErr := os.Stat(dst)
	assert.True(t, os.IsNotExist(statErr))
}

func dialTestServer(t *testing.T, addr string) *protocol.Connection {
	t.Helper()
	return dialTestServerOpts(t, addr, false)
}

func dialTestServerOpts(t *testing.T, addr string, compression bool) *protocol.Connection {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	conn, err := protocol.Dial(context.Background(), protocol.Options{
		Address:            host,
		Port:               uint16(port),
		ConnectTimeout:     2 * time.Second,
		CompressionEnabled: compression,
		CompressionLevel:   6,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestExecuteViaDestConnSendsWhole(t *testing.T) {
	srcDir := t.TempDir()
	srv := testserver.New(t.TempDir())
	addr, err := srv.ListenAndServe()
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	srcPath := filepath.Join(srcDir, "file.bin")
	require.NoError(t, os.WriteFile(srcPath, []byte("remote write content"), 0o644))
	info, _, err := fsops.Stat(srcPath)
	require.NoError(t, err)

	conn := dialTestServer(t, addr)
	res, err := pipeline.Execute(pipeline.Request{
		SourcePath:     srcPath,
		RelativeDest:   "file.bin",
		SourceInfo:     info,
		DeltaThreshold: 1 << 30,
		BufferedPolicy: fsops.ForceBuffered,
	}, pipeline.Options{DestConn: conn})
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeSend, res.Outcome)
	assert.True(t, res.Delta.ServerUsedDest)

	data, err := os.ReadFile(filepath.Join(srv.Root, "file.bin"))
	require.NoError(t, err)
	assert.Equal(t, "remote write content", string(data))
}

func TestExecuteViaDestConnFallsBackToLocalCopyWhenServerBusy(t *testing.T) {
	srcDir := t.TempDir()
	destDir := t.TempDir()
	srv := testserver.New(t.TempDir())
	srv.Busy = true
	addr, err := srv.ListenAndServe()
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	srcPath := filepath.Join(srcDir, "file.bin")
	require.NoError(t, os.WriteFile(srcPath, []byte("local fallback content"), 0o644))
	info, _, err := fsops.Stat(srcPath)
	require.NoError(t, err)

	conn := dialTestServer(t, addr)
	pool := bufpool.New(time.Minute, bufpool.BufferSize, 4)
	destPath := filepath.Join(destDir, "file.bin")
	res, err := pipeline.Execute(pipeline.Request{
		SourcePath:     srcPath,
		DestPath:       destPath,
		RelativeDest:   "file.bin",
		SourceInfo:     info,
		BufferedPolicy: fsops.ForceBuffered,
	}, pipeline.Options{Pool: pool, DestConn: conn})
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeCopy, res.Outcome)

	data, err := os.ReadFile(destPath)
	require.NoError(t, err)
	assert.Equal(t, "local fallback content", string(data))
}

func TestExecuteViaDestConnAbortsWhenServerBusyAndRequired(t *testing.T) {
	srcDir := t.TempDir()
	destDir := t.TempDir()
	srv := testserver.New(t.TempDir())
	srv.Busy = true
	addr, err := srv.ListenAndServe()
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	srcPath := filepath.Join(srcDir, "file.bin")
	require.NoError(t, os.WriteFile(srcPath, []byte("should not land locally"), 0o644))
	info, _, err := fsops.Stat(srcPath)
	require.NoError(t, err)

	conn := dialTestServer(t, addr)
	destPath := filepath.Join(destDir, "file.bin")
	res, err := pipeline.Execute(pipeline.Request{
		SourcePath:     srcPath,
		DestPath:       destPath,
		RelativeDest:   "file.bin",
		SourceInfo:     info,
		BufferedPolicy: fsops.ForceBuffered,
	}, pipeline.Options{DestConn: conn, ServerRequired: true})
	require.Error(t, err)
	assert.Equal(t, xerrors.ServerBusy, xerrors.KindOf(err))
	assert.Equal(t, int64(1), res.Delta.FailCount)

	_, statErr := os.Stat(destPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestExecuteViaDestConnRecordsCompressionPhase(t *testing.T) {
	srcDir := t.TempDir()
	srv := testserver.New(t.TempDir())
	addr, err := srv.ListenAndServe()
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	srcPath := filepath.Join(srcDir, "file.bin")
	payload := strings.Repeat("compress me please ", 4096)
	require.NoError(t, os.WriteFile(srcPath, []byte(payload), 0o644))
	info, _, err := fsops.Stat(srcPath)
	require.NoError(t, err)

	conn := dialTestServerOpts(t, addr, true)
	res, err := pipeline.Execute(pipeline.Request{
		SourcePath:     srcPath,
		RelativeDest:   "file.bin",
		SourceInfo:     info,
		DeltaThreshold: 1 << 30,
		BufferedPolicy: fsops.ForceBuffered,
	}, pipeline.Options{DestConn: conn})
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeSend, res.Outcome)
	assert.Greater(t, res.Delta.PhaseDurations[stats.PhaseSend], time.Duration(0))
	assert.Greater(t, res.Delta.PhaseDurations[stats.PhaseCompress], time.Duration(0))
	assert.Equal(t, int64(1), res.Delta.CompressionLevelCount)
}

func TestExecuteViaSrcConnReceivesStream(t *testing.T) {
	srv := testserver.New(t.TempDir())
	addr, err := srv.ListenAndServe()
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	require.NoError(t, os.WriteFile(filepath.Join(srv.Root, "remote.txt"), []byte("from the source server"), 0o644))

	conn := dialTestServer(t, addr)
	destDir := t.TempDir()
	destPath := filepath.Join(destDir, "local.txt")

	res, err := pipeline.Execute(pipeline.Request{
		SourcePath:     filepath.Join(srv.Root, "remote.txt"),
		RelativeDest:   "remote.txt",
		DestPath:       destPath,
		SourceInfo:     fsmeta.FileInfo{},
		BufferedPolicy: fsops.ForceBuffered,
	}, pipeline.Options{SrcConn: conn})
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeRecv, res.Outcome)

	data, err := os.ReadFile(destPath)
	require.NoError(t, err)
	assert.Equal(t, "from the source server", string(data))
}

func TestExecuteViaSrcConnAbortsWhenServerBusyAndRequired(t *testing.T) {
	srv := testserver.New(t.TempDir())
	srv.Busy = true
	addr, err := srv.ListenAndServe()
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	conn := dialTestServer(t, addr)
	destDir := t.TempDir()
	destPath := filepath.Join(destDir, "local.txt")

	res, err := pipeline.Execute(pipeline.Request{
		SourcePath:     filepath.Join(srv.Root, "remote.txt"),
		RelativeDest:   "remote.txt",
		DestPath:       destPath,
		SourceInfo:     fsmeta.FileInfo{},
		BufferedPolicy: fsops.ForceBuffered,
		ForceCopy:      true,
	}, pipeline.Options{SrcConn: conn, ServerRequired: true})
	require.Error(t, err)
	assert.Equal(t, xerrors.ServerBusy, xerrors.KindOf(err))
	assert.Equal(t, int64(1), res.Delta.FailCount)

	_, statErr := os.Stat(destPath)
	assert.True(t, os.IsNotExist(statErr))
}
