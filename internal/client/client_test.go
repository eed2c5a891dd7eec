package client_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turbocopy/turbocopy/internal/client"
	"github.com/turbocopy/turbocopy/internal/jobconfig"
	"github.com/turbocopy/turbocopy/internal/protocol/testserver"
)

type capturingLogger struct {
	errors []string
}

func (l *capturingLogger) Infof(string, ...interface{}) {}
func (l *capturingLogger) Warnf(string, ...interface{}) {}
func (l *capturingLogger) Errorf(format string, args ...interface{}) {
	l.errors = append(l.errors, format)
}

func TestProcessReturnsConfigErrorExitCode(t *testing.T) {
	cfg := jobconfig.New("", "")
	log := &capturingLogger{}
	_, code := client.Process(context.Background(), cfg, nil, log)
	assert.Equal(t, client.ExitConfigError, code)
	assert.NotEmpty(t, log.errors)
}

func TestProcessReturnsSuccessExitCode(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("hi"), 0o644))
	require.NoError(t, os.Chtimes(filepath.Join(src, "a.txt"), time.Unix(1, 0), time.Unix(1, 0)))

	cfg := jobconfig.New(src, dst)
	cfg.Recurse = true
	log := &capturingLogger{}
	delta, code := client.Process(context.Background(), cfg, nil, log)
	require.Equal(t, client.ExitSuccess, code)
	assert.Equal(t, int64(1), delta.CopyCount)
}

func TestReportServerStatusReachesTestServer(t *testing.T) {
	srv := testserver.New(t.TempDir())
	addr, err := srv.ListenAndServe()
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := jobconfig.New(t.TempDir(), t.TempDir())
	cfg.ServerAddress = host
	cfg.ServerPort = uint16(port)

	log := &capturingLogger{}
	report, code := client.ReportServerStatus(context.Background(), cfg, log)
	require.Equal(t, client.ExitSuccess, code)
	assert.NotEmpty(t, report.Report)
}

func TestReportServerStatusWithoutAddressIsConfigError(t *testing.T) {
	cfg := jobconfig.New(t.TempDir(), t.TempDir())
	log := &capturingLogger{}
	_, code := client.ReportServerStatus(context.Background(), cfg, log)
	assert.Equal(t, client.ExitConfigError, code)
}
