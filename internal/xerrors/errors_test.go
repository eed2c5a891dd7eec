package xerrors

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrapsStandardErrors(t *testing.T) {
	assert.Equal(t, NotFound, KindOf(os.ErrNotExist))
	assert.Equal(t, AccessDenied, KindOf(os.ErrPermission))
	assert.Equal(t, AlreadyExists, KindOf(os.ErrExist))
	assert.Equal(t, Unknown, KindOf(nil))
}

func TestIsMatchesOnKindOnly(t *testing.T) {
	err := New(ServerBusy, "queue full", errors.New("boom"))
	assert.True(t, errors.Is(err, Sentinel(ServerBusy)))
	assert.False(t, errors.Is(err, Sentinel(NotFound)))
}

func TestIsRetriable(t *testing.T) {
	assert.True(t, IsRetriable(New(IoError, "", nil)))
	assert.True(t, IsRetriable(New(NetworkError, "", nil)))
	assert.False(t, IsRetriable(New(ServerBusy, "", nil)))
	assert.False(t, IsRetriable(New(NotFound, "", nil)))
}

func TestFatalToJob(t *testing.T) {
	assert.True(t, FatalToJob(New(ConfigError, "", nil), false))
	assert.True(t, FatalToJob(New(VersionMismatch, "", nil), true))
	assert.False(t, FatalToJob(New(VersionMismatch, "", nil), false))
	assert.True(t, FatalToJob(New(ServerUnavailable, "", nil), true))
	assert.False(t, FatalToJob(New(ServerUnavailable, "", nil), false))
	assert.False(t, FatalToJob(New(ServerBusy, "", nil), true))
}

func TestErrorUnwrapAndMessage(t *testing.T) {
	cause := errors.New("disk full")
	err := New(IoError, "writing dst", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "IoError")
	assert.Contains(t, err.Error(), "writing dst")
	assert.Contains(t, err.Error(), "disk full")
}
