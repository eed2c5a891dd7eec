// Package jobconfig holds the immutable, validated configuration for
// one TurboCopy job: source/destination roots, filter sets, worker and
// retry policy, and server connection policy.
package jobconfig

import (
	"fmt"
	"strings"
	"time"

	"github.com/turbocopy/turbocopy/internal/filter"
	"github.com/turbocopy/turbocopy/internal/protocol"
	"github.com/turbocopy/turbocopy/internal/xerrors"
)

// ServerPolicy controls whether a job may, must, or must not use the
// acceleration service.
type ServerPolicy int

const (
	ServerAuto ServerPolicy = iota
	ServerRequired
	ServerDisabled
)

func (p ServerPolicy) String() string {
	switch p {
	case ServerRequired:
		return "Required"
	case ServerDisabled:
		return "Disabled"
	default:
		return "Auto"
	}
}

// BufferedIOPolicy controls whether file I/O goes through the
// buffered or unbuffered path.
type BufferedIOPolicy int

const (
	BufferedAuto BufferedIOPolicy = iota
	BufferedAlways
	BufferedNever
)

// DirFlags selects which directory/file attributes a successful copy
// preserves, beyond the mandatory last-write-time.
type DirFlags uint8

const (
	DirFlagData DirFlags = 1 << iota
	DirFlagAttributes
	DirFlagTimestamps
)

// Has reports whether flag f is set.
func (d DirFlags) Has(f DirFlags) bool { return d&f != 0 }

// UnbufferedThreshold is the size at or above which BufferedAuto switches to
// unbuffered I/O.
const UnbufferedThreshold = 16 * 1024 * 1024

// DefaultThreadCount and the clamp range for /MT.
const (
	DefaultThreadCount = 8
	MinThreadCount     = 1
	MaxThreadCount     = 128
)

// Config is the read-only configuration for a single job. Construct it
// with New, then call Validate exactly once before
// starting the job.
type Config struct {
	SourceRoot string
	DestRoot   string

	// Discovery filters.
	IncludeWildcards     []string // bare "files or wildcards" given on the command line
	IncludeFromFiles      []string // /I  — files listing additional files/wildcards to include
	ExcludeFromFiles      []string // /IX — files listing files to exclude
	ExcludeFilePatterns   filter.PatternSet // /XF
	ExcludeDirPatterns    filter.PatternSet // /XD
	OptionalPatterns      filter.PatternSet // /OF — NotFound on these is swallowed, not a failure

	CopySubdirDepth         int  // /LEV:n, 0 = unlimited when Recurse is set
	Recurse                 bool // /S or /E
	CopyEmptySubdirectories bool // /E
	ForceCopy               bool // skip the skip-if-equal check; no CLI flag currently exposes this
	FlattenDestination      bool // /F — copy every selected file directly into DestRoot, discarding its subdirectory
	PurgeDestination        bool // /PURGE or implied by /MIR
	Mirror                  bool // /MIR

	ThreadCount int

	RetryCount       int
	RetryWaitTimeMs  int

	ServerPolicy           ServerPolicy
	ServerAddress          string
	ServerPort             uint16
	ServerConnectTimeoutMs int

	DeltaCompressionThreshold uint64 // bytes; delta kicks in at size >= threshold

	CompressionEnabled bool
	CompressionLevel   int // 0 = adaptive, 1-22 explicit

	BufferedIO BufferedIOPolicy

	DirCopyFlags DirFlags

	ReplaceSymlinksAtDestination bool // inverted by /KSY (Keep SYmlinked subdirectories): presence sets this false

	LogPath    string
	LogMinimal bool // /LOGMIN
	Verbose    bool // /VERBOSE
	NoJobHeader  bool // /NJH
	NoJobSummary bool // /NJS
	NoProgress   bool // /NP

	purgeDepthWarning string // set by Validate, surfaced via PurgeDepthWarning
}

// New returns a Config with the same defaults as the CLI's zero value.
func New(source, dest string) *Config {
	return &Config{
		SourceRoot:                   source,
		DestRoot:                     dest,
		RetryCount:                   1_000_000,
		RetryWaitTimeMs:              30_000,
		ThreadCount:                  DefaultThreadCount,
		ServerPolicy:                 ServerAuto,
		ServerConnectTimeoutMs:       500,
		DeltaCompressionThreshold:    ^uint64(0),
		DirCopyFlags:                 DirFlagData | DirFlagAttributes,
		ReplaceSymlinksAtDestination: true,
		BufferedIO:                   BufferedAuto,
	}
}

// Validate checks the configuration for internal consistency and
// normalizes derived fields (Mirror implying purge+recurse, thread
// count clamping). It returns a ConfigError on the first problem
// found; a ConfigError aborts the job before any work starts.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.SourceRoot) == "" {
		return xerrors.New(xerrors.ConfigError, "source root is required", nil)
	}
	if strings.TrimSpace(c.DestRoot) == "" {
		return xerrors.New(xerrors.ConfigError, "destination root is required", nil)
	}
	if c.Mirror {
		c.PurgeDestination = true
		c.Recurse = true
		c.CopyEmptySubdirectories = true
	}
	if c.ThreadCount <= 0 {
		c.ThreadCount = DefaultThreadCount
	}
	if c.ThreadCount < MinThreadCount {
		c.ThreadCount = MinThreadCount
	}
	if c.ThreadCount > MaxThreadCount {
		c.ThreadCount = MaxThreadCount
	}
	if c.CompressionLevel < 0 || c.CompressionLevel > 22 {
		return xerrors.New(xerrors.ConfigError, fmt.Sprintf("compression level %d out of range [0,22]", c.CompressionLevel), nil)
	}
	if c.RetryCount < 0 {
		return xerrors.New(xerrors.ConfigError, "retry count must be >= 0", nil)
	}
	if c.ServerPort == 0 {
		c.ServerPort = protocol.DefaultPort
	}
	if c.ServerAddress == "" {
		c.ServerAddress = inferServerAddress(c.DestRoot)
	}
	if c.PurgeDestination && c.CopySubdirDepth > 0 && c.CopySubdirDepth < 2 {
		// Deliberately a warning rather than a refusal.
		c.purgeDepthWarning = fmt.Sprintf(
			"/PURGE combined with a shallow /LEV:%d scopes purge to the same depth as discovery; this may leave deeper stale files behind",
			c.CopySubdirDepth)
	}
	return nil
}

// PurgeDepthWarning returns the warning set by Validate, if any. The
// façade logs it once at job start rather than refusing the job.
func (c *Config) PurgeDepthWarning() string { return c.purgeDepthWarning }

// ConnectTimeout returns ServerConnectTimeoutMs as a time.Duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ServerConnectTimeoutMs) * time.Millisecond
}

// RetryWait returns RetryWaitTimeMs as a time.Duration.
func (c *Config) RetryWait() time.Duration {
	return time.Duration(c.RetryWaitTimeMs) * time.Millisecond
}
