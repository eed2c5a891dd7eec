// Command turbocopy is the CLI entry point: a thin pflag-based layer
// that builds a jobconfig.Config and calls the client façade. Flag
// parsing and logging are the only concerns here; the
// job itself runs entirely in internal/scheduler.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/turbocopy/turbocopy/internal/client"
	"github.com/turbocopy/turbocopy/internal/filter"
	"github.com/turbocopy/turbocopy/internal/jobconfig"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	fs := pflag.NewFlagSet("turbocopy", pflag.ContinueOnError)

	recurse := fs.Bool("s", false, "copy subdirectories, excluding empty ones")
	recurseEmpty := fs.Bool("e", false, "copy subdirectories, including empty ones")
	level := fs.Int("lev", 0, "copy only the top n levels of the source tree")
	unbufferedIO := fs.Bool("j", false, "force unbuffered I/O")
	bufferedIO := fs.Bool("nj", false, "force buffered I/O")
	purge := fs.Bool("purge", false, "delete destination files/dirs no longer in the source")
	mirror := fs.Bool("mir", false, "mirror a tree (equivalent to /E plus /PURGE)")
	keepSymlinks := fs.Bool("ksy", false, "keep symlinked subdirectories at the destination instead of replacing them")
	flattenDest := fs.Bool("f", false, "flatten every copied file directly into the destination directory")
	includeFiles := fs.StringArray("i", nil, "files listing additional include wildcards")
	excludeFiles := fs.StringArray("ix", nil, "files listing exclude wildcards")
	excludeFile := fs.StringArray("xf", nil, "exclude files matching these wildcards")
	excludeDir := fs.StringArray("xd", nil, "exclude directories matching these wildcards")
	optionalFile := fs.StringArray("of", nil, "wildcards whose absence is not a failure")
	threadCount := fs.Int("mt", jobconfig.DefaultThreadCount, "number of worker threads")
	noServer := fs.Bool("noserver", false, "never use the acceleration service")
	requireServer := fs.Bool("server", false, "require the acceleration service")
	serverAddr := fs.String("serveraddr", "", "acceleration service address")
	serverPort := fs.Int("serverport", 0, "acceleration service port")
	compression := fs.Int("c", -1, "enable whole-file compression, optional level 1-22")
	deltaThreshold := fs.Uint64("dc", 0, "delta-compression threshold in bytes")
	dcopyFlags := fs.String("dcopy", "DA", "what to preserve on copy: any of D (data) A (attributes) T (timestamps)")
	noDCopy := fs.Bool("nodcopy", false, "preserve nothing beyond the mandatory last-write-time")
	retryCount := fs.Int("r", -1, "number of retries on a failed copy")
	retryWaitMs := fs.Int("w", -1, "milliseconds to wait between retries")
	logPath := fs.String("log", "", "write the log to this file instead of stderr")
	logMinimal := fs.Bool("logmin", false, "log failures only")
	verbose := fs.Bool("verbose", false, "log at debug level")
	noJobHeader := fs.Bool("njh", false, "suppress the job header")
	noJobSummary := fs.Bool("njs", false, "suppress the job summary")
	noProgress := fs.Bool("np", false, "suppress progress output")
	statsMode := fs.Bool("stats", false, "report server status for <dest> and exit")

	// /C, /MT and /DC take an optional value; a bare flag still means
	// "enabled, choose the adaptive/default level".
	fs.Lookup("c").NoOptDefVal = "0"
	fs.Lookup("mt").NoOptDefVal = fmt.Sprintf("%d", jobconfig.DefaultThreadCount)
	fs.Lookup("dc").NoOptDefVal = "0"

	if err := fs.Parse(translateArgs(argv)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return client.ExitConfigError
	}

	log := newLogger(*logPath, *verbose)

	if *statsMode {
		if fs.NArg() < 1 {
			log.Error("/STATS requires a destination argument")
			return client.ExitConfigError
		}
		// The status query has no source tree, but Validate requires a
		// source root, so the destination fills that slot.
		cfg := jobconfig.New(fs.Arg(0), fs.Arg(0))
		if *serverAddr != "" {
			cfg.ServerAddress = *serverAddr
		}
		if *serverPort != 0 {
			cfg.ServerPort = uint16(*serverPort)
		}
		_, code := client.ReportServerStatus(context.Background(), cfg, log)
		return code
	}

	if fs.NArg() < 2 {
		log.Error("usage: turbocopy <source> <dest> [file...] [flags]")
		return client.ExitConfigError
	}
	source, dest := fs.Arg(0), fs.Arg(1)
	// The remaining positional args are wildcards scoping the copy to
	// matching names during the normal recursive walk, not a literal
	// file list to copy verbatim (the source tool's own convention:
	// `tool src dst *.txt *.log /S`).
	fileWildcards := fs.Args()[2:]

	cfg := jobconfig.New(source, dest)
	cfg.Recurse = *recurse || *recurseEmpty
	cfg.CopyEmptySubdirectories = *recurseEmpty
	cfg.CopySubdirDepth = *level
	cfg.PurgeDestination = *purge || *mirror
	cfg.Mirror = *mirror
	cfg.FlattenDestination = *flattenDest
	if *keepSymlinks {
		cfg.ReplaceSymlinksAtDestination = false
	}
	cfg.IncludeWildcards = fileWildcards
	cfg.IncludeFromFiles = *includeFiles
	cfg.ExcludeFromFiles = *excludeFiles
	cfg.ExcludeFilePatterns = filter.NewPatternSet(*excludeFile...)
	cfg.ExcludeDirPatterns = filter.NewPatternSet(*excludeDir...)
	cfg.OptionalPatterns = filter.NewPatternSet(*optionalFile...)
	cfg.ThreadCount = *threadCount

	switch {
	case *unbufferedIO:
		cfg.BufferedIO = jobconfig.BufferedNever
	case *bufferedIO:
		cfg.BufferedIO = jobconfig.BufferedAlways
	default:
		cfg.BufferedIO = jobconfig.BufferedAuto
	}

	switch {
	case *noServer:
		cfg.ServerPolicy = jobconfig.ServerDisabled
	case *requireServer:
		cfg.ServerPolicy = jobconfig.ServerRequired
	default:
		cfg.ServerPolicy = jobconfig.ServerAuto
	}
	cfg.ServerAddress = *serverAddr
	if *serverPort != 0 {
		cfg.ServerPort = uint16(*serverPort)
	}

	if *compression >= 0 {
		cfg.CompressionEnabled = true
		cfg.CompressionLevel = *compression
	}
	if fs.Changed("dc") {
		cfg.DeltaCompressionThreshold = *deltaThreshold
	}

	cfg.DirCopyFlags = dirFlagsFromDCopy(*dcopyFlags)
	if *noDCopy {
		cfg.DirCopyFlags = 0
	}

	if *retryCount >= 0 {
		cfg.RetryCount = *retryCount
	}
	if *retryWaitMs >= 0 {
		cfg.RetryWaitTimeMs = *retryWaitMs
	}

	cfg.LogPath = *logPath
	cfg.LogMinimal = *logMinimal
	cfg.Verbose = *verbose
	cfg.NoJobHeader = *noJobHeader
	cfg.NoJobSummary = *noJobSummary
	cfg.NoProgress = *noProgress

	if !*noJobHeader {
		log.Infof("turbocopy %s -> %s", source, dest)
	}

	delta, code := client.Process(context.Background(), cfg, nil, log)
	if !*noJobSummary {
		log.Infof("%d entries processed", delta.TotalEntries())
	}
	return code
}

func dirFlagsFromDCopy(spec string) jobconfig.DirFlags {
	flags := jobconfig.DirFlagData
	for _, r := range strings.ToUpper(spec) {
		switch r {
		case 'A':
			flags |= jobconfig.DirFlagAttributes
		case 'T':
			flags |= jobconfig.DirFlagTimestamps
		}
	}
	return flags
}

func newLogger(logPath string, verbose bool) *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			log.SetOutput(f)
		} else {
			log.Warnf("could not open log file %s: %v, logging to stderr", logPath, err)
		}
	}
	return log
}
