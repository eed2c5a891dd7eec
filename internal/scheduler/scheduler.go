// Package scheduler drives one job end to end: discovery walks the
// source tree, a pool of workers drains the resulting queue through
// the pipeline with retry/backoff, and an optional purge pass removes
// destination entries discovery never touched. Grounded on rclone's
// fs/sync walker plus fs/operations' errgroup worker pool.
package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/turbocopy/turbocopy/internal/bufpool"
	"github.com/turbocopy/turbocopy/internal/filter"
	"github.com/turbocopy/turbocopy/internal/fsmeta"
	"github.com/turbocopy/turbocopy/internal/fsops"
	"github.com/turbocopy/turbocopy/internal/jobconfig"
	"github.com/turbocopy/turbocopy/internal/pipeline"
	"github.com/turbocopy/turbocopy/internal/protocol"
	"github.com/turbocopy/turbocopy/internal/stats"
	"github.com/turbocopy/turbocopy/internal/xerrors"
)

// Phase names the job's position in the Init -> Discovering -> Running
// -> [Purging] -> Finalizing -> Done state machine.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseDiscovering
	PhaseRunning
	PhasePurging
	PhaseFinalizing
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseDiscovering:
		return "Discovering"
	case PhaseRunning:
		return "Running"
	case PhasePurging:
		return "Purging"
	case PhaseFinalizing:
		return "Finalizing"
	case PhaseDone:
		return "Done"
	default:
		return "Init"
	}
}

// Logger is the minimal sink the scheduler writes progress and
// per-entry failures to; satisfied by *logrus.Logger.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// CopyEntry is one source -> destination unit of work discovered by
// the walker and drained by a worker.
type CopyEntry struct {
	SourcePath   string
	DestPath     string
	RelativeDest string // slash-separated path relative to the roots, used for wildcard matching and protocol calls
	Info         fsmeta.FileInfo
	Attrs        fsmeta.Attributes
	retriesLeft  int
}

// queue is a FIFO of CopyEntry protected by one lock.
type queue struct {
	mu      sync.Mutex
	entries []CopyEntry
}

func (q *queue) push(e CopyEntry) {
	q.mu.Lock()
	q.entries = append(q.entries, e)
	q.mu.Unlock()
}

func (q *queue) pop() (CopyEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return CopyEntry{}, false
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	return e, true
}

// pathSet is a mutex-guarded set of normalized destination paths, used
// for HandledSet/CreatedDirSet: membership is checked-and-set
// atomically so two workers never race on the same output.
type pathSet struct {
	mu      sync.Mutex
	members map[string]struct{}
}

func newPathSet() *pathSet {
	return &pathSet{members: make(map[string]struct{})}
}

// tryAdd reports whether path was newly added (false means it was
// already a member).
func (s *pathSet) tryAdd(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[path]; ok {
		return false
	}
	s.members[path] = struct{}{}
	return true
}

func (s *pathSet) has(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.members[path]
	return ok
}

func (s *pathSet) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.members))
	for p := range s.members {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Job runs one configured copy from Init through Done.
type Job struct {
	cfg *jobconfig.Config
	log Logger

	phase   Phase
	phaseMu sync.Mutex

	queue         queue
	handledSet    *pathSet
	createdDirSet *pathSet

	stats *stats.Stats
	pool  *bufpool.Pool

	// destConn is the one TCP connection this job's workers share for
	// talking to the destination's acceleration service; connection
	// setup is lazy, one-shot per endpoint. A worker-local source
	// connection is not wired: jobconfig carries a single ServerAddress
	// inferred from the destination's UNC path, not a separate source
	// endpoint.
	destConnInit sync.Once
	destConn     *protocol.Connection
	destConnErr  error

	selectedSources map[string]struct{} // relative paths selected(S), for purge
	selectedMu      sync.Mutex

	includePatterns filter.PatternSet
	excludePatterns filter.PatternSet
}

// New builds a Job ready to Run. cfg must already have passed
// Validate.
func New(cfg *jobconfig.Config, log Logger) *Job {
	include := append([]string{}, cfg.IncludeWildcards...)
	for _, f := range cfg.IncludeFromFiles {
		include = append(include, readPatternFile(f, log)...)
	}
	exclude := cfg.ExcludeFilePatterns
	for _, f := range cfg.ExcludeFromFiles {
		exclude = filter.NewPatternSet(append(exclude.Patterns(), readPatternFile(f, log)...)...)
	}

	return &Job{
		cfg:             cfg,
		log:             log,
		handledSet:      newPathSet(),
		createdDirSet:   newPathSet(),
		stats:           stats.New(),
		pool:            bufpool.New(30*time.Second, bufpool.BufferSize, cfg.ThreadCount*2),
		selectedSources: make(map[string]struct{}),
		includePatterns: filter.NewPatternSet(include...),
		excludePatterns: exclude,
	}
}

// readPatternFile reads one include-from/exclude-from file: one
// wildcard per non-blank, non-comment line. This expansion is bounded
// to the same depth as discovery itself — it only ever contributes
// patterns, never paths outside the tree being walked.
func readPatternFile(path string, log Logger) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warnf("reading pattern file %s: %v", path, err)
		return nil
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}

func (j *Job) setPhase(p Phase) {
	j.phaseMu.Lock()
	j.phase = p
	j.phaseMu.Unlock()
}

// Phase reports the job's current state machine position.
func (j *Job) Phase() Phase {
	j.phaseMu.Lock()
	defer j.phaseMu.Unlock()
	return j.phase
}

// Run executes discovery, the worker pool, optional purge, and
// finalization, returning a snapshot of the accumulated stats. A
// non-nil error means a fatal, job-aborting condition (ConfigError,
// or VersionMismatch/ServerUnavailable with the server Required);
// per-file failures are reflected in the returned stats' FailCount,
// not in the error.
func (j *Job) Run(ctx context.Context, explicitFiles []string) (stats.Delta, error) {
	j.setPhase(PhaseDiscovering)
	if err := j.discover(explicitFiles); err != nil {
		return j.stats.Snapshot(), err
	}

	j.setPhase(PhaseRunning)
	if err := j.runWorkers(ctx); err != nil {
		return j.stats.Snapshot(), err
	}

	if j.cfg.PurgeDestination {
		j.setPhase(PhasePurging)
		if warn := j.cfg.PurgeDepthWarning(); warn != "" {
			j.log.Warnf("%s", warn)
		}
		purgeStart := time.Now()
		purgeErr := j.purge()
		var d stats.Delta
		d.AddPhase(stats.PhasePurge, time.Since(purgeStart))
		j.stats.Merge(d)
		if purgeErr != nil {
			j.log.Errorf("purge: %v", purgeErr)
		}
	}

	j.setPhase(PhaseFinalizing)
	snap := j.stats.Snapshot()
	j.setPhase(PhaseDone)
	return snap, nil
}

// discover walks the source tree up to CopySubdirDepth levels,
// applying include/exclude filters, and fills the work queue.
func (j *Job) discover(explicitFiles []string) error {
	depth := j.cfg.CopySubdirDepth
	if !j.cfg.Recurse {
		depth = 1
	}

	var walk func(srcDir, destDir, rel string, level int) error
	walk = func(srcDir, destDir, rel string, level int) error {
		entries, err := fsops.Enumerate(srcDir, "")
		if err != nil {
			if xerrors.KindOf(err) == xerrors.NotFound {
				return nil
			}
			return err
		}
		for _, e := range entries {
			entryRel := e.Name
			if rel != "" {
				entryRel = rel + "/" + e.Name
			}
			if e.IsDir {
				if !j.cfg.Recurse {
					continue
				}
				if depth > 0 && level+1 > depth {
					continue
				}
				if j.cfg.ExcludeDirPatterns.Match(e.Name, entryRel) {
					continue
				}
				childSrc := filepath.Join(srcDir, e.Name)
				childDest := destDir
				if !j.cfg.FlattenDestination {
					childDest = filepath.Join(destDir, e.Name)
				}
				// childDest counts as "touched by discovery" whether or
				// not it's eagerly created here: a file beneath it will
				// create it lazily via EnsureDir in runEntry. Purge must
				// never treat a directory discovery visited as stale.
				j.createdDirSet.tryAdd(childDest)
				if j.cfg.CopyEmptySubdirectories {
					if err := fsops.EnsureDir(childDest, j.cfg.ReplaceSymlinksAtDestination); err != nil {
						j.log.Warnf("create directory %s: %v", childDest, err)
					}
				}
				j.markSelected(entryRel)
				if err := walk(childSrc, childDest, entryRel, level+1); err != nil {
					return err
				}
				continue
			}

			if !j.selected(e.Name, entryRel) {
				continue
			}

			j.markSelected(entryRel)
			j.queue.push(CopyEntry{
				SourcePath:   filepath.Join(srcDir, e.Name),
				DestPath:     filepath.Join(destDir, e.Name),
				RelativeDest: entryRel,
				Info:         e.Info,
				Attrs:        e.Attributes,
				retriesLeft:  j.cfg.RetryCount,
			})
		}
		return nil
	}

	if len(explicitFiles) > 0 {
		for _, name := range explicitFiles {
			info, attrs, err := fsops.Stat(filepath.Join(j.cfg.SourceRoot, name))
			if err != nil {
				if j.cfg.OptionalPatterns.Match(filepath.Base(name), name) {
					continue
				}
				j.stats.Merge(stats.Delta{FailCount: 1})
				j.log.Errorf("%s: %v", name, err)
				continue
			}
			j.markSelected(name)
			destName := name
			if j.cfg.FlattenDestination {
				destName = filepath.Base(name)
			}
			j.queue.push(CopyEntry{
				SourcePath:   filepath.Join(j.cfg.SourceRoot, name),
				DestPath:     filepath.Join(j.cfg.DestRoot, destName),
				RelativeDest: name,
				Info:         info,
				Attrs:        attrs,
				retriesLeft:  j.cfg.RetryCount,
			})
		}
		return nil
	}

	return walk(j.cfg.SourceRoot, j.cfg.DestRoot, "", 1)
}

// selected applies the exclude and include filters a bare
// (non-explicit) discovery entry must pass.
func (j *Job) selected(name, relPath string) bool {
	if j.excludePatterns.Match(name, relPath) {
		return false
	}
	if j.includePatterns.Empty() {
		return true
	}
	return j.includePatterns.Match(name, relPath)
}

func (j *Job) markSelected(relPath string) {
	j.selectedMu.Lock()
	j.selectedSources[normalizeSlash(relPath)] = struct{}{}
	j.selectedMu.Unlock()
}

func (j *Job) wasSelected(relPath string) bool {
	j.selectedMu.Lock()
	defer j.selectedMu.Unlock()
	_, ok := j.selectedSources[normalizeSlash(relPath)]
	return ok
}

func normalizeSlash(p string) string {
	return strings.ReplaceAll(filepath.ToSlash(p), "//", "/")
}

// runWorkers starts ThreadCount workers draining the same queue, and
// the calling goroutine drains it alongside them.
func (j *Job) runWorkers(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	workers := j.cfg.ThreadCount
	for i := 0; i < workers; i++ {
		g.Go(func() error { return j.workerLoop(gctx) })
	}
	callerErr := j.workerLoop(gctx)
	if err := g.Wait(); err != nil {
		return err
	}
	return callerErr
}

func (j *Job) workerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		entry, ok := j.queue.pop()
		if !ok {
			return nil
		}
		if err := j.runEntry(ctx, entry); err != nil {
			if xerrors.FatalToJob(err, j.cfg.ServerPolicy == jobconfig.ServerRequired) {
				return err
			}
		}
	}
}

// runEntry executes one entry through the pipeline, requeuing it on a
// retriable failure until the retry budget is exhausted.
func (j *Job) runEntry(ctx context.Context, entry CopyEntry) error {
	if !j.handledSet.tryAdd(entry.DestPath) {
		return nil // another worker already claimed this destination
	}

	req := pipeline.Request{
		SourcePath:     entry.SourcePath,
		DestPath:       entry.DestPath,
		RelativeDest:   normalizeSlash(entry.RelativeDest),
		SourceInfo:     entry.Info,
		SourceAttrs:    entry.Attrs,
		ForceCopy:      j.cfg.ForceCopy,
		CopyAttributes: j.cfg.DirCopyFlags.Has(jobconfig.DirFlagAttributes),
		DeltaThreshold: j.cfg.DeltaCompressionThreshold,
		BufferedPolicy: bufferedPolicyOf(j.cfg.BufferedIO),
	}

	opts := pipeline.Options{Pool: j.pool, ServerRequired: j.cfg.ServerPolicy == jobconfig.ServerRequired}
	if j.cfg.ServerPolicy != jobconfig.ServerDisabled {
		if conn, err := j.ensureDestConn(ctx); err == nil {
			opts.DestConn = conn
		} else if j.cfg.ServerPolicy == jobconfig.ServerRequired {
			return err
		}
	}

	createDirStart := time.Now()
	ensureErr := fsops.EnsureDir(filepath.Dir(entry.DestPath), j.cfg.ReplaceSymlinksAtDestination)
	var dirDelta stats.Delta
	dirDelta.AddPhase(stats.PhaseCreateDir, time.Since(createDirStart))
	j.stats.Merge(dirDelta)
	if ensureErr != nil && opts.DestConn == nil {
		return j.retryOrFail(entry, ensureErr)
	}

	res, err := pipeline.Execute(req, opts)
	if err != nil {
		return j.retryOrFail(entry, err)
	}
	j.stats.Merge(res.Delta)
	return nil
}

func (j *Job) retryOrFail(entry CopyEntry, cause error) error {
	if !xerrors.IsRetriable(cause) || entry.retriesLeft <= 0 {
		j.stats.Merge(stats.Delta{FailCount: 1})
		j.log.Errorf("%s: %v", entry.RelativeDest, cause)
		return cause
	}
	entry.retriesLeft--
	j.stats.Merge(stats.Delta{RetryCount: 1})
	time.Sleep(j.cfg.RetryWait())
	j.queue.push(entry)
	j.handledSet.mu.Lock()
	delete(j.handledSet.members, entry.DestPath)
	j.handledSet.mu.Unlock()
	return nil
}

// ensureDestConn lazily dials the destination server at most once per
// job.
func (j *Job) ensureDestConn(ctx context.Context) (*protocol.Connection, error) {
	j.destConnInit.Do(func() {
		j.stats.Merge(stats.Delta{ServerAttempt: true})
		if j.cfg.ServerAddress == "" {
			j.destConnErr = xerrors.New(xerrors.ServerUnavailable, "no server address", nil)
			return
		}
		start := time.Now()
		j.destConn, j.destConnErr = protocol.Dial(ctx, protocol.Options{
			Address:            j.cfg.ServerAddress,
			Port:               j.cfg.ServerPort,
			ConnectTimeout:     j.cfg.ConnectTimeout(),
			CompressionEnabled: j.cfg.CompressionEnabled,
			CompressionLevel:   j.cfg.CompressionLevel,
		})
		var d stats.Delta
		d.AddPhase(stats.PhaseConnect, time.Since(start))
		j.stats.Merge(d)
		if j.destConnErr != nil {
			j.destConnErr = xerrors.New(xerrors.ServerUnavailable, "dial destination", j.destConnErr)
		}
	})
	return j.destConn, j.destConnErr
}

// purge walks the union of destination directories discovery touched
// and removes any regular file absent from selected(S) plus any
// subdirectory discovery never visited. Purge is scoped to discovery's
// depth, not a separate deeper walk.
func (j *Job) purge() error {
	touched := j.createdDirSet.snapshot()
	touched = append(touched, j.cfg.DestRoot)
	seen := make(map[string]struct{}, len(touched))
	for _, dir := range touched {
		if _, ok := seen[dir]; ok {
			continue
		}
		seen[dir] = struct{}{}
		if err := j.purgeDir(dir); err != nil {
			return err
		}
	}
	return nil
}

func (j *Job) purgeDir(dir string) error {
	entries, err := fsops.Enumerate(dir, "")
	if err != nil {
		if xerrors.KindOf(err) == xerrors.NotFound {
			return nil
		}
		return err
	}
	rel, err := filepath.Rel(j.cfg.DestRoot, dir)
	if err != nil {
		rel = ""
	}
	if rel == "." {
		rel = ""
	}
	for _, e := range entries {
		entryRel := e.Name
		if rel != "" {
			entryRel = rel + "/" + e.Name
		}
		full := filepath.Join(dir, e.Name)
		if e.IsDir {
			if !j.createdDirSet.has(full) {
				if err := fsops.DeleteTree(full); err != nil {
					j.log.Warnf("purge %s: %v", full, err)
				}
			}
			continue
		}
		if !j.wasSelected(entryRel) {
			if err := fsops.DeleteFile(full); err != nil {
				j.log.Warnf("purge %s: %v", full, err)
			}
		}
	}
	return nil
}

func bufferedPolicyOf(p jobconfig.BufferedIOPolicy) fsops.BufferedPolicy {
	switch p {
	case jobconfig.BufferedAlways:
		return fsops.ForceBuffered
	case jobconfig.BufferedNever:
		return fsops.ForceUnbuffered
	default:
		return fsops.Auto
	}
}

