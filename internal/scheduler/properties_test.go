package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turbocopy/turbocopy/internal/fstest"
	"github.com/turbocopy/turbocopy/internal/jobconfig"
	"github.com/turbocopy/turbocopy/internal/scheduler"
)

// TestMirrorIsIdempotent exercises properties 1-4: a fresh mirror
// copies everything with matching content/modtime, a second
// consecutive run produces only skips, and purge removes whatever
// stale.log was left over from a prior (non-mirrored) state of D.
func TestMirrorIsIdempotent(t *testing.T) {
	run := fstest.NewRun(t)
	t0 := time.Unix(1_700_000_000, 0)
	t1 := time.Unix(1_700_000_100, 0)
	run.WriteSource(
		fstest.Item{Path: "a.txt", Content: "one", ModTime: t0},
		fstest.Item{Path: "nested/b.txt", Content: "two", ModTime: t1},
	)
	run.WriteDest(fstest.Item{Path: "stale.log", Content: "old", ModTime: t0})

	cfg := jobconfig.New(run.SourceRoot, run.DestRoot)
	cfg.Recurse = true
	cfg.Mirror = true
	require.NoError(t, cfg.Validate())

	job1 := scheduler.New(cfg, nullLogger{})
	delta1, err := job1.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), delta1.CopyCount)
	assert.Equal(t, int64(0), delta1.FailCount)

	run.CheckDestItems(
		fstest.Item{Path: "a.txt", Content: "one", ModTime: t0},
		fstest.Item{Path: "nested/b.txt", Content: "two", ModTime: t1},
	)
	run.AssertAbsent("stale.log")

	job2 := scheduler.New(cfg, nullLogger{})
	delta2, err := job2.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), delta2.CopyCount)
	assert.Equal(t, int64(0), delta2.LinkCount)
	assert.Equal(t, int64(0), delta2.FailCount)
	assert.Equal(t, int64(2), delta2.SkipCount)

	// Property 2: copyCount + linkCount + skipCount + failCount == |selected(S)|.
	total := delta2.CopyCount + delta2.LinkCount + delta2.SkipCount + delta2.FailCount
	assert.Equal(t, int64(2), total)
}
