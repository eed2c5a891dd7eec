package stats

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMergeAccumulatesAcrossWorkers(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var d Delta
			d.CopyCount = 1
			d.CopySize = 1024
			d.AddPhase(PhaseSend, 5*time.Millisecond)
			s.Merge(d)
		}()
	}
	wg.Wait()

	snap := s.Snapshot()
	assert.Equal(t, int64(8), snap.CopyCount)
	assert.Equal(t, int64(8*1024), snap.CopySize)
	assert.Equal(t, 40*time.Millisecond, snap.PhaseDurations[PhaseSend])
}

func TestTotalEntriesMatchesDistinctSourcePaths(t *testing.T) {
	d := Delta{CopyCount: 3, LinkCount: 2, SkipCount: 4, FailCount: 1}
	assert.Equal(t, int64(10), d.TotalEntries())
}

func TestCompressionAverageLevel(t *testing.T) {
	var d Delta
	assert.Equal(t, 0.0, d.CompressionAverageLevel())
	d.AddCompressionLevel(6)
	d.AddCompressionLevel(12)
	assert.Equal(t, 9.0, d.CompressionAverageLevel())
}

func TestExitCodeReflectsFailures(t *testing.T) {
	assert.Equal(t, 0, Delta{CopyCount: 5}.ExitCode())
	assert.Equal(t, 1, Delta{FailCount: 1}.ExitCode())
}

func TestSummaryIncludesCounts(t *testing.T) {
	s := New()
	s.Merge(Delta{CopyCount: 2, CopySize: 2048, LinkCount: 1, SkipCount: 1, BytesSent: 4096})
	out := s.Summary()
	assert.True(t, strings.Contains(out, "Copied:"))
	assert.True(t, strings.Contains(out, "Linked:"))
	assert.True(t, strings.Contains(out, "Skipped:"))
}
