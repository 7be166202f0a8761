package metrics

import (
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workflow-gateway/backend/pkg/models"
)

func TestSnapshotCounters(t *testing.T) {
	r := NewReporter()

	r.RecordDispatch(models.ChannelAPI, true, 10*time.Millisecond)
	r.RecordDispatch(models.ChannelAPI, false, 20*time.Millisecond)
	r.RecordDispatch(models.ChannelCLI, true, 30*time.Millisecond)
	r.RecordStage("ratelimit", true)
	r.RecordStage("ratelimit", false)
	r.RecordCache(true)
	r.RecordCache(false)
	r.RecordError(models.KindRateLimited)

	snap := r.Snapshot()
	assert.Equal(t, int64(3), snap.Counters["dispatch_total"])
	assert.Equal(t, int64(2), snap.Counters["dispatch_success_total"])
	assert.Equal(t, int64(1), snap.Counters["dispatch_failure_total"])
	assert.Equal(t, int64(2), snap.Counters["dispatch_channel_api_total"])
	assert.Equal(t, int64(1), snap.Counters["dispatch_channel_cli_total"])
	assert.Equal(t, int64(1), snap.Counters["admission_ratelimit_allow_total"])
	assert.Equal(t, int64(1), snap.Counters["admission_ratelimit_deny_total"])
	assert.Equal(t, int64(1), snap.Counters["cache_hit_total"])
	assert.Equal(t, int64(1), snap.Counters["cache_miss_total"])
	assert.Equal(t, int64(1), snap.Counters["error_RateLimited_total"])
}

func TestSnapshotLatencyPercentiles(t *testing.T) {
	r := NewReporter()

	for i := 1; i <= 100; i++ {
		r.RecordDispatch(models.ChannelAPI, true, time.Duration(i)*time.Millisecond)
	}

	snap := r.Snapshot()
	assert.InDelta(t, 51.0, snap.LatencyMsP50, 2.0)
	assert.InDelta(t, 91.0, snap.LatencyMsP90, 2.0)
	assert.InDelta(t, 100.0, snap.LatencyMsP99, 2.0)
}

func TestSnapshotEmptyReporter(t *testing.T) {
	r := NewReporter()
	snap := r.Snapshot()
	assert.Empty(t, snap.Counters)
	assert.Zero(t, snap.LatencyMsP50)
}

func TestWriteToExposition(t *testing.T) {
	r := NewReporter()
	r.RecordDispatch(models.ChannelAPI, true, 5*time.Millisecond)
	r.RecordCache(false)

	var b strings.Builder
	n, err := r.WriteTo(&b)
	require.NoError(t, err)
	assert.Equal(t, int64(b.Len()), n)

	out := b.String()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	assert.True(t, strings.HasPrefix(lines[0], "gateway_uptime_seconds "), lines[0])
	assert.Contains(t, out, "gateway_dispatch_total 1\n")
	assert.Contains(t, out, "gateway_cache_miss_total 1\n")
	assert.Contains(t, out, "gateway_dispatch_latency_ms_p50 5.000\n")

	// Counter lines are sorted by name.
	var counters []string
	for _, line := range lines[1:] {
		if strings.HasPrefix(line, "gateway_dispatch_latency") {
			continue
		}
		counters = append(counters, line)
	}
	assert.True(t, sort.StringsAreSorted(counters))
}

func TestConcurrentRecording(t *testing.T) {
	r := NewReporter()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.RecordDispatch(models.ChannelTool, true, time.Millisecond)
				r.RecordCache(j%2 == 0)
			}
		}()
	}
	wg.Wait()

	snap := r.Snapshot()
	assert.Equal(t, int64(1600), snap.Counters["dispatch_total"])
	assert.Equal(t, int64(800), snap.Counters["cache_hit_total"])
}
