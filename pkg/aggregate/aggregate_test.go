package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodenexus/nodenexus/pkg/storage"
	"github.com/nodenexus/nodenexus/pkg/types"
)

func TestRunOncePipeline(t *testing.T) {
	store, err := storage.Open(t.TempDir(), storage.Options{})
	require.NoError(t, err)
	defer store.Close()

	host := &types.Host{UserID: 1, Name: "web-01", AgentSecret: "s"}
	require.NoError(t, store.CreateHost(host))

	now := time.Now().UTC()
	hour := now.Truncate(time.Hour)
	// Two samples in one minute, one very old sample past raw retention.
	for _, snap := range []*types.PerformanceSnapshot{
		{HostID: host.ID, Time: hour, CPUUsagePercent: 20},
		{HostID: host.ID, Time: hour.Add(10 * time.Second), CPUUsagePercent: 40},
		{HostID: host.ID, Time: now.Add(-48 * time.Hour), CPUUsagePercent: 99},
	} {
		require.NoError(t, store.InsertSnapshot(snap))
	}

	s := NewScheduler(store, "", Retention{})
	s.RunOnce()

	rows, err := store.SummariesInRange(types.Summary1m, host.ID, hour, hour)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.InDelta(t, 30.0, rows[0].AvgCPU, 0.001)

	hRows, err := store.SummariesInRange(types.Summary1h, host.ID, hour, hour)
	require.NoError(t, err)
	require.Len(t, hRows, 1)
	assert.InDelta(t, 30.0, hRows[0].AvgCPU, 0.001)

	day := hour.Truncate(24 * time.Hour)
	dRows, err := store.SummariesInRange(types.Summary1d, host.ID, day, day)
	require.NoError(t, err)
	require.Len(t, dRows, 1)

	// The 48h-old raw sample was pruned.
	old, err := store.SnapshotsInRange(host.ID, now.Add(-72*time.Hour), now.Add(-36*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, old)
}

func TestRunOnceIdempotentOnOpenBucket(t *testing.T) {
	store, err := storage.Open(t.TempDir(), storage.Options{})
	require.NoError(t, err)
	defer store.Close()

	host := &types.Host{UserID: 1, Name: "web-01", AgentSecret: "s"}
	require.NoError(t, store.CreateHost(host))

	minute := time.Now().UTC().Truncate(time.Minute)
	require.NoError(t, store.InsertSnapshot(&types.PerformanceSnapshot{
		HostID: host.ID, Time: minute, CPUUsagePercent: 10,
	}))

	s := NewScheduler(store, "", Retention{})
	s.RunOnce()

	// A late sample lands in the already-rolled bucket; the next pass
	// recomputes it instead of double counting.
	require.NoError(t, store.InsertSnapshot(&types.PerformanceSnapshot{
		HostID: host.ID, Time: minute.Add(5 * time.Second), CPUUsagePercent: 30,
	}))
	s.RunOnce()
	s.RunOnce()

	rows, err := store.SummariesInRange(types.Summary1m, host.ID, minute, minute)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.InDelta(t, 20.0, rows[0].AvgCPU, 0.001)
}
