package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodenexus/nodenexus/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestHost(t *testing.T, s *Store) *types.Host {
	t.Helper()
	h := &types.Host{
		UserID:      1,
		Name:        "web-01",
		AgentSecret: "secret-1",
	}
	require.NoError(t, s.CreateHost(h))
	return h
}

func TestHostLifecycle(t *testing.T) {
	s := openTestStore(t)

	h := createTestHost(t, s)
	assert.NotZero(t, h.ID)
	assert.Equal(t, types.HostStatusPending, h.Status)
	assert.Equal(t, types.TrafficBillingSumInOut, h.TrafficBillingRule)

	got, err := s.GetHost(h.ID)
	require.NoError(t, err)
	assert.Equal(t, "web-01", got.Name)
	assert.Equal(t, types.ConfigStatusUnknown, got.ConfigStatus)

	got.Name = "web-02"
	got.TrafficLimitBytes = 1 << 40
	require.NoError(t, s.UpdateHost(got))

	got, err = s.GetHost(h.ID)
	require.NoError(t, err)
	assert.Equal(t, "web-02", got.Name)
	assert.Equal(t, int64(1<<40), got.TrafficLimitBytes)

	_, err = s.GetHost(9999)
	assert.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, s.DeleteHost(h.ID))
	_, err = s.GetHost(h.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestUpdateHostStatusReportsChange(t *testing.T) {
	s := openTestStore(t)
	h := createTestHost(t, s)

	changed, err := s.UpdateHostStatus(h.ID, types.HostStatusOnline)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.UpdateHostStatus(h.ID, types.HostStatusOnline)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestInsertSnapshotTrafficAccounting(t *testing.T) {
	s := openTestStore(t)
	h := createTestHost(t, s)

	base := time.Now().UTC().Truncate(time.Second)
	snap := func(offset time.Duration, rx, tx int64) *types.PerformanceSnapshot {
		return &types.PerformanceSnapshot{
			HostID:              h.ID,
			Time:                base.Add(offset),
			CPUUsagePercent:     50,
			NetworkRxCumulative: rx,
			NetworkTxCumulative: tx,
		}
	}

	require.NoError(t, s.InsertSnapshot(snap(0, 1000, 500)))
	require.NoError(t, s.InsertSnapshot(snap(time.Second, 1500, 800)))

	got, err := s.GetHost(h.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), got.TrafficCurrentCycleRx)
	assert.Equal(t, int64(800), got.TrafficCurrentCycleTx)
	assert.Equal(t, int64(1500), got.LastProcessedCumulativeRx)

	// Counter reset: new cumulative below last becomes the whole delta.
	require.NoError(t, s.InsertSnapshot(snap(2*time.Second, 100, 50)))

	got, err = s.GetHost(h.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1600), got.TrafficCurrentCycleRx)
	assert.Equal(t, int64(850), got.TrafficCurrentCycleTx)
	assert.Equal(t, int64(100), got.LastProcessedCumulativeRx)
}

func TestTrafficDelta(t *testing.T) {
	tests := []struct {
		name    string
		newCum  int64
		lastCum int64
		want    int64
	}{
		{"monotonic", 1500, 1000, 500},
		{"no change", 1000, 1000, 0},
		{"reset", 100, 1000, 100},
		{"from zero", 700, 0, 700},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, trafficDelta(tt.newCum, tt.lastCum))
		})
	}
}

func TestResetTrafficCycle(t *testing.T) {
	s := openTestStore(t)
	h := createTestHost(t, s)

	require.NoError(t, s.InsertSnapshot(&types.PerformanceSnapshot{
		HostID:              h.ID,
		Time:                time.Now().UTC(),
		NetworkRxCumulative: 5000,
		NetworkTxCumulative: 3000,
	}))

	resetAt := time.Now().UTC().Truncate(time.Millisecond)
	next := resetAt.AddDate(0, 1, 0)
	require.NoError(t, s.ResetTrafficCycle(h.ID, resetAt, &next))

	got, err := s.GetHost(h.ID)
	require.NoError(t, err)
	assert.Zero(t, got.TrafficCurrentCycleRx)
	assert.Zero(t, got.TrafficCurrentCycleTx)
	// Cumulative watermarks survive the reset.
	assert.Equal(t, int64(5000), got.LastProcessedCumulativeRx)
	require.NotNil(t, got.NextTrafficResetAt)
	assert.Equal(t, next.UnixMilli(), got.NextTrafficResetAt.UnixMilli())
}

func TestRollupRawTo1m(t *testing.T) {
	s := openTestStore(t)
	h := createTestHost(t, s)

	bucket := time.Now().UTC().Truncate(time.Minute)
	cpus := []float64{10, 20, 60}
	for i, cpu := range cpus {
		require.NoError(t, s.InsertSnapshot(&types.PerformanceSnapshot{
			HostID:              h.ID,
			Time:                bucket.Add(time.Duration(i) * time.Second),
			CPUUsagePercent:     cpu,
			MemUsedBytes:        int64(1000 * (i + 1)),
			MemTotalBytes:       4000,
			NetworkRxCumulative: int64(100 * (i + 1)),
			NetworkTxCumulative: int64(50 * (i + 1)),
		}))
	}

	n, err := s.RollupRawTo1m(0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows, err := s.SummariesInRange(types.Summary1m, h.ID, bucket, bucket)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.InDelta(t, 30.0, row.AvgCPU, 0.001)
	assert.Equal(t, 10.0, row.MinCPU)
	assert.Equal(t, 60.0, row.MaxCPU)
	assert.Equal(t, int64(2000), row.AvgMemUsed)
	assert.Equal(t, int64(3000), row.MaxMemUsed)
	// Last cumulative in the bucket is the newest sample's.
	assert.Equal(t, int64(300), row.LastNetworkRxCumulative)
	assert.Equal(t, int64(150), row.LastNetworkTxCumulative)
}

func TestRollupUpWeightsBySamples(t *testing.T) {
	s := openTestStore(t)
	h := createTestHost(t, s)

	hour := time.Now().UTC().Truncate(time.Hour)
	// Two minute buckets with different sample counts: the hourly average
	// must weight by samples, not average the averages.
	_, err := s.db.Exec(`INSERT INTO metrics_summary_1m
		(host_id, bucket_ms, avg_cpu, min_cpu, max_cpu, last_net_rx_cum, last_net_tx_cum, samples)
		VALUES (?, ?, 10, 10, 10, 100, 100, 1), (?, ?, 40, 40, 40, 200, 200, 3)`,
		h.ID, hour.UnixMilli(), h.ID, hour.Add(time.Minute).UnixMilli())
	require.NoError(t, err)

	n, err := s.RollupUp(types.Summary1m, types.Summary1h, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows, err := s.SummariesInRange(types.Summary1h, h.ID, hour, hour)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	// (10*1 + 40*3) / 4 = 32.5
	assert.InDelta(t, 32.5, rows[0].AvgCPU, 0.001)
	assert.Equal(t, 10.0, rows[0].MinCPU)
	assert.Equal(t, 40.0, rows[0].MaxCPU)
	assert.Equal(t, int64(200), rows[0].LastNetworkRxCumulative)
}

func TestPruneSnapshots(t *testing.T) {
	s := openTestStore(t)
	h := createTestHost(t, s)

	now := time.Now().UTC()
	require.NoError(t, s.InsertSnapshot(&types.PerformanceSnapshot{HostID: h.ID, Time: now.Add(-48 * time.Hour)}))
	require.NoError(t, s.InsertSnapshot(&types.PerformanceSnapshot{HostID: h.ID, Time: now}))

	n, err := s.PruneSnapshots(now.Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	snaps, err := s.SnapshotsInRange(h.ID, now.Add(-72*time.Hour), now)
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
}

func TestMonitorCRUDAndResults(t *testing.T) {
	s := openTestStore(t)
	h := createTestHost(t, s)

	m := &types.ServiceMonitor{
		UserID:       1,
		Name:         "api health",
		Type:         types.MonitorTypeHTTPS,
		Target:       "https://example.com/health",
		FrequencySec: 60,
		TimeoutSec:   10,
		IsActive:     true,
	}
	require.NoError(t, s.CreateMonitor(m, &types.MonitorAssignments{HostIDs: []int64{h.ID}}))
	require.NotZero(t, m.ID)
	assert.Equal(t, types.AssignmentInclusive, m.AssignmentType)

	assign, err := s.MonitorAssignments(m.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{h.ID}, assign.HostIDs)
	assert.Empty(t, assign.TagIDs)

	base := time.Now().UTC().Truncate(time.Minute)
	for i, up := range []bool{true, true, false, true} {
		require.NoError(t, s.InsertMonitorResult(&types.ServiceMonitorResult{
			Time:      base.Add(time.Duration(i) * time.Second),
			MonitorID: m.ID,
			HostID:    h.ID,
			IsUp:      up,
			LatencyMs: int32(100 + i*10),
		}))
	}

	points, err := s.MonitorTimeseries(m.ID, base, base.Add(time.Minute), time.Minute)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.InDelta(t, 0.75, points[0].Availability, 0.001)
	assert.InDelta(t, 115.0, points[0].AvgLatencyMs, 0.001)
	assert.Equal(t, int64(4), points[0].Samples)

	require.NoError(t, s.DeleteMonitor(m.ID))
	_, err = s.GetMonitor(m.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestAlertRuleCooldownPersistence(t *testing.T) {
	s := openTestStore(t)
	h := createTestHost(t, s)

	ch := &types.NotificationChannel{UserID: 1, Name: "ops", Kind: "webhook"}
	require.NoError(t, s.CreateChannel(ch, []byte("encrypted")))

	rule := &types.AlertRule{
		UserID:      1,
		Name:        "high cpu",
		HostID:      &h.ID,
		MetricType:  types.AlertMetricCPUUsage,
		Threshold:   90,
		Comparator:  types.CompareGT,
		DurationSec: 60,
		CooldownSec: 300,
		IsActive:    true,
		ChannelIDs:  []int64{ch.ID},
	}
	require.NoError(t, s.CreateAlertRule(rule))

	rules, err := s.ListActiveAlertRules()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, []int64{ch.ID}, rules[0].ChannelIDs)
	assert.False(t, rules[0].InCooldown(time.Now()))

	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.MarkAlertTriggered(rule.ID, at))

	got, err := s.GetAlertRule(rule.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastTriggeredAt)
	assert.True(t, got.InCooldown(at.Add(time.Minute)))
	assert.False(t, got.InCooldown(at.Add(10*time.Minute)))
}

func TestBatchTaskLifecycle(t *testing.T) {
	s := openTestStore(t)
	h1 := createTestHost(t, s)
	h2 := &types.Host{UserID: 1, Name: "web-02", AgentSecret: "secret-2"}
	require.NoError(t, s.CreateHost(h2))

	parent := &types.BatchCommandTask{ID: "batch-1", UserID: 1, ExecutionAlias: "restart nginx"}
	children := []*types.ChildCommandTask{
		{ID: "child-1", HostID: h1.ID},
		{ID: "child-2", HostID: h2.ID},
	}
	require.NoError(t, s.CreateBatchTask(parent, children))
	assert.Equal(t, types.BatchStatusPending, parent.Status)

	got, err := s.ChildrenOfBatch("batch-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, types.ChildStatusPending, got[0].Status)

	child := got[0]
	child.Status = types.ChildStatusCompletedSuccessfully
	exit := int32(0)
	child.ExitCode = &exit
	require.NoError(t, s.UpdateChildTask(child))

	active, err := s.ActiveChildrenForHost(child.HostID)
	require.NoError(t, err)
	assert.Empty(t, active)

	done := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.UpdateBatchStatus("batch-1", types.BatchStatusCompletedSuccessfully, &done))
	gotParent, err := s.GetBatchTask("batch-1")
	require.NoError(t, err)
	assert.Equal(t, types.BatchStatusCompletedSuccessfully, gotParent.Status)
	require.NotNil(t, gotParent.CompletedAt)
}

func TestRenewalAdvance(t *testing.T) {
	s := openTestStore(t)
	h := createTestHost(t, s)

	next := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	ren := &types.Renewal{
		HostID:           h.ID,
		Cycle:            types.CycleMonthly,
		NextRenewalDate:  &next,
		AutoRenewEnabled: true,
		ReminderActive:   true,
	}
	require.NoError(t, s.UpsertRenewal(ren))

	advanced := ren.NextDate(next)
	require.NoError(t, s.AdvanceRenewal(h.ID, next, advanced))

	got, err := s.GetRenewal(h.ID)
	require.NoError(t, err)
	assert.False(t, got.ReminderActive)
	require.NotNil(t, got.NextRenewalDate)
	// Jan 31 + 1 month clamps to Feb 28.
	assert.Equal(t, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC).UnixMilli(), got.NextRenewalDate.UnixMilli())
}

func TestTagAssignments(t *testing.T) {
	s := openTestStore(t)
	h := createTestHost(t, s)

	tag := &types.Tag{UserID: 1, Name: "prod", Color: "#ff0000", IsVisible: true}
	require.NoError(t, s.CreateTag(tag))

	require.NoError(t, s.SetHostTags(h.ID, []int64{tag.ID}))
	tags, err := s.TagsForHost(h.ID)
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, "prod", tags[0].Name)

	ids, err := s.HostIDsForTags([]int64{tag.ID})
	require.NoError(t, err)
	assert.Equal(t, []int64{h.ID}, ids)

	require.NoError(t, s.SetHostTags(h.ID, nil))
	tags, err = s.TagsForHost(h.ID)
	require.NoError(t, err)
	assert.Empty(t, tags)
}

func TestDoPoolExhaustion(t *testing.T) {
	s, err := Open(t.TempDir(), Options{MaxWorkers: 1})
	require.NoError(t, err)
	defer s.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = s.Do(context.Background(), func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = s.Do(ctx, func() error { return nil })
	require.Error(t, err)
	var se *types.StorageError
	assert.ErrorAs(t, err, &se)
	close(release)
}
