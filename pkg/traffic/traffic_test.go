package traffic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodenexus/nodenexus/pkg/cache"
	"github.com/nodenexus/nodenexus/pkg/storage"
	"github.com/nodenexus/nodenexus/pkg/types"
)

func TestNextResetMonthlyDay(t *testing.T) {
	tests := []struct {
		name  string
		value string
		after time.Time
		want  time.Time
	}{
		{
			"next occurrence this cycle",
			"day:15,time_offset_seconds:28800",
			time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC),
			time.Date(2026, 2, 15, 8, 0, 0, 0, time.UTC),
		},
		{
			"still ahead in current month",
			"day:15,time_offset_seconds:28800",
			time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC),
			time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC),
		},
		{
			"short month clamps to last day",
			"day:31",
			time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC),
			time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC),
		},
		{
			"leap february",
			"day:31",
			time.Date(2028, 1, 31, 0, 0, 0, 0, time.UTC),
			time.Date(2028, 2, 29, 0, 0, 0, 0, time.UTC),
		},
		{
			"december wraps the year",
			"day:15",
			time.Date(2026, 12, 20, 0, 0, 0, 0, time.UTC),
			time.Date(2027, 1, 15, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextReset(types.TrafficResetMonthlyDay, tt.value, tt.after)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextResetFixedDays(t *testing.T) {
	after := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	got, err := NextReset(types.TrafficResetFixedDays, "30", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC), got)
}

func TestNextResetInvalid(t *testing.T) {
	after := time.Now()
	for _, tc := range []struct {
		rule  types.TrafficResetRule
		value string
	}{
		{types.TrafficResetMonthlyDay, ""},
		{types.TrafficResetMonthlyDay, "day:0"},
		{types.TrafficResetMonthlyDay, "day:32"},
		{types.TrafficResetMonthlyDay, "time_offset_seconds:10"},
		{types.TrafficResetMonthlyDay, "day:oops"},
		{types.TrafficResetFixedDays, "0"},
		{types.TrafficResetFixedDays, "x"},
		{"lunar", "day:1"},
	} {
		_, err := NextReset(tc.rule, tc.value, after)
		assert.ErrorIs(t, err, types.ErrInvalidInput, "%s %q", tc.rule, tc.value)
	}
}

type pingCounter struct{ n int }

func (p *pingCounter) ServerListChanged() { p.n++ }

func TestSweeperResetsDueHosts(t *testing.T) {
	store, err := storage.Open(t.TempDir(), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	boundary := time.Date(2026, 2, 15, 8, 0, 0, 0, time.UTC)
	due := &types.Host{
		UserID: 1, Name: "due", AgentSecret: "s1",
		TrafficResetRule:   types.TrafficResetMonthlyDay,
		TrafficResetValue:  "day:15,time_offset_seconds:28800",
		NextTrafficResetAt: &boundary,
	}
	require.NoError(t, store.CreateHost(due))

	later := boundary.Add(30 * 24 * time.Hour)
	notDue := &types.Host{
		UserID: 1, Name: "not-due", AgentSecret: "s2",
		TrafficResetRule:   types.TrafficResetFixedDays,
		TrafficResetValue:  "30",
		NextTrafficResetAt: &later,
	}
	require.NoError(t, store.CreateHost(notDue))

	// Accrue some cycle traffic on the due host.
	require.NoError(t, store.InsertSnapshot(&types.PerformanceSnapshot{
		HostID: due.ID, Time: boundary.Add(-time.Hour),
		NetworkRxCumulative: 5000, NetworkTxCumulative: 3000,
	}))

	state := cache.New(store)
	require.NoError(t, state.Load())
	push := &pingCounter{}
	s := &Sweeper{Store: store, State: state, Push: push}

	// The sweep runs a few minutes after the boundary.
	s.RunOnce(boundary.Add(3 * time.Minute))

	got, err := store.GetHost(due.ID)
	require.NoError(t, err)
	assert.Zero(t, got.TrafficCurrentCycleRx)
	assert.Zero(t, got.TrafficCurrentCycleTx)
	// Cumulative watermarks survive the reset.
	assert.Equal(t, int64(5000), got.LastProcessedCumulativeRx)
	assert.Equal(t, int64(3000), got.LastProcessedCumulativeTx)
	// The reset is recorded at the scheduled boundary.
	require.NotNil(t, got.TrafficLastResetAt)
	assert.Equal(t, boundary.UnixMilli(), got.TrafficLastResetAt.UnixMilli())
	require.NotNil(t, got.NextTrafficResetAt)
	assert.Equal(t, time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC), got.NextTrafficResetAt.UTC())

	untouched, err := store.GetHost(notDue.ID)
	require.NoError(t, err)
	assert.Equal(t, later.UnixMilli(), untouched.NextTrafficResetAt.UnixMilli())

	assert.Equal(t, 1, push.n)

	// Re-running with nothing due is a no-op.
	s.RunOnce(boundary.Add(4 * time.Minute))
	assert.Equal(t, 1, push.n)
}
