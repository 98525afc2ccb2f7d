package renewal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodenexus/nodenexus/pkg/storage"
	"github.com/nodenexus/nodenexus/pkg/types"
)

type pingCounter struct{ n int }

func (p *pingCounter) ServerListChanged() { p.n++ }

type fixture struct {
	store *storage.Store
	push  *pingCounter
	sched *Scheduler
	host  *types.Host
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.Open(t.TempDir(), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{store: store, push: &pingCounter{}}
	f.sched = &Scheduler{Store: store, Push: f.push}
	f.host = &types.Host{UserID: 1, Name: "h", AgentSecret: "s"}
	require.NoError(t, store.CreateHost(f.host))
	return f
}

func (f *fixture) upsert(t *testing.T, ren *types.Renewal) {
	t.Helper()
	ren.HostID = f.host.ID
	require.NoError(t, f.store.UpsertRenewal(ren))
}

func TestReminderActivatesWithinLeadTime(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	next := now.Add(5 * 24 * time.Hour)
	f.upsert(t, &types.Renewal{Cycle: types.CycleMonthly, NextRenewalDate: &next})

	f.sched.RunOnce(now)

	got, err := f.store.GetRenewal(f.host.ID)
	require.NoError(t, err)
	assert.True(t, got.ReminderActive)
	assert.Equal(t, 1, f.push.n)

	// Already active: the next sweep is quiet.
	f.sched.RunOnce(now.Add(time.Hour))
	assert.Equal(t, 1, f.push.n)
}

func TestReminderNotActivatedOutsideLeadTime(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	next := now.Add(10 * 24 * time.Hour)
	f.upsert(t, &types.Renewal{Cycle: types.CycleMonthly, NextRenewalDate: &next})

	f.sched.RunOnce(now)

	got, err := f.store.GetRenewal(f.host.ID)
	require.NoError(t, err)
	assert.False(t, got.ReminderActive)
	assert.Zero(t, f.push.n)
}

func TestAutoRenewAdvancesDueRenewal(t *testing.T) {
	f := newFixture(t)
	due := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	f.upsert(t, &types.Renewal{
		Cycle:            types.CycleMonthly,
		NextRenewalDate:  &due,
		AutoRenewEnabled: true,
		ReminderActive:   true,
	})

	f.sched.RunOnce(due.Add(time.Hour))

	got, err := f.store.GetRenewal(f.host.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRenewalDate)
	assert.Equal(t, due.UnixMilli(), got.LastRenewalDate.UnixMilli())
	// Jan 31 + 1 month clamps to Feb 28.
	require.NotNil(t, got.NextRenewalDate)
	assert.Equal(t, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC).UnixMilli(), got.NextRenewalDate.UnixMilli())
	assert.False(t, got.ReminderActive)
}

func TestAutoRenewDisabledStaysPut(t *testing.T) {
	f := newFixture(t)
	due := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	f.upsert(t, &types.Renewal{Cycle: types.CycleMonthly, NextRenewalDate: &due})

	f.sched.RunOnce(due.Add(30 * 24 * time.Hour))

	got, err := f.store.GetRenewal(f.host.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastRenewalDate)
	assert.Equal(t, due.UnixMilli(), got.NextRenewalDate.UnixMilli())
	// But being past due is well inside the reminder lead time.
	assert.True(t, got.ReminderActive)
}

func TestCustomDaysCycle(t *testing.T) {
	f := newFixture(t)
	due := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	f.upsert(t, &types.Renewal{
		Cycle:            types.CycleCustomDays,
		CustomCycleDays:  45,
		NextRenewalDate:  &due,
		AutoRenewEnabled: true,
	})

	f.sched.RunOnce(due)

	got, err := f.store.GetRenewal(f.host.ID)
	require.NoError(t, err)
	assert.Equal(t, due.AddDate(0, 0, 45).UnixMilli(), got.NextRenewalDate.UnixMilli())
}

func TestDismissReminder(t *testing.T) {
	f := newFixture(t)
	next := time.Now().UTC().Add(3 * 24 * time.Hour)
	f.upsert(t, &types.Renewal{Cycle: types.CycleMonthly, NextRenewalDate: &next, ReminderActive: true})

	require.NoError(t, f.sched.DismissReminder(f.host.ID))

	got, err := f.store.GetRenewal(f.host.ID)
	require.NoError(t, err)
	assert.False(t, got.ReminderActive)
	assert.Equal(t, 1, f.push.n)

	err = f.sched.DismissReminder(99999)
	assert.ErrorIs(t, err, types.ErrNotFound)
}
