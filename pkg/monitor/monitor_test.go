package monitor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodenexus/nodenexus/pkg/storage"
	"github.com/nodenexus/nodenexus/pkg/types"
)

type fixture struct {
	store    *storage.Store
	resolver *Resolver
	h1, h2, h3 *types.Host
	tagT     *types.Tag
}

// Three hosts: h1 carries tag T, h2 has nothing, h3 is assigned directly.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.Open(t.TempDir(), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{store: store, resolver: NewResolver(store)}
	f.h1 = &types.Host{UserID: 1, Name: "h1", AgentSecret: "s1"}
	f.h2 = &types.Host{UserID: 1, Name: "h2", AgentSecret: "s2"}
	f.h3 = &types.Host{UserID: 1, Name: "h3", AgentSecret: "s3"}
	for _, h := range []*types.Host{f.h1, f.h2, f.h3} {
		require.NoError(t, store.CreateHost(h))
	}

	f.tagT = &types.Tag{UserID: 1, Name: "T", IsVisible: true}
	require.NoError(t, store.CreateTag(f.tagT))
	require.NoError(t, store.SetHostTags(f.h1.ID, []int64{f.tagT.ID}))
	return f
}

func (f *fixture) createMonitor(t *testing.T, at types.AssignmentType) *types.ServiceMonitor {
	t.Helper()
	m := &types.ServiceMonitor{
		UserID:         1,
		Name:           "M",
		Type:           types.MonitorTypeHTTP,
		Target:         "http://example.com",
		FrequencySec:   60,
		TimeoutSec:     10,
		IsActive:       true,
		AssignmentType: at,
	}
	require.NoError(t, f.store.CreateMonitor(m, &types.MonitorAssignments{
		HostIDs: []int64{f.h3.ID},
		TagIDs:  []int64{f.tagT.ID},
	}))
	return m
}

func runnableIDs(t *testing.T, r *Resolver, h *types.Host) []int64 {
	t.Helper()
	monitors, err := r.RunnableForHost(h)
	require.NoError(t, err)
	ids := make([]int64, len(monitors))
	for i, m := range monitors {
		ids[i] = m.ID
	}
	return ids
}

func TestRunnableSetInclusiveExclusive(t *testing.T) {
	f := newFixture(t)
	m := f.createMonitor(t, types.AssignmentInclusive)

	// Inclusive: the named set (tag T expands to h1; h3 directly) runs it.
	assert.Equal(t, []int64{m.ID}, runnableIDs(t, f.resolver, f.h1))
	assert.Empty(t, runnableIDs(t, f.resolver, f.h2))
	assert.Equal(t, []int64{m.ID}, runnableIDs(t, f.resolver, f.h3))

	// Flip to exclusive: the complement runs it.
	m.AssignmentType = types.AssignmentExclusive
	require.NoError(t, f.store.UpdateMonitor(m, nil))
	assert.Empty(t, runnableIDs(t, f.resolver, f.h1))
	assert.Equal(t, []int64{m.ID}, runnableIDs(t, f.resolver, f.h2))
	assert.Empty(t, runnableIDs(t, f.resolver, f.h3))
}

func TestRunnableSetSkipsInactiveAndForeign(t *testing.T) {
	f := newFixture(t)
	m := f.createMonitor(t, types.AssignmentInclusive)

	m.IsActive = false
	require.NoError(t, f.store.UpdateMonitor(m, nil))
	assert.Empty(t, runnableIDs(t, f.resolver, f.h1))

	// Another user's host never matches, even with exclusive monitors.
	other := &types.Host{UserID: 2, Name: "other", AgentSecret: "x"}
	require.NoError(t, f.store.CreateHost(other))
	m.IsActive = true
	m.AssignmentType = types.AssignmentExclusive
	require.NoError(t, f.store.UpdateMonitor(m, nil))
	assert.Empty(t, runnableIDs(t, f.resolver, other))
}

func TestAffectedHosts(t *testing.T) {
	f := newFixture(t)
	m := f.createMonitor(t, types.AssignmentInclusive)

	affected, err := f.resolver.AffectedHosts(m)
	require.NoError(t, err)
	assert.Equal(t, []int64{f.h1.ID, f.h3.ID}, affected)

	m.AssignmentType = types.AssignmentExclusive
	require.NoError(t, f.store.UpdateMonitor(m, nil))
	affected, err = f.resolver.AffectedHosts(m)
	require.NoError(t, err)
	assert.Equal(t, []int64{f.h2.ID}, affected)
}

func TestTasksForHostProjection(t *testing.T) {
	f := newFixture(t)
	m := f.createMonitor(t, types.AssignmentInclusive)

	tasks, err := f.resolver.TasksForHost(f.h1.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, m.ID, tasks[0].MonitorID)
	assert.Equal(t, types.MonitorTypeHTTP, tasks[0].Type)
	assert.Equal(t, "http://example.com", tasks[0].Target)
}

func TestSymmetricDiff(t *testing.T) {
	tests := []struct {
		name string
		a, b []int64
		want []int64
	}{
		{"disjoint", []int64{1, 2}, []int64{3}, []int64{1, 2, 3}},
		{"identical", []int64{1, 2}, []int64{1, 2}, nil},
		{"overlap", []int64{1, 2, 3}, []int64{2, 3, 4}, []int64{1, 4}},
		{"empty", nil, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SymmetricDiff(tt.a, tt.b))
		})
	}
}

type recordingNotifier struct {
	mu    sync.Mutex
	hosts [][]int64
}

func (n *recordingNotifier) PushEffectiveConfig(hostIDs ...int64) {
	n.mu.Lock()
	n.hosts = append(n.hosts, hostIDs)
	n.mu.Unlock()
}

type recordingPusher struct {
	mu      sync.Mutex
	pings   int
	results []*types.ServiceMonitorResult
}

func (p *recordingPusher) ServerListChanged() {
	p.mu.Lock()
	p.pings++
	p.mu.Unlock()
}

func (p *recordingPusher) MonitorResult(r *types.ServiceMonitorResult) {
	p.mu.Lock()
	p.results = append(p.results, r)
	p.mu.Unlock()
}

func TestServiceUpdateNotifiesSymmetricDifference(t *testing.T) {
	f := newFixture(t)
	notifier := &recordingNotifier{}
	pusher := &recordingPusher{}
	svc := NewService(f.store, f.resolver, notifier, pusher)

	m := f.createMonitor(t, types.AssignmentInclusive)

	// Flipping to exclusive swaps {h1,h3} for {h2}: all three change.
	m.AssignmentType = types.AssignmentExclusive
	require.NoError(t, svc.Update(m, nil))

	require.Len(t, notifier.hosts, 1)
	assert.ElementsMatch(t, []int64{f.h1.ID, f.h2.ID, f.h3.ID}, notifier.hosts[0])
	assert.Equal(t, 1, pusher.pings)
}

func TestServiceUpdateProbeChangeNotifiesKeepers(t *testing.T) {
	f := newFixture(t)
	notifier := &recordingNotifier{}
	svc := NewService(f.store, f.resolver, notifier, &recordingPusher{})

	m := f.createMonitor(t, types.AssignmentInclusive)

	// Same assignment, new target: the hosts keeping the probe still
	// need the new task definition.
	m.Target = "http://example.org"
	require.NoError(t, svc.Update(m, nil))

	require.Len(t, notifier.hosts, 1)
	assert.ElementsMatch(t, []int64{f.h1.ID, f.h3.ID}, notifier.hosts[0])
}

func TestServiceValidate(t *testing.T) {
	f := newFixture(t)
	svc := NewService(f.store, f.resolver, nil, &recordingPusher{})

	err := svc.Create(&types.ServiceMonitor{
		UserID: 1, Name: "bad", Type: "ftp", Target: "x", FrequencySec: 60,
	}, nil)
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	err = svc.Create(&types.ServiceMonitor{
		UserID: 1, Name: "bad", Type: types.MonitorTypeTCP, Target: "", FrequencySec: 60,
	}, nil)
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestRecordInsertsAndBroadcasts(t *testing.T) {
	f := newFixture(t)
	pusher := &recordingPusher{}
	svc := NewService(f.store, f.resolver, nil, pusher)
	m := f.createMonitor(t, types.AssignmentInclusive)

	res := &types.ServiceMonitorResult{
		Time:      time.Now().UTC().Truncate(time.Millisecond),
		MonitorID: m.ID,
		HostID:    f.h1.ID,
		IsUp:      true,
		LatencyMs: 42,
	}
	svc.Record(res)

	require.Len(t, pusher.results, 1)
	assert.Same(t, res, pusher.results[0])
	// Result broadcasts bypass the debouncer.
	assert.Zero(t, pusher.pings)

	stored, err := f.store.RecentMonitorResults(m.ID, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, int32(42), stored[0].LatencyMs)
}
