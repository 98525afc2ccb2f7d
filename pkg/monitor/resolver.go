// Package monitor computes which uptime probes run where, reacts to
// assignment changes by repushing agent configs, and records probe
// results.
package monitor

import (
	"sort"

	"github.com/nodenexus/nodenexus/pkg/storage"
	"github.com/nodenexus/nodenexus/pkg/types"
)

// Resolver computes runnable monitor sets.
//
// A host runs a monitor when the monitor is active, owned by the host's
// owner, and either (inclusive) named in the monitor's host/tag set, or
// (exclusive) absent from it.
type Resolver struct {
	store *storage.Store
}

// NewResolver builds a resolver over the store.
func NewResolver(store *storage.Store) *Resolver {
	return &Resolver{store: store}
}

// RunnableForHost returns the monitors the host should execute, ordered
// by monitor id.
func (r *Resolver) RunnableForHost(host *types.Host) ([]*types.ServiceMonitor, error) {
	direct, err := r.store.MonitorIDsForHost(host.ID)
	if err != nil {
		return nil, err
	}

	tags, err := r.store.TagsForHost(host.ID)
	if err != nil {
		return nil, err
	}
	tagIDs := make([]int64, len(tags))
	for i, tag := range tags {
		tagIDs[i] = tag.ID
	}
	tagged, err := r.store.MonitorIDsForTags(tagIDs)
	if err != nil {
		return nil, err
	}

	named := make(map[int64]bool, len(direct)+len(tagged))
	for _, id := range direct {
		named[id] = true
	}
	for _, id := range tagged {
		named[id] = true
	}

	active, err := r.store.ListMonitorsByUser(host.UserID)
	if err != nil {
		return nil, err
	}

	var runnable []*types.ServiceMonitor
	for _, m := range active {
		if !m.IsActive {
			continue
		}
		inSet := named[m.ID]
		switch m.AssignmentType {
		case types.AssignmentInclusive:
			if inSet {
				runnable = append(runnable, m)
			}
		case types.AssignmentExclusive:
			if !inSet {
				runnable = append(runnable, m)
			}
		}
	}
	sort.Slice(runnable, func(i, j int) bool { return runnable[i].ID < runnable[j].ID })
	return runnable, nil
}

// TasksForHost projects the runnable set into agent-facing probe tasks.
// Satisfies agentconfig.TaskSource.
func (r *Resolver) TasksForHost(hostID int64) ([]*types.ServiceMonitorTask, error) {
	host, err := r.store.GetHost(hostID)
	if err != nil {
		return nil, err
	}
	monitors, err := r.RunnableForHost(host)
	if err != nil {
		return nil, err
	}
	tasks := make([]*types.ServiceMonitorTask, len(monitors))
	for i, m := range monitors {
		tasks[i] = &types.ServiceMonitorTask{
			MonitorID:     m.ID,
			Type:          m.Type,
			Target:        m.Target,
			FrequencySec:  m.FrequencySec,
			TimeoutSec:    m.TimeoutSec,
			MonitorConfig: m.Config,
		}
	}
	return tasks, nil
}

// AffectedHosts returns the host ids a monitor currently runs on,
// ordered. Inactive monitors affect nobody.
func (r *Resolver) AffectedHosts(m *types.ServiceMonitor) ([]int64, error) {
	if !m.IsActive {
		return nil, nil
	}
	assign, err := r.store.MonitorAssignments(m.ID)
	if err != nil {
		return nil, err
	}
	named := make(map[int64]bool, len(assign.HostIDs))
	for _, id := range assign.HostIDs {
		named[id] = true
	}
	viaTags, err := r.store.HostIDsForTags(assign.TagIDs)
	if err != nil {
		return nil, err
	}
	for _, id := range viaTags {
		named[id] = true
	}

	owned, err := r.store.ListHostsByUser(m.UserID)
	if err != nil {
		return nil, err
	}
	var affected []int64
	for _, h := range owned {
		if named[h.ID] == (m.AssignmentType == types.AssignmentInclusive) {
			affected = append(affected, h.ID)
		}
	}
	sort.Slice(affected, func(i, j int) bool { return affected[i] < affected[j] })
	return affected, nil
}

// SymmetricDiff returns the ids present in exactly one of the two sets.
func SymmetricDiff(a, b []int64) []int64 {
	seen := make(map[int64]int, len(a)+len(b))
	for _, id := range a {
		seen[id] |= 1
	}
	for _, id := range b {
		seen[id] |= 2
	}
	var out []int64
	for id, mask := range seen {
		if mask != 3 {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
