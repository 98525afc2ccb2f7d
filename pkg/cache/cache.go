// Package cache holds the in-memory live state of the fleet: one fully
// joined record per host, refreshed from storage on change and read by
// the push pipeline and the HTTP surface.
package cache

import (
	"errors"
	"sort"
	"sync"

	"github.com/nodenexus/nodenexus/pkg/log"
	"github.com/nodenexus/nodenexus/pkg/storage"
	"github.com/nodenexus/nodenexus/pkg/types"
)

// LiveState is the authoritative in-memory snapshot of every host's
// joined record. Writers refresh entries after any storage change;
// readers get copies of the map, never the entries' interior.
type LiveState struct {
	store *storage.Store

	mu      sync.RWMutex
	entries map[int64]*types.ServerWithDetails
}

// New builds an empty live state over the store.
func New(store *storage.Store) *LiveState {
	return &LiveState{
		store:   store,
		entries: make(map[int64]*types.ServerWithDetails),
	}
}

// Load populates the state with every host at startup.
func (ls *LiveState) Load() error {
	hosts, err := ls.store.ListHosts()
	if err != nil {
		return err
	}
	ids := make([]int64, len(hosts))
	for i, h := range hosts {
		ids[i] = h.ID
	}
	return ls.Refresh(ids...)
}

// Refresh re-reads the given hosts from storage. Hosts that no longer
// exist are evicted. Called after any write that touches a host's joined
// record.
func (ls *LiveState) Refresh(ids ...int64) error {
	for _, id := range ids {
		entry, err := ls.load(id)
		if errors.Is(err, types.ErrNotFound) {
			ls.mu.Lock()
			delete(ls.entries, id)
			ls.mu.Unlock()
			continue
		}
		if err != nil {
			return err
		}
		ls.mu.Lock()
		ls.entries[id] = entry
		ls.mu.Unlock()
	}
	return nil
}

func (ls *LiveState) load(id int64) (*types.ServerWithDetails, error) {
	host, err := ls.store.GetHost(id)
	if err != nil {
		return nil, err
	}
	entry := &types.ServerWithDetails{Host: *host}

	if entry.LatestMetric, err = ls.store.LatestSnapshot(id); err != nil {
		return nil, err
	}
	if entry.Tags, err = ls.store.TagsForHost(id); err != nil {
		return nil, err
	}
	entry.Renewal, err = ls.store.GetRenewal(id)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}
	return entry, nil
}

// UpdateMetric is the ingest fast path: it swaps in the newest snapshot
// without a storage round trip. Unknown hosts are refreshed in full.
func (ls *LiveState) UpdateMetric(snap *types.PerformanceSnapshot) {
	ls.mu.Lock()
	entry, ok := ls.entries[snap.HostID]
	if ok {
		clone := *entry
		clone.LatestMetric = snap
		ls.entries[snap.HostID] = &clone
		ls.mu.Unlock()
		return
	}
	ls.mu.Unlock()
	if err := ls.Refresh(snap.HostID); err != nil {
		log.WithComponent("cache").Error().Err(err).Int64("host_id", snap.HostID).Msg("refresh after metric")
	}
}

// Get returns one host's entry, or nil when unknown.
func (ls *LiveState) Get(id int64) *types.ServerWithDetails {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.entries[id]
}

// SnapshotAll returns every entry ordered by host id.
func (ls *LiveState) SnapshotAll() []*types.ServerWithDetails {
	ls.mu.RLock()
	out := make([]*types.ServerWithDetails, 0, len(ls.entries))
	for _, e := range ls.entries {
		out = append(out, e)
	}
	ls.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove evicts a deleted host.
func (ls *LiveState) Remove(id int64) {
	ls.mu.Lock()
	delete(ls.entries, id)
	ls.mu.Unlock()
}
