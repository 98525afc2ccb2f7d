// Package aggregate runs the metrics rollup and retention pipeline:
// raw snapshots fold into 1m, 1h and 1d summaries on a cron schedule,
// and each tier is pruned past its retention horizon.
package aggregate

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nodenexus/nodenexus/pkg/log"
	"github.com/nodenexus/nodenexus/pkg/storage"
	"github.com/nodenexus/nodenexus/pkg/types"
)

// Retention holds the per-tier horizons. Zero values select defaults.
type Retention struct {
	Raw            time.Duration
	Summary1m      time.Duration
	Summary1h      time.Duration
	Summary1d      time.Duration
	MonitorResults time.Duration
}

func (r *Retention) applyDefaults() {
	if r.Raw <= 0 {
		r.Raw = 24 * time.Hour
	}
	if r.Summary1m <= 0 {
		r.Summary1m = 7 * 24 * time.Hour
	}
	if r.Summary1h <= 0 {
		r.Summary1h = 30 * 24 * time.Hour
	}
	if r.Summary1d <= 0 {
		r.Summary1d = 365 * 24 * time.Hour
	}
	if r.MonitorResults <= 0 {
		r.MonitorResults = 30 * 24 * time.Hour
	}
}

// Scheduler drives rollups on a cron spec (default @hourly).
type Scheduler struct {
	store     *storage.Store
	spec      string
	retention Retention

	cron    *cron.Cron
	runMu   sync.Mutex
	nowFunc func() time.Time
}

// NewScheduler builds a scheduler; an empty spec means @hourly.
func NewScheduler(store *storage.Store, spec string, retention Retention) *Scheduler {
	if spec == "" {
		spec = "@hourly"
	}
	retention.applyDefaults()
	return &Scheduler{
		store:     store,
		spec:      spec,
		retention: retention,
		nowFunc:   time.Now,
	}
}

// Start registers the cron entry and launches the runner. The first
// rollup also runs immediately so a restart catches up without waiting
// for the next boundary.
func (s *Scheduler) Start() error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.spec, func() { s.RunOnce() }); err != nil {
		return err
	}
	s.cron.Start()
	go s.RunOnce()
	return nil
}

// Stop halts the cron runner and waits for an in-flight pass.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.runMu.Lock()
	s.runMu.Unlock()
}

// RunOnce executes one rollup + retention pass. Passes never overlap.
func (s *Scheduler) RunOnce() {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	logger := log.WithComponent("aggregate")
	start := s.nowFunc()

	// Each tier re-aggregates from its newest bucket so the open bucket
	// is recomputed and the pass stays idempotent.
	wm, err := s.store.RollupWatermark(types.Summary1m)
	if err == nil {
		_, err = s.store.RollupRawTo1m(wm)
	}
	if err != nil {
		logger.Error().Err(err).Msg("1m rollup failed")
		return
	}

	if wm, err = s.store.RollupWatermark(types.Summary1h); err == nil {
		_, err = s.store.RollupUp(types.Summary1m, types.Summary1h, wm)
	}
	if err != nil {
		logger.Error().Err(err).Msg("1h rollup failed")
		return
	}

	if wm, err = s.store.RollupWatermark(types.Summary1d); err == nil {
		_, err = s.store.RollupUp(types.Summary1h, types.Summary1d, wm)
	}
	if err != nil {
		logger.Error().Err(err).Msg("1d rollup failed")
		return
	}

	now := s.nowFunc()
	prunes := []struct {
		name string
		fn   func() (int64, error)
	}{
		{"raw", func() (int64, error) { return s.store.PruneSnapshots(now.Add(-s.retention.Raw)) }},
		{"1m", func() (int64, error) { return s.store.PruneSummaries(types.Summary1m, now.Add(-s.retention.Summary1m)) }},
		{"1h", func() (int64, error) { return s.store.PruneSummaries(types.Summary1h, now.Add(-s.retention.Summary1h)) }},
		{"1d", func() (int64, error) { return s.store.PruneSummaries(types.Summary1d, now.Add(-s.retention.Summary1d)) }},
		{"monitor_results", func() (int64, error) { return s.store.PruneMonitorResults(now.Add(-s.retention.MonitorResults)) }},
	}
	var pruned int64
	for _, p := range prunes {
		n, err := p.fn()
		if err != nil {
			logger.Error().Err(err).Str("tier", p.name).Msg("prune failed")
			continue
		}
		pruned += n
	}

	logger.Info().Dur("took", s.nowFunc().Sub(start)).Int64("pruned", pruned).Msg("rollup pass complete")
}
