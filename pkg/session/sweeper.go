package session

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nodenexus/nodenexus/pkg/cache"
	"github.com/nodenexus/nodenexus/pkg/log"
	"github.com/nodenexus/nodenexus/pkg/storage"
	"github.com/nodenexus/nodenexus/pkg/types"
)

// DefaultSweepInterval is both the sweep period and the silence
// threshold. Heartbeats arrive frequently relative to it, so one missed
// window means the transport is gone.
const DefaultSweepInterval = 60 * time.Second

// Sweeper converts transport silence into offline status.
type Sweeper struct {
	Store    *storage.Store
	State    *cache.LiveState
	Registry *Registry
	Push     Pusher
	Batches  DisconnectSink
	Clock    clock.Clock
	Interval time.Duration

	stopCh chan struct{}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	if s.Clock == nil {
		s.Clock = clock.New()
	}
	if s.Interval <= 0 {
		s.Interval = DefaultSweepInterval
	}
	s.stopCh = make(chan struct{})
	go s.run()
}

// Stop terminates the loop.
func (s *Sweeper) Stop() {
	close(s.stopCh)
}

func (s *Sweeper) run() {
	ticker := s.Clock.Ticker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopCh:
			return
		}
	}
}

// Sweep runs one pass: stale sessions are evicted, their hosts flipped
// offline, and a push is scheduled when anything changed.
func (s *Sweeper) Sweep() {
	logger := log.WithComponent("sweeper")
	cutoff := s.Clock.Now().Add(-s.Interval)

	changed := false
	for _, a := range s.Registry.SweepStale(cutoff) {
		logger.Info().Int64("host_id", a.HostID).Time("last_seen", a.LastSeen()).Msg("evicting silent agent")
		go a.Sender.Close()
		if s.Batches != nil {
			s.Batches.HandleAgentDisconnect(a.HostID)
		}

		statusChanged, err := s.Store.UpdateHostStatus(a.HostID, types.HostStatusOffline)
		if err != nil {
			logger.Error().Err(err).Int64("host_id", a.HostID).Msg("offline transition failed")
			continue
		}
		if err := s.State.Refresh(a.HostID); err != nil {
			logger.Error().Err(err).Int64("host_id", a.HostID).Msg("cache refresh failed")
		}
		if statusChanged {
			changed = true
		}
	}
	if changed {
		s.Push.ServerListChanged()
	}
}
