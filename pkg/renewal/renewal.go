// Package renewal runs the billing lifecycle loops: reminder activation
// ahead of the renewal date and automatic cycle advancement.
package renewal

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nodenexus/nodenexus/pkg/cache"
	"github.com/nodenexus/nodenexus/pkg/log"
	"github.com/nodenexus/nodenexus/pkg/storage"
	"github.com/nodenexus/nodenexus/pkg/types"
)

const (
	// DefaultInterval is the cadence of both loops.
	DefaultInterval = 6 * time.Hour
	// ReminderLeadTime is how far ahead of the renewal date the reminder
	// activates.
	ReminderLeadTime = 7 * 24 * time.Hour
)

// Pusher is pinged when renewal rows change.
type Pusher interface {
	ServerListChanged()
}

// Scheduler owns the two renewal loops.
type Scheduler struct {
	Store    *storage.Store
	State    *cache.LiveState
	Push     Pusher
	Clock    clock.Clock
	Interval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewScheduler wires a scheduler with the default interval.
func NewScheduler(store *storage.Store, state *cache.LiveState, push Pusher, clk clock.Clock) *Scheduler {
	return &Scheduler{Store: store, State: state, Push: push, Clock: clk, Interval: DefaultInterval}
}

// Start launches the loop.
func (s *Scheduler) Start() {
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run()
}

// Stop halts the loop.
func (s *Scheduler) Stop() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) run() {
	defer close(s.doneCh)
	ticker := s.Clock.Ticker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.RunOnce(now)
		}
	}
}

// RunOnce executes both passes at the given instant.
func (s *Scheduler) RunOnce(now time.Time) {
	changed := s.activateReminders(now)
	changed = s.processAutoRenewals(now) || changed
	if changed && s.Push != nil {
		s.Push.ServerListChanged()
	}
}

// activateReminders flips reminder_active on renewals due within the
// lead time.
func (s *Scheduler) activateReminders(now time.Time) bool {
	logger := log.WithComponent("renewal")
	renewals, err := s.Store.ListRenewals()
	if err != nil {
		logger.Error().Err(err).Msg("renewal listing failed")
		return false
	}
	horizon := now.Add(ReminderLeadTime)
	changed := false
	for _, ren := range renewals {
		if ren.ReminderActive || ren.NextRenewalDate == nil || ren.NextRenewalDate.After(horizon) {
			continue
		}
		if err := s.Store.SetReminderActive(ren.HostID, true); err != nil {
			logger.Error().Err(err).Int64("host_id", ren.HostID).Msg("reminder activation failed")
			continue
		}
		logger.Info().Int64("host_id", ren.HostID).
			Time("next_renewal", *ren.NextRenewalDate).Msg("renewal reminder activated")
		s.refresh(ren.HostID)
		changed = true
	}
	return changed
}

// processAutoRenewals advances due renewals: the old next date becomes
// the last date and the reminder clears.
func (s *Scheduler) processAutoRenewals(now time.Time) bool {
	logger := log.WithComponent("renewal")
	renewals, err := s.Store.ListRenewals()
	if err != nil {
		logger.Error().Err(err).Msg("renewal listing failed")
		return false
	}
	changed := false
	for _, ren := range renewals {
		if !ren.AutoRenewEnabled || ren.NextRenewalDate == nil || ren.NextRenewalDate.After(now) {
			continue
		}
		last := *ren.NextRenewalDate
		next := ren.NextDate(last)
		if err := s.Store.AdvanceRenewal(ren.HostID, last, next); err != nil {
			logger.Error().Err(err).Int64("host_id", ren.HostID).Msg("renewal advance failed")
			continue
		}
		logger.Info().Int64("host_id", ren.HostID).
			Time("last_renewal", last).Time("next_renewal", next).Msg("renewal advanced")
		s.refresh(ren.HostID)
		changed = true
	}
	return changed
}

// DismissReminder clears a reminder the user acknowledged.
func (s *Scheduler) DismissReminder(hostID int64) error {
	if err := s.Store.SetReminderActive(hostID, false); err != nil {
		return err
	}
	s.refresh(hostID)
	if s.Push != nil {
		s.Push.ServerListChanged()
	}
	return nil
}

func (s *Scheduler) refresh(hostID int64) {
	if s.State == nil {
		return
	}
	if err := s.State.Refresh(hostID); err != nil && !errors.Is(err, types.ErrNotFound) {
		log.WithComponent("renewal").Error().Err(err).Int64("host_id", hostID).Msg("cache refresh failed")
	}
}
