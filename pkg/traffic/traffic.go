// Package traffic owns billing-cycle boundaries: a periodic sweep zeroes
// the cycle counters of hosts whose reset time has passed and schedules
// the next boundary from the host's reset rule.
package traffic

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nodenexus/nodenexus/pkg/cache"
	"github.com/nodenexus/nodenexus/pkg/log"
	"github.com/nodenexus/nodenexus/pkg/storage"
	"github.com/nodenexus/nodenexus/pkg/types"
)

// DefaultSweepInterval is how often due resets are looked for.
const DefaultSweepInterval = 5 * time.Minute

// Pusher is pinged after resets change host rows.
type Pusher interface {
	ServerListChanged()
}

// Sweeper runs the periodic reset loop.
type Sweeper struct {
	Store    *storage.Store
	State    *cache.LiveState
	Push     Pusher
	Clock    clock.Clock
	Interval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSweeper wires a sweeper with the default interval.
func NewSweeper(store *storage.Store, state *cache.LiveState, push Pusher, clk clock.Clock) *Sweeper {
	return &Sweeper{Store: store, State: state, Push: push, Clock: clk, Interval: DefaultSweepInterval}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run()
}

// Stop halts the loop.
func (s *Sweeper) Stop() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) run() {
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

// RunOnce resets every host whose boundary has passed. The reset is
// recorded at the scheduled boundary, not at sweep time, so a late sweep
// does not drift the cycle.
func (s *Sweeper) RunOnce(now time.Time) {
	logger := log.WithComponent("traffic")
	hosts, err := s.Store.ListHostsDueTrafficReset(now)
	if err != nil {
		logger.Error().Err(err).Msg("due host listing failed")
		return
	}
	if len(hosts) == 0 {
		return
	}

	var refreshed []int64
	for _, h := range hosts {
		scheduled := *h.NextTrafficResetAt
		next, err := NextReset(h.TrafficResetRule, h.TrafficResetValue, scheduled)
		var nextPtr *time.Time
		if err != nil {
			// A broken rule still gets its counters reset; the host just
			// stops cycling until the rule is fixed.
			logger.Warn().Err(err).Int64("host_id", h.ID).Msg("next reset computation failed")
		} else {
			nextPtr = &next
		}
		if err := s.Store.ResetTrafficCycle(h.ID, scheduled, nextPtr); err != nil {
			logger.Error().Err(err).Int64("host_id", h.ID).Msg("cycle reset failed")
			continue
		}
		logger.Info().Int64("host_id", h.ID).Time("reset_at", scheduled).Msg("traffic cycle reset")
		refreshed = append(refreshed, h.ID)
	}
	if len(refreshed) == 0 {
		return
	}
	if s.State != nil {
		if err := s.State.Refresh(refreshed...); err != nil {
			logger.Error().Err(err).Msg("cache refresh failed")
		}
	}
	if s.Push != nil {
		s.Push.ServerListChanged()
	}
}

// NextReset computes the boundary that follows after, per the host's
// reset rule.
func NextReset(rule types.TrafficResetRule, value string, after time.Time) (time.Time, error) {
	switch rule {
	case types.TrafficResetMonthlyDay:
		day, offset, err := parseMonthlyValue(value)
		if err != nil {
			return time.Time{}, err
		}
		after = after.UTC()
		next := monthlyBoundary(after.Year(), after.Month(), day, offset)
		if !next.After(after) {
			next = monthlyBoundary(after.Year(), after.Month()+1, day, offset)
		}
		return next, nil
	case types.TrafficResetFixedDays:
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n <= 0 {
			return time.Time{}, fmt.Errorf("fixed_days value %q: %w", value, types.ErrInvalidInput)
		}
		return after.UTC().AddDate(0, 0, n), nil
	}
	return time.Time{}, fmt.Errorf("unknown reset rule %q: %w", rule, types.ErrInvalidInput)
}

// parseMonthlyValue parses "day:<n>,time_offset_seconds:<s>". The offset
// is optional.
func parseMonthlyValue(value string) (int, time.Duration, error) {
	day := 0
	var offset time.Duration
	seen := false
	for _, part := range strings.Split(value, ",") {
		key, raw, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return 0, 0, fmt.Errorf("monthly reset value %q: %w", value, types.ErrInvalidInput)
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return 0, 0, fmt.Errorf("monthly reset value %q: %w", value, types.ErrInvalidInput)
		}
		switch key {
		case "day":
			day = n
			seen = true
		case "time_offset_seconds":
			offset = time.Duration(n) * time.Second
		default:
			return 0, 0, fmt.Errorf("monthly reset key %q: %w", key, types.ErrInvalidInput)
		}
	}
	if !seen || day < 1 || day > 31 {
		return 0, 0, fmt.Errorf("monthly reset value %q: %w", value, types.ErrInvalidInput)
	}
	return day, offset, nil
}

// monthlyBoundary clamps day to the target month's length. time.Date
// normalizes out-of-range months.
func monthlyBoundary(year int, month time.Month, day int, offset time.Duration) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, time.UTC).Add(offset)
}
