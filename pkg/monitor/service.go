package monitor

import (
	"github.com/nodenexus/nodenexus/pkg/log"
	"github.com/nodenexus/nodenexus/pkg/storage"
	"github.com/nodenexus/nodenexus/pkg/types"
)

// ConfigNotifier repushes effective configs to connected agents.
type ConfigNotifier interface {
	PushEffectiveConfig(hostIDs ...int64)
}

// Pusher is the slice of the broadcast pusher the service signals.
type Pusher interface {
	ServerListChanged()
	MonitorResult(*types.ServiceMonitorResult)
}

// Service orchestrates monitor changes: every create/update/delete
// recomputes the affected-host sets and pushes fresh configs to the
// hosts whose runnable set changed.
type Service struct {
	store    *storage.Store
	resolver *Resolver
	configs  ConfigNotifier
	push     Pusher
}

// NewService wires the monitor service.
func NewService(store *storage.Store, resolver *Resolver, configs ConfigNotifier, push Pusher) *Service {
	return &Service{store: store, resolver: resolver, configs: configs, push: push}
}

// Create persists a new monitor and notifies its affected hosts.
func (s *Service) Create(m *types.ServiceMonitor, assign *types.MonitorAssignments) error {
	if err := validate(m); err != nil {
		return err
	}
	if err := s.store.CreateMonitor(m, assign); err != nil {
		return err
	}
	affected, err := s.resolver.AffectedHosts(m)
	if err != nil {
		return err
	}
	s.notify(affected)
	return nil
}

// Update replaces the monitor and notifies every host whose assignment
// changed: hosts that gained the probe, hosts that lost it, and (on
// target or frequency changes) hosts that keep it.
func (s *Service) Update(m *types.ServiceMonitor, assign *types.MonitorAssignments) error {
	if err := validate(m); err != nil {
		return err
	}
	old, err := s.store.GetMonitor(m.ID)
	if err != nil {
		return err
	}
	oldAffected, err := s.resolver.AffectedHosts(old)
	if err != nil {
		return err
	}
	if err := s.store.UpdateMonitor(m, assign); err != nil {
		return err
	}
	newAffected, err := s.resolver.AffectedHosts(m)
	if err != nil {
		return err
	}

	changed := SymmetricDiff(oldAffected, newAffected)
	if probeChanged(old, m) {
		// The probe itself changed: every host still running it needs
		// the new task definition too.
		changed = union(changed, newAffected)
	}
	s.notify(changed)
	return nil
}

// Delete removes the monitor and notifies the hosts that were running it.
func (s *Service) Delete(id int64) error {
	m, err := s.store.GetMonitor(id)
	if err != nil {
		return err
	}
	affected, err := s.resolver.AffectedHosts(m)
	if err != nil {
		return err
	}
	if err := s.store.DeleteMonitor(id); err != nil {
		return err
	}
	s.notify(affected)
	return nil
}

func (s *Service) notify(hostIDs []int64) {
	if len(hostIDs) == 0 {
		return
	}
	log.WithComponent("monitor").Debug().Ints64("host_ids", hostIDs).Msg("repushing configs")
	if s.configs != nil {
		s.configs.PushEffectiveConfig(hostIDs...)
	}
	s.push.ServerListChanged()
}

// Record persists one probe result and fans it out immediately; result
// broadcasts bypass the debouncer.
func (s *Service) Record(r *types.ServiceMonitorResult) {
	if err := s.store.InsertMonitorResult(r); err != nil {
		log.WithComponent("monitor").Error().Err(err).
			Int64("monitor_id", r.MonitorID).Int64("host_id", r.HostID).
			Msg("result insert failed")
		return
	}
	s.push.MonitorResult(r)
}

func validate(m *types.ServiceMonitor) error {
	switch m.Type {
	case types.MonitorTypeHTTP, types.MonitorTypeHTTPS, types.MonitorTypeTCP, types.MonitorTypePing:
	default:
		return types.ErrInvalidInput
	}
	switch m.AssignmentType {
	case "", types.AssignmentInclusive, types.AssignmentExclusive:
	default:
		return types.ErrInvalidInput
	}
	if m.Target == "" || m.FrequencySec <= 0 {
		return types.ErrInvalidInput
	}
	return nil
}

func probeChanged(old, new *types.ServiceMonitor) bool {
	return old.Type != new.Type ||
		old.Target != new.Target ||
		old.FrequencySec != new.FrequencySec ||
		old.TimeoutSec != new.TimeoutSec ||
		string(old.Config) != string(new.Config)
}

func union(a, b []int64) []int64 {
	seen := make(map[int64]bool, len(a)+len(b))
	var out []int64
	for _, id := range a {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range b {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
