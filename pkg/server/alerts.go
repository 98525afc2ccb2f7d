package server

import (
	"fmt"
	"net/http"

	"github.com/nodenexus/nodenexus/pkg/types"
)

func (s *Server) listAlertRules(w http.ResponseWriter, r *http.Request) {
	var rules []*types.AlertRule
	err := s.do(r, func() error {
		var err error
		rules, err = s.Store.ListAlertRulesByUser(userID(r))
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func validateRule(rule *types.AlertRule) error {
	switch rule.MetricType {
	case types.AlertMetricCPUUsage, types.AlertMetricMemoryUsage, types.AlertMetricTrafficUsage:
	default:
		return fmt.Errorf("metric_type %q: %w", rule.MetricType, types.ErrInvalidInput)
	}
	if _, ok := rule.Comparator.Compare(0, 0); !ok {
		return fmt.Errorf("comparator %q: %w", rule.Comparator, types.ErrInvalidInput)
	}
	if rule.Name == "" || rule.CooldownSec < 0 || rule.DurationSec < 0 {
		return types.ErrInvalidInput
	}
	return nil
}

func (s *Server) createAlertRule(w http.ResponseWriter, r *http.Request) {
	var rule types.AlertRule
	if err := decodeJSON(r, &rule); err != nil {
		writeError(w, err)
		return
	}
	if err := validateRule(&rule); err != nil {
		writeError(w, err)
		return
	}
	rule.UserID = userID(r)
	if err := s.do(r, func() error { return s.Store.CreateAlertRule(&rule) }); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &rule)
}

func (s *Server) ownedAlertRule(r *http.Request, id int64) (*types.AlertRule, error) {
	var rule *types.AlertRule
	err := s.do(r, func() error {
		var err error
		rule, err = s.Store.GetAlertRule(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rule.UserID != userID(r) {
		return nil, fmt.Errorf("alert rule %d: %w", id, types.ErrForbidden)
	}
	return rule, nil
}

func (s *Server) getAlertRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	rule, err := s.ownedAlertRule(r, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) updateAlertRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	existing, err := s.ownedAlertRule(r, id)
	if err != nil {
		writeError(w, err)
		return
	}
	var rule types.AlertRule
	if err := decodeJSON(r, &rule); err != nil {
		writeError(w, err)
		return
	}
	if err := validateRule(&rule); err != nil {
		writeError(w, err)
		return
	}
	rule.ID = id
	rule.UserID = existing.UserID
	rule.LastTriggeredAt = existing.LastTriggeredAt
	if err := s.do(r, func() error { return s.Store.UpdateAlertRule(&rule) }); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &rule)
}

func (s *Server) deleteAlertRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.ownedAlertRule(r, id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.do(r, func() error { return s.Store.DeleteAlertRule(id) }); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) listChannels(w http.ResponseWriter, r *http.Request) {
	var channels []*types.NotificationChannel
	err := s.do(r, func() error {
		var err error
		channels, err = s.Store.ListChannelsByUser(userID(r))
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, channels)
}

func (s *Server) createChannel(w http.ResponseWriter, r *http.Request) {
	var ch types.NotificationChannel
	if err := decodeJSON(r, &ch); err != nil {
		writeError(w, err)
		return
	}
	ch.UserID = userID(r)
	if err := s.do(r, func() error { return s.Channels.CreateChannel(&ch) }); err != nil {
		writeError(w, err)
		return
	}
	// Never echo the config back.
	ch.Config = nil
	writeJSON(w, http.StatusCreated, &ch)
}

func (s *Server) ownedChannel(r *http.Request, id int64) (*types.NotificationChannel, error) {
	var ch *types.NotificationChannel
	err := s.do(r, func() error {
		var err error
		ch, _, err = s.Store.GetChannel(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if ch.UserID != userID(r) {
		return nil, fmt.Errorf("channel %d: %w", id, types.ErrForbidden)
	}
	return ch, nil
}

func (s *Server) updateChannel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	existing, err := s.ownedChannel(r, id)
	if err != nil {
		writeError(w, err)
		return
	}
	var ch types.NotificationChannel
	if err := decodeJSON(r, &ch); err != nil {
		writeError(w, err)
		return
	}
	ch.ID = id
	ch.UserID = existing.UserID
	if err := s.do(r, func() error { return s.Channels.UpdateChannel(&ch) }); err != nil {
		writeError(w, err)
		return
	}
	ch.Config = nil
	writeJSON(w, http.StatusOK, &ch)
}

func (s *Server) deleteChannel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.ownedChannel(r, id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.do(r, func() error { return s.Store.DeleteChannel(id) }); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}
