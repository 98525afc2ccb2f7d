package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	proto "github.com/nodenexus/nodenexus/api/proto"
	"github.com/nodenexus/nodenexus/pkg/log"
	"github.com/nodenexus/nodenexus/pkg/traffic"
	"github.com/nodenexus/nodenexus/pkg/types"
)

// do runs fn on the store's bounded worker pool so handlers queue
// instead of piling onto the sqlite writer.
func (s *Server) do(r *http.Request, fn func() error) error {
	return s.Store.Do(r.Context(), fn)
}

// ownedHost loads the host and enforces ownership.
func (s *Server) ownedHost(r *http.Request, id int64) (*types.Host, error) {
	var host *types.Host
	err := s.do(r, func() error {
		var err error
		host, err = s.Store.GetHost(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if host.UserID != userID(r) {
		return nil, fmt.Errorf("host %d: %w", id, types.ErrForbidden)
	}
	return host, nil
}

func (s *Server) listHosts(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	all := s.State.SnapshotAll()
	out := make([]*types.ServerWithDetails, 0, len(all))
	for _, e := range all {
		if e.UserID == uid {
			out = append(out, e)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) publicServerList(w http.ResponseWriter, r *http.Request) {
	all := s.State.SnapshotAll()
	out := make([]*types.ServerWithDetails, len(all))
	for i, e := range all {
		out[i] = e.PublicView()
	}
	writeJSON(w, http.StatusOK, out)
}

type hostRequest struct {
	Name               string                   `json:"name"`
	IPAddress          string                   `json:"ip_address,omitempty"`
	TrafficLimitBytes  int64                    `json:"traffic_limit_bytes,omitempty"`
	TrafficBillingRule types.TrafficBillingRule `json:"traffic_billing_rule,omitempty"`
	TrafficResetRule   types.TrafficResetRule   `json:"traffic_reset_rule,omitempty"`
	TrafficResetValue  string                   `json:"traffic_reset_value,omitempty"`
}

func (s *Server) createHost(w http.ResponseWriter, r *http.Request) {
	var req hostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, fmt.Errorf("name required: %w", types.ErrInvalidInput))
		return
	}

	host := &types.Host{
		UserID:             userID(r),
		Name:               req.Name,
		IPAddress:          req.IPAddress,
		AgentSecret:        uuid.NewString(),
		Status:             types.HostStatusPending,
		TrafficLimitBytes:  req.TrafficLimitBytes,
		TrafficBillingRule: req.TrafficBillingRule,
		TrafficResetRule:   req.TrafficResetRule,
		TrafficResetValue:  req.TrafficResetValue,
	}
	if host.TrafficResetRule != "" {
		next, err := traffic.NextReset(host.TrafficResetRule, host.TrafficResetValue, time.Now().UTC())
		if err != nil {
			writeError(w, err)
			return
		}
		host.NextTrafficResetAt = &next
	}

	if err := s.do(r, func() error { return s.Store.CreateHost(host) }); err != nil {
		writeError(w, err)
		return
	}
	s.refreshAndPush(host.ID)
	// The agent secret is returned exactly once, at creation.
	writeJSON(w, http.StatusCreated, map[string]any{
		"server":       host,
		"agent_secret": host.AgentSecret,
	})
}

func (s *Server) getHost(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.ownedHost(r, id); err != nil {
		writeError(w, err)
		return
	}
	if entry := s.State.Get(id); entry != nil {
		writeJSON(w, http.StatusOK, entry)
		return
	}
	writeError(w, fmt.Errorf("host %d: %w", id, types.ErrNotFound))
}

func (s *Server) updateHost(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	host, err := s.ownedHost(r, id)
	if err != nil {
		writeError(w, err)
		return
	}

	var req hostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name != "" {
		host.Name = req.Name
	}
	if req.IPAddress != "" {
		host.IPAddress = req.IPAddress
	}
	host.TrafficLimitBytes = req.TrafficLimitBytes
	host.TrafficBillingRule = req.TrafficBillingRule
	rulesChanged := host.TrafficResetRule != req.TrafficResetRule || host.TrafficResetValue != req.TrafficResetValue
	host.TrafficResetRule = req.TrafficResetRule
	host.TrafficResetValue = req.TrafficResetValue
	if host.TrafficResetRule != "" && (rulesChanged || host.NextTrafficResetAt == nil) {
		next, err := traffic.NextReset(host.TrafficResetRule, host.TrafficResetValue, time.Now().UTC())
		if err != nil {
			writeError(w, err)
			return
		}
		host.NextTrafficResetAt = &next
	}
	if host.TrafficResetRule == "" {
		host.NextTrafficResetAt = nil
	}

	if err := s.do(r, func() error { return s.Store.UpdateHost(host) }); err != nil {
		writeError(w, err)
		return
	}
	s.refreshAndPush(id)
	writeJSON(w, http.StatusOK, host)
}

func (s *Server) deleteHost(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.ownedHost(r, id); err != nil {
		writeError(w, err)
		return
	}
	if agent := s.Registry.Get(id); agent != nil {
		go agent.Sender.Close()
		s.Registry.Remove(id, agent)
	}
	if err := s.do(r, func() error { return s.Store.DeleteHost(id) }); err != nil {
		writeError(w, err)
		return
	}
	s.State.Remove(id)
	s.Push.ServerListChanged()
	writeJSON(w, http.StatusNoContent, nil)
}

type bulkTagsRequest struct {
	HostIDs []int64 `json:"host_ids"`
	TagIDs  []int64 `json:"tag_ids"`
}

// bulkSetTags replaces tag assignments on many hosts, isolating per-host
// failures.
func (s *Server) bulkSetTags(w http.ResponseWriter, r *http.Request) {
	var req bulkTagsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.HostIDs) == 0 {
		writeError(w, fmt.Errorf("host_ids required: %w", types.ErrInvalidInput))
		return
	}

	failures := map[int64]string{}
	var updated []int64
	for _, id := range req.HostIDs {
		if _, err := s.ownedHost(r, id); err != nil {
			failures[id] = err.Error()
			continue
		}
		err := s.do(r, func() error { return s.Store.SetHostTags(id, req.TagIDs) })
		if err != nil {
			log.WithComponent("server").Warn().Err(err).Int64("host_id", id).Msg("bulk tag update failed")
			failures[id] = err.Error()
			continue
		}
		updated = append(updated, id)
	}
	if len(updated) > 0 {
		s.refreshAndPush(updated...)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"updated": updated,
		"errors":  failures,
	})
}

type bulkHostsRequest struct {
	HostIDs []int64 `json:"host_ids"`
}

// bulkTriggerUpdateCheck asks the connected agents among the targets to
// run their self-update check.
func (s *Server) bulkTriggerUpdateCheck(w http.ResponseWriter, r *http.Request) {
	var req bulkHostsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	var triggered, offline []int64
	for _, id := range req.HostIDs {
		if _, err := s.ownedHost(r, id); err != nil {
			offline = append(offline, id)
			continue
		}
		agent := s.Registry.Get(id)
		if agent == nil {
			offline = append(offline, id)
			continue
		}
		if err := agent.Sender.Send(&proto.MessageToAgent{TriggerUpdateCheck: &proto.TriggerUpdateCheck{}}); err != nil {
			log.WithComponent("server").Warn().Err(err).Int64("host_id", id).Msg("update check send failed")
			offline = append(offline, id)
			continue
		}
		triggered = append(triggered, id)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"triggered": triggered,
		"offline":   offline,
	})
}

func (s *Server) hostTimeseries(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.ownedHost(r, id); err != nil {
		writeError(w, err)
		return
	}
	from, to, err := timeRange(r)
	if err != nil {
		writeError(w, err)
		return
	}

	granularity := r.URL.Query().Get("granularity")
	var payload any
	err = s.do(r, func() error {
		switch granularity {
		case "", "raw":
			rows, err := s.Store.SnapshotsInRange(id, from, to)
			payload = rows
			return err
		case string(types.Summary1m), string(types.Summary1h), string(types.Summary1d):
			rows, err := s.Store.SummariesInRange(types.SummaryGranularity(granularity), id, from, to)
			payload = rows
			return err
		}
		return fmt.Errorf("granularity %q: %w", granularity, types.ErrInvalidInput)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// setHostConfigOverride replaces the host's agent config override and
// repushes the effective config.
func (s *Server) setHostConfigOverride(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	host, err := s.ownedHost(r, id)
	if err != nil {
		writeError(w, err)
		return
	}

	var override json.RawMessage
	if err := decodeJSON(r, &override); err != nil {
		writeError(w, err)
		return
	}
	host.ConfigOverride = override
	// Validate the merge before persisting.
	if _, err := s.Resolver.Effective(host); err != nil {
		writeError(w, err)
		return
	}
	host.ConfigStatus = types.ConfigStatusPending
	if err := s.do(r, func() error { return s.Store.UpdateHost(host) }); err != nil {
		writeError(w, err)
		return
	}
	s.Configs.PushEffectiveConfig(id)
	s.refreshAndPush(id)
	writeJSON(w, http.StatusOK, host)
}

func (s *Server) upsertRenewal(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.ownedHost(r, id); err != nil {
		writeError(w, err)
		return
	}

	var ren types.Renewal
	if err := decodeJSON(r, &ren); err != nil {
		writeError(w, err)
		return
	}
	ren.HostID = id
	if err := s.do(r, func() error { return s.Store.UpsertRenewal(&ren) }); err != nil {
		writeError(w, err)
		return
	}
	s.refreshAndPush(id)
	writeJSON(w, http.StatusOK, &ren)
}

func (s *Server) dismissReminder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.ownedHost(r, id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Renewals.DismissReminder(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "dismissed"})
}

func (s *Server) refreshAndPush(ids ...int64) {
	if err := s.State.Refresh(ids...); err != nil {
		log.WithComponent("server").Error().Err(err).Msg("cache refresh failed")
	}
	s.Push.ServerListChanged()
}
