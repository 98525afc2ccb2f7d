package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	proto "github.com/nodenexus/nodenexus/api/proto"
	"github.com/nodenexus/nodenexus/pkg/agentconfig"
	"github.com/nodenexus/nodenexus/pkg/broadcast"
	"github.com/nodenexus/nodenexus/pkg/cache"
	"github.com/nodenexus/nodenexus/pkg/log"
	"github.com/nodenexus/nodenexus/pkg/session"
	"github.com/nodenexus/nodenexus/pkg/storage"
	"github.com/nodenexus/nodenexus/pkg/types"
)

// ConfigPusher delivers effective configs to connected agents and marks
// the delivery pending until the agent acknowledges it.
type ConfigPusher struct {
	Store    *storage.Store
	State    *cache.LiveState
	Registry *session.Registry
	Resolver *agentconfig.Resolver
	Push     *broadcast.Pusher
}

// PushEffectiveConfig resolves and sends the current effective config to
// each given host that has a live session. Offline hosts pick the config
// up at their next handshake.
func (p *ConfigPusher) PushEffectiveConfig(hostIDs ...int64) {
	logger := log.WithComponent("config")
	var changed []int64
	for _, id := range hostIDs {
		host, err := p.Store.GetHost(id)
		if err != nil {
			if !errors.Is(err, types.ErrNotFound) {
				logger.Error().Err(err).Int64("host_id", id).Msg("config push load failed")
			}
			continue
		}
		agent := p.Registry.Get(id)
		if agent == nil {
			continue
		}
		raw, err := p.Resolver.EffectiveJSON(host)
		if err != nil {
			logger.Error().Err(err).Int64("host_id", id).Msg("config resolve failed")
			continue
		}
		msg := &proto.MessageToAgent{
			UpdateConfigRequest: &proto.UpdateConfigRequest{
				ConfigVersionID: uuid.NewString(),
				NewConfigJSON:   raw,
			},
		}
		if err := agent.Sender.Send(msg); err != nil {
			logger.Warn().Err(err).Int64("host_id", id).Msg("config send failed")
			continue
		}
		if err := p.Store.UpdateHostConfigStatus(id, types.ConfigStatusPending); err != nil {
			logger.Error().Err(err).Int64("host_id", id).Msg("config status update failed")
			continue
		}
		changed = append(changed, id)
	}
	if len(changed) > 0 {
		if err := p.State.Refresh(changed...); err != nil {
			logger.Error().Err(err).Msg("cache refresh failed")
		}
		p.Push.ServerListChanged()
	}
}

func (s *Server) getAgentDefaults(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Resolver.Defaults())
}

// setAgentDefaults swaps the global defaults and repushes effective
// configs to every connected agent, since all of them inherit from the
// defaults.
func (s *Server) setAgentDefaults(w http.ResponseWriter, r *http.Request) {
	var cfg types.AgentConfig
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, err)
		return
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, err)
		return
	}
	s.Resolver.SetDefaults(&cfg)
	go s.Configs.PushEffectiveConfig(s.Registry.ConnectedIDs()...)
	writeJSON(w, http.StatusOK, &cfg)
}
