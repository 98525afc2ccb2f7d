// Package agentconfig resolves the effective configuration an agent
// runs with: global defaults, the host's JSON override merged on top
// (present field wins), and the host's runnable monitor tasks appended.
package agentconfig

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nodenexus/nodenexus/pkg/types"
)

// TaskSource computes the runnable monitor tasks for a host.
type TaskSource interface {
	TasksForHost(hostID int64) ([]*types.ServiceMonitorTask, error)
}

// Resolver merges defaults, override and tasks into effective configs.
type Resolver struct {
	mu       sync.RWMutex
	defaults *types.AgentConfig
	tasks    TaskSource
}

// NewResolver builds a resolver. A nil defaults uses the built-in ones.
func NewResolver(defaults *types.AgentConfig, tasks TaskSource) *Resolver {
	if defaults == nil {
		defaults = types.DefaultAgentConfig()
	}
	return &Resolver{defaults: defaults, tasks: tasks}
}

// Defaults returns a copy of the current global defaults.
func (r *Resolver) Defaults() *types.AgentConfig {
	r.mu.RLock()
	cfg := *r.defaults
	r.mu.RUnlock()
	return &cfg
}

// SetDefaults swaps the global defaults at runtime.
func (r *Resolver) SetDefaults(cfg *types.AgentConfig) {
	r.mu.Lock()
	r.defaults = cfg
	r.mu.Unlock()
}

// Effective resolves the host's config. The override is merged
// field-by-field: a field present in the override JSON replaces the
// default, an absent field keeps it.
func (r *Resolver) Effective(host *types.Host) (*types.AgentConfig, error) {
	r.mu.RLock()
	cfg := *r.defaults
	r.mu.RUnlock()
	cfg.ServiceMonitorTasks = nil

	if len(host.ConfigOverride) > 0 {
		if err := json.Unmarshal(host.ConfigOverride, &cfg); err != nil {
			return nil, fmt.Errorf("host %d config override: %w", host.ID, types.ErrInvalidInput)
		}
		// The override never carries monitor tasks; they are computed.
		cfg.ServiceMonitorTasks = nil
	}

	if r.tasks != nil {
		tasks, err := r.tasks.TasksForHost(host.ID)
		if err != nil {
			return nil, err
		}
		cfg.ServiceMonitorTasks = tasks
	}
	return &cfg, nil
}

// EffectiveJSON resolves and serializes the host's config for the wire.
func (r *Resolver) EffectiveJSON(host *types.Host) ([]byte, error) {
	cfg, err := r.Effective(host)
	if err != nil {
		return nil, err
	}
	return json.Marshal(cfg)
}
